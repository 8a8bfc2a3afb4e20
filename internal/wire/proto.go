// Package wire puts the store contract on the network: a Hub owns the
// authoritative tree and serves it over websocket, and Client implements
// store.Store against a hub. Hubs announce themselves over mDNS so boards
// on the same LAN find each other without configuration.
package wire

// Frame is the single message shape both directions speak. Requests carry a
// client-chosen Seq; the hub acks with the same Seq. Watch events reference
// the Seq of the request that opened the watch.
type Frame struct {
	Seq   int64  `json:"seq"`
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value"`
	Old   any    `json:"old,omitempty"`
	OK    bool   `json:"ok"`
	Watch int64  `json:"watch,omitempty"`
	Err   string `json:"err,omitempty"`
}

const (
	opRead       = "read"
	opWrite      = "write"
	opDelete     = "delete"
	opCAS        = "cas"
	opWatchValue = "watchValue"
	opWatchChild = "watchChild"
	opUnwatch    = "unwatch"
	opAck        = "ack"
	opEvent      = "event"
)

const serviceType = "_qenboard._tcp"
