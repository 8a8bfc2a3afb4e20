package wire

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"qenboard/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// every board on the LAN is welcome
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub serves a MemStore to websocket clients. One reader and one writer
// goroutine per connection; watch events fan out through the same writer.
type Hub struct {
	store *store.MemStore

	mu    sync.RWMutex
	conns map[*hubConn]bool
}

func NewHub(st *store.MemStore) *Hub {
	return &Hub{store: st, conns: make(map[*hubConn]bool)}
}

// Store exposes the authoritative tree, letting the hosting process attach
// its own engine to the same store its peers see.
func (h *Hub) Store() *store.MemStore { return h.store }

// ServeHTTP upgrades to websocket and serves store ops until the peer goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade failed: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &hubConn{
		hub:     h,
		ws:      ws,
		ctx:     ctx,
		cancel:  cancel,
		send:    store.NewBuffer[Frame](),
		watches: make(map[int64]store.CancelFunc),
	}
	h.add(c)
	log.Printf("[hub] client connected from %s", ws.RemoteAddr())

	go c.writeLoop()
	c.readLoop()

	h.remove(c)
	log.Printf("[hub] client disconnected from %s", ws.RemoteAddr())
}

func (h *Hub) add(c *hubConn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

type hubConn struct {
	hub    *Hub
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   *store.Buffer[Frame]

	mu      sync.Mutex
	watches map[int64]store.CancelFunc
}

func (c *hubConn) close() {
	c.cancel()
	c.mu.Lock()
	for _, stop := range c.watches {
		stop()
	}
	c.watches = map[int64]store.CancelFunc{}
	c.mu.Unlock()
	c.send.Close()
	c.ws.Close()
}

func (c *hubConn) writeLoop() {
	for f := range c.send.Out() {
		if err := c.ws.WriteJSON(f); err != nil {
			log.Printf("[hub] write to %s: %v", c.ws.RemoteAddr(), err)
			c.cancel()
			return
		}
	}
}

func (c *hubConn) readLoop() {
	defer c.cancel()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		c.handle(f)
	}
}

func (c *hubConn) handle(f Frame) {
	st := c.hub.store
	ack := Frame{Seq: f.Seq, Op: opAck}

	switch f.Op {
	case opRead:
		v, err := st.ReadOnce(c.ctx, f.Path)
		ack.Value, ack.Err = v, errString(err)

	case opWrite:
		ack.Err = errString(st.Write(c.ctx, f.Path, f.Value))

	case opDelete:
		ack.Err = errString(st.Delete(c.ctx, f.Path))

	case opCAS:
		settled, swapped, err := st.CompareAndSwap(c.ctx, f.Path, f.Old, f.Value)
		ack.Value, ack.OK, ack.Err = settled, swapped, errString(err)

	case opWatchValue:
		values, stop, err := st.WatchValue(c.ctx, f.Path)
		if err == nil {
			c.trackWatch(f.Seq, stop)
			go func() {
				for v := range values {
					c.send.Push(Frame{Op: opEvent, Watch: f.Seq, Value: v})
				}
			}()
		}
		ack.Err = errString(err)

	case opWatchChild:
		events, stop, err := st.WatchChildAdded(c.ctx, f.Path)
		if err == nil {
			c.trackWatch(f.Seq, stop)
			go func() {
				for ev := range events {
					c.send.Push(Frame{Op: opEvent, Watch: f.Seq, Key: ev.Key, Value: ev.Value})
				}
			}()
		}
		ack.Err = errString(err)

	case opUnwatch:
		c.mu.Lock()
		if stop, ok := c.watches[f.Watch]; ok {
			delete(c.watches, f.Watch)
			stop()
		}
		c.mu.Unlock()

	default:
		ack.Err = "unknown op " + f.Op
	}

	if f.Op != opUnwatch {
		c.send.Push(ack)
	}
}

func (c *hubConn) trackWatch(seq int64, stop store.CancelFunc) {
	c.mu.Lock()
	c.watches[seq] = stop
	c.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
