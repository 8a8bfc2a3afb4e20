package wire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"

	"github.com/gorilla/websocket"

	"qenboard/internal/store"
)

// ErrClosed is returned by every operation after the hub connection drops.
var ErrClosed = errors.New("wire: connection closed")

// txMaxRetries mirrors the in-memory engine's conflict cap.
const txMaxRetries = 16

// Client is a store.Store speaking to a Hub. Push keys are minted locally,
// the same way the reference store mints them, so appends never wait on a
// round-trip.
type Client struct {
	ws   *websocket.Conn
	keys store.KeyGen
	done chan struct{}

	writeMu sync.Mutex // one frame on the wire at a time

	mu      sync.Mutex
	seq     int64
	pending map[int64]chan Frame
	values  map[int64]*store.Buffer[store.Value]
	childs  map[int64]*store.Buffer[store.ChildEvent]
}

var _ store.Store = (*Client)(nil)

// Dial connects to a hub's /ws endpoint, e.g. ws://192.168.1.7:8877/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		done:    make(chan struct{}),
		pending: make(map[int64]chan Frame),
		values:  make(map[int64]*store.Buffer[store.Value]),
		childs:  make(map[int64]*store.Buffer[store.ChildEvent]),
	}
	go c.readLoop()
	return c, nil
}

// Close drops the connection; in-flight and future calls fail with ErrClosed.
func (c *Client) Close() error { return c.ws.Close() }

func (c *Client) readLoop() {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.shutdown()
			return
		}
		switch f.Op {
		case opAck:
			c.mu.Lock()
			ch := c.pending[f.Seq]
			delete(c.pending, f.Seq)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case opEvent:
			c.mu.Lock()
			vals := c.values[f.Watch]
			kids := c.childs[f.Watch]
			c.mu.Unlock()
			if vals != nil {
				vals.Push(f.Value)
			}
			if kids != nil {
				kids.Push(store.ChildEvent{Key: f.Key, Value: f.Value})
			}
		default:
			log.Printf("[wire] unexpected frame op %q", f.Op)
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	for seq, ch := range c.pending {
		delete(c.pending, seq)
		close(ch)
	}
	for seq, b := range c.values {
		delete(c.values, seq)
		b.Close()
	}
	for seq, b := range c.childs {
		delete(c.childs, seq)
		b.Close()
	}
}

// call sends one frame and waits for its ack.
func (c *Client) call(ctx context.Context, f Frame) (Frame, error) {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return Frame{}, ErrClosed
	default:
	}
	c.seq++
	f.Seq = c.seq
	c.pending[f.Seq] = ch
	c.mu.Unlock()

	if err := c.writeFrame(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		return Frame{}, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		if ack.Err != "" {
			return Frame{}, fmt.Errorf("wire: %s %s: %s", f.Op, f.Path, ack.Err)
		}
		return ack, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, ErrClosed
	}
}

func (c *Client) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("wire: send %s: %w", f.Op, err)
	}
	return nil
}

func (c *Client) ReadOnce(ctx context.Context, path string) (store.Value, error) {
	ack, err := c.call(ctx, Frame{Op: opRead, Path: path})
	if err != nil {
		return nil, err
	}
	return ack.Value, nil
}

func (c *Client) Write(ctx context.Context, path string, v store.Value) error {
	_, err := c.call(ctx, Frame{Op: opWrite, Path: path, Value: store.Normalize(v)})
	return err
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, Frame{Op: opDelete, Path: path})
	return err
}

func (c *Client) PushKey() string { return c.keys.Next() }

func (c *Client) WatchValue(ctx context.Context, path string) (<-chan store.Value, store.CancelFunc, error) {
	buf := store.NewBuffer[store.Value]()
	c.mu.Lock()
	c.seq++
	seq := c.seq
	ch := make(chan Frame, 1)
	c.pending[seq] = ch
	c.values[seq] = buf
	c.mu.Unlock()

	cancel := c.watchCancel(seq)
	if err := c.awaitWatchAck(ctx, Frame{Seq: seq, Op: opWatchValue, Path: path}, ch, cancel); err != nil {
		return nil, nil, err
	}
	context.AfterFunc(ctx, cancel)
	return buf.Out(), cancel, nil
}

func (c *Client) WatchChildAdded(ctx context.Context, path string) (<-chan store.ChildEvent, store.CancelFunc, error) {
	buf := store.NewBuffer[store.ChildEvent]()
	c.mu.Lock()
	c.seq++
	seq := c.seq
	ch := make(chan Frame, 1)
	c.pending[seq] = ch
	c.childs[seq] = buf
	c.mu.Unlock()

	cancel := c.watchCancel(seq)
	if err := c.awaitWatchAck(ctx, Frame{Seq: seq, Op: opWatchChild, Path: path}, ch, cancel); err != nil {
		return nil, nil, err
	}
	context.AfterFunc(ctx, cancel)
	return buf.Out(), cancel, nil
}

func (c *Client) awaitWatchAck(ctx context.Context, f Frame, ch chan Frame, cancel store.CancelFunc) error {
	if err := c.writeFrame(f); err != nil {
		cancel()
		return err
	}
	select {
	case ack, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if ack.Err != "" {
			cancel()
			return fmt.Errorf("wire: %s %s: %s", f.Op, f.Path, ack.Err)
		}
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) watchCancel(seq int64) store.CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.pending, seq)
			if b, ok := c.values[seq]; ok {
				delete(c.values, seq)
				b.Close()
			}
			if b, ok := c.childs[seq]; ok {
				delete(c.childs, seq)
				b.Close()
			}
			closed := false
			select {
			case <-c.done:
				closed = true
			default:
			}
			c.mu.Unlock()
			if !closed {
				// best effort; the hub also reaps watches on disconnect
				if err := c.writeFrame(Frame{Op: opUnwatch, Watch: seq}); err != nil {
					log.Printf("[wire] unwatch %d: %v", seq, err)
				}
			}
		})
	}
}

// Transaction runs the optimistic loop client-side: the update callback
// cannot cross the wire, so each round is a read, a local compute and a
// compare-and-swap against what was read. Conflicts re-invoke fn, capped
// like the reference engine.
func (c *Client) Transaction(ctx context.Context, path string, fn store.TxFunc) (store.Value, bool, error) {
	for attempt := 0; attempt < txMaxRetries; attempt++ {
		cur, err := c.ReadOnce(ctx, path)
		if err != nil {
			return nil, false, err
		}
		next, ok := fn(cur)
		if !ok {
			settled, same, err := c.compareAndSwap(ctx, path, cur, cur)
			if err != nil {
				return nil, false, err
			}
			if same {
				return settled, false, nil
			}
			continue
		}
		settled, swapped, err := c.compareAndSwap(ctx, path, cur, next)
		if err != nil {
			return nil, false, err
		}
		if swapped {
			return settled, true, nil
		}
	}
	return nil, false, store.ErrTooManyConflicts
}

func (c *Client) compareAndSwap(ctx context.Context, path string, old, next store.Value) (store.Value, bool, error) {
	ack, err := c.call(ctx, Frame{
		Op:    opCAS,
		Path:  path,
		Old:   store.Normalize(old),
		Value: store.Normalize(next),
	})
	if err != nil {
		return nil, false, err
	}
	return ack.Value, ack.OK, nil
}

// normalizeEqual reports value equality after canonicalization; exposed for
// tests that compare wire and local snapshots.
func normalizeEqual(a, b store.Value) bool {
	return reflect.DeepEqual(store.Normalize(a), store.Normalize(b))
}
