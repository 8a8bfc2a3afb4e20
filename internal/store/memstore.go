package store

import (
	"context"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// txMaxRetries bounds how often a transaction is re-run after losing the
// compare-and-swap race before giving up with ErrTooManyConflicts.
const txMaxRetries = 16

// node is one tree node. Either scalar is set, or children is non-empty,
// never both. Absent nodes are simply not stored.
type node struct {
	scalar   Value
	children map[string]*node
}

// MemStore is the in-memory reference implementation of Store. The hub mounts
// one as the authoritative tree, and every engine test runs against one.
type MemStore struct {
	mu     sync.Mutex
	root   *node
	keys   KeyGen
	nextID int
	values map[int]*valueWatch
	childs map[int]*childWatch
}

type valueWatch struct {
	path []string
	q    *Buffer[Value]
}

type childWatch struct {
	path []string
	seen map[string]bool
	q    *Buffer[ChildEvent]
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		root:   &node{},
		values: make(map[int]*valueWatch),
		childs: make(map[int]*childWatch),
	}
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Normalize rewrites a value into the canonical shapes ReadOnce returns:
// numbers become float64 and nested maps become map[string]Value. Values
// that cross the wire arrive this way already; local writers may not bother.
func Normalize(v Value) Value {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]Value:
		out := make(map[string]Value, len(t))
		for k, c := range t {
			if n := Normalize(c); n != nil {
				out[k] = n
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case map[string]bool:
		out := make(map[string]Value, len(t))
		for k, c := range t {
			out[k] = c
		}
		return out
	default:
		return t
	}
}

func toNode(v Value) *node {
	v = Normalize(v)
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]Value); ok {
		n := &node{children: make(map[string]*node, len(m))}
		for k, c := range m {
			if cn := toNode(c); cn != nil {
				n.children[k] = cn
			}
		}
		if len(n.children) == 0 {
			return nil
		}
		return n
	}
	return &node{scalar: v}
}

func (n *node) materialize() Value {
	if n == nil {
		return nil
	}
	if len(n.children) > 0 {
		m := make(map[string]Value, len(n.children))
		for k, c := range n.children {
			m[k] = c.materialize()
		}
		return m
	}
	return n.scalar
}

func (n *node) lookup(path []string) *node {
	cur := n
	for _, p := range path {
		if cur == nil {
			return nil
		}
		cur = cur.children[p]
	}
	return cur
}

// set replaces the subtree at path. A nil replacement deletes, pruning now
// empty ancestors on the way back up.
func (n *node) set(path []string, repl *node) {
	if len(path) == 0 {
		if repl == nil {
			n.scalar = nil
			n.children = nil
			return
		}
		n.scalar = repl.scalar
		n.children = repl.children
		return
	}
	head := path[0]
	child := n.children[head]
	if child == nil {
		if repl == nil {
			return
		}
		child = &node{}
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		// a scalar cannot have children; the write wins
		n.scalar = nil
		n.children[head] = child
	}
	child.set(path[1:], repl)
	if child.scalar == nil && len(child.children) == 0 {
		delete(n.children, head)
	}
}

func isPrefix(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SortedChildKeys orders sibling keys the way the store does: keys that parse
// as integers first, numerically, then the rest byte-wise. Page numbers and
// push keys both end up in insertion order under this rule.
func SortedChildKeys(v Value) []string {
	m, ok := v.(map[string]Value)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, iOK := strconv.Atoi(keys[i])
		nj, jOK := strconv.Atoi(keys[j])
		switch {
		case iOK == nil && jOK == nil:
			return ni < nj
		case iOK == nil:
			return true
		case jOK == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

func (s *MemStore) ReadOnce(ctx context.Context, path string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root.lookup(splitPath(path)).materialize(), nil
}

func (s *MemStore) Write(ctx context.Context, path string, v Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(splitPath(path), v)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	return s.Write(ctx, path, nil)
}

func (s *MemStore) writeLocked(path []string, v Value) {
	s.root.set(path, toNode(v))
	s.notifyLocked(path)
}

func (s *MemStore) notifyLocked(written []string) {
	for _, w := range s.values {
		if isPrefix(w.path, written) || isPrefix(written, w.path) {
			w.q.Push(s.root.lookup(w.path).materialize())
		}
	}
	for _, w := range s.childs {
		if !isPrefix(w.path, written) && !isPrefix(written, w.path) {
			continue
		}
		parent := s.root.lookup(w.path)
		if parent == nil {
			continue
		}
		for _, key := range SortedChildKeys(parent.materialize()) {
			if w.seen[key] {
				continue
			}
			w.seen[key] = true
			w.q.Push(ChildEvent{Key: key, Value: parent.children[key].materialize()})
		}
	}
}

func (s *MemStore) WatchValue(ctx context.Context, path string) (<-chan Value, CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &valueWatch{path: splitPath(path), q: NewBuffer[Value]()}
	id := s.nextID
	s.nextID++
	s.values[id] = w
	w.q.Push(s.root.lookup(w.path).materialize())

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.values[id]; ok {
			delete(s.values, id)
			w.q.Close()
		}
		s.mu.Unlock()
	}
	context.AfterFunc(ctx, cancel)
	return w.q.Out(), cancel, nil
}

func (s *MemStore) WatchChildAdded(ctx context.Context, path string) (<-chan ChildEvent, CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &childWatch{path: splitPath(path), seen: make(map[string]bool), q: NewBuffer[ChildEvent]()}
	id := s.nextID
	s.nextID++
	s.childs[id] = w

	if parent := s.root.lookup(w.path); parent != nil {
		for _, key := range SortedChildKeys(parent.materialize()) {
			w.seen[key] = true
			w.q.Push(ChildEvent{Key: key, Value: parent.children[key].materialize()})
		}
	}

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.childs[id]; ok {
			delete(s.childs, id)
			w.q.Close()
		}
		s.mu.Unlock()
	}
	context.AfterFunc(ctx, cancel)
	return w.q.Out(), cancel, nil
}

func (s *MemStore) PushKey() string {
	return s.keys.Next()
}

// CompareAndSwap writes next at path only if the node still equals old.
// It returns the node's value after the attempt and whether the swap applied.
func (s *MemStore) CompareAndSwap(ctx context.Context, path string, old, next Value) (Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := splitPath(path)
	cur := s.root.lookup(parts).materialize()
	if !reflect.DeepEqual(cur, Normalize(old)) {
		return cur, false, nil
	}
	if next = Normalize(next); !reflect.DeepEqual(cur, next) {
		s.writeLocked(parts, next)
	}
	return s.root.lookup(parts).materialize(), true, nil
}

func (s *MemStore) Transaction(ctx context.Context, path string, fn TxFunc) (Value, bool, error) {
	for attempt := 0; attempt < txMaxRetries; attempt++ {
		cur, err := s.ReadOnce(ctx, path)
		if err != nil {
			return nil, false, err
		}
		next, ok := fn(cur)
		if !ok {
			// abort still has to be race-free: only settle on cur if
			// it is what fn actually saw
			settled, same, err := s.CompareAndSwap(ctx, path, cur, cur)
			if err != nil {
				return nil, false, err
			}
			if same {
				return settled, false, nil
			}
			continue
		}
		settled, swapped, err := s.CompareAndSwap(ctx, path, cur, next)
		if err != nil {
			return nil, false, err
		}
		if swapped {
			return settled, true, nil
		}
	}
	return nil, false, ErrTooManyConflicts
}

// Buffer is an unbounded fan-out buffer between an event producer (the
// store's mutex, a websocket read loop) and a watch's consumer, so a slow
// consumer never blocks the producer. Out closes after Close.
type Buffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	done   chan struct{}
	out    chan T
}

func NewBuffer[T any]() *Buffer[T] {
	q := &Buffer[T]{out: make(chan T), done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *Buffer[T]) Push(v T) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, v)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *Buffer[T]) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Out is the consumer side.
func (q *Buffer[T]) Out() <-chan T { return q.out }

func (q *Buffer[T]) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			close(q.out)
			return
		}
		v := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		select {
		case q.out <- v:
		case <-q.done:
			close(q.out)
			return
		}
	}
}
