// Package memstore is an in-memory implementation of the store adapter,
// with optional persistence to a bbolt file. It backs tests, the demo
// binary and any deployment that does not need a remote backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"firechat/store"
)

type listener struct {
	id       int64
	path     store.Path
	event    store.EventType
	query    store.Query
	fn       store.Listener
	onCancel store.CancelFunc
	win      *window
	stopped  bool
}

type Store struct {
	mu          sync.Mutex
	root        *node
	listeners   []*listener
	nextID      int64
	connected   bool
	watchers    map[int64]func(bool)
	disconnects map[string]any
	db          *boltBackend
	now         func() int64
}

// New returns an empty, connected store.
func New() *Store {
	return &Store{
		root:        &node{},
		connected:   true,
		watchers:    make(map[int64]func(bool)),
		disconnects: make(map[string]any),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

var _ store.Store = (*Store)(nil)

func resolveTimestamps(v any, now int64) any {
	if v == store.ServerTimestamp {
		return now
	}
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = resolveTimestamps(e, now)
		}
		return out
	}
	return v
}

func resolvePriority(p any, now int64) (int64, error) {
	switch t := p.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	default:
		if p == store.ServerTimestamp {
			return now, nil
		}
		return 0, fmt.Errorf("unsupported priority type %T", p)
	}
}

func (s *Store) dispatch(pending []func()) {
	for _, f := range pending {
		f()
	}
}

// queue wraps a listener callback so that it is skipped if the listener was
// stopped between the mutation and the dispatch.
func (s *Store) queue(l *listener, f func(), pending *[]func()) {
	*pending = append(*pending, func() {
		s.mu.Lock()
		dead := l.stopped
		s.mu.Unlock()
		if !dead {
			f()
		}
	})
}

func (s *Store) snapshotLocked(path store.Path) store.Snapshot {
	snap := store.Snapshot{Key: path.Key()}
	if n := s.root.descend(path); n != nil {
		snap.Value = n.materialize()
		snap.Priority = n.priority
	}
	return snap
}

func isAncestorOrEqual(a, b store.Path) bool {
	if a == b {
		return true
	}
	if a == "" {
		return true
	}
	prefix := string(a) + "/"
	return len(b) > len(prefix) && string(b)[:len(prefix)] == prefix
}

// valueLocked notifies value listeners related to the changed path, i.e.
// watching the path itself, one of its ancestors, or a node underneath it.
func (s *Store) valueLocked(changed store.Path, pending *[]func()) {
	for _, l := range s.listeners {
		if l.stopped || l.event != store.EventValue {
			continue
		}
		if !isAncestorOrEqual(l.path, changed) && !isAncestorOrEqual(changed, l.path) {
			continue
		}
		l := l
		snap := s.snapshotLocked(l.path)
		s.queue(l, func() { l.fn(snap) }, pending)
	}
}

// childInsertedLocked updates the windows of child listeners at parent and
// queues the resulting child_added and eviction child_removed events.
func (s *Store) childInsertedLocked(parent store.Path, key string, n *node, pending *[]func()) {
	for _, l := range s.listeners {
		if l.stopped || l.path != parent || l.win == nil {
			continue
		}
		if l.query.StartAt != "" && key < l.query.StartAt {
			continue
		}
		if l.query.EndAt != "" && key > l.query.EndAt {
			continue
		}
		added, evicted := l.win.insert(childEntry{key: key, priority: n.priority})
		l := l
		if evicted != nil && l.event == store.EventChildRemoved {
			snap := store.Snapshot{Key: evicted.key}
			s.queue(l, func() { l.fn(snap) }, pending)
		}
		if added && l.event == store.EventChildAdded {
			snap := store.Snapshot{Key: key, Value: n.materialize(), Priority: n.priority}
			s.queue(l, func() { l.fn(snap) }, pending)
		}
	}
}

func (s *Store) childRemovedLocked(parent store.Path, key string, pending *[]func()) {
	for _, l := range s.listeners {
		if l.stopped || l.path != parent || l.win == nil {
			continue
		}
		if !l.win.remove(key) {
			continue
		}
		if l.event != store.EventChildRemoved {
			continue
		}
		l := l
		snap := store.Snapshot{Key: key}
		s.queue(l, func() { l.fn(snap) }, pending)
	}
}

func (s *Store) setLocked(path store.Path, value any, priority int64, pending *[]func()) {
	type creation struct {
		parent store.Path
		key    string
	}
	var created []creation

	n := s.root
	cur := store.Path("")
	for _, seg := range path.Segments() {
		if n.children == nil {
			n.children = make(map[string]*node)
			n.value = nil
		}
		c, ok := n.children[seg]
		if !ok {
			c = &node{}
			n.children[seg] = c
			created = append(created, creation{parent: cur, key: seg})
		}
		n = c
		cur = cur.Child(seg)
	}

	existed := make(map[string]bool, len(n.children))
	for k := range n.children {
		existed[k] = true
	}

	n.graft(value, priority)

	// Events for nodes created along the walk, outermost first.
	for _, c := range created {
		cn := s.root.descend(c.parent.Child(c.key))
		s.childInsertedLocked(c.parent, c.key, cn, pending)
	}

	// Diff direct children when overwriting an existing interior node.
	for k, c := range n.children {
		if !existed[k] {
			s.childInsertedLocked(path, k, c, pending)
		}
		delete(existed, k)
	}
	for k := range existed {
		s.childRemovedLocked(path, k, pending)
	}
}

func (s *Store) removeLocked(path store.Path, pending *[]func()) {
	parent := s.root.descend(path.Parent())
	key := path.Key()
	if parent == nil || parent.child(key) == nil {
		return
	}
	delete(parent.children, key)
	if len(parent.children) == 0 {
		parent.children = nil
	}
	s.childRemovedLocked(path.Parent(), key, pending)
}

func (s *Store) Get(ctx context.Context, path store.Path) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(path), nil
}

func (s *Store) Children(ctx context.Context, path store.Path, q store.Query) ([]store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.root.descend(path)
	entries := n.sortedChildren(q)
	if q.LimitToLast > 0 && len(entries) > q.LimitToLast {
		entries = entries[len(entries)-q.LimitToLast:]
	}
	snaps := make([]store.Snapshot, 0, len(entries))
	for _, e := range entries {
		c := n.child(e.key)
		snaps = append(snaps, store.Snapshot{Key: e.key, Value: c.materialize(), Priority: c.priority})
	}
	return snaps, nil
}

func (s *Store) Set(ctx context.Context, path store.Path, value any) error {
	return s.SetWithPriority(ctx, path, value, nil)
}

func (s *Store) SetWithPriority(ctx context.Context, path store.Path, value any, priority any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	now := s.now()
	prio, err := resolvePriority(priority, now)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	value = resolveTimestamps(value, now)

	var pending []func()
	if value == nil {
		s.removeLocked(path, &pending)
	} else {
		s.setLocked(path, value, prio, &pending)
	}
	s.valueLocked(path, &pending)
	s.persistLocked(path)
	s.mu.Unlock()

	s.dispatch(pending)
	return nil
}

func (s *Store) Update(ctx context.Context, path store.Path, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	now := s.now()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pending []func()
	for _, k := range keys {
		v := resolveTimestamps(values[k], now)
		if v == nil {
			s.removeLocked(path.Child(k), &pending)
		} else {
			s.setLocked(path.Child(k), v, 0, &pending)
		}
	}
	s.valueLocked(path, &pending)
	s.persistLocked(path)
	s.mu.Unlock()

	s.dispatch(pending)
	return nil
}

func (s *Store) Remove(ctx context.Context, path store.Path) error {
	return s.Set(ctx, path, nil)
}

func (s *Store) Push(ctx context.Context, path store.Path, value any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := store.PushID()
	if value == nil {
		return key, nil
	}
	return key, s.Set(ctx, path.Child(key), value)
}

func (s *Store) Transaction(ctx context.Context, path store.Path, fn store.UpdateFunc) (store.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, false, err
	}
	s.mu.Lock()
	current := s.root.descend(path).materialize()
	value, commit := fn(current)

	var pending []func()
	if commit {
		value = resolveTimestamps(value, s.now())
		if value == nil {
			s.removeLocked(path, &pending)
		} else {
			s.setLocked(path, value, 0, &pending)
		}
		s.valueLocked(path, &pending)
		s.persistLocked(path)
	}
	snap := s.snapshotLocked(path)
	s.mu.Unlock()

	s.dispatch(pending)
	return snap, commit, nil
}

func (s *Store) Listen(path store.Path, q store.Query, event store.EventType, fn store.Listener, onCancel store.CancelFunc) store.StopFunc {
	s.mu.Lock()
	s.nextID++
	l := &listener{
		id:       s.nextID,
		path:     path,
		event:    event,
		query:    q,
		fn:       fn,
		onCancel: onCancel,
	}
	s.listeners = append(s.listeners, l)

	var pending []func()
	switch event {
	case store.EventValue:
		snap := s.snapshotLocked(path)
		s.queue(l, func() { l.fn(snap) }, &pending)
	default:
		l.win = &window{limit: q.LimitToLast}
		n := s.root.descend(path)
		entries := n.sortedChildren(q)
		if q.LimitToLast > 0 && len(entries) > q.LimitToLast {
			entries = entries[len(entries)-q.LimitToLast:]
		}
		for _, e := range entries {
			l.win.insert(e)
			if event == store.EventChildAdded {
				c := n.child(e.key)
				snap := store.Snapshot{Key: e.key, Value: c.materialize(), Priority: c.priority}
				s.queue(l, func() { l.fn(snap) }, &pending)
			}
		}
	}
	s.mu.Unlock()

	s.dispatch(pending)

	return func() {
		s.mu.Lock()
		s.dropLocked(l)
		s.mu.Unlock()
	}
}

func (s *Store) dropLocked(l *listener) {
	if l.stopped {
		return
	}
	l.stopped = true
	for i, e := range s.listeners {
		if e == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// CancelListen simulates a backend-side permission revocation: every
// subscription rooted at path is dropped and its onCancel invoked.
func (s *Store) CancelListen(path store.Path, err error) {
	s.mu.Lock()
	var cancelled []*listener
	for _, l := range s.listeners {
		if l.path == path && !l.stopped {
			cancelled = append(cancelled, l)
		}
	}
	for _, l := range cancelled {
		s.dropLocked(l)
	}
	s.mu.Unlock()

	for _, l := range cancelled {
		if l.onCancel != nil {
			l.onCancel(err)
		}
	}
}

func (s *Store) OnDisconnectSet(ctx context.Context, path store.Path, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.disconnects[string(path)] = value
	s.mu.Unlock()
	return nil
}

func (s *Store) OnDisconnectCancel(ctx context.Context, path store.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.disconnects, string(path))
	s.mu.Unlock()
	return nil
}

// DisconnectValue reports the currently armed on-disconnect write for path.
func (s *Store) DisconnectValue(path store.Path) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.disconnects[string(path)]
	return v, ok
}

// Disconnect applies all armed on-disconnect writes, clears them, and flips
// connectivity to offline. Registrations do not survive into the next
// connection, matching live backends.
func (s *Store) Disconnect() {
	s.mu.Lock()
	s.connected = false
	regs := s.disconnects
	s.disconnects = make(map[string]any)

	paths := make([]string, 0, len(regs))
	for p := range regs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var pending []func()
	now := s.now()
	for _, p := range paths {
		path := store.Path(p)
		v := resolveTimestamps(regs[p], now)
		if v == nil {
			s.removeLocked(path, &pending)
		} else {
			s.setLocked(path, v, 0, &pending)
		}
		s.valueLocked(path, &pending)
		s.persistLocked(path)
	}
	watchers := s.watchersLocked()
	s.mu.Unlock()

	s.dispatch(pending)
	for _, w := range watchers {
		w(false)
	}
}

// Reconnect flips connectivity back to online, notifying watchers so that
// presence state can be re-queued.
func (s *Store) Reconnect() {
	s.mu.Lock()
	s.connected = true
	watchers := s.watchersLocked()
	s.mu.Unlock()

	for _, w := range watchers {
		w(true)
	}
}

func (s *Store) watchersLocked() []func(bool) {
	ids := make([]int64, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.watchers[id])
	}
	return out
}

func (s *Store) WatchConnectivity(fn func(connected bool)) store.StopFunc {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	current := s.connected
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Close releases the persistence backend, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.close()
}
