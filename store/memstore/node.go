package memstore

import (
	"sort"

	"firechat/store"
)

// node is a single entry in the tree. A node holds either a leaf value or
// children, never both. Priority can be set on any node and orders it among
// its siblings.
type node struct {
	children map[string]*node
	value    any
	priority int64
}

func (n *node) child(key string) *node {
	if n == nil || n.children == nil {
		return nil
	}
	return n.children[key]
}

// descend walks the path without creating nodes. Returns nil if any segment
// is missing.
func (n *node) descend(path store.Path) *node {
	cur := n
	for _, seg := range path.Segments() {
		cur = cur.child(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// materialize reconstructs the stored value: maps for interior nodes, the
// raw value for leaves.
func (n *node) materialize() any {
	if n == nil {
		return nil
	}
	if n.children == nil {
		return n.value
	}
	m := make(map[string]any, len(n.children))
	for k, c := range n.children {
		m[k] = c.materialize()
	}
	return m
}

// graft replaces the node's contents with the given value, expanding maps
// into child nodes so that listeners and ranged queries see individual keys.
func (n *node) graft(value any, priority int64) {
	n.priority = priority
	if m, ok := value.(map[string]any); ok {
		n.value = nil
		n.children = make(map[string]*node, len(m))
		for k, v := range m {
			c := &node{}
			c.graft(v, 0)
			n.children[k] = c
		}
		return
	}
	n.children = nil
	n.value = value
}

type childEntry struct {
	key      string
	priority int64
}

func entryLess(a, b childEntry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.key < b.key
}

// sortedChildren returns the node's direct children ordered by
// (priority, key), filtered by the query's key range. LimitToLast is not
// applied here.
func (n *node) sortedChildren(q store.Query) []childEntry {
	if n == nil || n.children == nil {
		return nil
	}
	entries := make([]childEntry, 0, len(n.children))
	for k, c := range n.children {
		if q.StartAt != "" && k < q.StartAt {
			continue
		}
		if q.EndAt != "" && k > q.EndAt {
			continue
		}
		entries = append(entries, childEntry{key: k, priority: c.priority})
	}
	sort.Slice(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) })
	return entries
}

// window is the bounded view a child_added listener holds over an ordered
// child set. When full, a new entry that sorts after the lowest one evicts
// it, which is reported to the listener as a child_removed.
type window struct {
	limit   int
	entries []childEntry // sorted by (priority, key)
}

// insert adds the entry and reports whether it landed inside the window and
// which entry, if any, was evicted to make room.
func (w *window) insert(e childEntry) (added bool, evicted *childEntry) {
	i := sort.Search(len(w.entries), func(i int) bool { return entryLess(e, w.entries[i]) })
	w.entries = append(w.entries, childEntry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e

	if w.limit <= 0 || len(w.entries) <= w.limit {
		return true, nil
	}
	old := w.entries[0]
	w.entries = w.entries[1:]
	if old.key == e.key {
		// The new entry sorts below everything already in a full window.
		return false, nil
	}
	return true, &old
}

func (w *window) remove(key string) bool {
	for i, e := range w.entries {
		if e.key == key {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return true
		}
	}
	return false
}
