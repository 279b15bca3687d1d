package memstore

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"firechat/store"
)

var bucketNodes = []byte("nodes")

// dbNode is the persisted form of a tree node. Leaves carry their value;
// interior nodes are stored only when they have a non-zero priority, which
// must survive a reload to keep child ordering stable.
type dbNode struct {
	Value    any   `msgpack:"value"`
	Priority int64 `msgpack:"priority"`
	Leaf     bool  `msgpack:"leaf"`
}

type boltBackend struct {
	db *bbolt.DB
}

// Open returns a store backed by a bbolt file. The tree is loaded eagerly
// and every mutation is written through.
func Open(file string) (*Store, error) {
	db, err := bbolt.Open(file, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	s := New()
	s.db = &boltBackend{db: db}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (b *boltBackend) close() error {
	return b.db.Close()
}

func (s *Store) load() error {
	type prioEntry struct {
		path store.Path
		prio int64
	}
	var leaves []struct {
		path store.Path
		node dbNode
	}
	var prios []prioEntry

	err := s.db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var dn dbNode
			if err := msgpack.Unmarshal(v, &dn); err != nil {
				return fmt.Errorf("corrupt node %s: %w", string(k), err)
			}
			p := store.Path(k)
			if dn.Leaf {
				leaves = append(leaves, struct {
					path store.Path
					node dbNode
				}{p, dn})
			} else {
				prios = append(prios, prioEntry{p, dn.Priority})
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	// No listeners exist yet, so events can be discarded.
	var pending []func()
	for _, l := range leaves {
		s.setLocked(l.path, l.node.Value, l.node.Priority, &pending)
	}
	for _, p := range prios {
		if n := s.root.descend(p.path); n != nil {
			n.priority = p.prio
		}
	}
	return nil
}

// persistLocked rewrites the subtree at changed. Called with the store lock
// held; no-op for purely in-memory stores.
func (s *Store) persistLocked(changed store.Path) {
	if s.db == nil {
		return
	}
	n := s.root.descend(changed)

	err := s.db.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)

		// Drop everything previously stored under the changed path.
		c := b.Cursor()
		prefix := []byte(string(changed) + "/")
		var stale [][]byte
		if changed == "" {
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
		} else {
			if b.Get([]byte(changed)) != nil {
				stale = append(stale, []byte(changed))
			}
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		if n == nil {
			return nil
		}
		return writeNode(b, changed, n)
	})
	if err != nil {
		// The in-memory tree stays authoritative on a failed write-through.
		slog.Error("memstore: persist failed", "path", string(changed), "error", err)
	}
}

func writeNode(b *bbolt.Bucket, path store.Path, n *node) error {
	if n.children == nil {
		data, err := msgpack.Marshal(&dbNode{Value: n.value, Priority: n.priority, Leaf: true})
		if err != nil {
			return err
		}
		return b.Put([]byte(path), data)
	}
	if n.priority != 0 {
		data, err := msgpack.Marshal(&dbNode{Priority: n.priority})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(path), data); err != nil {
			return err
		}
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeNode(b, path.Child(k), n.children[k]); err != nil {
			return err
		}
	}
	return nil
}
