// Package store defines the contract for the path-addressed realtime
// backend the chat core binds to. Implementations must provide read-once
// snapshots, continuous child/value subscriptions, transactional updates,
// server-generated push keys and on-disconnect triggered writes.
package store

import (
	"context"
	"encoding/json"
	"strings"
)

// Path addresses a node in the backend tree. Segments are joined with "/".
type Path string

// NewPath builds a path from the given segments.
func NewPath(parts ...string) Path {
	return Path(strings.Join(parts, "/"))
}

// Child returns the path extended with the given segments.
func (p Path) Child(parts ...string) Path {
	if p == "" {
		return NewPath(parts...)
	}
	return Path(string(p) + "/" + strings.Join(parts, "/"))
}

// Parent returns the path with the last segment removed.
func (p Path) Parent() Path {
	i := strings.LastIndexByte(string(p), '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// Key returns the last segment of the path.
func (p Path) Key() string {
	i := strings.LastIndexByte(string(p), '/')
	return string(p[i+1:])
}

func (p Path) String() string {
	return string(p)
}

// Segments splits the path into its individual keys.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// EventType identifies the kind of subscription a listener registers for.
type EventType string

const (
	EventValue        EventType = "value"
	EventChildAdded   EventType = "child_added"
	EventChildRemoved EventType = "child_removed"
)

// Query bounds a child subscription or ranged read. Keys are compared
// bytewise; callers wanting case-insensitive prefix matches must index by
// lowercased keys. LimitToLast keeps only the highest (priority, key)
// entries, which is how the per-room sliding message window is enforced.
type Query struct {
	LimitToLast int
	StartAt     string
	EndAt       string
}

// Snapshot is the value of a node at a point in time. A missing node has a
// nil Value.
type Snapshot struct {
	Key      string
	Value    any
	Priority int64
}

// Decode unmarshals the snapshot value into out via a JSON round trip.
func (s Snapshot) Decode(out any) error {
	if s.Value == nil {
		return nil
	}
	b, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

type serverTimestamp struct{}

// ServerTimestamp is a write sentinel replaced by the store with its own
// clock (milliseconds since epoch) at commit time. It may appear as a value,
// inside a map value, or as a write priority.
var ServerTimestamp any = serverTimestamp{}

// UpdateFunc is applied to the current value of a node inside a
// transaction. Returning commit=false aborts and leaves the node unchanged.
type UpdateFunc func(current any) (value any, commit bool)

// Listener receives snapshots for a subscription.
type Listener func(snap Snapshot)

// CancelFunc is invoked when the backend revokes a subscription, e.g. on
// permission loss. The subscription is dead once it fires.
type CancelFunc func(err error)

// StopFunc unregisters a subscription. Safe to call more than once.
type StopFunc func()

// Store is the backend adapter consumed by the chat core.
//
// Writing a nil value removes the node, mirroring the semantics of the
// hosted backends this adapter models.
type Store interface {
	// Get reads the node once. A missing node yields a nil-value snapshot.
	Get(ctx context.Context, path Path) (Snapshot, error)

	// Children reads the node's direct children once, ordered by
	// (priority, key) and bounded by the query.
	Children(ctx context.Context, path Path, q Query) ([]Snapshot, error)

	Set(ctx context.Context, path Path, value any) error
	SetWithPriority(ctx context.Context, path Path, value any, priority any) error

	// Update sets the given child keys without touching siblings.
	Update(ctx context.Context, path Path, values map[string]any) error

	Remove(ctx context.Context, path Path) error

	// Push appends a child under path with a server-generated,
	// lexically-sortable key and returns that key. A nil value reserves
	// the key without writing.
	Push(ctx context.Context, path Path, value any) (string, error)

	// Transaction atomically applies fn to the node. It returns the final
	// snapshot (committed value, or current value on abort) and whether
	// the update committed.
	Transaction(ctx context.Context, path Path, fn UpdateFunc) (Snapshot, bool, error)

	// Listen subscribes to events at path. child_added listeners are
	// backfilled with the children currently inside the query window.
	// onCancel may be nil.
	Listen(path Path, q Query, event EventType, fn Listener, onCancel CancelFunc) StopFunc

	// OnDisconnectSet arms a write of value at path that the backend
	// performs when this connection drops. The registration is scoped to
	// the live connection and does not survive a reconnect.
	OnDisconnectSet(ctx context.Context, path Path, value any) error
	OnDisconnectCancel(ctx context.Context, path Path) error

	// WatchConnectivity reports connection state transitions. The current
	// state is delivered immediately on registration.
	WatchConnectivity(fn func(connected bool)) StopFunc
}
