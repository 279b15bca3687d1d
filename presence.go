package firechat

import (
	"context"
	"log/slog"
	"sync"

	"firechat/store"
)

// presenceBit is one online/offline value pair applied at a path for the
// lifetime of a join operation.
type presenceBit struct {
	path    store.Path
	online  any
	offline any
}

// presenceTracker records every armed presence operation so it can be
// reapplied after a reconnect. On-disconnect triggers are scoped to the
// live connection and silently dropped by the backend across reconnects;
// without the reapply pass, presence state would stay stale after any
// network blip.
type presenceTracker struct {
	st  store.Store
	log *slog.Logger

	mu   sync.Mutex
	bits map[string]presenceBit
}

func newPresenceTracker(st store.Store, log *slog.Logger) *presenceTracker {
	return &presenceTracker{st: st, log: log, bits: make(map[string]presenceBit)}
}

// watch subscribes to connectivity transitions for the life of the session
// and reapplies all recorded bits on every transition to connected.
func (t *presenceTracker) watch() store.StopFunc {
	return t.st.WatchConnectivity(func(connected bool) {
		if connected {
			t.reapply(context.Background())
		}
	})
}

// queue arms the offline write for disconnect, sets the online value, and
// records the pair for reapplication.
func (t *presenceTracker) queue(ctx context.Context, path store.Path, online, offline any) error {
	if err := t.st.OnDisconnectSet(ctx, path, offline); err != nil {
		return err
	}
	if err := t.st.Set(ctx, path, online); err != nil {
		return err
	}
	t.mu.Lock()
	t.bits[string(path)] = presenceBit{path: path, online: online, offline: offline}
	t.mu.Unlock()
	return nil
}

// remove cancels the disconnect trigger, writes value directly, and forgets
// the recorded pair.
func (t *presenceTracker) remove(ctx context.Context, path store.Path, value any) error {
	if err := t.st.OnDisconnectCancel(ctx, path); err != nil {
		return err
	}
	if err := t.st.Set(ctx, path, value); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.bits, string(path))
	t.mu.Unlock()
	return nil
}

func (t *presenceTracker) reapply(ctx context.Context) {
	t.mu.Lock()
	bits := make([]presenceBit, 0, len(t.bits))
	for _, b := range t.bits {
		bits = append(bits, b)
	}
	t.mu.Unlock()

	for _, b := range bits {
		if err := t.st.OnDisconnectSet(ctx, b.path, b.offline); err != nil {
			t.log.Warn("presence: re-arm failed", "path", string(b.path), "error", err)
			continue
		}
		if err := t.st.Set(ctx, b.path, b.online); err != nil {
			t.log.Warn("presence: reapply failed", "path", string(b.path), "error", err)
		}
	}
}

func (t *presenceTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bits)
}
