// Package wsstore implements the store adapter over a websocket connection
// to a remote backend speaking a small JSON frame protocol. Requests carry a
// client-assigned id echoed by the response; subscription events reuse the
// id of the listen request that registered them.
package wsstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"firechat/store"
)

// Ops sent by the client.
const (
	opGet      = "get"
	opChildren = "children"
	opSet      = "set"
	opUpdate   = "update"
	opPush     = "push"
	opCAS      = "cas"
	opListen   = "listen"
	opUnlisten = "unlisten"
	opODSet    = "odset"
	opODCancel = "odcancel"
)

// Ops sent by the server outside a request/response pair.
const (
	opEvent  = "event"
	opCancel = "cancel"
)

type frame struct {
	ID        int64           `json:"id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Path      string          `json:"path,omitempty"`
	Value     any             `json:"value,omitempty"`
	Priority  any             `json:"priority,omitempty"`
	Values    map[string]any  `json:"values,omitempty"`
	Query     *store.Query    `json:"query,omitempty"`
	Event     store.EventType `json:"event,omitempty"`
	Key       string          `json:"key,omitempty"`
	Expect    any             `json:"expect,omitempty"`
	Committed bool            `json:"committed,omitempty"`
	Children  []childFrame    `json:"children,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type childFrame struct {
	Key      string `json:"key"`
	Value    any    `json:"value"`
	Priority int64  `json:"priority,omitempty"`
}

// conn is the subset of the websocket connection the client needs.
// *websocket.Conn satisfies it directly.
type conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type listenReg struct {
	id       int64
	path     store.Path
	query    store.Query
	event    store.EventType
	fn       store.Listener
	onCancel store.CancelFunc
}

var errClientClosed = errors.New("wsstore: client closed")

type Client struct {
	log  *slog.Logger
	dial func(ctx context.Context) (conn, error)

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu        sync.Mutex
	c         conn
	nextID    int64
	pending   map[int64]chan frame
	listens   map[int64]*listenReg
	watchers  map[int64]func(bool)
	connected bool
	closed    bool
}

var _ store.Store = (*Client)(nil)

// Dial connects to the backend at url (ws:// or wss://) and starts the read
// pump. The client redials with capped backoff after a broken connection,
// re-arming all live subscriptions; on-disconnect registrations are the
// caller's to re-arm, which the presence layer does on the connectivity
// signal.
func Dial(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	cl := &Client{
		log: log,
		dial: func(ctx context.Context) (conn, error) {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return c, err
		},
		pending:  make(map[int64]chan frame),
		listens:  make(map[int64]*listenReg),
		watchers: make(map[int64]func(bool)),
	}
	c, err := cl.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("wsstore: dial %s: %w", url, err)
	}
	cl.c = c
	cl.connected = true
	go cl.readLoop(c)
	return cl, nil
}

// newWithConn wires the client to an existing connection. Used by tests; no
// redial happens when the connection breaks.
func newWithConn(c conn, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	cl := &Client{
		log:       log,
		c:         c,
		connected: true,
		pending:   make(map[int64]chan frame),
		listens:   make(map[int64]*listenReg),
		watchers:  make(map[int64]func(bool)),
	}
	go cl.readLoop(c)
	return cl
}

// encodeValue rewrites the ServerTimestamp sentinel into its wire form so
// the backend assigns its own clock.
func encodeValue(v any) any {
	if v == store.ServerTimestamp {
		return map[string]any{".sv": "timestamp"}
	}
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = encodeValue(e)
		}
		return out
	}
	return v
}

func (cl *Client) send(f frame) error {
	cl.mu.Lock()
	c := cl.c
	cl.mu.Unlock()
	if c == nil {
		return errClientClosed
	}
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	return c.WriteJSON(f)
}

func (cl *Client) request(ctx context.Context, f frame) (frame, error) {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return frame{}, errClientClosed
	}
	cl.nextID++
	f.ID = cl.nextID
	ch := make(chan frame, 1)
	cl.pending[f.ID] = ch
	cl.mu.Unlock()

	if err := cl.send(f); err != nil {
		cl.mu.Lock()
		delete(cl.pending, f.ID)
		cl.mu.Unlock()
		return frame{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, errors.New("wsstore: connection lost")
		}
		if resp.Error != "" {
			return frame{}, fmt.Errorf("wsstore: %s %s: %s", f.Op, f.Path, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		cl.mu.Lock()
		delete(cl.pending, f.ID)
		cl.mu.Unlock()
		return frame{}, ctx.Err()
	}
}

func (cl *Client) readLoop(c conn) {
	for {
		var f frame
		if err := c.ReadJSON(&f); err != nil {
			cl.handleDisconnect(c, err)
			return
		}
		switch f.Op {
		case opEvent:
			cl.mu.Lock()
			reg := cl.listens[f.ID]
			cl.mu.Unlock()
			if reg != nil {
				prio, _ := f.Priority.(float64)
				reg.fn(store.Snapshot{Key: f.Key, Value: f.Value, Priority: int64(prio)})
			}
		case opCancel:
			cl.mu.Lock()
			reg := cl.listens[f.ID]
			delete(cl.listens, f.ID)
			cl.mu.Unlock()
			if reg != nil && reg.onCancel != nil {
				reg.onCancel(errors.New(f.Error))
			}
		default:
			cl.mu.Lock()
			ch := cl.pending[f.ID]
			delete(cl.pending, f.ID)
			cl.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		}
	}
}

func (cl *Client) handleDisconnect(c conn, err error) {
	cl.mu.Lock()
	if cl.c != c {
		cl.mu.Unlock()
		return
	}
	cl.c = nil
	cl.connected = false
	for id, ch := range cl.pending {
		close(ch)
		delete(cl.pending, id)
	}
	closed := cl.closed
	watchers := cl.watchersLocked()
	cl.mu.Unlock()

	_ = c.Close()
	for _, w := range watchers {
		w(false)
	}
	if closed || cl.dial == nil {
		return
	}
	cl.log.Warn("wsstore: connection lost, reconnecting", "error", err)
	go cl.redial()
}

func (cl *Client) redial() {
	backoff := time.Second
	for {
		cl.mu.Lock()
		if cl.closed {
			cl.mu.Unlock()
			return
		}
		cl.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		c, err := cl.dial(ctx)
		cancel()
		if err != nil {
			cl.log.Warn("wsstore: redial failed", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		cl.mu.Lock()
		cl.c = c
		cl.connected = true
		regs := make([]*listenReg, 0, len(cl.listens))
		for _, reg := range cl.listens {
			regs = append(regs, reg)
		}
		watchers := cl.watchersLocked()
		cl.mu.Unlock()

		go cl.readLoop(c)

		// Re-arm server-side subscriptions before announcing connectivity,
		// so presence reapplication observes a fully restored session.
		for _, reg := range regs {
			q := reg.query
			_ = cl.send(frame{ID: reg.id, Op: opListen, Path: string(reg.path), Query: &q, Event: reg.event})
		}
		for _, w := range watchers {
			w(true)
		}
		return
	}
}

func (cl *Client) watchersLocked() []func(bool) {
	out := make([]func(bool), 0, len(cl.watchers))
	for _, w := range cl.watchers {
		out = append(out, w)
	}
	return out
}

func (cl *Client) Get(ctx context.Context, path store.Path) (store.Snapshot, error) {
	resp, err := cl.request(ctx, frame{Op: opGet, Path: string(path)})
	if err != nil {
		return store.Snapshot{}, err
	}
	prio, _ := resp.Priority.(float64)
	return store.Snapshot{Key: path.Key(), Value: resp.Value, Priority: int64(prio)}, nil
}

func (cl *Client) Children(ctx context.Context, path store.Path, q store.Query) ([]store.Snapshot, error) {
	resp, err := cl.request(ctx, frame{Op: opChildren, Path: string(path), Query: &q})
	if err != nil {
		return nil, err
	}
	snaps := make([]store.Snapshot, 0, len(resp.Children))
	for _, c := range resp.Children {
		snaps = append(snaps, store.Snapshot{Key: c.Key, Value: c.Value, Priority: c.Priority})
	}
	return snaps, nil
}

func (cl *Client) Set(ctx context.Context, path store.Path, value any) error {
	_, err := cl.request(ctx, frame{Op: opSet, Path: string(path), Value: encodeValue(value)})
	return err
}

func (cl *Client) SetWithPriority(ctx context.Context, path store.Path, value any, priority any) error {
	_, err := cl.request(ctx, frame{
		Op:       opSet,
		Path:     string(path),
		Value:    encodeValue(value),
		Priority: encodeValue(priority),
	})
	return err
}

func (cl *Client) Update(ctx context.Context, path store.Path, values map[string]any) error {
	enc := make(map[string]any, len(values))
	for k, v := range values {
		enc[k] = encodeValue(v)
	}
	_, err := cl.request(ctx, frame{Op: opUpdate, Path: string(path), Values: enc})
	return err
}

func (cl *Client) Remove(ctx context.Context, path store.Path) error {
	return cl.Set(ctx, path, nil)
}

func (cl *Client) Push(ctx context.Context, path store.Path, value any) (string, error) {
	resp, err := cl.request(ctx, frame{Op: opPush, Path: string(path), Value: encodeValue(value)})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

// Transaction runs fn against the current value and submits the result as a
// compare-and-swap. On contention the backend returns the fresh value and
// the loop retries.
func (cl *Client) Transaction(ctx context.Context, path store.Path, fn store.UpdateFunc) (store.Snapshot, bool, error) {
	snap, err := cl.Get(ctx, path)
	if err != nil {
		return store.Snapshot{}, false, err
	}
	current := snap.Value

	for attempt := 0; attempt < 10; attempt++ {
		value, commit := fn(current)
		if !commit {
			return store.Snapshot{Key: path.Key(), Value: current}, false, nil
		}
		resp, err := cl.request(ctx, frame{
			Op:     opCAS,
			Path:   string(path),
			Expect: current,
			Value:  encodeValue(value),
		})
		if err != nil {
			return store.Snapshot{}, false, err
		}
		if resp.Committed {
			return store.Snapshot{Key: path.Key(), Value: resp.Value}, true, nil
		}
		current = resp.Value
	}
	return store.Snapshot{}, false, fmt.Errorf("wsstore: transaction on %s did not converge", path)
}

func (cl *Client) Listen(path store.Path, q store.Query, event store.EventType, fn store.Listener, onCancel store.CancelFunc) store.StopFunc {
	cl.mu.Lock()
	cl.nextID++
	reg := &listenReg{id: cl.nextID, path: path, query: q, event: event, fn: fn, onCancel: onCancel}
	cl.listens[reg.id] = reg
	cl.mu.Unlock()

	if err := cl.send(frame{ID: reg.id, Op: opListen, Path: string(path), Query: &q, Event: event}); err != nil {
		cl.log.Warn("wsstore: listen failed", "path", string(path), "error", err)
	}

	return func() {
		cl.mu.Lock()
		_, live := cl.listens[reg.id]
		delete(cl.listens, reg.id)
		cl.mu.Unlock()
		if live {
			_ = cl.send(frame{ID: reg.id, Op: opUnlisten})
		}
	}
}

func (cl *Client) OnDisconnectSet(ctx context.Context, path store.Path, value any) error {
	_, err := cl.request(ctx, frame{Op: opODSet, Path: string(path), Value: encodeValue(value)})
	return err
}

func (cl *Client) OnDisconnectCancel(ctx context.Context, path store.Path) error {
	_, err := cl.request(ctx, frame{Op: opODCancel, Path: string(path)})
	return err
}

func (cl *Client) WatchConnectivity(fn func(connected bool)) store.StopFunc {
	cl.mu.Lock()
	cl.nextID++
	id := cl.nextID
	cl.watchers[id] = fn
	current := cl.connected
	cl.mu.Unlock()

	fn(current)

	return func() {
		cl.mu.Lock()
		delete(cl.watchers, id)
		cl.mu.Unlock()
	}
}

// Close tears the connection down and stops any redial attempts.
func (cl *Client) Close() error {
	cl.mu.Lock()
	cl.closed = true
	c := cl.c
	cl.c = nil
	cl.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}
