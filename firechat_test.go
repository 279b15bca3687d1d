package firechat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"firechat/store"
	"firechat/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects event payloads per event type. Safe for use from
// concurrent room joins.
type recorder struct {
	mu     sync.Mutex
	events map[EventType][]any
}

func newRecorder() *recorder {
	return &recorder{events: make(map[EventType][]any)}
}

func (r *recorder) handler(event EventType) Handler {
	return func(payload any) {
		r.mu.Lock()
		r.events[event] = append(r.events[event], payload)
		r.mu.Unlock()
	}
}

func (r *recorder) get(event EventType) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.events[event]))
	copy(out, r.events[event])
	return out
}

func (r *recorder) count(event EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[event])
}

// watchAll registers the recorder for every session event.
func (r *recorder) watchAll(s *Session) {
	for _, ev := range []EventType{
		EventUserUpdate, EventRoomEnter, EventRoomExit,
		EventMessageAdd, EventMessageRemove,
		EventRoomInvite, EventRoomInviteResponse,
		EventNotification, EventAuthRequired,
	} {
		s.On(ev, r.handler(ev))
	}
}

func newTestSession(t *testing.T, st store.Store, userID, userName string) (*Session, *recorder) {
	t.Helper()
	s := New(context.Background(), st, NewStaticAuth(userID, userName), Options{
		NumMaxMessages: 3,
		Logger:         discardLogger(),
	})
	t.Cleanup(s.Close)
	rec := newRecorder()
	rec.watchAll(s)
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return s, rec
}

func TestSetUserCreatesProfile(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s := New(ctx, st, NewStaticAuth("u1", "alice"), Options{Logger: discardLogger()})
	defer s.Close()

	u, err := s.SetUser(ctx, "u1", "alice")
	if err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	if u.ID != "u1" || u.Name != "alice" {
		t.Errorf("SetUser() = %+v", u)
	}

	snap, _ := st.Get(ctx, pathUsers.Child("u1", "name"))
	if snap.Value != "alice" {
		t.Errorf("profile record name = %v, want alice", snap.Value)
	}
	if s.SessionID() == "" {
		t.Error("no session id after SetUser")
	}
}

func TestSetUserKeepsExistingProfile(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	_ = st.Set(ctx, pathUsers.Child("u1"), map[string]any{"id": "u1", "name": "original"})

	s := New(ctx, st, NewStaticAuth("u1", "impostor"), Options{Logger: discardLogger()})
	defer s.Close()

	u, err := s.SetUser(ctx, "u1", "impostor")
	if err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	if u.Name != "original" {
		t.Errorf("existing profile overwritten: name = %q", u.Name)
	}
	snap, _ := st.Get(ctx, pathUsers.Child("u1", "name"))
	if snap.Value != "original" {
		t.Errorf("stored name = %v, want original", snap.Value)
	}
}

func TestSetUserIdempotent(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s := New(ctx, st, NewStaticAuth("u1", "alice"), Options{Logger: discardLogger()})
	defer s.Close()

	if _, err := s.SetUser(ctx, "u1", "alice"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	sid := s.SessionID()
	if _, err := s.SetUser(ctx, "u1", "alice"); err != nil {
		t.Fatalf("second SetUser() error = %v", err)
	}
	if s.SessionID() != sid {
		t.Errorf("session id changed on repeated SetUser: %q then %q", sid, s.SessionID())
	}
}

func TestModeratorFlag(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	_ = st.Set(ctx, pathModerators.Child("u1"), true)

	s, _ := newTestSession(t, st, "u1", "alice")
	if !s.IsModerator() {
		t.Error("IsModerator() = false for listed moderator")
	}

	s2, _ := newTestSession(t, st, "u2", "bob")
	if s2.IsModerator() {
		t.Error("IsModerator() = true for regular user")
	}
}

// popupAuth has no ambient identity and counts interactive flows.
type popupAuth struct {
	mu    sync.Mutex
	calls int
	data  AuthData
}

func (a *popupAuth) GetAuth() *AuthData { return nil }

func (a *popupAuth) AuthWithOAuthPopup(ctx context.Context, provider string) (*AuthData, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	d := a.data
	d.Provider = provider
	return &d, nil
}

func (a *popupAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestAuthenticateRunsPopupOnce(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	auth := &popupAuth{data: AuthData{UserID: "u1", DisplayName: "alice"}}
	s := New(ctx, st, auth, Options{Logger: discardLogger()})
	defer s.Close()

	// A gated operation triggers the interactive flow exactly once.
	if _, err := s.CreateRoom(ctx, "general", RoomTypePublic); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if auth.callCount() != 1 {
		t.Fatalf("popup calls = %d, want 1", auth.callCount())
	}

	// Subsequent gated operations reuse the established identity.
	if _, err := s.GetRoomList(ctx); err != nil {
		t.Fatalf("GetRoomList() error = %v", err)
	}
	if err := s.EnterRoom(ctx, "missing"); err != nil {
		t.Fatalf("EnterRoom() error = %v", err)
	}
	if auth.callCount() != 1 {
		t.Errorf("popup calls = %d, want 1", auth.callCount())
	}
}

func TestSessionPresenceBits(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, _ := newTestSession(t, st, "u1", "Alice")
	sid := s.SessionID()

	sessionPath := pathUsers.Child("u1", "sessions", sid)
	snap, _ := st.Get(ctx, sessionPath)
	if snap.Value != true {
		t.Errorf("session bit = %v, want true", snap.Value)
	}
	if _, armed := st.DisconnectValue(sessionPath); !armed {
		t.Error("session bit has no armed disconnect write")
	}

	// The online index is keyed by lowercased name.
	onlinePath := pathUsersOnline.Child("alice", sid, "name")
	snap, _ = st.Get(ctx, onlinePath)
	if snap.Value != "Alice" {
		t.Errorf("online index entry = %v, want Alice", snap.Value)
	}
}

func TestUserUpdateEvent(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	_, rec := newTestSession(t, st, "u1", "alice")

	// The listener backfill delivers the record once on attach.
	if rec.count(EventUserUpdate) == 0 {
		t.Fatal("no user-update after SetUser")
	}
	before := rec.count(EventUserUpdate)

	_ = st.Set(ctx, pathUsers.Child("u1", "name"), "alice2")
	updates := rec.get(EventUserUpdate)
	if len(updates) <= before {
		t.Fatal("no user-update after profile write")
	}
	last := updates[len(updates)-1].(User)
	if last.Name != "alice2" {
		t.Errorf("updated user name = %q, want alice2", last.Name)
	}
}

func TestCloseStopsListeners(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, rec := newTestSession(t, st, "u1", "alice")

	roomID, err := s.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	s.Close()

	before := rec.count(EventMessageAdd)
	_ = st.Set(ctx, pathRoomMessages.Child(roomID, "m1"), map[string]any{"message": "hi"})
	if rec.count(EventMessageAdd) != before {
		t.Error("message delivered after Close")
	}
	before = rec.count(EventUserUpdate)
	_ = st.Set(ctx, pathUsers.Child("u1", "name"), "ghost")
	if rec.count(EventUserUpdate) != before {
		t.Error("user-update delivered after Close")
	}
}
