// Package firechat is the client core of a realtime chat application: it
// manages the authenticated session, room membership, presence across
// disconnects, message streams, invitations and moderation, on top of a
// path-addressed backend store.
package firechat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"firechat/store"
)

const DefaultNumMaxMessages = 50

var (
	pathUsers        = store.NewPath("users")
	pathRoomMetadata = store.NewPath("room-metadata")
	pathRoomMessages = store.NewPath("room-messages")
	pathRoomUsers    = store.NewPath("room-users")
	pathModerators   = store.NewPath("moderators")
	pathSuspensions  = store.NewPath("suspensions")
	pathUsersOnline  = store.NewPath("user-names-online")
)

type Options struct {
	// NumMaxMessages bounds the per-room sliding window of visible
	// messages. Defaults to DefaultNumMaxMessages.
	NumMaxMessages int
	// RoomCacheTTL bounds staleness of room metadata lookups.
	RoomCacheTTL time.Duration
	Logger       *slog.Logger
}

// Session is one user's connection to the chat system. All mutable state
// (joined rooms, presence bits, event handlers) belongs to the session
// instance; independent sessions can coexist in one process.
type Session struct {
	st   store.Store
	auth Authenticator
	log  *slog.Logger
	opts Options

	events    *eventBus
	presence  *presenceTracker
	roomCache geche.Geche[string, Room]

	mu        sync.Mutex
	user      *User
	userID    string
	userName  string
	sessionID string
	moderator bool
	rooms     map[string]*roomState
	stops     []store.StopFunc

	now func() int64
}

func New(ctx context.Context, st store.Store, auth Authenticator, opts Options) *Session {
	if opts.NumMaxMessages <= 0 {
		opts.NumMaxMessages = DefaultNumMaxMessages
	}
	if opts.RoomCacheTTL <= 0 {
		opts.RoomCacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		st:        st,
		auth:      auth,
		log:       opts.Logger,
		opts:      opts,
		events:    newEventBus(),
		presence:  newPresenceTracker(st, opts.Logger),
		roomCache: geche.NewMapTTLCache[string, Room](ctx, opts.RoomCacheTTL, opts.RoomCacheTTL),
		rooms:     make(map[string]*roomState),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// On registers a handler for the given event. Handlers fire synchronously,
// in registration order.
func (s *Session) On(event EventType, h Handler) *Session {
	s.events.on(event, h)
	return s
}

// User returns the current user record, or nil before authentication.
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Session) IsModerator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moderator
}

// SessionID returns the identifier generated for this connected instance.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) identity() (userID, userName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userName
}

func (s *Session) authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil
}

// SetUser establishes the session identity. On the user's first visit the
// profile record is created inside a transaction; a concurrent writer that
// populated it first wins and the existing record is kept. The moderator
// flag is then loaded and the session's data listeners are attached.
func (s *Session) SetUser(ctx context.Context, userID, userName string) (*User, error) {
	s.mu.Lock()
	if s.sessionID != "" && s.userID == userID {
		u := *s.user
		s.mu.Unlock()
		return &u, nil
	}
	s.mu.Unlock()

	userPath := pathUsers.Child(userID)
	snap, _, err := s.st.Transaction(ctx, userPath, func(current any) (any, bool) {
		m, _ := current.(map[string]any)
		if m == nil || m["id"] == nil || m["name"] == nil {
			return map[string]any{"id": userID, "name": userName}, true
		}
		return nil, false
	})
	if err != nil {
		return nil, fmt.Errorf("set user %s: %w", userID, err)
	}

	var u User
	if err := snap.Decode(&u); err != nil {
		return nil, fmt.Errorf("set user %s: decode: %w", userID, err)
	}

	modSnap, err := s.st.Get(ctx, pathModerators.Child(userID))
	if err != nil {
		return nil, fmt.Errorf("set user %s: moderator flag: %w", userID, err)
	}
	isMod, _ := modSnap.Value.(bool)

	s.mu.Lock()
	s.user = &u
	s.userID = userID
	s.userName = userName
	s.moderator = isMod
	s.mu.Unlock()

	if err := s.setupDataEvents(ctx); err != nil {
		return nil, err
	}

	out := u
	return &out, nil
}

// setupDataEvents attaches the session-lifetime listeners: connectivity for
// presence reapplication, the session and username presence bits, and the
// user record, invite and notification streams.
func (s *Session) setupDataEvents(ctx context.Context) error {
	userID, userName := s.identity()
	userPath := pathUsers.Child(userID)

	s.addStop(s.presence.watch())

	sessionID, err := s.st.Push(ctx, userPath.Child("sessions"), nil)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()

	if err := s.presence.queue(ctx, userPath.Child("sessions", sessionID), true, nil); err != nil {
		return fmt.Errorf("session presence: %w", err)
	}

	onlinePath := pathUsersOnline.Child(strings.ToLower(userName), sessionID)
	online := map[string]any{"id": userID, "name": userName}
	if err := s.presence.queue(ctx, onlinePath, online, nil); err != nil {
		return fmt.Errorf("username presence: %w", err)
	}

	s.addStop(s.st.Listen(userPath, store.Query{}, store.EventValue, s.onUpdateUser, nil))
	s.addStop(s.st.Listen(userPath.Child("invites"), store.Query{}, store.EventChildAdded, s.onInvite, nil))
	s.addStop(s.st.Listen(userPath.Child("notifications"), store.Query{}, store.EventChildAdded, s.onNotification, nil))
	return nil
}

// Authenticate resolves the session identity: immediately when already
// authenticated, from the adapter's current identity when signed in, and
// through the interactive OAuth flow otherwise.
func (s *Session) Authenticate(ctx context.Context) error {
	if s.authenticated() {
		return nil
	}
	data := s.auth.GetAuth()
	if data == nil {
		var err error
		data, err = s.auth.AuthWithOAuthPopup(ctx, "github")
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}
	_, err := s.SetUser(ctx, data.UserID, data.DisplayName)
	return err
}

// requireAuth gates an operation on completed authentication, then runs the
// wrapped closure with the arguments it captured at the call site.
func (s *Session) requireAuth(ctx context.Context, op func(ctx context.Context) error) error {
	if err := s.Authenticate(ctx); err != nil {
		return err
	}
	return op(ctx)
}

func (s *Session) addStop(stop store.StopFunc) {
	s.mu.Lock()
	s.stops = append(s.stops, stop)
	s.mu.Unlock()
}

func (s *Session) onUpdateUser(snap store.Snapshot) {
	if snap.Value == nil {
		return
	}
	var u User
	if err := snap.Decode(&u); err != nil {
		s.log.Warn("user record decode failed", "error", err)
		return
	}
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
	s.events.emit(EventUserUpdate, u)
}

// Close detaches every listener held by the session. Presence cleanup is
// the backend's job via the armed on-disconnect writes.
func (s *Session) Close() {
	s.mu.Lock()
	stops := s.stops
	s.stops = nil
	rooms := s.rooms
	s.rooms = make(map[string]*roomState)
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, rs := range rooms {
		rs.stop()
	}
}
