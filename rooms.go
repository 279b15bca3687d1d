package firechat

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"firechat/internal/content"
	"firechat/store"
)

// roomState holds the live message subscriptions of a joined room.
type roomState struct {
	stopAdded   store.StopFunc
	stopRemoved store.StopFunc
}

func (r *roomState) stop() {
	if r.stopAdded != nil {
		r.stopAdded()
	}
	if r.stopRemoved != nil {
		r.stopRemoved()
	}
}

// CreateRoom persists a new room and enters it, returning the generated
// room id. An empty type defaults to public; private rooms start with the
// creator as their only authorized user.
func (s *Session) CreateRoom(ctx context.Context, name string, roomType RoomType) (string, error) {
	var roomID string
	err := s.requireAuth(ctx, func(ctx context.Context) error {
		if err := content.ValidateRoomName(name); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		if roomType == "" {
			roomType = RoomTypePublic
		}
		key, err := s.st.Push(ctx, pathRoomMetadata, nil)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		userID, _ := s.identity()
		room := map[string]any{
			"id":              key,
			"name":            name,
			"type":            string(roomType),
			"createdByUserId": userID,
			"createdAt":       store.ServerTimestamp,
		}
		if roomType == RoomTypePrivate {
			room["authorizedUsers"] = map[string]any{userID: true}
		}
		if err := s.st.Set(ctx, pathRoomMetadata.Child(key), room); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		roomID = key
		return s.enterRoom(ctx, key)
	})
	return roomID, err
}

// EnterRoom joins the room and starts its message stream. Joining is
// idempotent; a room with missing metadata is skipped without firing any
// event.
func (s *Session) EnterRoom(ctx context.Context, roomID string) error {
	return s.requireAuth(ctx, func(ctx context.Context) error {
		return s.enterRoom(ctx, roomID)
	})
}

func (s *Session) enterRoom(ctx context.Context, roomID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("enter room %s: %w", roomID, err)
	}
	if room == nil || room.Name == "" {
		s.log.Warn("enter room: no metadata, skipping", "room_id", roomID)
		return nil
	}

	s.mu.Lock()
	if _, joined := s.rooms[roomID]; joined {
		s.mu.Unlock()
		return nil
	}
	rs := &roomState{}
	s.rooms[roomID] = rs
	userID, userName, sessionID := s.userID, s.userName, s.sessionID
	s.mu.Unlock()

	// Membership record for session resumption.
	membership := map[string]any{"id": roomID, "name": room.Name, "active": true}
	if err := s.st.Set(ctx, pathUsers.Child(userID, "rooms", roomID), membership); err != nil {
		s.log.Warn("enter room: membership record", "room_id", roomID, "error", err)
	}

	// Presence bit scoped to this user and session inside the room.
	presencePath := pathRoomUsers.Child(roomID, userID, sessionID)
	online := map[string]any{"id": userID, "name": userName}
	if err := s.presence.queue(ctx, presencePath, online, nil); err != nil {
		s.log.Warn("enter room: presence", "room_id", roomID, "error", err)
	}

	// Callbacks fire before the message stream starts.
	s.events.emit(EventRoomEnter, RoomEvent{ID: roomID, Name: room.Name})

	q := store.Query{LimitToLast: s.opts.NumMaxMessages}
	msgPath := pathRoomMessages.Child(roomID)
	stopAdded := s.st.Listen(msgPath, q, store.EventChildAdded,
		func(snap store.Snapshot) { s.onNewMessage(roomID, snap) },
		func(err error) {
			// Listen revoked: we no longer have permission for this room.
			s.log.Warn("room message stream cancelled", "room_id", roomID, "error", err)
			_ = s.leaveRoom(context.Background(), roomID)
		})
	stopRemoved := s.st.Listen(msgPath, q, store.EventChildRemoved,
		func(snap store.Snapshot) {
			s.events.emit(EventMessageRemove, MessageRemoveEvent{RoomID: roomID, MessageID: snap.Key})
		}, nil)

	s.mu.Lock()
	rs.stopAdded, rs.stopRemoved = stopAdded, stopRemoved
	s.mu.Unlock()
	return nil
}

// LeaveRoom stops the room's message stream, clears its presence bit and
// membership record, and fires room-exit.
func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	return s.requireAuth(ctx, func(ctx context.Context) error {
		return s.leaveRoom(ctx, roomID)
	})
}

func (s *Session) leaveRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	rs := s.rooms[roomID]
	delete(s.rooms, roomID)
	userID, sessionID := s.userID, s.sessionID
	hasUser := s.user != nil
	s.mu.Unlock()

	if rs != nil {
		rs.stop()
	}

	if hasUser {
		presencePath := pathRoomUsers.Child(roomID, userID, sessionID)
		if err := s.presence.remove(ctx, presencePath, nil); err != nil {
			s.log.Warn("leave room: presence", "room_id", roomID, "error", err)
		}
		if err := s.st.Remove(ctx, pathUsers.Child(userID, "rooms", roomID)); err != nil {
			s.log.Warn("leave room: membership record", "room_id", roomID, "error", err)
		}
	}

	s.events.emit(EventRoomExit, roomID)
	return nil
}

// ResumeSession re-enters every room the user was in during a previous
// session and returns the raw membership map. Rooms are re-entered
// independently; one failing room does not block the others.
func (s *Session) ResumeSession(ctx context.Context) (map[string]RoomMembership, error) {
	if !s.authenticated() {
		return nil, ErrNotAuthenticated
	}
	userID, _ := s.identity()
	snap, err := s.st.Get(ctx, pathUsers.Child(userID, "rooms"))
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}

	memberships := make(map[string]RoomMembership)
	if err := snap.Decode(&memberships); err != nil {
		return nil, fmt.Errorf("resume session: decode: %w", err)
	}

	var g errgroup.Group
	for roomID := range memberships {
		roomID := roomID
		g.Go(func() error {
			if err := s.enterRoom(ctx, roomID); err != nil {
				s.log.Warn("resume session: enter room failed", "room_id", roomID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return memberships, nil
}

// GetRoom fetches room metadata, returning nil for an unknown room.
// Lookups are cached briefly; room type and name are immutable, so short
// staleness is harmless.
func (s *Session) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	if room, err := s.roomCache.Get(roomID); err == nil {
		r := room
		return &r, nil
	}
	snap, err := s.st.Get(ctx, pathRoomMetadata.Child(roomID))
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if snap.Value == nil {
		return nil, nil
	}
	var room Room
	if err := snap.Decode(&room); err != nil {
		return nil, fmt.Errorf("get room %s: decode: %w", roomID, err)
	}
	if room.ID == "" {
		room.ID = roomID
	}
	s.roomCache.Set(roomID, room)
	return &room, nil
}

// GetRoomList fetches the metadata of all rooms. An absent collection
// yields an empty slice.
func (s *Session) GetRoomList(ctx context.Context) ([]Room, error) {
	snaps, err := s.st.Children(ctx, pathRoomMetadata, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("room list: %w", err)
	}
	rooms := make([]Room, 0, len(snaps))
	for _, snap := range snaps {
		var room Room
		if err := snap.Decode(&room); err != nil {
			s.log.Warn("room list: decode failed", "room_id", snap.Key, "error", err)
			continue
		}
		if room.ID == "" {
			room.ID = snap.Key
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}
