package firechat

import (
	"context"
	"errors"
	"testing"

	"firechat/store/memstore"
)

func TestCreateRoom(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, rec := newTestSession(t, st, "u1", "alice")

	roomID, err := s.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if roomID == "" {
		t.Fatal("CreateRoom() returned empty id")
	}

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	if room == nil {
		t.Fatal("GetRoom() = nil for created room")
	}
	if room.Name != "general" || room.Type != RoomTypePublic || room.CreatedByUserID != "u1" {
		t.Errorf("GetRoom() = %+v", room)
	}
	if room.CreatedAt <= 0 {
		t.Errorf("CreatedAt = %d, want backend timestamp", room.CreatedAt)
	}

	// Creating also enters the room.
	enters := rec.get(EventRoomEnter)
	if len(enters) != 1 {
		t.Fatalf("room-enter events = %d, want 1", len(enters))
	}
	if ev := enters[0].(RoomEvent); ev.ID != roomID || ev.Name != "general" {
		t.Errorf("room-enter payload = %+v", ev)
	}

	// Membership record and presence bit are in place.
	snap, _ := st.Get(ctx, pathUsers.Child("u1", "rooms", roomID, "active"))
	if snap.Value != true {
		t.Error("membership record missing")
	}
	snap, _ = st.Get(ctx, pathRoomUsers.Child(roomID, "u1", s.SessionID(), "name"))
	if snap.Value != "alice" {
		t.Error("room presence bit missing")
	}
}

func TestCreateRoomDefaultsToPublic(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, _ := newTestSession(t, st, "u1", "alice")

	roomID, err := s.CreateRoom(ctx, "general", "")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	room, _ := s.GetRoom(ctx, roomID)
	if room.Type != RoomTypePublic {
		t.Errorf("room type = %q, want public", room.Type)
	}
}

func TestCreateRoomInvalidName(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, _ := newTestSession(t, st, "u1", "alice")

	if _, err := s.CreateRoom(ctx, "", RoomTypePublic); err == nil {
		t.Error("CreateRoom() accepted an empty name")
	}
	if _, err := s.CreateRoom(ctx, "bad\x00name", RoomTypePublic); err == nil {
		t.Error("CreateRoom() accepted control characters")
	}
}

func TestCreatePrivateRoom(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, _ := newTestSession(t, st, "u1", "alice")

	roomID, err := s.CreateRoom(ctx, "secret", RoomTypePrivate)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	room, _ := s.GetRoom(ctx, roomID)
	if room.Type != RoomTypePrivate {
		t.Errorf("room type = %q, want private", room.Type)
	}
	if !room.AuthorizedUsers["u1"] {
		t.Errorf("creator not authorized: %v", room.AuthorizedUsers)
	}
}

func TestEnterRoomIdempotent(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, rec := newTestSession(t, st, "u1", "alice")

	roomID, err := s.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := s.EnterRoom(ctx, roomID); err != nil {
		t.Fatalf("EnterRoom() error = %v", err)
	}
	if got := rec.count(EventRoomEnter); got != 1 {
		t.Errorf("room-enter events = %d, want 1", got)
	}
}

func TestEnterRoomMissingMetadata(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, rec := newTestSession(t, st, "u1", "alice")

	// A dangling room id is skipped without error or event.
	if err := s.EnterRoom(ctx, "no-such-room"); err != nil {
		t.Fatalf("EnterRoom() error = %v", err)
	}
	if got := rec.count(EventRoomEnter); got != 0 {
		t.Errorf("room-enter events = %d, want 0", got)
	}
}

func TestLeaveRoom(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, rec := newTestSession(t, st, "u1", "alice")

	roomID, err := s.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := s.LeaveRoom(ctx, roomID); err != nil {
		t.Fatalf("LeaveRoom() error = %v", err)
	}

	exits := rec.get(EventRoomExit)
	if len(exits) != 1 || exits[0].(string) != roomID {
		t.Fatalf("room-exit events = %v", exits)
	}

	snap, _ := st.Get(ctx, pathUsers.Child("u1", "rooms", roomID))
	if snap.Value != nil {
		t.Error("membership record survived leave")
	}
	snap, _ = st.Get(ctx, pathRoomUsers.Child(roomID, "u1", s.SessionID()))
	if snap.Value != nil {
		t.Error("presence bit survived leave")
	}

	// Messages in a left room are no longer delivered.
	before := rec.count(EventMessageAdd)
	if _, err := s.SendMessage(ctx, roomID, "anyone?", ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if rec.count(EventMessageAdd) != before {
		t.Error("message delivered after leaving")
	}
}

func TestResumeSession(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	first, _ := newTestSession(t, st, "u1", "alice")
	room1, err := first.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	room2, err := first.CreateRoom(ctx, "random", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	first.Close()

	second, rec := newTestSession(t, st, "u1", "alice")
	memberships, err := second.ResumeSession(ctx)
	if err != nil {
		t.Fatalf("ResumeSession() error = %v", err)
	}
	if len(memberships) != 2 {
		t.Fatalf("memberships = %v", memberships)
	}
	if memberships[room1].Name != "general" || memberships[room2].Name != "random" {
		t.Errorf("membership names = %v", memberships)
	}
	if got := rec.count(EventRoomEnter); got != 2 {
		t.Errorf("room-enter events = %d, want 2", got)
	}
}

func TestResumeSessionUnauthenticated(t *testing.T) {
	st := memstore.New()
	s := New(context.Background(), st, NewStaticAuth("u1", "alice"), Options{Logger: discardLogger()})
	defer s.Close()

	if _, err := s.ResumeSession(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("ResumeSession() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestListenCancelLeavesRoom(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, rec := newTestSession(t, st, "u1", "alice")

	roomID, err := s.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	// Backend-side revocation of the message stream forces a leave.
	st.CancelListen(pathRoomMessages.Child(roomID), errors.New("permission revoked"))

	exits := rec.get(EventRoomExit)
	if len(exits) != 1 || exits[0].(string) != roomID {
		t.Fatalf("room-exit events = %v", exits)
	}
	snap, _ := st.Get(ctx, pathUsers.Child("u1", "rooms", roomID))
	if snap.Value != nil {
		t.Error("membership record survived forced leave")
	}
}

func TestGetRoomUnknown(t *testing.T) {
	st := memstore.New()
	s, _ := newTestSession(t, st, "u1", "alice")

	room, err := s.GetRoom(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	if room != nil {
		t.Errorf("GetRoom() = %+v, want nil", room)
	}
}

func TestGetRoomList(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	s, _ := newTestSession(t, st, "u1", "alice")

	rooms, err := s.GetRoomList(ctx)
	if err != nil {
		t.Fatalf("GetRoomList() error = %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("GetRoomList() on empty store = %v", rooms)
	}

	if _, err := s.CreateRoom(ctx, "general", RoomTypePublic); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if _, err := s.CreateRoom(ctx, "random", RoomTypePublic); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	rooms, err = s.GetRoomList(ctx)
	if err != nil {
		t.Fatalf("GetRoomList() error = %v", err)
	}
	names := make(map[string]bool)
	for _, r := range rooms {
		if r.ID == "" {
			t.Errorf("room without id: %+v", r)
		}
		names[r.Name] = true
	}
	if !names["general"] || !names["random"] {
		t.Errorf("GetRoomList() names = %v", names)
	}
}
