package firechat

import (
	"context"
	"errors"
	"testing"

	"firechat/store/memstore"
)

func TestInviteFlowAccept(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	host, hostRec := newTestSession(t, st, "u1", "alice")
	guest, guestRec := newTestSession(t, st, "u2", "bob")

	roomID, err := host.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := host.InviteUser(ctx, "u2", roomID); err != nil {
		t.Fatalf("InviteUser() error = %v", err)
	}

	// The invite lands in the guest's inbox immediately.
	invites := guestRec.get(EventRoomInvite)
	if len(invites) != 1 {
		t.Fatalf("room-invite events = %d, want 1", len(invites))
	}
	inv := invites[0].(Invite)
	if inv.FromUserID != "u1" || inv.FromUserName != "alice" || inv.RoomID != roomID {
		t.Errorf("invite = %+v", inv)
	}
	if inv.ToRoomName != "general" {
		t.Errorf("invite room name = %q, want general", inv.ToRoomName)
	}
	if inv.ID == "" {
		t.Fatal("invite without id")
	}

	if err := guest.AcceptInvite(ctx, inv.ID); err != nil {
		t.Fatalf("AcceptInvite() error = %v", err)
	}

	// Accepting joins the room and reports back to the inviter.
	enters := guestRec.get(EventRoomEnter)
	if len(enters) != 1 || enters[0].(RoomEvent).ID != roomID {
		t.Fatalf("guest room-enter events = %v", enters)
	}
	responses := hostRec.get(EventRoomInviteResponse)
	if len(responses) != 1 {
		t.Fatalf("invite-response events = %d, want 1", len(responses))
	}
	resp := responses[0].(Invite)
	if resp.Status != InviteAccepted || resp.ToUserName != "bob" {
		t.Errorf("invite response = %+v", resp)
	}
}

func TestInviteFlowDecline(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	host, hostRec := newTestSession(t, st, "u1", "alice")
	guest, guestRec := newTestSession(t, st, "u2", "bob")

	roomID, err := host.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := host.InviteUser(ctx, "u2", roomID); err != nil {
		t.Fatalf("InviteUser() error = %v", err)
	}
	inv := guestRec.get(EventRoomInvite)[0].(Invite)

	if err := guest.DeclineInvite(ctx, inv.ID); err != nil {
		t.Fatalf("DeclineInvite() error = %v", err)
	}
	if got := guestRec.count(EventRoomEnter); got != 0 {
		t.Errorf("guest entered a declined room: %d events", got)
	}
	responses := hostRec.get(EventRoomInviteResponse)
	if len(responses) != 1 {
		t.Fatalf("invite-response events = %d, want 1", len(responses))
	}
	if resp := responses[0].(Invite); resp.Status != InviteDeclined {
		t.Errorf("invite response = %+v", resp)
	}
}

func TestInvitePrivateRoomGrantsAccess(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	host, _ := newTestSession(t, st, "u1", "alice")
	_, guestRec := newTestSession(t, st, "u2", "bob")

	roomID, err := host.CreateRoom(ctx, "secret", RoomTypePrivate)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := host.InviteUser(ctx, "u2", roomID); err != nil {
		t.Fatalf("InviteUser() error = %v", err)
	}

	// The grant is written before the invite goes out.
	snap, _ := st.Get(ctx, pathRoomMetadata.Child(roomID, "authorizedUsers", "u2"))
	if snap.Value != true {
		t.Error("invitee not authorized for private room")
	}
	if got := guestRec.count(EventRoomInvite); got != 1 {
		t.Errorf("room-invite events = %d, want 1", got)
	}
}

func TestInviteUnknownRoom(t *testing.T) {
	st := memstore.New()
	host, _ := newTestSession(t, st, "u1", "alice")

	err := host.InviteUser(context.Background(), "u2", "no-such-room")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("InviteUser() error = %v, want ErrRoomNotFound", err)
	}
}

func TestAcceptUnknownInvite(t *testing.T) {
	st := memstore.New()
	guest, _ := newTestSession(t, st, "u2", "bob")

	err := guest.AcceptInvite(context.Background(), "no-such-invite")
	if !errors.Is(err, ErrInviteNotFound) {
		t.Errorf("AcceptInvite() error = %v, want ErrInviteNotFound", err)
	}
}

func TestAnsweredInviteNotRedelivered(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	host, _ := newTestSession(t, st, "u1", "alice")
	guest, guestRec := newTestSession(t, st, "u2", "bob")

	roomID, err := host.CreateRoom(ctx, "general", RoomTypePublic)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := host.InviteUser(ctx, "u2", roomID); err != nil {
		t.Fatalf("InviteUser() error = %v", err)
	}
	inv := guestRec.get(EventRoomInvite)[0].(Invite)
	if err := guest.DeclineInvite(ctx, inv.ID); err != nil {
		t.Fatalf("DeclineInvite() error = %v", err)
	}
	guest.Close()

	// A fresh session backfills the inbox but skips answered invites.
	_, rec := newTestSession(t, st, "u2", "bob")
	if got := rec.count(EventRoomInvite); got != 0 {
		t.Errorf("answered invite redelivered: %d events", got)
	}
}
