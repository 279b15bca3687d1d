package firechat

import (
	"context"
	"fmt"

	"firechat/store"
)

// InviteUser delivers a room invitation to the given user. For private
// rooms the invitee is granted access first; the invite is only sent once
// the grant has landed. The session then watches the invite record to
// report the invitee's response.
func (s *Session) InviteUser(ctx context.Context, userID, roomID string) error {
	return s.requireAuth(ctx, func(ctx context.Context) error {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("invite user: %w", err)
		}
		if room == nil {
			return fmt.Errorf("invite user to %s: %w", roomID, ErrRoomNotFound)
		}
		if room.Type == RoomTypePrivate {
			grantPath := pathRoomMetadata.Child(roomID, "authorizedUsers", userID)
			if err := s.st.Set(ctx, grantPath, true); err != nil {
				return fmt.Errorf("invite user: grant access: %w", err)
			}
		}
		return s.sendInvite(ctx, userID, roomID)
	})
}

func (s *Session) sendInvite(ctx context.Context, userID, roomID string) error {
	fromID, fromName := s.identity()
	invitesPath := pathUsers.Child(userID, "invites")
	key, err := s.st.Push(ctx, invitesPath, nil)
	if err != nil {
		return fmt.Errorf("send invite: %w", err)
	}
	invitePath := invitesPath.Child(key)
	invite := map[string]any{
		"id":           key,
		"fromUserId":   fromID,
		"fromUserName": fromName,
		"roomId":       roomID,
	}
	if err := s.st.Set(ctx, invitePath, invite); err != nil {
		return fmt.Errorf("send invite: %w", err)
	}

	// Watch our own invite record for the invitee's response.
	s.addStop(s.st.Listen(invitePath, store.Query{}, store.EventValue, s.onInviteResponse, nil))
	return nil
}

// AcceptInvite joins the invited room and marks the invite accepted with
// the responder's display name. An unknown invite id is an explicit error.
func (s *Session) AcceptInvite(ctx context.Context, inviteID string) error {
	return s.requireAuth(ctx, func(ctx context.Context) error {
		userID, userName := s.identity()
		invitePath := pathUsers.Child(userID, "invites", inviteID)
		snap, err := s.st.Get(ctx, invitePath)
		if err != nil {
			return fmt.Errorf("accept invite %s: %w", inviteID, err)
		}
		if snap.Value == nil {
			return fmt.Errorf("accept invite %s: %w", inviteID, ErrInviteNotFound)
		}
		var invite Invite
		if err := snap.Decode(&invite); err != nil {
			return fmt.Errorf("accept invite %s: decode: %w", inviteID, err)
		}
		if err := s.enterRoom(ctx, invite.RoomID); err != nil {
			return err
		}
		return s.st.Update(ctx, invitePath, map[string]any{
			"status":     InviteAccepted,
			"toUserName": userName,
		})
	})
}

// DeclineInvite marks the invite declined without joining the room.
func (s *Session) DeclineInvite(ctx context.Context, inviteID string) error {
	return s.requireAuth(ctx, func(ctx context.Context) error {
		userID, userName := s.identity()
		invitePath := pathUsers.Child(userID, "invites", inviteID)
		return s.st.Update(ctx, invitePath, map[string]any{
			"status":     InviteDeclined,
			"toUserName": userName,
		})
	})
}

// onInvite handles a new record in our invite inbox. Invites that already
// carry a response are never re-delivered.
func (s *Session) onInvite(snap store.Snapshot) {
	var invite Invite
	if err := snap.Decode(&invite); err != nil {
		s.log.Warn("invite decode failed", "invite_id", snap.Key, "error", err)
		return
	}
	if invite.Status != "" {
		return
	}
	if invite.ID == "" {
		invite.ID = snap.Key
	}
	if room, err := s.GetRoom(context.Background(), invite.RoomID); err == nil && room != nil {
		invite.ToRoomName = room.Name
	}
	s.events.emit(EventRoomInvite, invite)
}

// onInviteResponse watches an invite this session sent and reports the
// invitee's decision.
func (s *Session) onInviteResponse(snap store.Snapshot) {
	if snap.Value == nil {
		return
	}
	var invite Invite
	if err := snap.Decode(&invite); err != nil {
		s.log.Warn("invite response decode failed", "invite_id", snap.Key, "error", err)
		return
	}
	if invite.Status == "" {
		return
	}
	if invite.ID == "" {
		invite.ID = snap.Key
	}
	s.events.emit(EventRoomInviteResponse, invite)
}
