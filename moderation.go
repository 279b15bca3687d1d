package firechat

import (
	"context"
	"fmt"

	"firechat/store"
)

// ToggleUserMute flips the muted flag for a user under the current user's
// own mute list. Muting only affects render-time filtering on this client;
// the muted user can still send.
func (s *Session) ToggleUserMute(ctx context.Context, userID string) error {
	if !s.authenticated() {
		s.events.emit(EventAuthRequired, nil)
		return ErrNotAuthenticated
	}
	selfID, _ := s.identity()
	mutePath := pathUsers.Child(selfID, "muted", userID)
	_, _, err := s.st.Transaction(ctx, mutePath, func(current any) (any, bool) {
		if muted, ok := current.(bool); ok && muted {
			return nil, true
		}
		return true, true
	})
	if err != nil {
		return fmt.Errorf("toggle mute %s: %w", userID, err)
	}
	return nil
}

// sendModeratorNotification pushes a notification into the target user's
// inbox.
func (s *Session) sendModeratorNotification(ctx context.Context, userID, notificationType string, data map[string]any) error {
	fromID, _ := s.identity()
	if data == nil {
		data = map[string]any{}
	}
	notification := map[string]any{
		"fromUserId":       fromID,
		"timestamp":        store.ServerTimestamp,
		"notificationType": notificationType,
		"data":             data,
	}
	_, err := s.st.Push(ctx, pathUsers.Child(userID, "notifications"), notification)
	if err != nil {
		return fmt.Errorf("notify %s: %w", userID, err)
	}
	return nil
}

// WarnUser sends a warning notification to the given user.
func (s *Session) WarnUser(ctx context.Context, userID string) error {
	return s.sendModeratorNotification(ctx, userID, NotificationWarning, nil)
}

// SuspendUser puts the user into read-only mode for the given duration.
// Re-suspending overwrites the previous expiry.
func (s *Session) SuspendUser(ctx context.Context, userID string, seconds int64) error {
	suspendedUntil := s.now() + seconds*1000
	if err := s.st.Set(ctx, pathSuspensions.Child(userID), suspendedUntil); err != nil {
		return fmt.Errorf("suspend user %s: %w", userID, err)
	}
	return s.sendModeratorNotification(ctx, userID, NotificationSuspension, map[string]any{
		"suspendedUntil": suspendedUntil,
	})
}

// onNotification handles a record in our notification inbox. Notifications
// are marked read on delivery, except a suspension notice whose expiry is
// still in the future; every unread notification is delivered exactly once.
func (s *Session) onNotification(snap store.Snapshot) {
	var n Notification
	if err := snap.Decode(&n); err != nil {
		s.log.Warn("notification decode failed", "notification_id", snap.Key, "error", err)
		return
	}
	if n.Read {
		return
	}

	suspendedUntil := int64(0)
	if v, ok := n.Data["suspendedUntil"].(float64); ok {
		suspendedUntil = int64(v)
	}
	if n.NotificationType != NotificationSuspension || suspendedUntil < s.now() {
		selfID, _ := s.identity()
		readPath := pathUsers.Child(selfID, "notifications", snap.Key, "read")
		if err := s.st.Set(context.Background(), readPath, true); err != nil {
			s.log.Warn("mark notification read failed", "notification_id", snap.Key, "error", err)
		}
	}
	s.events.emit(EventNotification, n)
}
