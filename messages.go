package firechat

import (
	"context"
	"fmt"

	"firechat/internal/content"
	"firechat/store"
)

// SendMessage appends a message to the room's stream and returns its
// generated id. The backend assigns the timestamp, which doubles as the
// sort priority of the message. Without an authenticated user the call is
// rejected before any store round trip and auth-required fires.
func (s *Session) SendMessage(ctx context.Context, roomID, text, messageType string) (string, error) {
	userID, userName := s.identity()
	if !s.authenticated() {
		s.events.emit(EventAuthRequired, nil)
		return "", ErrNotAuthenticated
	}
	if messageType == "" {
		messageType = MessageTypeDefault
	}

	body := text
	if messageType == MessageTypeMarkdown {
		html, err := content.RenderMarkdown(text)
		if err != nil {
			return "", fmt.Errorf("send message: render: %w", err)
		}
		body = html
	}
	body = content.Sanitize(body)

	msg := map[string]any{
		"userId":    userID,
		"name":      userName,
		"timestamp": store.ServerTimestamp,
		"message":   body,
		"type":      messageType,
	}

	msgPath := pathRoomMessages.Child(roomID)
	key, err := s.st.Push(ctx, msgPath, nil)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if err := s.st.SetWithPriority(ctx, msgPath.Child(key), msg, store.ServerTimestamp); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return key, nil
}

// DeleteMessage removes a message from the room's stream by id.
func (s *Session) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	if err := s.st.Remove(ctx, pathRoomMessages.Child(roomID, messageID)); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

func (s *Session) onNewMessage(roomID string, snap store.Snapshot) {
	var msg Message
	if err := snap.Decode(&msg); err != nil {
		s.log.Warn("message decode failed", "room_id", roomID, "message_id", snap.Key, "error", err)
		return
	}
	msg.ID = snap.Key
	s.events.emit(EventMessageAdd, MessageEvent{RoomID: roomID, Message: msg})
}
