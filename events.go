package firechat

import "sync"

// EventType names an outward binding of the session.
type EventType string

const (
	// EventUserUpdate fires with a User whenever the user's record changes.
	EventUserUpdate EventType = "user-update"
	// EventRoomEnter fires with a RoomEvent after a room is joined.
	EventRoomEnter EventType = "room-enter"
	// EventRoomExit fires with the room id (string) after a room is left.
	EventRoomExit EventType = "room-exit"
	// EventMessageAdd fires with a MessageEvent for each received message.
	EventMessageAdd EventType = "message-add"
	// EventMessageRemove fires with a MessageRemoveEvent when a message
	// leaves the visible window.
	EventMessageRemove EventType = "message-remove"
	// EventRoomInvite fires with an Invite when an invitation arrives.
	EventRoomInvite EventType = "room-invite"
	// EventRoomInviteResponse fires with an Invite once the invitee
	// responds to an invitation this session sent.
	EventRoomInviteResponse EventType = "room-invite-response"
	// EventNotification fires with a Notification for each unread
	// moderator notification.
	EventNotification EventType = "notification"
	// EventAuthRequired fires with a nil payload when a gated operation
	// runs without an authenticated user.
	EventAuthRequired EventType = "auth-required"
)

// RoomEvent is the payload of room-enter.
type RoomEvent struct {
	ID   string
	Name string
}

// MessageEvent is the payload of message-add.
type MessageEvent struct {
	RoomID  string
	Message Message
}

// MessageRemoveEvent is the payload of message-remove. Only the ids are
// delivered; the message content is already gone.
type MessageRemoveEvent struct {
	RoomID    string
	MessageID string
}

// Handler receives an event payload. See the EventType constants for the
// concrete payload type of each event.
type Handler func(payload any)

// eventBus is an ordered pub/sub registry. Handlers for an event fire
// synchronously, in registration order.
type eventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[EventType][]Handler)}
}

func (b *eventBus) on(event EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

func (b *eventBus) emit(event EventType, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event]))
	copy(handlers, b.handlers[event])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
