package firechat

import "errors"

var (
	ErrNotAuthenticated = errors.New("not authenticated or user not set")
	ErrRoomNotFound     = errors.New("room not found")
	ErrInviteNotFound   = errors.New("invalid invite id")
)

type RoomType string

const (
	RoomTypePublic  RoomType = "public"
	RoomTypePrivate RoomType = "private"
)

const (
	MessageTypeDefault  = "default"
	MessageTypeMarkdown = "markdown"
)

const (
	NotificationWarning    = "warning"
	NotificationSuspension = "suspension"
)

const (
	InviteAccepted = "accepted"
	InviteDeclined = "declined"
)

// User is the current user's profile record. Muted holds the ids of users
// whose messages the caller should filter out at render time.
type User struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Muted map[string]bool `json:"muted,omitempty"`
}

// Room is the metadata record of a chat room. AuthorizedUsers is present
// only for private rooms and always contains the creator.
type Room struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            RoomType        `json:"type"`
	CreatedByUserID string          `json:"createdByUserId"`
	CreatedAt       int64           `json:"createdAt"`
	AuthorizedUsers map[string]bool `json:"authorizedUsers,omitempty"`
}

// RoomMembership is the per-user record used to resume rooms across
// sessions.
type RoomMembership struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Message is a single chat message. ID is the server-generated push key;
// Timestamp is assigned by the backend and orders the room's stream.
type Message struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

// Invite is a room invitation delivered to the invitee's inbox. Status is
// empty until the invitee responds.
type Invite struct {
	ID           string `json:"id"`
	FromUserID   string `json:"fromUserId"`
	FromUserName string `json:"fromUserName"`
	RoomID       string `json:"roomId"`
	ToRoomName   string `json:"toRoomName,omitempty"`
	Status       string `json:"status,omitempty"`
	ToUserName   string `json:"toUserName,omitempty"`
}

// Notification is a moderator message in a user's inbox.
type Notification struct {
	FromUserID       string         `json:"fromUserId"`
	Timestamp        int64          `json:"timestamp"`
	NotificationType string         `json:"notificationType"`
	Data             map[string]any `json:"data,omitempty"`
	Read             bool           `json:"read,omitempty"`
}

// UserEntry is a directory listing entry.
type UserEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
