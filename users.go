package firechat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"firechat/store"
)

// firstSession extracts the identity from the first live session under a
// presence node; all sessions of a user carry the same identity.
func firstSession(v any) (UserEntry, bool) {
	sessions, ok := v.(map[string]any)
	if !ok || len(sessions) == 0 {
		return UserEntry{}, false
	}
	keys := make([]string, 0, len(sessions))
	for k := range sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entry, ok := sessions[keys[0]].(map[string]any)
	if !ok {
		return UserEntry{}, false
	}
	id, _ := entry["id"].(string)
	name, _ := entry["name"].(string)
	if id == "" && name == "" {
		return UserEntry{}, false
	}
	return UserEntry{ID: id, Name: name}, true
}

// GetUsersByRoom lists the users currently present in a room, one entry per
// user regardless of how many sessions they hold.
func (s *Session) GetUsersByRoom(ctx context.Context, roomID string, limit int) ([]UserEntry, error) {
	snaps, err := s.st.Children(ctx, pathRoomUsers.Child(roomID), store.Query{LimitToLast: limit})
	if err != nil {
		return nil, fmt.Errorf("users by room %s: %w", roomID, err)
	}
	users := make([]UserEntry, 0, len(snaps))
	for _, snap := range snaps {
		if entry, ok := firstSession(snap.Value); ok {
			users = append(users, entry)
		}
	}
	return users, nil
}

// GetUsersByPrefix lists online users whose name matches the prefix,
// case-insensitively. The online index is keyed by lowercased name, so the
// prefix becomes an explicit key-range query; startAt/endAt override the
// range bounds when given.
func (s *Session) GetUsersByPrefix(ctx context.Context, prefix, startAt, endAt string, limit int) ([]UserEntry, error) {
	lower := strings.ToLower(prefix)
	q := store.Query{LimitToLast: limit, StartAt: startAt, EndAt: endAt}
	if startAt == "" && endAt == "" && lower != "" {
		q.StartAt = lower
		q.EndAt = lower + "\xff"
	}

	snaps, err := s.st.Children(ctx, pathUsersOnline, q)
	if err != nil {
		return nil, fmt.Errorf("users by prefix %q: %w", prefix, err)
	}

	users := make([]UserEntry, 0, len(snaps))
	seen := make(map[string]bool)
	for _, snap := range snaps {
		entry, ok := firstSession(snap.Value)
		if !ok {
			continue
		}
		if lower != "" && !strings.HasPrefix(strings.ToLower(entry.Name), lower) {
			continue
		}
		if seen[entry.Name] {
			continue
		}
		seen[entry.Name] = true
		users = append(users, entry)
	}
	return users, nil
}
