package content

import (
	"bytes"
	"errors"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy        = bluemonday.UGCPolicy()
	roomNameRegex = regexp.MustCompile(`^[^\x00-\x1f]{1,100}$`)
	markdown      = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to outgoing message content before it is written to the
// backend, since other clients render it verbatim.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown converts markdown message content to HTML. The result is
// not yet sanitized; callers must pass it through Sanitize.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ValidateRoomName checks that a room name is non-empty, at most 100
// characters and free of control characters.
func ValidateRoomName(name string) error {
	if name == "" {
		return errors.New("room name cannot be empty")
	}
	if !roomNameRegex.MatchString(name) {
		return errors.New("room name contains invalid characters or is too long")
	}
	return nil
}
