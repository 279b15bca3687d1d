package firechat

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// AuthData is the identity produced by the authentication adapter.
type AuthData struct {
	UserID      string
	DisplayName string
	Provider    string
}

// Authenticator is the external authentication capability. GetAuth returns
// the current identity, or nil when signed out; AuthWithOAuthPopup runs the
// provider's interactive flow.
type Authenticator interface {
	GetAuth() *AuthData
	AuthWithOAuthPopup(ctx context.Context, provider string) (*AuthData, error)
}

// StaticAuth is an Authenticator with a fixed identity, for tests and
// headless deployments. An empty user id is replaced with a random one.
type StaticAuth struct {
	mu   sync.Mutex
	data AuthData
}

func NewStaticAuth(userID, displayName string) *StaticAuth {
	if userID == "" {
		userID = uuid.NewString()
	}
	return &StaticAuth{data: AuthData{UserID: userID, DisplayName: displayName, Provider: "static"}}
}

func (a *StaticAuth) GetAuth() *AuthData {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.data
	return &d
}

func (a *StaticAuth) AuthWithOAuthPopup(ctx context.Context, provider string) (*AuthData, error) {
	d := a.GetAuth()
	d.Provider = provider
	return d, nil
}
