package platform

import (
	"context"
	"fmt"
	"time"
)

// AuthErrorKind classifies authentication failures at the platform boundary.
type AuthErrorKind string

const (
	AuthErrorRateLimited        AuthErrorKind = "RateLimited"
	AuthErrorInvalidCredentials AuthErrorKind = "InvalidCredentials"
	AuthErrorChallengeRequired  AuthErrorKind = "ChallengeRequired"
	AuthErrorTimeout            AuthErrorKind = "Timeout"
	AuthErrorUnknown            AuthErrorKind = "Unknown"
)

type AuthError struct {
	Kind   AuthErrorKind
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("authentication failed: %s", e.Kind)
	}
	return fmt.Sprintf("authentication failed: %s: %s", e.Kind, e.Detail)
}

// CredentialBundle is issued by the platform on successful authentication.
// The orchestrator treats it as opaque and only hands it back on publish.
type CredentialBundle struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// PublishRequest carries the manuscript content for one publish action.
// A nil ScheduledAt means "publish immediately".
type PublishRequest struct {
	Title       string     `json:"title"`
	Body        string     `json:"content"`
	Tags        []string   `json:"tags,omitempty"`
	Category    string     `json:"category,omitempty"`
	CoverURL    string     `json:"cover_url,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// PublishResult reports the platform-assigned locator of published content.
type PublishResult struct {
	ExternalRef string
}

// Authenticator is the external authentication capability.
type Authenticator interface {
	Authenticate(ctx context.Context, accountId string, credentialMaterial string) (CredentialBundle, error)
}

// Publisher is the external publish capability.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest, cred CredentialBundle) (PublishResult, error)
}

// Client is one concrete platform backend. Implementations are selected by
// configuration, never by runtime string inspection.
type Client interface {
	Authenticator
	Publisher
}
