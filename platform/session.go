package platform

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is a time-limited handle on a platform credential bundle.
// Sessions live only in process memory; a restart invalidates all of them.
type Session struct {
	ID         string
	AccountId  string
	Bundle     CredentialBundle
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
}

// SessionManager authenticates platform accounts and tracks live sessions
// behind one mutex so concurrent queue workers cannot race on the maps.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	auth     Authenticator
	limiter  *AttemptLimiter
	ttl      time.Duration
	now      func() time.Time
}

func NewSessionManager(auth Authenticator, limiter *AttemptLimiter, ttl time.Duration) *SessionManager {
	if limiter == nil {
		limiter = NewAttemptLimiter(5, time.Minute)
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		auth:     auth,
		limiter:  limiter,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Authenticate checks the attempt limiter first: a rate-limited identity is
// rejected without touching the external authenticator. Failures are never
// retried here; retry policy belongs to the caller.
func (m *SessionManager) Authenticate(ctx context.Context, accountId, credentialMaterial, clientIdentity string) (*Session, error) {
	if !m.limiter.Allow(clientIdentity) {
		return nil, &AuthError{Kind: AuthErrorRateLimited, Detail: "too many authentication attempts"}
	}

	bundle, err := m.auth.Authenticate(ctx, accountId, credentialMaterial)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &AuthError{Kind: AuthErrorUnknown, Detail: err.Error()}
	}

	now := m.now()
	session := &Session{
		ID:         uuid.NewString(),
		AccountId:  accountId,
		Bundle:     bundle,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	return session, nil
}

// Validate checks TTL against the clock. Expired sessions are evicted on
// check (lazy expiry); live ones get their lastUsedAt refreshed.
func (m *SessionManager) Validate(sessionId string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionId]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := m.now()
	if !now.Before(session.ExpiresAt) {
		delete(m.sessions, sessionId)
		return nil, ErrSessionExpired
	}
	session.LastUsedAt = now
	return session, nil
}

// Revoke removes the session immediately; a later Validate reports NotFound.
func (m *SessionManager) Revoke(sessionId string) {
	m.mu.Lock()
	delete(m.sessions, sessionId)
	m.mu.Unlock()
}
