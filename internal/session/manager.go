// Package session owns the authentication state of each browser session:
// the token/identity pair, its initializing→ready lifecycle, and the
// narrow mutation API around it. Everything else in the process reads
// session state through a Manager; nothing mutates it from outside.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/itike/itike-web/internal/api"
	"github.com/itike/itike-web/internal/model"
	"github.com/itike/itike-web/internal/repository"
)

// ErrAuthenticationFailed is returned when login or registration is
// rejected, for bad credentials and transport failures alike.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrProfileUpdateFailed is returned when a profile mutation is rejected.
var ErrProfileUpdateFailed = errors.New("profile update failed")

// Phase is the readiness of a session. A Manager starts initializing and
// becomes ready exactly once, after the persisted token (if any) has been
// resolved or discarded.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseReady
)

// TokenStore persists the auth token across restarts, keyed by browser
// session id. Its absence means the session starts unauthenticated.
type TokenStore interface {
	Get(ctx context.Context, sessionID string) (string, error)
	Put(ctx context.Context, sessionID, token string) error
	Delete(ctx context.Context, sessionID string) error
}

// Manager holds the authentication state for one browser session.
//
// The token and identity are always written together under the lock, so a
// reader can never observe one without the other. The single exception is
// the initialization window, where the persisted token is held while the
// identity lookup is still in flight.
type Manager struct {
	sid    string
	tokens TokenStore
	api    *api.Client

	mu            sync.Mutex
	phase         Phase
	token         string
	identity      *model.User
	initStarted   bool
	redirectLogin bool
}

// NewManager constructs a Manager for the given browser session id. The
// manager wires itself into the api client as both the token source and
// the sole subscriber of the unauthorized-token signal.
func NewManager(sid, apiBaseURL string, hc *http.Client, tokens TokenStore) *Manager {
	m := &Manager{sid: sid, tokens: tokens}
	m.api = api.NewClient(apiBaseURL, hc, m, m.sessionInvalidated)
	return m
}

// ID returns the browser session id this manager belongs to.
func (m *Manager) ID() string {
	return m.sid
}

// API returns the backend client bound to this session's token.
func (m *Manager) API() *api.Client {
	return m.api
}

// Token implements api.TokenSource.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Phase returns the current readiness phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Identity returns a copy of the authenticated identity, or nil.
func (m *Manager) Identity() *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	u := *m.identity
	return &u
}

// IsAuthenticated reports whether an identity is currently held.
func (m *Manager) IsAuthenticated() bool {
	return m.Identity() != nil
}

// Initialize resolves the persisted token (if any) to an identity and
// moves the session to ready. It runs once; repeat calls are no-ops. It
// never fails outward: any error discards the token and the session
// simply starts unauthenticated.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.initStarted {
		m.mu.Unlock()
		return
	}
	m.initStarted = true
	m.mu.Unlock()

	token, err := m.tokens.Get(ctx, m.sid)
	switch {
	case err == nil && token != "":
		m.mu.Lock()
		m.token = token
		m.mu.Unlock()

		user, lookupErr := m.api.CurrentUser(ctx)
		if lookupErr == nil {
			m.mu.Lock()
			m.identity = user
			m.mu.Unlock()
		} else {
			log.Printf("session %s: stored token rejected: %v", m.sid, lookupErr)
			m.mu.Lock()
			m.token = ""
			m.identity = nil
			m.mu.Unlock()
			if delErr := m.tokens.Delete(ctx, m.sid); delErr != nil {
				log.Printf("session %s: discard token: %v", m.sid, delErr)
			}
		}
	case err != nil && !errors.Is(err, repository.ErrNoToken):
		log.Printf("session %s: load token: %v", m.sid, err)
	}

	m.mu.Lock()
	m.phase = PhaseReady
	m.mu.Unlock()
}

// Login exchanges credentials for a token and identity and stores both
// atomically. On failure the session is left untouched.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	token, user, err := m.api.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return m.establish(ctx, token, user)
}

// Register creates an account and logs it in. Admin accounts cannot
// self-register.
func (m *Manager) Register(ctx context.Context, req model.RegisterRequest) error {
	if req.Role != model.RoleUser && req.Role != model.RoleOrganizer {
		return fmt.Errorf("%w: role %q cannot self-register", ErrAuthenticationFailed, req.Role)
	}
	token, user, err := m.api.Register(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return m.establish(ctx, token, user)
}

// establish persists the token and swaps in the token/identity pair.
func (m *Manager) establish(ctx context.Context, token string, user *model.User) error {
	if err := m.tokens.Put(ctx, m.sid, token); err != nil {
		// The backend session exists but we cannot remember it; treat as
		// a failed login rather than holding an unpersisted token.
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	m.mu.Lock()
	m.token = token
	m.identity = user
	m.mu.Unlock()
	return nil
}

// Logout clears the token and identity unconditionally. It never fails;
// a store error only means the token will be rediscovered as invalid
// later.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	m.token = ""
	m.identity = nil
	m.mu.Unlock()
	if err := m.tokens.Delete(ctx, m.sid); err != nil {
		log.Printf("session %s: delete token on logout: %v", m.sid, err)
	}
}

// UpdateProfile mutates name/phone on the backend and replaces the held
// identity. On failure the session is unchanged.
func (m *Manager) UpdateProfile(ctx context.Context, req model.UpdateProfileRequest) error {
	if !m.IsAuthenticated() {
		return fmt.Errorf("%w: not logged in", ErrProfileUpdateFailed)
	}
	user, err := m.api.UpdateProfile(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProfileUpdateFailed, err)
	}
	m.mu.Lock()
	m.identity = user
	m.mu.Unlock()
	return nil
}

// sessionInvalidated handles the unauthorized-token signal from the
// transport: any backend call answered with 401 lands here, once,
// regardless of which screen made the call.
func (m *Manager) sessionInvalidated() {
	m.mu.Lock()
	hadToken := m.token != ""
	m.token = ""
	m.identity = nil
	m.redirectLogin = true
	m.mu.Unlock()
	if hadToken {
		if err := m.tokens.Delete(context.Background(), m.sid); err != nil {
			log.Printf("session %s: discard invalidated token: %v", m.sid, err)
		}
	}
}

// ConsumeRedirect reports whether an invalidated session is waiting to be
// sent to the login view, clearing the intent.
func (m *Manager) ConsumeRedirect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.redirectLogin
	m.redirectLogin = false
	return pending
}
