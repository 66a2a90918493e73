package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// managerIdleTTL is how long an untouched session stays resident. The
// persisted token outlives eviction, so a returning browser simply
// re-initializes from it.
const managerIdleTTL = 2 * time.Hour

type managerEntry struct {
	m        *Manager
	lastSeen time.Time
}

// Store hands out one Manager per browser session id. Managers are
// created lazily and initialize themselves in the background, so a
// freshly returned Manager may still be in PhaseInitializing. Sessions
// idle past managerIdleTTL are swept out.
type Store struct {
	apiBaseURL string
	hc         *http.Client
	tokens     TokenStore

	mu        sync.Mutex
	managers  map[string]*managerEntry
	lastSweep time.Time
}

// NewStore constructs a Store.
func NewStore(apiBaseURL string, hc *http.Client, tokens TokenStore) *Store {
	return &Store{
		apiBaseURL: apiBaseURL,
		hc:         hc,
		tokens:     tokens,
		managers:   make(map[string]*managerEntry),
	}
}

// Manager returns the Manager for the session id, creating and kicking
// off initialization for it on first sight.
func (s *Store) Manager(sid string) *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sweepLocked(now)
	e, ok := s.managers[sid]
	if !ok {
		e = &managerEntry{m: NewManager(sid, s.apiBaseURL, s.hc, s.tokens)}
		s.managers[sid] = e
		go e.m.Initialize(context.Background())
	}
	e.lastSeen = now
	return e.m
}

// sweepLocked evicts sessions idle beyond the TTL, at most once a
// minute. Callers hold s.mu.
func (s *Store) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < time.Minute {
		return
	}
	s.lastSweep = now
	for sid, e := range s.managers {
		if now.Sub(e.lastSeen) > managerIdleTTL {
			delete(s.managers, sid)
		}
	}
}

// NewSessionID mints a fresh browser session id.
func (s *Store) NewSessionID() string {
	return uuid.New().String()
}

type contextKey struct{}

// NewContext attaches a Manager to the request context.
func NewContext(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext returns the Manager attached to the context, or nil.
func FromContext(ctx context.Context) *Manager {
	m, _ := ctx.Value(contextKey{}).(*Manager)
	return m
}
