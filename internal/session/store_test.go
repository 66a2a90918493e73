package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreReturnsSameManagerPerSession(t *testing.T) {
	s := NewStore("http://backend", nil, newMemTokens())

	m1 := s.Manager("sid-1")
	m2 := s.Manager("sid-1")
	other := s.Manager("sid-2")

	assert.Same(t, m1, m2)
	assert.NotSame(t, m1, other)
}

func TestStoreEvictsIdleSessions(t *testing.T) {
	s := NewStore("http://backend", nil, newMemTokens())
	stale := s.Manager("sid-stale")
	s.Manager("sid-fresh")

	s.mu.Lock()
	s.managers["sid-stale"].lastSeen = time.Now().Add(-managerIdleTTL - time.Hour)
	s.sweepLocked(time.Now().Add(2 * time.Minute))
	_, staleKept := s.managers["sid-stale"]
	_, freshKept := s.managers["sid-fresh"]
	s.mu.Unlock()

	assert.False(t, staleKept, "idle session is swept out")
	assert.True(t, freshKept)

	// The same cookie coming back gets a fresh manager that restores
	// itself from the persisted token.
	replacement := s.Manager("sid-stale")
	require.NotNil(t, replacement)
	assert.NotSame(t, stale, replacement)
}
