package session_test

import (
	"testing"
	"time"

	"github.com/manno23/a2agateway/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession_MintsUnguessableID(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()

	s, err := r.CreateSession("alice", []string{"read"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.GreaterOrEqual(t, len(s.ID), 64) // 32 bytes hex-encoded = 64 chars
}

func TestValidate_ReturnsLiveSession(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()

	s, _ := r.CreateSession("alice", nil)
	got := r.Validate(s.ID)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Principal)
}

func TestValidate_ExpiredReturnsNil(t *testing.T) {
	r := session.New(-time.Second, 0) // already expired on creation
	defer r.Close()

	s, _ := r.CreateSession("alice", nil)
	assert.Nil(t, r.Validate(s.ID))
}

func TestValidate_MissingReturnsNil(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()
	assert.Nil(t, r.Validate("does-not-exist"))
}

func TestExtend_SlidesExpiryForward(t *testing.T) {
	r := session.New(time.Millisecond, 0)
	defer r.Close()

	s, _ := r.CreateSession("alice", nil)
	ok := r.Extend(s.ID, time.Hour)
	assert.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	assert.NotNil(t, r.Validate(s.ID))
}

func TestExtend_MissingReturnsFalse(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()
	assert.False(t, r.Extend("nope", time.Hour))
}

func TestConsume_ValidatesAndDeletes(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()

	s, _ := r.CreateSession("alice", nil)
	consumed := r.Consume(s.ID)
	require.NotNil(t, consumed)

	assert.Nil(t, r.Validate(s.ID))
}

func TestBindConnection_BindsLiveSession(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()

	s, _ := r.CreateSession("alice", nil)
	assert.True(t, r.BindConnection(s.ID, "conn-1"))
}

func TestListForPrincipal_ReturnsOnlyMatchingLiveSessions(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()

	r.CreateSession("alice", nil)
	r.CreateSession("alice", nil)
	r.CreateSession("bob", nil)

	list := r.ListForPrincipal("alice")
	assert.Len(t, list, 2)
}

func TestCount_ReflectsTrackedSessions(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()

	r.CreateSession("a", nil)
	r.CreateSession("b", nil)
	assert.Equal(t, 2, r.Count())
}

func TestClearAll_RemovesEverySession(t *testing.T) {
	r := session.New(time.Hour, 0)
	defer r.Close()

	r.CreateSession("a", nil)
	r.ClearAll()
	assert.Equal(t, 0, r.Count())
}

func TestSweep_RemovesExpiredEntriesInBackground(t *testing.T) {
	r := session.New(5*time.Millisecond, 5*time.Millisecond)
	defer r.Close()

	s, _ := r.CreateSession("alice", nil)
	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, time.Second, 5*time.Millisecond, "expired session %s should be swept", s.ID)
}
