package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutGetDelete(t *testing.T) {
	r := NewRegistry()
	var counts []int
	r.OnChange(func(n int) { counts = append(counts, n) })

	s := &Session{username: "bob"}
	tok, err := r.Put(s)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	got, ok := r.Get(tok)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.Get("not-a-token")
	assert.False(t, ok)
	_, ok = r.Get("")
	assert.False(t, ok)

	r.Delete(tok)
	_, ok = r.Get(tok)
	assert.False(t, ok)
	assert.Equal(t, []int{1, 0}, counts)
}

func TestRegistryStoresDigestsOnly(t *testing.T) {
	r := NewRegistry()
	tok, err := r.Put(&Session{username: "bob"})
	require.NoError(t, err)
	_, raw := r.sessions[tok]
	assert.False(t, raw)
}

func TestSweepDropsExpiredSessions(t *testing.T) {
	e := newEnv(t, Options{Timeout: 10 * time.Minute})
	ctx := context.Background()
	r := NewRegistry()

	old, err := e.mgr.Authenticate(ctx, "bob", "Passw0rd")
	require.NoError(t, err)
	oldTok, err := r.Put(old)
	require.NoError(t, err)

	e.clock.Advance(8 * time.Minute)
	fresh, err := e.mgr.Authenticate(ctx, "admin", "admin123")
	require.NoError(t, err)
	freshTok, err := r.Put(fresh)
	require.NoError(t, err)

	e.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, r.Sweep(ctx, e.mgr))
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get(oldTok)
	assert.False(t, ok)
	_, ok = r.Get(freshTok)
	assert.True(t, ok)
}
