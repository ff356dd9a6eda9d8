package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cycletime/internal/apperr"
	"cycletime/internal/docstore"
	"cycletime/internal/models"
)

type countingObserver struct {
	appended map[models.EventType]int
	failed   int
}

func (c *countingObserver) AuditAppended(t models.EventType) {
	if c.appended == nil {
		c.appended = map[models.EventType]int{}
	}
	c.appended[t]++
}

func (c *countingObserver) AuditFailed() { c.failed++ }

func newLog(t *testing.T, max int) (*Log, *docstore.FileBackend) {
	t.Helper()
	b := docstore.NewFileBackend(t.TempDir())
	l := New(b, max)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	l.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	return l, b
}

func TestAppendCapsAtMaxDroppingOldest(t *testing.T) {
	l, _ := newLog(t, 1000)
	ctx := context.Background()
	for i := 0; i < 1001; i++ {
		require.NoError(t, l.Append(ctx, models.AuditEvent{Type: models.EventLogin, Username: "u", Description: fmt.Sprintf("event %d", i)}))
	}
	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000, st.Total)

	all, err := l.Recent(ctx, 2000)
	require.NoError(t, err)
	require.Len(t, all, 1000)
	assert.Equal(t, "event 1000", all[0].Description)
	assert.Equal(t, "event 1", all[len(all)-1].Description)
}

func TestRecentIsNewestFirstAndBounded(t *testing.T) {
	l, _ := newLog(t, 10)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		l.Record(ctx, models.EventRecordCreated, "alice", fmt.Sprintf("n%d", i))
	}
	got, err := l.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "n7", got[0].Description)
	assert.Equal(t, "n3", got[4].Description)
	assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
	assert.NotEmpty(t, got[0].ID)

	none, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStatsByType(t *testing.T) {
	l, _ := newLog(t, 100)
	ctx := context.Background()
	l.Record(ctx, models.EventLogin, "alice", "")
	l.Record(ctx, models.EventLogin, "bob", "")
	l.Record(ctx, models.EventFailedLogin, "mallory", "bad password")
	l.Record(ctx, models.EventRecordDeleted, "alice", "")

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Logins)
	assert.Equal(t, 1, st.FailedLogins)
	assert.Equal(t, 1, st.ByType[models.EventRecordDeleted])
	assert.Equal(t, 3, st.Users)
}

func TestCorruptJournalIsTreatedAsEmpty(t *testing.T) {
	l, b := newLog(t, 100)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(b.Path(Document), []byte("[{broken"), 0o600))

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, l.Append(ctx, models.AuditEvent{Type: models.EventLogin, Username: "admin"}))
	got, err = l.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLegacyEntriesAreMapped(t *testing.T) {
	l, b := newLog(t, 100)
	ctx := context.Background()
	legacy := `[
  {"timestamp": "2023-05-01T10:00:00.123456", "action": "ADD_USER", "username": "admin", "details": "Added user: bob"},
  {"timestamp": "2023-05-01T10:05:00", "action": "LOGIN", "username": "bob", "details": ""}
]`
	require.NoError(t, os.WriteFile(b.Path(Document), []byte(legacy), 0o600))

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.EventLogin, got[0].Type)
	assert.Equal(t, models.EventUserCreated, got[1].Type)
	assert.Equal(t, "Added user: bob", got[1].Description)
	assert.Equal(t, 2023, got[1].Timestamp.Year())
}

func TestAppendReportsStorageFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	l := New(docstore.NewFileBackend(blocker), 10)
	obs := &countingObserver{}
	l.SetObserver(obs)

	err := l.Append(context.Background(), models.AuditEvent{Type: models.EventLogin, Username: "admin"})
	assert.True(t, errors.Is(err, apperr.ErrStorage), "got %v", err)
	assert.Equal(t, 1, obs.failed)

	// best-effort form must not panic or return
	l.Record(context.Background(), models.EventLogin, "admin", "")
	assert.Equal(t, 2, obs.failed)
}

func TestObserverSeesAppends(t *testing.T) {
	l, _ := newLog(t, 10)
	obs := &countingObserver{}
	l.SetObserver(obs)
	l.Record(context.Background(), models.EventBackup, "admin", "")
	assert.Equal(t, 1, obs.appended[models.EventBackup])
}
