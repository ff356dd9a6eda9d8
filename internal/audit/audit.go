package audit

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cycletime/internal/apperr"
	"cycletime/internal/docstore"
	"cycletime/internal/models"
)

const (
	Document   = "audit_log"
	DefaultMax = 1000
)

// Observer is told about every event that reached storage and every
// append that did not.
type Observer interface {
	AuditAppended(models.EventType)
	AuditFailed()
}

type Log struct {
	backend  docstore.Backend
	max      int
	now      func() time.Time
	observer Observer
	mu       sync.Mutex
}

func New(backend docstore.Backend, max int) *Log {
	if max <= 0 {
		max = DefaultMax
	}
	return &Log{backend: backend, max: max, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Log) SetObserver(o Observer)        { l.observer = o }
func (l *Log) SetClock(now func() time.Time) { l.now = now }

// Append stores ev after the existing events and drops the oldest beyond
// the cap. A missing or undecodable journal is started afresh.
func (l *Log) Append(ctx context.Context, ev models.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.load(ctx)
	if err != nil {
		l.failed()
		return err
	}
	events = append(events, ev)
	if len(events) > l.max {
		events = events[len(events)-l.max:]
	}
	if err := l.save(ctx, events); err != nil {
		l.failed()
		return err
	}
	if l.observer != nil {
		l.observer.AuditAppended(ev.Type)
	}
	return nil
}

// Record is the best-effort form used next to the action it describes:
// failures are logged, never returned.
func (l *Log) Record(ctx context.Context, t models.EventType, username, description string) {
	err := l.Append(ctx, models.AuditEvent{Type: t, Username: username, Description: description})
	if err != nil {
		log.Printf("audit_append_failed event_type=%s username=%s err=%q", t, username, err.Error())
	}
}

// Recent returns at most n events, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]models.AuditEvent, error) {
	if n <= 0 {
		return []models.AuditEvent{}, nil
	}
	l.mu.Lock()
	events, err := l.load(ctx)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if n > len(events) {
		n = len(events)
	}
	out := make([]models.AuditEvent, 0, n)
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, events[i])
	}
	return out, nil
}

type Stats struct {
	Total        int                      `json:"total"`
	ByType       map[models.EventType]int `json:"by_type"`
	Logins       int                      `json:"logins"`
	FailedLogins int                      `json:"failed_logins"`
	Users        int                      `json:"distinct_users"`
}

func (l *Log) Stats(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	events, err := l.load(ctx)
	l.mu.Unlock()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(events), ByType: map[models.EventType]int{}}
	users := map[string]struct{}{}
	for _, ev := range events {
		st.ByType[ev.Type]++
		if ev.Username != "" {
			users[ev.Username] = struct{}{}
		}
	}
	st.Logins = st.ByType[models.EventLogin]
	st.FailedLogins = st.ByType[models.EventFailedLogin]
	st.Users = len(users)
	return st, nil
}

// storedEvent accepts both the current layout and the older
// action/details layout.
type storedEvent struct {
	ID          string `json:"id,omitempty"`
	Timestamp   string `json:"timestamp"`
	EventType   string `json:"event_type,omitempty"`
	Action      string `json:"action,omitempty"`
	Username    string `json:"username"`
	Description string `json:"description,omitempty"`
	Details     string `json:"details,omitempty"`
}

var legacyActions = map[string]models.EventType{
	"LOGIN":           models.EventLogin,
	"LOGOUT":          models.EventLogout,
	"FAILED_LOGIN":    models.EventFailedLogin,
	"ADD_USER":        models.EventUserCreated,
	"REMOVE_USER":     models.EventUserDeleted,
	"CHANGE_ROLE":     models.EventRoleChange,
	"CHANGE_PASSWORD": models.EventPasswordChange,
	"CREATE_RECORDS":  models.EventRecordCreated,
	"EDIT_RECORD":     models.EventRecordEdited,
	"DELETE_RECORD":   models.EventRecordDeleted,
	"BACKUP":          models.EventBackup,
	"DELETE_OLD":      models.EventDeleteOldRecords,
}

func (s storedEvent) event() models.AuditEvent {
	ev := models.AuditEvent{ID: s.ID, Username: s.Username, Description: s.Description}
	ev.Timestamp, _ = models.ParseTimestamp(s.Timestamp)
	switch {
	case s.EventType != "":
		ev.Type = models.EventType(strings.ToLower(s.EventType))
	case s.Action != "":
		if t, ok := legacyActions[strings.ToUpper(s.Action)]; ok {
			ev.Type = t
		} else {
			ev.Type = models.EventType(strings.ToLower(s.Action))
		}
	}
	if ev.Description == "" {
		ev.Description = s.Details
	}
	return ev
}

func (l *Log) load(ctx context.Context) ([]models.AuditEvent, error) {
	var stored []storedEvent
	_, err := docstore.ReadJSON(ctx, l.backend, Document, &stored)
	if errors.Is(err, apperr.ErrCorruptData) {
		log.Printf("audit_log_corrupt action=reset err=%q", err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	events := make([]models.AuditEvent, 0, len(stored)+1)
	for _, s := range stored {
		events = append(events, s.event())
	}
	return events, nil
}

func (l *Log) save(ctx context.Context, events []models.AuditEvent) error {
	out := make([]storedEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, storedEvent{
			ID:          ev.ID,
			Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
			EventType:   string(ev.Type),
			Username:    ev.Username,
			Description: ev.Description,
		})
	}
	return docstore.WriteJSON(ctx, l.backend, Document, out)
}

func (l *Log) failed() {
	if l.observer != nil {
		l.observer.AuditFailed()
	}
}
