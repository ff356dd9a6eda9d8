package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"cycletime/internal/apperr"
	"cycletime/internal/audit"
	"cycletime/internal/auth"
	"cycletime/internal/config"
	"cycletime/internal/docstore"
	"cycletime/internal/metrics"
	"cycletime/internal/models"
	"cycletime/internal/session"
	"cycletime/internal/store"
	"cycletime/internal/telemetry"
)

// Service is the surface callers use. Every operation takes the caller's
// session and checks its role before touching a store.
type Service struct {
	cfg      config.Config
	hasher   *auth.Hasher
	audit    *audit.Log
	users    *store.Users
	records  *store.Records
	sessions *session.Manager
	metrics  *telemetry.Metrics

	clockMu sync.RWMutex
	clock   func() time.Time
}

func New(cfg config.Config, backend docstore.Backend, m *telemetry.Metrics) *Service {
	s := &Service{cfg: cfg, metrics: m, clock: func() time.Time { return time.Now().UTC() }}
	s.hasher = auth.NewHasher(cfg.PasswordHashIterations)
	s.audit = audit.New(backend, cfg.AuditMaxEntries)
	s.audit.SetObserver(m)
	s.audit.SetClock(s.now)
	s.users = store.NewUsers(backend, s.hasher, s.audit, store.UserOptions{
		DefaultAdminUsername: cfg.DefaultAdminUsername,
		DefaultAdminPassword: cfg.DefaultAdminPassword,
		Policy:               s.PasswordPolicy(),
		Now:                  s.now,
	})
	s.records = store.NewRecords(backend, s.audit, s.now)
	s.sessions = session.NewManager(s.users, s.hasher, s.audit, session.Options{
		Timeout:     cfg.SessionTimeout(),
		MaxAttempts: cfg.LoginMaxAttempts,
		Lockout:     cfg.LoginLockout(),
		Now:         s.now,
	})
	s.sessions.SetObserver(m)
	return s
}

// SetClock replaces the time source of the service and every store it owns.
func (s *Service) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	s.clock = now
	s.clockMu.Unlock()
}

func (s *Service) now() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.clock()
}

func (s *Service) Sessions() *session.Manager { return s.sessions }
func (s *Service) Users() *store.Users         { return s.users }
func (s *Service) Records() *store.Records     { return s.records }
func (s *Service) Audit() *audit.Log           { return s.audit }

func (s *Service) PasswordPolicy() auth.Policy {
	return auth.Policy{MinLength: s.cfg.PasswordMinLength, RequireMixed: s.cfg.PasswordRequireMixed}
}

// SetSessionTimeout is the hook for configuration reloads.
func (s *Service) SetSessionTimeout(d time.Duration) { s.sessions.SetTimeout(d) }

func (s *Service) Login(ctx context.Context, username, password string) (*session.Session, error) {
	return s.sessions.Authenticate(ctx, username, password)
}

func (s *Service) Logout(ctx context.Context, sess *session.Session) {
	s.sessions.Logout(ctx, sess)
}

// CheckSession reports whether sess may still act, timing it out if idle.
func (s *Service) CheckSession(ctx context.Context, sess *session.Session) error {
	return s.sessions.RequireRole(ctx, sess, models.RoleMember)
}

func (s *Service) Me(ctx context.Context, sess *session.Session) (session.Snapshot, error) {
	if err := s.CheckSession(ctx, sess); err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) ChangeOwnPassword(ctx context.Context, sess *session.Session, oldPassword, newPassword string) error {
	if err := s.CheckSession(ctx, sess); err != nil {
		return err
	}
	return s.users.ChangePassword(ctx, sess.Username(), oldPassword, newPassword)
}

func (s *Service) CreateRecords(ctx context.Context, sess *session.Session, rows ...store.RecordInput) (int, error) {
	if err := s.CheckSession(ctx, sess); err != nil {
		return 0, err
	}
	n, err := s.records.Append(ctx, sess.Username(), rows...)
	if err != nil {
		return 0, err
	}
	s.refreshRecordCount(ctx)
	return n, nil
}

func (s *Service) EditRecord(ctx context.Context, sess *session.Session, index int, patch store.RecordPatch) (models.CycleRecord, error) {
	if err := s.CheckSession(ctx, sess); err != nil {
		return models.CycleRecord{}, err
	}
	return s.records.Edit(ctx, sess.Username(), index, patch)
}

func (s *Service) DeleteRecord(ctx context.Context, sess *session.Session, index int) (models.CycleRecord, error) {
	if err := s.CheckSession(ctx, sess); err != nil {
		return models.CycleRecord{}, err
	}
	rec, err := s.records.Delete(ctx, sess.Username(), index)
	if err != nil {
		return models.CycleRecord{}, err
	}
	s.refreshRecordCount(ctx)
	return rec, nil
}

func (s *Service) ListRecords(ctx context.Context, sess *session.Session, q store.Query) ([]store.Entry, error) {
	if err := s.CheckSession(ctx, sess); err != nil {
		return nil, err
	}
	return s.records.Find(ctx, q)
}

// Facets lists the distinct models and dates present, for building filters.
type Facets struct {
	Models []string `json:"models"`
	Dates  []string `json:"dates"`
}

func (s *Service) RecordFacets(ctx context.Context, sess *session.Session) (Facets, error) {
	if err := s.CheckSession(ctx, sess); err != nil {
		return Facets{}, err
	}
	recs, err := s.records.Load(ctx)
	if err != nil {
		return Facets{}, err
	}
	return Facets{Models: store.Models(recs), Dates: store.Dates(recs)}, nil
}

// UPHReport builds the per-station throughput report for one model. A
// negative target falls back to the configured default.
func (s *Service) UPHReport(ctx context.Context, sess *session.Session, in metrics.ReportInput) (metrics.Report, error) {
	if err := s.CheckSession(ctx, sess); err != nil {
		return metrics.Report{}, err
	}
	in.Model = strings.TrimSpace(in.Model)
	if in.Model == "" {
		return metrics.Report{}, apperr.Invalid("model", "model is required")
	}
	if !in.From.IsZero() && !in.To.IsZero() && in.To.Before(in.From) {
		return metrics.Report{}, apperr.Invalid("to", "end date is before start date")
	}
	if in.Target < 0 {
		in.Target = s.cfg.UPHDefaultTarget
	}
	recs, err := s.records.Load(ctx)
	if err != nil {
		return metrics.Report{}, err
	}
	return metrics.BuildReport(recs, in), nil
}

func (s *Service) PurgeRecords(ctx context.Context, sess *session.Session, cutoff models.Date) (int, error) {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return 0, err
	}
	n, err := s.records.PurgeOlderThan(ctx, sess.Username(), cutoff)
	if err != nil {
		return 0, err
	}
	log.Printf("records_purged actor=%s cutoff=%s removed=%d", sess.Username(), cutoff, n)
	s.refreshRecordCount(ctx)
	return n, nil
}

func (s *Service) CreateUser(ctx context.Context, sess *session.Session, username, password, role, fullName string) (models.User, error) {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return models.User{}, err
	}
	r, err := models.ParseRole(role)
	if err != nil {
		return models.User{}, apperr.Invalid("role", err.Error())
	}
	return s.users.Create(ctx, sess.Username(), username, password, r, strings.TrimSpace(fullName))
}

func (s *Service) DeleteUser(ctx context.Context, sess *session.Session, username string) error {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return err
	}
	username = strings.TrimSpace(username)
	if username == sess.Username() {
		return apperr.Invalid("username", "you cannot delete your own account")
	}
	return s.users.Delete(ctx, sess.Username(), username)
}

// SetRole changes a user's role. Demoting yourself needs confirm; when it
// succeeds the caller's live session loses Admin immediately.
func (s *Service) SetRole(ctx context.Context, sess *session.Session, username, role string, confirm bool) (models.User, error) {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return models.User{}, err
	}
	r, err := models.ParseRole(role)
	if err != nil {
		return models.User{}, apperr.Invalid("role", err.Error())
	}
	username = strings.TrimSpace(username)
	self := username == sess.Username()
	if self && r != models.RoleAdmin && !confirm {
		return models.User{}, apperr.Invalid("confirm", "demoting your own account requires confirmation")
	}
	u, err := s.users.SetRole(ctx, sess.Username(), username, r)
	if err != nil {
		return models.User{}, err
	}
	if self {
		sess.SetRole(u.Role)
	}
	return u, nil
}

func (s *Service) ResetUserPassword(ctx context.Context, sess *session.Session, username, newPassword string) error {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return err
	}
	return s.users.ResetPassword(ctx, sess.Username(), strings.TrimSpace(username), newPassword)
}

func (s *Service) ListUsers(ctx context.Context, sess *session.Session) ([]models.User, error) {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return nil, err
	}
	return s.users.List(ctx)
}

func (s *Service) RecentAudit(ctx context.Context, sess *session.Session, n int) ([]models.AuditEvent, error) {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 100
	}
	return s.audit.Recent(ctx, n)
}

func (s *Service) AuditStats(ctx context.Context, sess *session.Session) (audit.Stats, error) {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return audit.Stats{}, err
	}
	return s.audit.Stats(ctx)
}

// Backup snapshots the records into the backup directory.
func (s *Service) Backup(ctx context.Context, sess *session.Session) (string, error) {
	if err := s.sessions.RequireRole(ctx, sess, models.RoleAdmin); err != nil {
		return "", err
	}
	return s.BackupAs(ctx, sess.Username())
}

// BackupAs is Backup for trusted local callers such as the admin CLI.
func (s *Service) BackupAs(ctx context.Context, actor string) (string, error) {
	recs, err := s.records.Load(ctx)
	if err != nil {
		return "", err
	}
	path, err := WriteBackup(s.cfg.BackupDir, s.cfg.BackupKeep, recs, s.now())
	if err != nil {
		return "", err
	}
	s.audit.Record(ctx, models.EventBackup, actor, fmt.Sprintf("backed up %d records to %s", len(recs), path))
	log.Printf("records_backup actor=%s records=%d path=%s", actor, len(recs), path)
	return path, nil
}

// ResetUsers restores the users document to the default admin alone. It is
// an offline recovery tool and bypasses session checks.
func (s *Service) ResetUsers(ctx context.Context, actor string) (string, error) {
	return s.users.ResetToDefault(ctx, actor)
}

// Ready loads both stores once. It also seeds the default admin on a fresh
// data directory.
func (s *Service) Ready(ctx context.Context) error {
	if _, err := s.users.Load(ctx); err != nil {
		return fmt.Errorf("users: %w", err)
	}
	recs, err := s.records.Load(ctx)
	if err != nil {
		return fmt.Errorf("records: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetRecordCount(len(recs))
	}
	return nil
}

func (s *Service) refreshRecordCount(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	recs, err := s.records.Load(ctx)
	if err != nil {
		return
	}
	s.metrics.SetRecordCount(len(recs))
}
