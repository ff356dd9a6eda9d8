package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"cycletime/internal/apperr"
	"cycletime/internal/audit"
	"cycletime/internal/auth"
	"cycletime/internal/models"
	"cycletime/internal/store"
)

const (
	DefaultTimeout     = 30 * time.Minute
	DefaultMaxAttempts = 5
	DefaultLockout     = 5 * time.Minute
)

type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	Lockout     time.Duration
	Now         func() time.Time
}

// ThrottleObserver is told about logins refused by the attempt limit.
type ThrottleObserver interface {
	LoginThrottled()
}

type Manager struct {
	users       *store.Users
	hasher      *auth.Hasher
	audit       *audit.Log
	timeout     atomic.Int64
	maxAttempts int
	attempts    *cache.Cache
	now         func() time.Time
	observer    ThrottleObserver
	dummyHash   string
}

func NewManager(users *store.Users, h *auth.Hasher, al *audit.Log, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Lockout <= 0 {
		opts.Lockout = DefaultLockout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	m := &Manager{
		users:       users,
		hasher:      h,
		audit:       al,
		maxAttempts: opts.MaxAttempts,
		attempts:    cache.New(opts.Lockout, 2*opts.Lockout),
		now:         opts.Now,
	}
	m.timeout.Store(int64(opts.Timeout))
	// unknown users are verified against this so both failure paths cost the same
	m.dummyHash, _ = h.Hash(uuid.NewString())
	return m
}

func (m *Manager) SetObserver(o ThrottleObserver) { m.observer = o }

func (m *Manager) Timeout() time.Duration { return time.Duration(m.timeout.Load()) }

// SetTimeout changes the inactivity timeout for every session, including
// ones already open.
func (m *Manager) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.timeout.Store(int64(d))
	log.Printf("session_timeout_updated timeout=%s", d)
}

// Authenticate checks credentials and returns a fresh Authenticated session.
// Unknown users and wrong passwords both yield ErrAuthentication; failures
// loading the user store are returned unchanged.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if m.lockedOut(username) {
		m.audit.Record(ctx, models.EventFailedLogin, username, "locked out")
		if m.observer != nil {
			m.observer.LoginThrottled()
		}
		log.Printf("login_throttled user=%s", username)
		return nil, apperr.ErrTooManyAttempts
	}

	u, err := m.users.Get(ctx, username)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			log.Printf("login_store_error user=%s err=%v", username, err)
			return nil, err
		}
		m.hasher.Verify(password, m.dummyHash)
		m.fail(ctx, username, "unknown user")
		return nil, apperr.ErrAuthentication
	}
	if !m.hasher.Verify(password, u.PasswordHash) {
		m.fail(ctx, username, "bad password")
		return nil, apperr.ErrAuthentication
	}
	m.attempts.Delete(username)

	if m.hasher.NeedsRehash(u.PasswordHash) {
		if err := m.users.Rehash(ctx, u.Username, password); err != nil {
			log.Printf("password_rehash_failed user=%s err=%v", u.Username, err)
		} else {
			log.Printf("password_rehashed user=%s", u.Username)
		}
	}

	now := m.now()
	s := &Session{
		id:           uuid.NewString(),
		username:     u.Username,
		role:         u.Role,
		fullName:     u.FullName,
		loginTime:    now,
		lastActivity: now,
	}
	m.audit.Record(ctx, models.EventLogin, u.Username, "logged in")
	return s, nil
}

func (m *Manager) lockedOut(username string) bool {
	n, ok := m.attempts.Get(username)
	return ok && n.(int) >= m.maxAttempts
}

// fail counts a failed attempt. The window starts at the first failure and
// is not extended by later ones.
func (m *Manager) fail(ctx context.Context, username, reason string) {
	if err := m.attempts.Add(username, 1, cache.DefaultExpiration); err != nil {
		if _, err := m.attempts.IncrementInt(username, 1); err != nil {
			m.attempts.Set(username, 1, cache.DefaultExpiration)
		}
	}
	m.audit.Record(ctx, models.EventFailedLogin, username, reason)
	log.Printf("login_failed user=%s reason=%q", username, reason)
}

// Touch marks activity on an Authenticated session.
func (m *Manager) Touch(s *Session) {
	if s == nil {
		return
	}
	now := m.now()
	s.mu.Lock()
	if s.username != "" {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// CheckTimeout returns true and logs the session out when it has been idle
// for longer than the timeout.
func (m *Manager) CheckTimeout(ctx context.Context, s *Session) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	idle := m.now().Sub(s.lastActivity)
	expired := s.username != "" && idle > m.Timeout()
	s.mu.Unlock()
	if !expired {
		return false
	}
	if u := s.clear(); u != "" {
		m.audit.Record(ctx, models.EventLogout, u, "reason: timeout")
		log.Printf("session_timeout user=%s idle=%s", u, idle.Round(time.Second))
	}
	return true
}

func (m *Manager) Logout(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	if u := s.clear(); u != "" {
		m.audit.Record(ctx, models.EventLogout, u, "reason: explicit")
	}
}

// RequireRole gates a privileged action. The timeout is checked first, then
// the stored account: a deleted user is logged out and a changed role is
// adopted by the session. An Admin satisfies any requirement. A passing
// check counts as activity.
func (m *Manager) RequireRole(ctx context.Context, s *Session, role models.Role) error {
	if s == nil {
		return apperr.ErrNotAuthenticated
	}
	if m.CheckTimeout(ctx, s) {
		return apperr.ErrSessionExpired
	}
	snap := s.Snapshot()
	if snap.Username == "" {
		return apperr.ErrNotAuthenticated
	}
	usr, err := m.users.Get(ctx, snap.Username)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if u := s.clear(); u != "" {
			m.audit.Record(ctx, models.EventLogout, u, "reason: account removed")
			log.Printf("session_revoked user=%s reason=account_removed", u)
		}
		return apperr.ErrNotAuthenticated
	case err != nil:
		return err
	}
	if usr.Role != snap.Role {
		s.SetRole(usr.Role)
		log.Printf("session_role_changed user=%s from=%s to=%s", snap.Username, snap.Role, usr.Role)
	}
	if !usr.Role.Satisfies(role) {
		return fmt.Errorf("%w: %s role required", apperr.ErrAccessDenied, role)
	}
	m.Touch(s)
	return nil
}
