package session

import (
	"sync"
	"time"

	"cycletime/internal/models"
)

// Session is the per-user login state. A zero Username means Anonymous.
// All fields are guarded by mu; read them through Snapshot.
type Session struct {
	mu           sync.Mutex
	id           string
	username     string
	role         models.Role
	fullName     string
	loginTime    time.Time
	lastActivity time.Time
}

type Snapshot struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	Role         models.Role `json:"role"`
	FullName     string      `json:"full_name,omitempty"`
	LoginTime    time.Time   `json:"login_time"`
	LastActivity time.Time   `json:"last_activity"`
}

func (s *Session) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		Username:     s.username,
		Role:         s.role,
		FullName:     s.fullName,
		LoginTime:    s.loginTime,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) Authenticated() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username != ""
}

func (s *Session) Username() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// SetRole updates the role held by a live session, for example after an
// admin changes their own role.
func (s *Session) SetRole(r models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username != "" {
		s.role = r
	}
}

// clear drops back to Anonymous and returns the user that was logged in.
func (s *Session) clear() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.username
	s.id = ""
	s.username = ""
	s.role = ""
	s.fullName = ""
	s.loginTime = time.Time{}
	s.lastActivity = time.Time{}
	return u
}
