package models

import (
	"fmt"
	"strings"
	"time"

	"cycletime/internal/cycletime"
)

type Role string

const (
	RoleMember Role = "Member"
	RoleAdmin  Role = "Admin"
)

// ParseRole is the only place raw role strings are interpreted.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "member":
		return RoleMember, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Satisfies reports whether a holder of r may act where required is needed.
func (r Role) Satisfies(required Role) bool {
	switch r {
	case RoleAdmin:
		return required == RoleAdmin || required == RoleMember
	case RoleMember:
		return required == RoleMember
	}
	return false
}

type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	FullName     string    `json:"full_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by,omitempty"`
}

type CycleRecord struct {
	Date       Date                 `json:"date"`
	Model      string               `json:"model"`
	Station    string               `json:"station"`
	R1         *cycletime.CycleTime `json:"r1,omitempty"`
	R2         *cycletime.CycleTime `json:"r2,omitempty"`
	R3         *cycletime.CycleTime `json:"r3,omitempty"`
	Average    *cycletime.CycleTime `json:"average,omitempty"`
	Output     string               `json:"output"`
	CreatedBy  string               `json:"created_by"`
	CreatedAt  time.Time            `json:"created_at"`
	ModifiedBy string               `json:"modified_by,omitempty"`
	ModifiedAt *time.Time           `json:"modified_at,omitempty"`
}

func (r CycleRecord) Readings() []*cycletime.CycleTime {
	return []*cycletime.CycleTime{r.R1, r.R2, r.R3}
}

// Recompute refreshes Average from the present readings.
func (r *CycleRecord) Recompute() {
	r.Average = cycletime.Average(r.R1, r.R2, r.R3)
}

type EventType string

const (
	EventLogin            EventType = "login"
	EventLogout           EventType = "logout"
	EventFailedLogin      EventType = "failed_login"
	EventUserCreated      EventType = "user_created"
	EventUserDeleted      EventType = "user_deleted"
	EventPasswordChange   EventType = "password_change"
	EventRoleChange       EventType = "role_change"
	EventRecordCreated    EventType = "record_created"
	EventRecordEdited     EventType = "record_edited"
	EventRecordDeleted    EventType = "record_deleted"
	EventBackup           EventType = "backup"
	EventDeleteOldRecords EventType = "delete_old_records"
)

type AuditEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"event_type"`
	Username    string    `json:"username"`
	Description string    `json:"description"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	DateLayout,
}

// ParseTimestamp accepts RFC 3339 and the naive ISO forms found in older
// data files. Naive values are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
