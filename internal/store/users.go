package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"cycletime/internal/apperr"
	"cycletime/internal/audit"
	"cycletime/internal/auth"
	"cycletime/internal/docstore"
	"cycletime/internal/models"
)

const (
	UsersDocument     = "users"
	minUsernameLength = 3
	systemActor       = "system"
)

type UserOptions struct {
	DefaultAdminUsername string
	DefaultAdminPassword string
	Policy               auth.Policy
	Now                  func() time.Time
}

// Users owns the username -> credential document. Mutations are
// read-modify-write under one lock, so a single process never loses its
// own updates.
type Users struct {
	backend docstore.Backend
	hasher  *auth.Hasher
	audit   *audit.Log
	opts    UserOptions
	mu      sync.Mutex
}

func NewUsers(b docstore.Backend, h *auth.Hasher, al *audit.Log, opts UserOptions) *Users {
	if opts.DefaultAdminUsername == "" {
		opts.DefaultAdminUsername = "admin"
	}
	if opts.DefaultAdminPassword == "" {
		opts.DefaultAdminPassword = "admin123"
	}
	if opts.Policy.MinLength == 0 {
		opts.Policy.MinLength = 8
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Users{backend: b, hasher: h, audit: al, opts: opts}
}

func (u *Users) DefaultAdmin() string { return u.opts.DefaultAdminUsername }
func (u *Users) Hasher() *auth.Hasher { return u.hasher }

type storedUser struct {
	PasswordHash string `json:"password_hash,omitempty"`
	Password     string `json:"password,omitempty"`
	Role         string `json:"role"`
	FullName     string `json:"full_name,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
}

// Load returns every user. An absent or empty document is seeded with the
// default admin; any other damage is reported as CorruptDataError.
func (u *Users) Load(ctx context.Context) (map[string]models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.load(ctx)
}

func (u *Users) load(ctx context.Context) (map[string]models.User, error) {
	var stored map[string]storedUser
	found, err := docstore.ReadJSON(ctx, u.backend, UsersDocument, &stored)
	if err != nil {
		return nil, err
	}
	if !found || len(stored) == 0 {
		return u.seed(ctx)
	}
	users := make(map[string]models.User, len(stored))
	admins := 0
	for name, s := range stored {
		hash := s.PasswordHash
		if hash == "" {
			hash = s.Password
		}
		if strings.TrimSpace(name) == "" {
			return nil, apperr.Corrupt(UsersDocument, "blank username")
		}
		if hash == "" {
			return nil, apperr.Corrupt(UsersDocument, "user %q has no password hash", name)
		}
		role, err := models.ParseRole(s.Role)
		if err != nil {
			return nil, apperr.Corrupt(UsersDocument, "user %q: %v", name, err)
		}
		if role == models.RoleAdmin {
			admins++
		}
		created, _ := models.ParseTimestamp(s.CreatedAt)
		users[name] = models.User{
			Username:     name,
			PasswordHash: hash,
			Role:         role,
			FullName:     s.FullName,
			CreatedAt:    created,
			CreatedBy:    s.CreatedBy,
		}
	}
	if admins == 0 {
		return nil, apperr.Corrupt(UsersDocument, "no admin account")
	}
	return users, nil
}

func (u *Users) seed(ctx context.Context) (map[string]models.User, error) {
	admin, err := u.defaultAdminUser()
	if err != nil {
		return nil, err
	}
	users := map[string]models.User{admin.Username: admin}
	if err := u.save(ctx, users); err != nil {
		return nil, err
	}
	log.Printf("users_seeded username=%s", admin.Username)
	u.audit.Record(ctx, models.EventUserCreated, systemActor, "seeded default admin "+admin.Username)
	return users, nil
}

func (u *Users) defaultAdminUser() (models.User, error) {
	hash, err := u.hasher.Hash(u.opts.DefaultAdminPassword)
	if err != nil {
		return models.User{}, fmt.Errorf("hash default admin password: %w", err)
	}
	return models.User{
		Username:     u.opts.DefaultAdminUsername,
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		FullName:     "Administrator",
		CreatedAt:    u.opts.Now(),
		CreatedBy:    systemActor,
	}, nil
}

// Save replaces the whole document. On error the caller must assume
// nothing changed.
func (u *Users) Save(ctx context.Context, users map[string]models.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.save(ctx, users)
}

func (u *Users) save(ctx context.Context, users map[string]models.User) error {
	out := make(map[string]storedUser, len(users))
	for name, usr := range users {
		s := storedUser{
			PasswordHash: usr.PasswordHash,
			Role:         string(usr.Role),
			FullName:     usr.FullName,
			CreatedBy:    usr.CreatedBy,
		}
		if !usr.CreatedAt.IsZero() {
			s.CreatedAt = usr.CreatedAt.UTC().Format(time.RFC3339)
		}
		out[name] = s
	}
	return docstore.WriteJSON(ctx, u.backend, UsersDocument, out)
}

func (u *Users) Get(ctx context.Context, username string) (models.User, error) {
	users, err := u.Load(ctx)
	if err != nil {
		return models.User{}, err
	}
	usr, ok := users[strings.TrimSpace(username)]
	if !ok {
		return models.User{}, apperr.NotFound("user " + username)
	}
	return usr, nil
}

// List returns users sorted by username.
func (u *Users) List(ctx context.Context) ([]models.User, error) {
	users, err := u.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.User, 0, len(users))
	for _, usr := range users {
		out = append(out, usr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (u *Users) Create(ctx context.Context, actor, username, password string, role models.Role, fullName string) (models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, apperr.Invalid("username", "username is required")
	}
	if len([]rune(username)) < minUsernameLength {
		return models.User{}, apperr.Invalid("username", fmt.Sprintf("username must be at least %d characters", minUsernameLength))
	}
	if role != models.RoleAdmin && role != models.RoleMember {
		return models.User{}, apperr.Invalid("role", "role must be Member or Admin")
	}
	if ok, msg := auth.ValidateStrength(password, u.opts.Policy); !ok {
		return models.User{}, apperr.Invalid("password", msg)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load(ctx)
	if err != nil {
		return models.User{}, err
	}
	if _, exists := users[username]; exists {
		return models.User{}, apperr.Invalid("username", "username already exists")
	}
	hash, err := u.hasher.Hash(password)
	if err != nil {
		return models.User{}, err
	}
	usr := models.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		FullName:     strings.TrimSpace(fullName),
		CreatedAt:    u.opts.Now(),
		CreatedBy:    actor,
	}
	users[username] = usr
	if err := u.save(ctx, users); err != nil {
		return models.User{}, err
	}
	u.audit.Record(ctx, models.EventUserCreated, actor, fmt.Sprintf("created user %s with role %s", username, role))
	return usr, nil
}

func (u *Users) Delete(ctx context.Context, actor, username string) error {
	username = strings.TrimSpace(username)
	if username == u.opts.DefaultAdminUsername {
		return apperr.Invalid("username", "the default admin account cannot be deleted")
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load(ctx)
	if err != nil {
		return err
	}
	target, ok := users[username]
	if !ok {
		return apperr.NotFound("user " + username)
	}
	if target.Role == models.RoleAdmin && countAdmins(users) <= 1 {
		return apperr.Invalid("username", "cannot delete the last admin")
	}
	delete(users, username)
	if err := u.save(ctx, users); err != nil {
		return err
	}
	u.audit.Record(ctx, models.EventUserDeleted, actor, "deleted user "+username)
	return nil
}

// ChangePassword is the self-service path: the current password must
// verify before the new one is stored.
func (u *Users) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if ok, msg := auth.ValidateStrength(newPassword, u.opts.Policy); !ok {
		return apperr.Invalid("new_password", msg)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load(ctx)
	if err != nil {
		return err
	}
	usr, ok := users[username]
	if !ok {
		return apperr.NotFound("user " + username)
	}
	if !u.hasher.Verify(oldPassword, usr.PasswordHash) {
		return fmt.Errorf("%w: current password is incorrect", apperr.ErrAuthentication)
	}
	if err := u.setHash(ctx, users, usr, newPassword); err != nil {
		return err
	}
	u.audit.Record(ctx, models.EventPasswordChange, username, "changed own password")
	return nil
}

// ResetPassword sets a new password without the old one. Callers gate it
// on the Admin role.
func (u *Users) ResetPassword(ctx context.Context, actor, username, newPassword string) error {
	if ok, msg := auth.ValidateStrength(newPassword, u.opts.Policy); !ok {
		return apperr.Invalid("new_password", msg)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load(ctx)
	if err != nil {
		return err
	}
	usr, ok := users[username]
	if !ok {
		return apperr.NotFound("user " + username)
	}
	if err := u.setHash(ctx, users, usr, newPassword); err != nil {
		return err
	}
	u.audit.Record(ctx, models.EventPasswordChange, actor, "reset password for "+username)
	return nil
}

// Rehash stores password under the current hash format. It is used after a
// successful login against a legacy hash.
func (u *Users) Rehash(ctx context.Context, username, password string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load(ctx)
	if err != nil {
		return err
	}
	usr, ok := users[username]
	if !ok {
		return apperr.NotFound("user " + username)
	}
	if !u.hasher.NeedsRehash(usr.PasswordHash) || !u.hasher.Verify(password, usr.PasswordHash) {
		return nil
	}
	return u.setHash(ctx, users, usr, password)
}

func (u *Users) setHash(ctx context.Context, users map[string]models.User, usr models.User, password string) error {
	hash, err := u.hasher.Hash(password)
	if err != nil {
		return err
	}
	usr.PasswordHash = hash
	users[usr.Username] = usr
	return u.save(ctx, users)
}

// SetRole changes a user's role. The default admin and the last remaining
// admin cannot be demoted.
func (u *Users) SetRole(ctx context.Context, actor, username string, role models.Role) (models.User, error) {
	if role != models.RoleAdmin && role != models.RoleMember {
		return models.User{}, apperr.Invalid("role", "role must be Member or Admin")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load(ctx)
	if err != nil {
		return models.User{}, err
	}
	usr, ok := users[username]
	if !ok {
		return models.User{}, apperr.NotFound("user " + username)
	}
	if usr.Role == role {
		return usr, nil
	}
	if role == models.RoleMember {
		if username == u.opts.DefaultAdminUsername {
			return models.User{}, apperr.Invalid("role", "the default admin account cannot be demoted")
		}
		if countAdmins(users) <= 1 {
			return models.User{}, apperr.Invalid("role", "cannot demote the last admin")
		}
	}
	old := usr.Role
	usr.Role = role
	users[username] = usr
	if err := u.save(ctx, users); err != nil {
		return models.User{}, err
	}
	u.audit.Record(ctx, models.EventRoleChange, actor, fmt.Sprintf("changed role of %s from %s to %s", username, old, role))
	return usr, nil
}

// ResetToDefault is the operator override used when nobody can log in. The
// previous document is copied aside first and the reset is audited.
func (u *Users) ResetToDefault(ctx context.Context, actor string) (backup string, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	raw, err := u.backend.Load(ctx, UsersDocument)
	switch {
	case errors.Is(err, docstore.ErrNotExist):
	case err != nil:
		return "", apperr.Storage("load", UsersDocument, err)
	default:
		backup = UsersDocument + ".backup-" + u.opts.Now().UTC().Format("20060102T150405")
		if err := u.backend.Save(ctx, backup, raw); err != nil {
			return "", apperr.Storage("save", backup, err)
		}
	}
	admin, err := u.defaultAdminUser()
	if err != nil {
		return "", err
	}
	if err := u.save(ctx, map[string]models.User{admin.Username: admin}); err != nil {
		return "", err
	}
	log.Printf("users_reset actor=%s backup=%s", actor, backup)
	u.audit.Record(ctx, models.EventUserCreated, actor, "emergency reset: user list replaced by default admin "+admin.Username)
	return backup, nil
}

func countAdmins(users map[string]models.User) int {
	n := 0
	for _, usr := range users {
		if usr.Role == models.RoleAdmin {
			n++
		}
	}
	return n
}
