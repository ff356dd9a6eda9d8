package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cycletime/internal/apperr"
	"cycletime/internal/config"
	"cycletime/internal/docstore"
	"cycletime/internal/metrics"
	"cycletime/internal/models"
	"cycletime/internal/session"
	"cycletime/internal/store"
	"cycletime/internal/telemetry"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		DataDir:                dir,
		StoreDriver:            "json",
		SessionTimeoutMinutes:  30,
		PasswordMinLength:      8,
		PasswordHashIterations: 1000,
		DefaultAdminUsername:   "admin",
		DefaultAdminPassword:   "admin123",
		AuditMaxEntries:        1000,
		LoginMaxAttempts:       5,
		LoginLockoutSeconds:    300,
		BackupDir:              filepath.Join(dir, "backups"),
		BackupKeep:             2,
		UPHDefaultTarget:       120,
	}
	svc := New(cfg, docstore.NewFileBackend(dir), telemetry.New())
	clock := &testClock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	svc.SetClock(clock.now)
	return svc, clock
}

func mustLogin(t *testing.T, svc *Service, user, pw string) *session.Session {
	t.Helper()
	s, err := svc.Login(context.Background(), user, pw)
	if err != nil {
		t.Fatalf("login %s: %v", user, err)
	}
	return s
}

func TestEndToEndMemberAndAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")

	if _, err := svc.CreateUser(ctx, admin, "bob", "Passw0rd", "member", "Bob"); err != nil {
		t.Fatalf("create bob: %v", err)
	}
	bob := mustLogin(t, svc, "bob", "Passw0rd")

	if _, err := svc.ListUsers(ctx, bob); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Fatalf("member listing users: want access denied, got %v", err)
	}
	if _, err := svc.PurgeRecords(ctx, bob, models.NewDate(2024, 1, 1)); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Fatalf("member purge: want access denied, got %v", err)
	}

	n, err := svc.CreateRecords(ctx, bob, store.RecordInput{
		Date: models.NewDate(2024, 5, 31), Model: "X1", Station: "S1", R1: "5(12)4", R2: "6(14)6",
	})
	if err != nil || n != 1 {
		t.Fatalf("create records: n=%d err=%v", n, err)
	}
	entries, err := svc.ListRecords(ctx, bob, store.Query{Station: "s1"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("list records: %v %v", entries, err)
	}
	if got := entries[0].Record.Average.String(); got != "5.5(13.0)5.0" {
		t.Fatalf("average=%q", got)
	}

	if _, err := svc.DeleteRecord(ctx, bob, entries[0].Index); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	events, err := svc.RecentAudit(ctx, admin, 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("recent audit: %v %v", events, err)
	}
	if events[0].Type != models.EventRecordDeleted || events[0].Username != "bob" {
		t.Fatalf("last event=%+v", events[0])
	}
}

func TestAnonymousAndExpiredSessionsAreRejected(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	if _, err := svc.ListRecords(ctx, &session.Session{}, store.Query{}); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("anonymous: got %v", err)
	}

	admin := mustLogin(t, svc, "admin", "admin123")
	clock.t = clock.t.Add(31 * time.Minute)
	_, err := svc.ListUsers(ctx, admin)
	if !errors.Is(err, apperr.ErrSessionExpired) {
		t.Fatalf("expired: got %v", err)
	}
	if admin.Authenticated() {
		t.Fatalf("expired session must be anonymous")
	}
}

func TestSetSessionTimeout(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	svc.SetSessionTimeout(2 * time.Minute)
	clock.t = clock.t.Add(3 * time.Minute)
	if err := svc.CheckSession(ctx, admin); !errors.Is(err, apperr.ErrSessionExpired) {
		t.Fatalf("got %v", err)
	}
}

func TestDeletedAdminLosesOpenSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	if _, err := svc.CreateUser(ctx, admin, "carol", "Passw0rd", "admin", ""); err != nil {
		t.Fatalf("create carol: %v", err)
	}
	carol := mustLogin(t, svc, "carol", "Passw0rd")
	if err := svc.DeleteUser(ctx, admin, "carol"); err != nil {
		t.Fatalf("delete carol: %v", err)
	}

	if _, err := svc.CreateUser(ctx, carol, "mallory", "Passw0rd", "admin", ""); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("deleted admin creating an admin: want not authenticated, got %v", err)
	}
	if _, err := svc.Users().Get(ctx, "mallory"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("mallory should not exist: %v", err)
	}
	n, err := svc.CreateRecords(ctx, carol, store.RecordInput{
		Date: models.NewDate(2024, 5, 31), Model: "X1", Station: "S1", R1: "5(12)4",
	})
	if !errors.Is(err, apperr.ErrNotAuthenticated) || n != 0 {
		t.Fatalf("deleted user creating records: n=%d err=%v", n, err)
	}
	if carol.Authenticated() {
		t.Fatalf("session of a deleted user should be cleared")
	}
}

func TestDemotedAdminLosesAdminRights(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	if _, err := svc.CreateUser(ctx, admin, "carol", "Passw0rd", "admin", ""); err != nil {
		t.Fatalf("create carol: %v", err)
	}
	carol := mustLogin(t, svc, "carol", "Passw0rd")
	if _, err := svc.SetRole(ctx, admin, "carol", "member", false); err != nil {
		t.Fatalf("demote carol: %v", err)
	}

	if _, err := svc.CreateUser(ctx, carol, "mallory", "Passw0rd", "admin", ""); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Fatalf("demoted admin creating an admin: want access denied, got %v", err)
	}
	if got := carol.Snapshot().Role; got != models.RoleMember {
		t.Fatalf("session role=%s, want Member", got)
	}
	if _, err := svc.CreateRecords(ctx, carol, store.RecordInput{
		Date: models.NewDate(2024, 5, 31), Model: "X1", Station: "S1", R1: "5(12)4",
	}); err != nil {
		t.Fatalf("demoted admin keeps member rights: %v", err)
	}
}

func TestAdminCannotDeleteSelf(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	if _, err := svc.CreateUser(ctx, admin, "carol", "Passw0rd", "Admin", ""); err != nil {
		t.Fatal(err)
	}
	carol := mustLogin(t, svc, "carol", "Passw0rd")

	err := svc.DeleteUser(ctx, carol, "carol")
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "username" {
		t.Fatalf("self delete: got %v", err)
	}
	if err := svc.DeleteUser(ctx, admin, "carol"); err != nil {
		t.Fatalf("delete carol: %v", err)
	}
}

func TestSelfDemotionNeedsConfirm(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	if _, err := svc.CreateUser(ctx, admin, "carol", "Passw0rd", "admin", ""); err != nil {
		t.Fatal(err)
	}
	carol := mustLogin(t, svc, "carol", "Passw0rd")

	if _, err := svc.SetRole(ctx, carol, "carol", "Member", false); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unconfirmed self demotion: got %v", err)
	}
	u, err := svc.SetRole(ctx, carol, "carol", "MEMBER", true)
	if err != nil {
		t.Fatalf("confirmed self demotion: %v", err)
	}
	if u.Role != models.RoleMember || carol.Snapshot().Role != models.RoleMember {
		t.Fatalf("role not applied: user=%s session=%s", u.Role, carol.Snapshot().Role)
	}
	if _, err := svc.ListUsers(ctx, carol); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Fatalf("demoted session still admin: %v", err)
	}
	if _, err := svc.SetRole(ctx, admin, "carol", "owner", false); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unknown role: got %v", err)
	}
}

func TestChangeOwnPassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	if err := svc.ChangeOwnPassword(ctx, admin, "nope", "Another123"); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("wrong old password: got %v", err)
	}
	if err := svc.ChangeOwnPassword(ctx, admin, "admin123", "Another123"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if _, err := svc.Login(ctx, "admin", "admin123"); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("old password still works: %v", err)
	}
	mustLogin(t, svc, "admin", "Another123")
}

func TestUPHReportUsesDefaultTarget(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	_, err := svc.CreateRecords(ctx, admin,
		store.RecordInput{Date: models.NewDate(2024, 5, 1), Model: "X1", Station: "S1", R1: "5(12)4", Output: "1"},
		store.RecordInput{Date: models.NewDate(2024, 5, 1), Model: "X1", Station: "S2", R1: "10(20)6", Output: "1"},
	)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := svc.UPHReport(ctx, admin, metrics.ReportInput{Model: "X1", Target: -1})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Target != 120 || len(rep.Above) != 1 || rep.Above[0].Station != "S1" {
		t.Fatalf("report=%+v", rep)
	}
	if _, err := svc.UPHReport(ctx, admin, metrics.ReportInput{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("missing model: got %v", err)
	}
}

func TestPurgeRecords(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	for _, d := range []int{1, 2, 3} {
		if _, err := svc.CreateRecords(ctx, admin, store.RecordInput{Date: models.NewDate(2024, 5, d), Model: "X1", Station: "S1", R1: "1(1)1"}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := svc.PurgeRecords(ctx, admin, models.NewDate(2024, 5, 2))
	if err != nil || n != 2 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
}

func TestBackupWritesAndPrunes(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	if _, err := svc.CreateRecords(ctx, admin, store.RecordInput{Date: models.NewDate(2024, 5, 1), Model: "X1", Station: "S1", R1: "1(1)1"}); err != nil {
		t.Fatal(err)
	}

	var paths []string
	for i := 0; i < 3; i++ {
		clock.t = clock.t.Add(time.Second)
		p, err := svc.Backup(ctx, admin)
		if err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		paths = append(paths, p)
	}
	if !strings.HasPrefix(filepath.Base(paths[0]), "cycle_records_backup_") {
		t.Fatalf("unexpected name %s", paths[0])
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("oldest backup should be pruned, stat err=%v", err)
	}
	raw, err := os.ReadFile(paths[2])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"1.0(1.0)1.0"`) {
		t.Fatalf("backup body: %s", raw)
	}
	events, _ := svc.RecentAudit(ctx, admin, 1)
	if len(events) != 1 || events[0].Type != models.EventBackup {
		t.Fatalf("last event=%+v", events)
	}

	bob, _ := svc.CreateUser(ctx, admin, "bob", "Passw0rd", "Member", "")
	bobSess := mustLogin(t, svc, bob.Username, "Passw0rd")
	if _, err := svc.Backup(ctx, bobSess); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Fatalf("member backup: got %v", err)
	}
}

func TestResetUsers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustLogin(t, svc, "admin", "admin123")
	if _, err := svc.CreateUser(ctx, admin, "bob", "Passw0rd", "Member", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ResetUsers(ctx, "ctadmin"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "bob", "Passw0rd"); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("bob should be gone: %v", err)
	}
}

func TestBackupsInTheSameSecondDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	recs := []models.CycleRecord{{Date: models.NewDate(2024, 5, 1), Model: "X1", Station: "S1"}}

	first, err := WriteBackup(dir, 5, recs, now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := WriteBackup(dir, 5, recs, now)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("two backups share the name %s", first)
	}
	for _, p := range []string{first, second} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("backup %s missing: %v", p, err)
		}
	}

	third, err := WriteBackup(dir, 1, recs, now)
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != filepath.Base(third) {
		t.Fatalf("pruning should keep only the latest backup, have %v", entries)
	}
}

func TestWriteBackupNeedsDirectory(t *testing.T) {
	if _, err := WriteBackup(" ", 1, nil, time.Now()); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}
