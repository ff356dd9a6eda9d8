package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cycletime/internal/apperr"
	"cycletime/internal/docstore"
	"cycletime/internal/models"
)

const backupPrefix = "cycle_records_backup_"

// WriteBackup writes records as a JSON snapshot into dir and keeps only the
// newest keep snapshots. keep <= 0 disables pruning.
func WriteBackup(dir string, keep int, records []models.CycleRecord, now time.Time) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", apperr.Invalid("backup_dir", "backup directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", apperr.Storage("backup", dir, err)
	}
	if records == nil {
		records = []models.CycleRecord{}
	}
	body, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}
	// v7 ids are time ordered, so backups taken within one second stay
	// distinct and still sort newest last
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	name := backupPrefix + now.UTC().Format("20060102_150405") + "_" + id.String() + ".json"
	path := filepath.Join(dir, name)
	if err := docstore.WriteFileAtomic(path, body, 0o600); err != nil {
		return "", apperr.Storage("backup", path, err)
	}
	trimBackups(dir, keep)
	return path, nil
}

// trimBackups removes all but the newest keep snapshots. Names sort by
// their embedded timestamp, then by the time-ordered suffix.
func trimBackups(dir string, keep int) {
	if keep <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for i := keep; i < len(names); i++ {
		_ = os.Remove(filepath.Join(dir, names[i]))
	}
}
