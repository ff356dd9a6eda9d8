package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cycletime/internal/apperr"
	"cycletime/internal/audit"
	"cycletime/internal/cycletime"
	"cycletime/internal/docstore"
	"cycletime/internal/models"
)

const RecordsDocument = "cycle_time_records"

// RecordInput is one station row from data entry. Readings are raw text.
type RecordInput struct {
	Date    models.Date
	Model   string
	Station string
	R1      string
	R2      string
	R3      string
	Output  string
}

// RecordPatch carries the fields an edit changes; nil means unchanged.
type RecordPatch struct {
	Date    *models.Date
	Model   *string
	Station *string
	R1      *string
	R2      *string
	R3      *string
	Output  *string
}

// Query selects records. Zero fields match everything; From and To bound
// the date inclusively.
type Query struct {
	Date    models.Date
	Model   string
	Station string
	From    models.Date
	To      models.Date
}

type Records struct {
	backend docstore.Backend
	audit   *audit.Log
	now     func() time.Time
	mu      sync.Mutex
}

func NewRecords(b docstore.Backend, al *audit.Log, now func() time.Time) *Records {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Records{backend: b, audit: al, now: now}
}

type storedRecord struct {
	Date       *string `json:"date"`
	Model      *string `json:"model"`
	Station    *string `json:"station"`
	R1         any     `json:"r1"`
	R2         any     `json:"r2"`
	R3         any     `json:"r3"`
	Average    any     `json:"average"`
	Output     any     `json:"output"`
	CreatedBy  string  `json:"created_by"`
	CreatedAt  string  `json:"created_at"`
	ModifiedBy string  `json:"modified_by,omitempty"`
	ModifiedAt string  `json:"modified_at,omitempty"`
}

func (r *Records) Load(ctx context.Context) ([]models.CycleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// load is lenient about readings and strict about structure: a reading that
// does not parse becomes absent, a record without a valid date, model or
// station fails the whole load.
func (r *Records) load(ctx context.Context) ([]models.CycleRecord, error) {
	var stored []storedRecord
	if _, err := docstore.ReadJSON(ctx, r.backend, RecordsDocument, &stored); err != nil {
		return nil, err
	}
	out := make([]models.CycleRecord, 0, len(stored))
	for i, s := range stored {
		if s.Date == nil || s.Model == nil || s.Station == nil {
			return nil, apperr.Corrupt(RecordsDocument, "record %d is missing date, model or station", i)
		}
		d, err := models.ParseDate(*s.Date)
		if err != nil {
			return nil, apperr.Corrupt(RecordsDocument, "record %d: %v", i, err)
		}
		rec := models.CycleRecord{
			Date:       d,
			Model:      *s.Model,
			Station:    *s.Station,
			R1:         readingOf(s.R1),
			R2:         readingOf(s.R2),
			R3:         readingOf(s.R3),
			Output:     outputString(s.Output),
			CreatedBy:  s.CreatedBy,
			ModifiedBy: s.ModifiedBy,
		}
		rec.CreatedAt, _ = models.ParseTimestamp(s.CreatedAt)
		if t, ok := models.ParseTimestamp(s.ModifiedAt); ok {
			rec.ModifiedAt = &t
		}
		// records written before edits were tracked count their creation
		// as the last modification
		if rec.ModifiedBy == "" {
			rec.ModifiedBy = rec.CreatedBy
		}
		if rec.ModifiedAt == nil && !rec.CreatedAt.IsZero() {
			t := rec.CreatedAt
			rec.ModifiedAt = &t
		}
		rec.Recompute()
		if rec.Average == nil {
			rec.Average = readingOf(s.Average)
		}
		out = append(out, rec)
	}
	return out, nil
}

// readingOf treats anything but parseable text as an absent reading.
func readingOf(v any) *cycletime.CycleTime {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return cycletime.Optional(s)
}

// outputString keeps output as text; older files sometimes hold a number.
func outputString(v any) string {
	switch o := v.(type) {
	case nil:
		return ""
	case string:
		return o
	case float64:
		return strconv.FormatFloat(o, 'f', -1, 64)
	default:
		return fmt.Sprint(o)
	}
}

func (r *Records) Save(ctx context.Context, records []models.CycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, records)
}

func (r *Records) save(ctx context.Context, records []models.CycleRecord) error {
	out := make([]storedRecord, 0, len(records))
	for _, rec := range records {
		d, m, st := rec.Date.String(), rec.Model, rec.Station
		s := storedRecord{
			Date:       &d,
			Model:      &m,
			Station:    &st,
			R1:         cycletime.Format(rec.R1),
			R2:         cycletime.Format(rec.R2),
			R3:         cycletime.Format(rec.R3),
			Average:    cycletime.Format(rec.Average),
			Output:     rec.Output,
			CreatedBy:  rec.CreatedBy,
			ModifiedBy: rec.ModifiedBy,
		}
		if !rec.CreatedAt.IsZero() {
			s.CreatedAt = rec.CreatedAt.UTC().Format(time.RFC3339)
		}
		if rec.ModifiedAt != nil {
			s.ModifiedAt = rec.ModifiedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, s)
	}
	return docstore.WriteJSON(ctx, r.backend, RecordsDocument, out)
}

// Append adds one record per station row that has a station name and at
// least one reading. Every reading is validated before anything is saved.
func (r *Records) Append(ctx context.Context, actor string, rows ...RecordInput) (int, error) {
	now := r.now()
	var fresh []models.CycleRecord
	for i, row := range rows {
		if err := validateReadings(fmt.Sprintf("row %d", i+1), row.R1, row.R2, row.R3); err != nil {
			return 0, err
		}
		station := strings.TrimSpace(row.Station)
		if station == "" || allBlank(row.R1, row.R2, row.R3) {
			continue
		}
		if row.Date.IsZero() {
			return 0, apperr.Invalid("date", "date is required")
		}
		model := strings.TrimSpace(row.Model)
		if model == "" {
			return 0, apperr.Invalid("model", "model is required")
		}
		rec := models.CycleRecord{
			Date:      row.Date,
			Model:     model,
			Station:   station,
			R1:        cycletime.Optional(row.R1),
			R2:        cycletime.Optional(row.R2),
			R3:        cycletime.Optional(row.R3),
			Output:    strings.TrimSpace(row.Output),
			CreatedBy:  actor,
			CreatedAt:  now,
			ModifiedBy: actor,
			ModifiedAt: &now,
		}
		rec.Recompute()
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		return 0, apperr.Invalid("rows", "no station rows with readings to save")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	records = append(records, fresh...)
	if err := r.save(ctx, records); err != nil {
		return 0, err
	}
	r.audit.Record(ctx, models.EventRecordCreated, actor,
		fmt.Sprintf("created %d records for model %s on %s", len(fresh), fresh[0].Model, fresh[0].Date))
	return len(fresh), nil
}

// Edit applies patch to the record at index. Nothing is applied when any
// field fails validation.
func (r *Records) Edit(ctx context.Context, actor string, index int, patch RecordPatch) (models.CycleRecord, error) {
	var readings []string
	for _, p := range []*string{patch.R1, patch.R2, patch.R3} {
		if p != nil {
			readings = append(readings, *p)
		}
	}
	if err := validateReadings("edit", readings...); err != nil {
		return models.CycleRecord{}, err
	}
	if patch.Model != nil && strings.TrimSpace(*patch.Model) == "" {
		return models.CycleRecord{}, apperr.Invalid("model", "model is required")
	}
	if patch.Station != nil && strings.TrimSpace(*patch.Station) == "" {
		return models.CycleRecord{}, apperr.Invalid("station", "station is required")
	}
	if patch.Date != nil && patch.Date.IsZero() {
		return models.CycleRecord{}, apperr.Invalid("date", "date is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load(ctx)
	if err != nil {
		return models.CycleRecord{}, err
	}
	if index < 0 || index >= len(records) {
		return models.CycleRecord{}, apperr.NotFound(fmt.Sprintf("record %d", index))
	}
	rec := records[index]
	if patch.Date != nil {
		rec.Date = *patch.Date
	}
	if patch.Model != nil {
		rec.Model = strings.TrimSpace(*patch.Model)
	}
	if patch.Station != nil {
		rec.Station = strings.TrimSpace(*patch.Station)
	}
	if patch.R1 != nil {
		rec.R1 = cycletime.Optional(*patch.R1)
	}
	if patch.R2 != nil {
		rec.R2 = cycletime.Optional(*patch.R2)
	}
	if patch.R3 != nil {
		rec.R3 = cycletime.Optional(*patch.R3)
	}
	if patch.Output != nil {
		rec.Output = strings.TrimSpace(*patch.Output)
	}
	rec.Recompute()
	now := r.now()
	rec.ModifiedBy = actor
	rec.ModifiedAt = &now
	records[index] = rec
	if err := r.save(ctx, records); err != nil {
		return models.CycleRecord{}, err
	}
	r.audit.Record(ctx, models.EventRecordEdited, actor,
		fmt.Sprintf("edited record %d (%s / %s / %s)", index, rec.Date, rec.Model, rec.Station))
	return rec, nil
}

func (r *Records) Delete(ctx context.Context, actor string, index int) (models.CycleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load(ctx)
	if err != nil {
		return models.CycleRecord{}, err
	}
	if index < 0 || index >= len(records) {
		return models.CycleRecord{}, apperr.NotFound(fmt.Sprintf("record %d", index))
	}
	removed := records[index]
	records = append(records[:index:index], records[index+1:]...)
	if err := r.save(ctx, records); err != nil {
		return models.CycleRecord{}, err
	}
	r.audit.Record(ctx, models.EventRecordDeleted, actor,
		fmt.Sprintf("deleted record %d (%s / %s / %s)", index, removed.Date, removed.Model, removed.Station))
	return removed, nil
}

// PurgeOlderThan removes every record dated on or before cutoff.
func (r *Records) PurgeOlderThan(ctx context.Context, actor string, cutoff models.Date) (int, error) {
	if cutoff.IsZero() {
		return 0, apperr.Invalid("cutoff", "cutoff date is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := make([]models.CycleRecord, 0, len(records))
	for _, rec := range records {
		if !rec.Date.OnOrBefore(cutoff) {
			kept = append(kept, rec)
		}
	}
	removed := len(records) - len(kept)
	if removed > 0 {
		if err := r.save(ctx, kept); err != nil {
			return 0, err
		}
	}
	r.audit.Record(ctx, models.EventDeleteOldRecords, actor,
		fmt.Sprintf("deleted %d records dated on or before %s", removed, cutoff))
	return removed, nil
}

// Find loads and filters in one step; Index values refer to positions in
// the full store.
func (r *Records) Find(ctx context.Context, q Query) ([]Entry, error) {
	records, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i, rec := range records {
		if q.Match(rec) {
			out = append(out, Entry{Index: i, Record: rec})
		}
	}
	return out, nil
}

type Entry struct {
	Index  int
	Record models.CycleRecord
}

func (q Query) Match(rec models.CycleRecord) bool {
	if !q.Date.IsZero() && !rec.Date.Equal(q.Date) {
		return false
	}
	if q.Model != "" && rec.Model != q.Model {
		return false
	}
	if q.Station != "" && !strings.Contains(strings.ToLower(rec.Station), strings.ToLower(q.Station)) {
		return false
	}
	if !q.From.IsZero() && rec.Date.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && rec.Date.After(q.To) {
		return false
	}
	return true
}

// Filter is the pure form of Find.
func Filter(records []models.CycleRecord, q Query) []models.CycleRecord {
	out := make([]models.CycleRecord, 0, len(records))
	for _, rec := range records {
		if q.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func Models(records []models.CycleRecord) []string {
	return distinct(records, func(r models.CycleRecord) string { return r.Model })
}

func Dates(records []models.CycleRecord) []string {
	return distinct(records, func(r models.CycleRecord) string { return r.Date.String() })
}

func distinct(records []models.CycleRecord, key func(models.CycleRecord) string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, rec := range records {
		k := key(rec)
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func validateReadings(where string, readings ...string) error {
	for _, text := range readings {
		if ok, msg := cycletime.Validate(text); !ok {
			return apperr.Invalid(where, fmt.Sprintf("%q: %s", strings.TrimSpace(text), msg))
		}
	}
	return nil
}

func allBlank(vals ...string) bool {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
