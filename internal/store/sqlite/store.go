package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/queue"
	"qms/queue-sync/internal/store"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

// Store persists queue state in a single SQLite file. It targets one-clinic
// installs that run without a postgres server.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "queue-sync.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite would otherwise return SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	for _, statement := range strings.Split(schema, ";") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (entry models.QueueEntry, retErr error) {
	id := input.EntryID
	if id == "" {
		id = uuid.NewString()
	}
	entry = store.NewEntry(input, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return models.QueueEntry{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_entries (
			entry_id, facility_id, counter_id, number, status, patient_ref, metadata, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?)
	`, entry.ID, entry.FacilityID, nullString(entry.CounterID), entry.Number, entry.Status, entry.PatientRef, string(metadata),
		formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return models.QueueEntry{}, store.ErrEntryExists
		}
		return models.QueueEntry{}, err
	}
	if err := insertEntryEvent(ctx, tx, entry, "entry.created"); err != nil {
		return models.QueueEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	return getEntry(ctx, s.db, id)
}

func (s *Store) ListCounterEntries(ctx context.Context, facilityID, counterID string) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE facility_id = ? AND counter_id = ? AND archived_at IS NULL
	`, facilityID, counterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	queue.SortByNumber(entries)
	return entries, nil
}

func (s *Store) Update(ctx context.Context, id string, patch store.EntryPatch) (models.QueueEntry, error) {
	updated, err := s.UpdateBatch(ctx, []store.EntryUpdate{{ID: id, Patch: patch}})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return updated[0], nil
}

func (s *Store) UpdateBatch(ctx context.Context, updates []store.EntryUpdate) (out []models.QueueEntry, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	staged := make(map[string]models.QueueEntry, len(updates))
	for _, update := range store.OrderUpdates(updates) {
		entry, ok := staged[update.ID]
		if !ok {
			entry, err = getEntry(ctx, tx, update.ID)
			if err != nil {
				return nil, err
			}
		}
		if update.Patch.RequireAvailableCounter {
			if err := checkCounter(ctx, tx, entry.FacilityID, update.Patch.CounterID); err != nil {
				return nil, err
			}
		}
		if err := store.ApplyPatch(&entry, update.Patch); err != nil {
			return nil, err
		}
		if err := writeEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
		if err := insertEntryEvent(ctx, tx, entry, store.EventType(update.Patch)); err != nil {
			return nil, err
		}
		staged[update.ID] = entry
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, update := range updates {
		out = append(out, staged[update.ID])
	}
	return out, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, id string) ([]store.EntryEvent, error) {
	if _, err := s.GetEntry(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, entry_seq, type, payload, created_at, prev_hash, hash
		FROM entry_events
		WHERE entry_id = ?
		ORDER BY entry_seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload []byte
		var createdAt string
		if err := rows.Scan(&event.EntryID, &event.Seq, &event.Type, &payload, &createdAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		if event.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListCounters(ctx context.Context, facilityID string) ([]models.Counter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE facility_id = ?
		ORDER BY sort_order ASC, name ASC
	`, facilityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func (s *Store) GetCounter(ctx context.Context, facilityID, counterID string) (models.Counter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE counter_id = ? AND facility_id = ?
	`, counterID, facilityID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	types := counter.Type
	if types == nil {
		types = []string{}
	}
	encoded, err := json.Marshal(types)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO counters (counter_id, facility_id, name, code, category, types, status, is_visible, sort_order)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (counter_id) DO UPDATE SET
			facility_id = excluded.facility_id,
			name = excluded.name,
			code = excluded.code,
			category = excluded.category,
			types = excluded.types,
			status = excluded.status,
			is_visible = excluded.is_visible,
			sort_order = excluded.sort_order
	`, counter.ID, counter.FacilityID, counter.Name, counter.Code, counter.Category, string(encoded), counter.Status, counter.IsVisible, counter.Order)
	return err
}

const entryColumns = `entry_id, facility_id, counter_id, number, status, patient_ref, metadata,
	created_at, updated_at, skipped_at, served_at, completed_at, archived_at`

const counterColumns = `counter_id, facility_id, name, code, category, types, status, is_visible, sort_order`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getEntry(ctx context.Context, q queryer, id string) (models.QueueEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = ?`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func scanEntry(row scanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var counterID sql.NullString
	var metadata, createdAt, updatedAt string
	var skippedAt, servedAt, completedAt, archivedAt sql.NullString
	if err := row.Scan(&entry.ID, &entry.FacilityID, &counterID, &entry.Number, &entry.Status, &entry.PatientRef, &metadata,
		&createdAt, &updatedAt, &skippedAt, &servedAt, &completedAt, &archivedAt); err != nil {
		return models.QueueEntry{}, err
	}
	if counterID.Valid {
		entry.CounterID = models.StringPtr(counterID.String)
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return models.QueueEntry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	var err error
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.QueueEntry{}, err
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	for _, field := range []struct {
		raw sql.NullString
		dst **time.Time
	}{
		{skippedAt, &entry.SkippedAt},
		{servedAt, &entry.ServedAt},
		{completedAt, &entry.CompletedAt},
		{archivedAt, &entry.ArchivedAt},
	} {
		if !field.raw.Valid {
			continue
		}
		t, err := parseTime(field.raw.String)
		if err != nil {
			return models.QueueEntry{}, err
		}
		*field.dst = &t
	}
	return entry, nil
}

func scanCounter(row scanner) (models.Counter, error) {
	var counter models.Counter
	var types string
	if err := row.Scan(&counter.ID, &counter.FacilityID, &counter.Name, &counter.Code, &counter.Category, &types,
		&counter.Status, &counter.IsVisible, &counter.Order); err != nil {
		return models.Counter{}, err
	}
	if types != "" {
		if err := json.Unmarshal([]byte(types), &counter.Type); err != nil {
			return models.Counter{}, fmt.Errorf("decode counter types: %w", err)
		}
	}
	return counter, nil
}

func checkCounter(ctx context.Context, tx *sql.Tx, facilityID, counterID string) error {
	var status string
	var visible bool
	row := tx.QueryRowContext(ctx, `SELECT status, is_visible FROM counters WHERE counter_id = ? AND facility_id = ?`, counterID, facilityID)
	if err := row.Scan(&status, &visible); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrCounterNotFound
		}
		return err
	}
	if !(models.Counter{Status: status, IsVisible: visible}).Available() {
		return store.ErrCounterUnavailable
	}
	return nil
}

func writeEntry(ctx context.Context, tx *sql.Tx, entry models.QueueEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET counter_id = ?, status = ?, metadata = ?, updated_at = ?,
			skipped_at = ?, served_at = ?, completed_at = ?, archived_at = ?
		WHERE entry_id = ?
	`, nullString(entry.CounterID), entry.Status, string(metadata), formatTime(entry.UpdatedAt),
		nullTime(entry.SkippedAt), nullTime(entry.ServedAt), nullTime(entry.CompletedAt), nullTime(entry.ArchivedAt), entry.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrStatusConflict
		}
		return err
	}
	return nil
}

func insertEntryEvent(ctx context.Context, tx *sql.Tx, entry models.QueueEntry, eventType string) error {
	var prev *store.EntryEvent
	var last store.EntryEvent
	row := tx.QueryRowContext(ctx, `
		SELECT entry_seq, hash FROM entry_events WHERE entry_id = ? ORDER BY entry_seq DESC LIMIT 1
	`, entry.ID)
	switch err := row.Scan(&last.Seq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	event, err := store.NextEntryEvent(prev, entry, eventType, time.Now())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.EntryID, event.Seq, event.Type, []byte(event.Payload), formatTime(event.CreatedAt), event.PrevHash, event.Hash)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t, nil
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
