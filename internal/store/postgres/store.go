package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/queue"
	"qms/queue-sync/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

// Migrate creates the tables the store needs. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (entry models.QueueEntry, err error) {
	id := input.EntryID
	if id == "" {
		id = uuid.NewString()
	}
	entry = store.NewEntry(input, id)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return models.QueueEntry{}, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_entries (
			entry_id, facility_id, counter_id, number, status, patient_ref, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (entry_id) DO NOTHING
	`, entry.ID, entry.FacilityID, entry.CounterID, entry.Number, entry.Status, entry.PatientRef, metadata, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrEntryExists
		return models.QueueEntry{}, err
	}
	if err = insertEntryEvent(ctx, tx, entry, "entry.created"); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = $1`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListCounterEntries(ctx context.Context, facilityID, counterID string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE facility_id = $1 AND counter_id = $2 AND archived_at IS NULL
	`, facilityID, counterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// UpdateBatch locks every touched row, applies the patches and writes them back
// in one transaction. The partial unique index on now_serving entries rejects
// a second serving entry at a counter even if a caller bypasses the planner.
func (s *Store) UpdateBatch(ctx context.Context, updates []store.EntryUpdate) (out []models.QueueEntry, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Completions first so a counter never holds two serving rows mid-transaction.
	ordered := store.OrderUpdates(updates)
	staged := make(map[string]models.QueueEntry, len(ordered))
	for _, update := range ordered {
		entry, ok := staged[update.ID]
		if !ok {
			entry, err = lockEntry(ctx, tx, update.ID)
			if err != nil {
				return nil, err
			}
		}
		if update.Patch.RequireAvailableCounter {
			if err = checkCounter(ctx, tx, entry.FacilityID, update.Patch.CounterID); err != nil {
				return nil, err
			}
		}
		if err = store.ApplyPatch(&entry, update.Patch); err != nil {
			return nil, err
		}
		if err = writeEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
		if err = insertEntryEvent(ctx, tx, entry, store.EventType(update.Patch)); err != nil {
			return nil, err
		}
		staged[update.ID] = entry
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	for _, update := range updates {
		out = append(out, staged[update.ID])
	}
	return out, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, id string) ([]store.EntryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, entry_seq, type, payload, created_at, prev_hash, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		if err := rows.Scan(&event.EntryID, &event.Seq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := s.GetEntry(ctx, id); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) ListCounters(ctx context.Context, facilityID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE facility_id = $1
		ORDER BY sort_order ASC, name ASC
	`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
	row := s.pool.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE counter_id = $1 AND facility_id = $2
	`, counterID, facilityID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	types, err := json.Marshal(counterTypes(counter))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO counters (counter_id, facility_id, name, code, category, types, status, is_visible, sort_order)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (counter_id) DO UPDATE SET
			facility_id = excluded.facility_id,
			name = excluded.name,
			code = excluded.code,
			category = excluded.category,
			types = excluded.types,
			status = excluded.status,
			is_visible = excluded.is_visible,
			sort_order = excluded.sort_order
	`, counter.ID, counter.FacilityID, counter.Name, counter.Code, counter.Category, types, counter.Status, counter.IsVisible, counter.Order)
	return err
}

const entryColumns = `entry_id, facility_id, counter_id, number, status, patient_ref, metadata,
	created_at, updated_at, skipped_at, served_at, completed_at, archived_at`

const counterColumns = `counter_id, facility_id, name, code, category, types, status, is_visible, sort_order`

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var counterID sql.NullString
	var metadata []byte
	var skippedAt, servedAt, completedAt, archivedAt sql.NullTime
	if err := row.Scan(&entry.ID, &entry.FacilityID, &counterID, &entry.Number, &entry.Status, &entry.PatientRef, &metadata,
		&entry.CreatedAt, &entry.UpdatedAt, &skippedAt, &servedAt, &completedAt, &archivedAt); err != nil {
		return models.QueueEntry{}, err
	}
	if counterID.Valid {
		entry.CounterID = models.StringPtr(counterID.String)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return models.QueueEntry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	entry.SkippedAt = nullTimePtr(skippedAt)
	entry.ServedAt = nullTimePtr(servedAt)
	entry.CompletedAt = nullTimePtr(completedAt)
	entry.ArchivedAt = nullTimePtr(archivedAt)
	return entry, nil
}

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var types []byte
	if err := row.Scan(&counter.ID, &counter.FacilityID, &counter.Name, &counter.Code, &counter.Category, &types,
		&counter.Status, &counter.IsVisible, &counter.Order); err != nil {
		return models.Counter{}, err
	}
	if len(types) > 0 {
		if err := json.Unmarshal(types, &counter.Type); err != nil {
			return models.Counter{}, fmt.Errorf("decode counter types: %w", err)
		}
	}
	return counter, nil
}

func lockEntry(ctx context.Context, tx pgx.Tx, id string) (models.QueueEntry, error) {
	row := tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = $1 FOR UPDATE`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// checkCounter re-reads the target counter under a share lock so a concurrent
// deactivation either lands before this check or waits for the commit.
func checkCounter(ctx context.Context, tx pgx.Tx, facilityID, counterID string) error {
	var status string
	var visible bool
	row := tx.QueryRow(ctx, `
		SELECT status, is_visible
		FROM counters
		WHERE counter_id = $1 AND facility_id = $2
		FOR SHARE
	`, counterID, facilityID)
	if err := row.Scan(&status, &visible); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrCounterNotFound
		}
		return err
	}
	if !(models.Counter{Status: status, IsVisible: visible}).Available() {
		return store.ErrCounterUnavailable
	}
	return nil
}

func writeEntry(ctx context.Context, tx pgx.Tx, entry models.QueueEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET counter_id = $2, status = $3, metadata = $4, updated_at = $5,
			skipped_at = $6, served_at = $7, completed_at = $8, archived_at = $9
		WHERE entry_id = $1
	`, entry.ID, entry.CounterID, entry.Status, metadata, entry.UpdatedAt,
		entry.SkippedAt, entry.ServedAt, entry.CompletedAt, entry.ArchivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrStatusConflict
		}
		return err
	}
	return nil
}

func insertEntryEvent(ctx context.Context, tx pgx.Tx, entry models.QueueEntry, eventType string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.ID); err != nil {
		return err
	}

	var prev *store.EntryEvent
	var last store.EntryEvent
	row := tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, entry.ID)
	switch err := row.Scan(&last.Seq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event, err := store.NextEntryEvent(prev, entry, eventType, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EntryID, event.Seq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func counterTypes(counter models.Counter) []string {
	if counter.Type == nil {
		return []string{}
	}
	return counter.Type
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
