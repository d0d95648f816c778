package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists events, roster entries, and attendance records in
// Postgres. Uniqueness of (event_id, roll_number) is enforced by the primary
// keys, so concurrent duplicate inserts resolve in the database rather than
// in application code.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// -------- Events --------

// InsertEvent writes a new event, generating its id.
func (r *Repository) InsertEvent(ctx context.Context, name string) (Event, error) {
	evt := Event{ID: uuid.NewString(), Name: name}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO events (id, name)
		VALUES ($1, $2)
		RETURNING created_at
	`, evt.ID, evt.Name)
	if err := row.Scan(&evt.CreatedAt); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// GetEvent returns an event by id, or nil when it does not exist.
func (r *Repository) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM events WHERE id = $1
	`, id)
	var evt Event
	if err := row.Scan(&evt.ID, &evt.Name, &evt.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &evt, nil
}

// ListEvents returns all events, newest first.
func (r *Repository) ListEvents(ctx context.Context) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM events ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.ID, &evt.Name, &evt.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// DeleteEvent removes the event row itself. Roster and ledger rows are
// removed by their own calls; see Service.DeleteEvent for the ordering.
func (r *Repository) DeleteEvent(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// -------- Roster --------

// LookupRoster returns the roster entry for (eventID, roll), nil when absent.
func (r *Repository) LookupRoster(ctx context.Context, eventID, roll string) (*RosterEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT roll_number, name, branch
		FROM roster
		WHERE event_id = $1 AND roll_number = $2
	`, eventID, roll)
	var e RosterEntry
	if err := row.Scan(&e.Roll, &e.Name, &e.Branch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// UpsertRoster inserts or replaces the entry keyed by (eventID, roll).
// Last value wins across calls.
func (r *Repository) UpsertRoster(ctx context.Context, eventID string, e RosterEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO roster (event_id, roll_number, name, branch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, roll_number) DO UPDATE SET
			name = EXCLUDED.name,
			branch = EXCLUDED.branch
	`, eventID, e.Roll, e.Name, e.Branch)
	return err
}

// RemoveRoster deletes one roster entry, reporting whether it existed.
func (r *Repository) RemoveRoster(ctx context.Context, eventID, roll string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM roster WHERE event_id = $1 AND roll_number = $2
	`, eventID, roll)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveRosterAll wipes the event's roster, returning the row count.
func (r *Repository) RemoveRosterAll(ctx context.Context, eventID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM roster WHERE event_id = $1`, eventID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRoster returns how many students are registered for the event.
func (r *Repository) CountRoster(ctx context.Context, eventID string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM roster WHERE event_id = $1
	`, eventID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// -------- Ledger --------

// InsertRecord appends a check-in. The primary key on (event_id, roll_number)
// makes the insert-if-absent atomic: under concurrent duplicates exactly one
// caller sees inserted=true.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (bool, error) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.Day == "" {
		rec.Day = rec.RecordedAt.Format("2006-01-02")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (event_id, roll_number, name, branch, day, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, roll_number) DO NOTHING
	`, rec.EventID, rec.Roll, rec.Name, rec.Branch, rec.Day, rec.RecordedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordExists reports whether a check-in exists for (eventID, roll).
func (r *Repository) RecordExists(ctx context.Context, eventID, roll string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance WHERE event_id = $1 AND roll_number = $2
		)
	`, eventID, roll)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

// RemoveRecord deletes one check-in, reporting whether it existed.
func (r *Repository) RemoveRecord(ctx context.Context, eventID, roll string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM attendance WHERE event_id = $1 AND roll_number = $2
	`, eventID, roll)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveRecordAll wipes the event's ledger, returning the row count.
func (r *Repository) RemoveRecordAll(ctx context.Context, eventID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance WHERE event_id = $1`, eventID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRecords returns the event's check-ins in insertion order, optionally
// restricted to one branch.
func (r *Repository) ListRecords(ctx context.Context, eventID, branch string) ([]Record, error) {
	query := `
		SELECT event_id, roll_number, name, branch, day, recorded_at
		FROM attendance
		WHERE event_id = $1`
	args := []any{eventID}
	if branch != "" {
		query += ` AND branch = $2`
		args = append(args, branch)
	}
	query += ` ORDER BY recorded_at, roll_number`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EventID, &rec.Roll, &rec.Name, &rec.Branch, &rec.Day, &rec.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountRecordsByBranch returns per-branch check-in counts for the event in a
// single grouped query, so the total derived from it stays consistent with
// the breakdown.
func (r *Repository) CountRecordsByBranch(ctx context.Context, eventID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT branch, COUNT(*) FROM attendance WHERE event_id = $1 GROUP BY branch
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var branch string
		var n int
		if err := rows.Scan(&branch, &n); err != nil {
			return nil, err
		}
		counts[branch] = n
	}
	return counts, rows.Err()
}
