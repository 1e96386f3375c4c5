package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"imagedeid/internal/services"
)

// MaxStudyIDLength matches the processed_studies.study_id column width.
const MaxStudyIDLength = 64

// Outcome reports what InsertIfAbsent did with a study ID.
type Outcome int

const (
	// Inserted means the ID was new and is now recorded.
	Inserted Outcome = iota
	// Conflict means the ID was already recorded; the ledger is unchanged.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Entry is one recorded study.
type Entry struct {
	StudyID    string    `json:"study_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Inserted  int
	Conflicts int
}

func normalizeStudyID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", services.Wrap(services.ErrValidation, "ledger", "normalize id", "study id is empty", nil)
	}
	if len(id) > MaxStudyIDLength {
		return "", services.Wrap(services.ErrValidation, "ledger", "normalize id",
			fmt.Sprintf("study id exceeds %d characters", MaxStudyIDLength), nil)
	}
	return id, nil
}

// InsertIfAbsent records id, reporting Conflict when it already exists.
func (s *Store) InsertIfAbsent(ctx context.Context, id string) (Outcome, error) {
	id, err := normalizeStudyID(id)
	if err != nil {
		return Conflict, err
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO processed_studies (study_id, recorded_at) VALUES (?, ?)
		 ON CONFLICT(study_id) DO NOTHING`,
		id, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Conflict, fmt.Errorf("insert study %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Conflict, fmt.Errorf("insert study %s: rows affected: %w", id, err)
	}
	if affected == 0 {
		return Conflict, nil
	}
	return Inserted, nil
}

// Import records every ID in ids, counting new and duplicate entries.
// Blank entries are skipped.
func (s *Store) Import(ctx context.Context, ids []string) (ImportResult, error) {
	var result ImportResult
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		outcome, err := s.InsertIfAbsent(ctx, id)
		if err != nil {
			return result, err
		}
		if outcome == Inserted {
			result.Inserted++
		} else {
			result.Conflicts++
		}
	}
	return result, nil
}

// ListAll returns every recorded study ID in ascending order.
func (s *Store) ListAll(ctx context.Context) ([]string, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT study_id FROM processed_studies ORDER BY study_id`)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan study id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Entries returns every recorded study with its insertion time, ordered by
// study ID.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT study_id, recorded_at FROM processed_studies ORDER BY study_id`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var recorded string
		if err := rows.Scan(&e.StudyID, &recorded); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
			e.RecordedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Contains reports whether id has been recorded.
func (s *Store) Contains(ctx context.Context, id string) (bool, error) {
	id, err := normalizeStudyID(id)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ensureContext(ctx),
		`SELECT 1 FROM processed_studies WHERE study_id = ?`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup study %s: %w", id, err)
	}
	return true, nil
}

// Count returns the number of recorded studies.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM processed_studies`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count studies: %w", err)
	}
	return n, nil
}
