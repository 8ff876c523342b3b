package treasury

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Repository persists the single-row treasury state and the append-only
// sweep log.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new treasury repository.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "treasury").Logger(),
	}
}

// Load reads the treasury row; found is false on first run.
func (r *Repository) Load() (State, bool, error) {
	var s State
	err := r.db.Get(&s, `
		SELECT futures_wallet, spot_wallet, high_watermark, total_swept, updated_at
		FROM treasury_state WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("failed to load treasury state: %w", err)
	}
	return s, true, nil
}

// Save upserts the treasury row.
func (r *Repository) Save(s State) error {
	if _, err := r.db.Exec(`
		INSERT INTO treasury_state (id, futures_wallet, spot_wallet, high_watermark, total_swept, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			futures_wallet = EXCLUDED.futures_wallet,
			spot_wallet    = EXCLUDED.spot_wallet,
			high_watermark = EXCLUDED.high_watermark,
			total_swept    = EXCLUDED.total_swept,
			updated_at     = EXCLUDED.updated_at
	`, s.FuturesWallet, s.SpotWallet, s.HighWatermark, s.TotalSwept, s.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save treasury state: %w", err)
	}
	return nil
}

// InsertSweep appends a sweep attempt.
func (r *Repository) InsertSweep(rec SweepRecord) error {
	if _, err := r.db.Exec(`
		INSERT INTO sweep_records (id, amount, t_requested, status)
		VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.Amount, rec.TRequested, rec.Status); err != nil {
		return fmt.Errorf("failed to insert sweep record: %w", err)
	}
	return nil
}

// CommitSweep writes the post-sweep wallet state and completes the sweep
// record in one transaction, so the movement and its record stay atomic.
func (r *Repository) CommitSweep(s State, sweepID string, completedAt time.Time) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin sweep tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE treasury_state SET
			futures_wallet = $1, spot_wallet = $2, high_watermark = $3,
			total_swept = $4, updated_at = $5
		WHERE id = 1
	`, s.FuturesWallet, s.SpotWallet, s.HighWatermark, s.TotalSwept, s.UpdatedAt); err != nil {
		return fmt.Errorf("failed to update treasury state: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE sweep_records SET t_completed = $2, status = $3 WHERE id = $1
	`, sweepID, completedAt, SweepCompleted); err != nil {
		return fmt.Errorf("failed to complete sweep record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sweep: %w", err)
	}
	return nil
}

// FailSweep marks a sweep attempt failed with its error detail.
func (r *Repository) FailSweep(sweepID string, failedAt time.Time, detail string) error {
	if _, err := r.db.Exec(`
		UPDATE sweep_records SET t_completed = $2, status = $3, error = $4 WHERE id = $1
	`, sweepID, failedAt, SweepFailed, detail); err != nil {
		return fmt.Errorf("failed to mark sweep failed: %w", err)
	}
	return nil
}

// RecentSweeps returns the latest sweep attempts for the status surface.
func (r *Repository) RecentSweeps(limit int) ([]SweepRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []SweepRecord
	if err := r.db.Select(&out, `
		SELECT id, amount, t_requested, t_completed, status, COALESCE(error, '') AS error
		FROM sweep_records
		ORDER BY t_requested DESC
		LIMIT $1
	`, limit); err != nil {
		return nil, fmt.Errorf("failed to load sweep records: %w", err)
	}
	return out, nil
}
