package performance

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/domain"
)

// Repository persists the phase_trades window.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Compile-time check that Repository implements Store
var _ Store = (*Repository)(nil)

// NewRepository creates a new phase-trades repository.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "phase_trades").Logger(),
	}
}

// Insert records a terminal fill. The (phase_id, signal_id) primary key makes
// replays a no-op; inserted reports whether the row is new.
func (r *Repository) Insert(phase domain.PhaseID, signalID string, pnl float64, tFill time.Time) (bool, error) {
	res, err := r.db.Exec(`
		INSERT INTO phase_trades (phase_id, signal_id, pnl_usd, t_fill)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phase_id, signal_id) DO NOTHING
	`, string(phase), signalID, pnl, tFill)
	if err != nil {
		return false, fmt.Errorf("failed to insert phase trade: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// LoadSince returns all samples with t_fill >= since, grouped by phase.
func (r *Repository) LoadSince(since time.Time) (map[domain.PhaseID][]Sample, error) {
	rows, err := r.db.Query(`
		SELECT phase_id, pnl_usd, t_fill
		FROM phase_trades
		WHERE t_fill >= $1
		ORDER BY t_fill
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase trades: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.PhaseID][]Sample)
	for rows.Next() {
		var phase string
		var s Sample
		if err := rows.Scan(&phase, &s.PnL, &s.TFill); err != nil {
			return nil, fmt.Errorf("failed to scan phase trade: %w", err)
		}
		out[domain.PhaseID(phase)] = append(out[domain.PhaseID(phase)], s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase trades: %w", err)
	}

	return out, nil
}

// TrimBefore deletes samples older than cutoff and returns the count removed.
func (r *Repository) TrimBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM phase_trades WHERE t_fill < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to trim phase trades: %w", err)
	}
	return res.RowsAffected()
}
