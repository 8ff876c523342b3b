package arbiter

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/domain"
)

// Store is the decision persistence surface. It doubles as the deduplication
// index: a signal id with a row is terminal.
type Store interface {
	Get(signalID string) (domain.Decision, bool, error)
	Insert(domain.Decision) (bool, error)
	Recent(phase domain.PhaseID, limit int) ([]domain.Decision, error)
	TrimBefore(cutoff time.Time) (int64, error)
}

// decisionSnapshot is the JSON blob stored alongside the row's scalar
// columns.
type decisionSnapshot struct {
	Allocation       domain.AllocationSnapshot  `json:"allocation_snapshot"`
	Performance      domain.PerformanceSnapshot `json:"performance_snapshot"`
	Risk             domain.RiskSnapshot        `json:"risk_snapshot"`
	ProcessingTimeMs float64                    `json:"processing_time_ms"`
}

// Repository persists decisions in Postgres.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new decisions repository.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "decisions").Logger(),
	}
}

// Get returns the terminal decision for a signal id, if any.
func (r *Repository) Get(signalID string) (domain.Decision, bool, error) {
	row := r.db.QueryRow(`
		SELECT signal_id, phase_id, approved, requested_notional, authorized_notional, reason, snapshot, t_decided
		FROM decisions WHERE signal_id = $1
	`, signalID)

	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Decision{}, false, nil
	}
	if err != nil {
		return domain.Decision{}, false, fmt.Errorf("failed to load decision %s: %w", signalID, err)
	}
	return d, true, nil
}

// Insert writes a decision; the signal_id primary key makes replays a no-op.
// inserted reports whether the row is new.
func (r *Repository) Insert(d domain.Decision) (bool, error) {
	snap, err := json.Marshal(decisionSnapshot{
		Allocation:       d.Allocation,
		Performance:      d.Performance,
		Risk:             d.Risk,
		ProcessingTimeMs: d.ProcessingTimeMs,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode decision snapshot: %w", err)
	}

	res, err := r.db.Exec(`
		INSERT INTO decisions (signal_id, phase_id, approved, requested_notional, authorized_notional, reason, snapshot, t_decided)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (signal_id) DO NOTHING
	`, d.SignalID, string(d.PhaseID), d.Approved, d.RequestedNotional, d.AuthorizedNotional, string(d.Reason), snap, d.TDecided)
	if err != nil {
		return false, fmt.Errorf("failed to insert decision: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Recent returns decisions newest-first, optionally filtered by phase.
func (r *Repository) Recent(phase domain.PhaseID, limit int) ([]domain.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT signal_id, phase_id, approved, requested_notional, authorized_notional, reason, snapshot, t_decided
		FROM decisions
	`
	args := []interface{}{}
	if phase != "" {
		query += ` WHERE phase_id = $1 ORDER BY t_decided DESC LIMIT $2`
		args = append(args, string(phase), limit)
	} else {
		query += ` ORDER BY t_decided DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return out, nil
}

// TrimBefore deletes decisions older than cutoff and returns the count.
func (r *Repository) TrimBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM decisions WHERE t_decided < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to trim decisions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (domain.Decision, error) {
	var d domain.Decision
	var phase, reason string
	var snap []byte
	if err := row.Scan(&d.SignalID, &phase, &d.Approved, &d.RequestedNotional, &d.AuthorizedNotional, &reason, &snap, &d.TDecided); err != nil {
		return domain.Decision{}, err
	}
	d.PhaseID = domain.PhaseID(phase)
	d.Reason = domain.DecisionReason(reason)

	var ds decisionSnapshot
	if err := json.Unmarshal(snap, &ds); err != nil {
		return domain.Decision{}, fmt.Errorf("corrupt decision snapshot: %w", err)
	}
	d.Allocation = ds.Allocation
	d.Performance = ds.Performance
	d.Risk = ds.Risk
	d.ProcessingTimeMs = ds.ProcessingTimeMs
	return d, nil
}
