package breaker

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/domain"
)

// Repository persists the append-only breaker transition log.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new breaker-events repository.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "breaker_events").Logger(),
	}
}

// AppendEvent records one transition.
func (r *Repository) AppendEvent(ev Event) error {
	if _, err := r.db.Exec(`
		INSERT INTO breaker_events (prev, next, reason, equity, operator_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(ev.Prev), string(ev.Next), ev.Reason, ev.Equity, ev.OperatorID, ev.Timestamp); err != nil {
		return fmt.Errorf("failed to insert breaker event: %w", err)
	}
	return nil
}

// LastState returns the most recent transition target; found is false when
// the log is empty.
func (r *Repository) LastState() (domain.BreakerState, bool, error) {
	var next string
	err := r.db.Get(&next, `
		SELECT next FROM breaker_events ORDER BY id DESC LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BreakerInactive, false, nil
	}
	if err != nil {
		return domain.BreakerInactive, false, fmt.Errorf("failed to load last breaker state: %w", err)
	}
	return domain.BreakerState(next), true, nil
}

// RecentEvents returns the latest transitions for the status surface.
func (r *Repository) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Event
	if err := r.db.Select(&out, `
		SELECT prev, next, reason, equity, operator_id, timestamp
		FROM breaker_events
		ORDER BY id DESC
		LIMIT $1
	`, limit); err != nil {
		return nil, fmt.Errorf("failed to load breaker events: %w", err)
	}
	return out, nil
}
