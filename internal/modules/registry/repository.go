package registry

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Store is the persistence surface the registry service needs. Tests use an
// in-memory implementation.
type Store interface {
	ActiveOverrides() (map[string]Override, error)
	ReplaceActive(o Override, deactivatedBy string) error
	Deactivate(key, by string) (Override, error)
	AppendReceipt(r Receipt) error
	Receipts(key string, limit int) ([]Receipt, error)
}

// Repository persists overrides and receipts in Postgres.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new config repository.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "config").Logger(),
	}
}

// ActiveOverrides returns the active override per key.
func (r *Repository) ActiveOverrides() (map[string]Override, error) {
	rows, err := r.db.Query(`
		SELECT id, key, value, previous_value, operator_id, reason, expires_at, created_at
		FROM config_overrides
		WHERE active
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Override)
	for rows.Next() {
		var o Override
		var value, prev []byte
		if err := rows.Scan(&o.ID, &o.Key, &value, &prev, &o.OperatorID, &o.Reason, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		if err := json.Unmarshal(value, &o.Value); err != nil {
			return nil, fmt.Errorf("corrupt override value for %s: %w", o.Key, err)
		}
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &o.PreviousValue); err != nil {
				return nil, fmt.Errorf("corrupt previous value for %s: %w", o.Key, err)
			}
		}
		o.Active = true
		out[o.Key] = o
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating overrides: %w", err)
	}
	return out, nil
}

// ReplaceActive deactivates any active override for the key and inserts the
// new one, atomically. The partial unique index on (key) WHERE active keeps
// concurrent writers honest.
func (r *Repository) ReplaceActive(o Override, deactivatedBy string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin override tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE config_overrides
		SET active = FALSE, deactivated_at = now(), deactivated_by = $2
		WHERE key = $1 AND active
	`, o.Key, deactivatedBy); err != nil {
		return fmt.Errorf("failed to deactivate prior override: %w", err)
	}

	value, err := json.Marshal(o.Value)
	if err != nil {
		return fmt.Errorf("failed to encode override value: %w", err)
	}
	prev, err := json.Marshal(o.PreviousValue)
	if err != nil {
		return fmt.Errorf("failed to encode previous value: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO config_overrides (id, key, value, previous_value, operator_id, reason, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
	`, o.ID, o.Key, value, prev, o.OperatorID, o.Reason, o.ExpiresAt, o.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert override: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit override: %w", err)
	}
	return nil
}

// Deactivate retires the active override for a key and returns it.
func (r *Repository) Deactivate(key, by string) (Override, error) {
	var o Override
	var value, prev []byte
	err := r.db.QueryRow(`
		UPDATE config_overrides
		SET active = FALSE, deactivated_at = now(), deactivated_by = $2
		WHERE key = $1 AND active
		RETURNING id, key, value, previous_value, operator_id, reason, expires_at, created_at
	`, key, by).Scan(&o.ID, &o.Key, &value, &prev, &o.OperatorID, &o.Reason, &o.ExpiresAt, &o.CreatedAt)
	if err != nil {
		return Override{}, fmt.Errorf("failed to deactivate override for %s: %w", key, err)
	}
	if err := json.Unmarshal(value, &o.Value); err != nil {
		return Override{}, fmt.Errorf("corrupt override value for %s: %w", key, err)
	}
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &o.PreviousValue); err != nil {
			return Override{}, fmt.Errorf("corrupt previous value for %s: %w", key, err)
		}
	}
	return o, nil
}

// AppendReceipt inserts a receipt. Receipts are append-only; there is no
// update or delete path.
func (r *Repository) AppendReceipt(rec Receipt) error {
	prev, err := json.Marshal(rec.PreviousValue)
	if err != nil {
		return fmt.Errorf("failed to encode receipt previous value: %w", err)
	}
	next, err := json.Marshal(rec.NewValue)
	if err != nil {
		return fmt.Errorf("failed to encode receipt new value: %w", err)
	}
	if _, err := r.db.Exec(`
		INSERT INTO config_receipts (id, key, action, previous_value, new_value, operator_id, reason, expires_at, signature, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.Key, string(rec.Action), prev, next, rec.OperatorID, rec.Reason, rec.ExpiresAt, rec.Signature, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

// Receipts returns receipts newest-first, optionally filtered by key.
func (r *Repository) Receipts(key string, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, key, action, previous_value, new_value, operator_id, reason, expires_at, signature, timestamp
		FROM config_receipts
	`
	args := []interface{}{}
	if key != "" {
		query += ` WHERE key = $1 ORDER BY timestamp DESC LIMIT $2`
		args = append(args, key, limit)
	} else {
		query += ` ORDER BY timestamp DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var rec Receipt
		var action string
		var prev, next []byte
		if err := rows.Scan(&rec.ID, &rec.Key, &action, &prev, &next, &rec.OperatorID, &rec.Reason, &rec.ExpiresAt, &rec.Signature, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		rec.Action = ReceiptAction(action)
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &rec.PreviousValue); err != nil {
				return nil, fmt.Errorf("corrupt receipt previous value: %w", err)
			}
		}
		if len(next) > 0 {
			if err := json.Unmarshal(next, &rec.NewValue); err != nil {
				return nil, fmt.Errorf("corrupt receipt new value: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating receipts: %w", err)
	}
	return out, nil
}
