package audit

import (
	"context"
	"database/sql"
	"fmt"

	"callbridge/internal/store"
)

// SQLRepo appends to the audit_events table created by the store migrations.
type SQLRepo struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQLRepo(db *sql.DB, dialect store.Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: dialect}
}

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	q := r.dialect.Rebind(`INSERT INTO audit_events (
  id, type, call_id, leg_id, actor_user_id, actor_role, ip_address, message, metadata, created_at
) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		e.CallID,
		e.LegID,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.Message,
		e.Metadata,
		e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// ListByCall returns audit events for one call in insertion order.
func (r *SQLRepo) ListByCall(ctx context.Context, callID string) ([]Event, error) {
	q := r.dialect.Rebind(`SELECT id, type, call_id, leg_id, actor_user_id, actor_role, ip_address, message, metadata, created_at
FROM audit_events
WHERE call_id = ?
ORDER BY seq`)
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.CallID, &e.LegID, &e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
