package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"callbridge/internal/calls"
	"callbridge/pkg/utils"

	"github.com/goccy/go-json"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Dialect selects placeholder style, locking clause and migration set.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// Rebind rewrites ? placeholders into $n for postgres.
func (d Dialect) Rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d Dialect) forUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	// SQLite serializes writers on the single pooled connection.
	return ""
}

// SQLStore implements Store on database/sql for postgres (pgx) and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB       { return s.db }
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Migrate applies pending embedded migrations for the store's dialect in
// filename order, recording each one in schema_migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	createTracking := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`
	if s.dialect == DialectPostgres {
		createTracking = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	}
	if _, err := s.db.ExecContext(ctx, createTracking); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	dir := path.Join("migrations", string(s.dialect))
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		q := s.dialect.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`)
		if err := s.db.QueryRowContext(ctx, q, version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		err = utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("executing migration %s: %w", version, err)
			}
			ins := s.dialect.Rebind(`INSERT INTO schema_migrations (version) VALUES (?)`)
			if _, err := tx.ExecContext(ctx, ins, version); err != nil {
				return fmt.Errorf("recording migration %s: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		slog.Info("applied migration", "version", version, "dialect", s.dialect)
	}
	return nil
}

func (s *SQLStore) Tx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &sqlTx{q: tx, dialect: s.dialect})
	})
}

func (s *SQLStore) FindCall(ctx context.Context, id string) (calls.Call, error) {
	return getCall(ctx, s.db, s.dialect, id, false)
}

func (s *SQLStore) FindLeg(ctx context.Context, legID string) (calls.Leg, error) {
	return getLeg(ctx, s.db, s.dialect, legID)
}

func (s *SQLStore) ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error) {
	q := s.dialect.Rebind(`SELECT ` + callColumns + ` FROM calls
WHERE created_at >= ? AND created_at < ?
ORDER BY created_at`)
	rows, err := s.db.QueryContext(ctx, q, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	out := make([]calls.Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListLegs(ctx context.Context, callID string) ([]calls.Leg, error) {
	return legsByCall(ctx, s.db, s.dialect, callID)
}

func (s *SQLStore) ListEvents(ctx context.Context, callID string) ([]calls.Event, error) {
	q := s.dialect.Rebind(`SELECT id, call_id, leg_id, kind, fields, fingerprint, state_before, state_after, created_at
FROM call_events
WHERE call_id = ?
ORDER BY seq`)
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	out := make([]calls.Event, 0)
	for rows.Next() {
		var (
			e      calls.Event
			fields string
		)
		if err := rows.Scan(&e.ID, &e.CallID, &e.LegID, &e.Kind, &fields, &e.Fingerprint, &e.StateBefore, &e.StateAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return nil, fmt.Errorf("decoding event %s fields: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	q       queryer
	dialect Dialect
}

func (t *sqlTx) LockCall(ctx context.Context, id string) (calls.Call, error) {
	return getCall(ctx, t.q, t.dialect, id, true)
}

func (t *sqlTx) InsertCall(ctx context.Context, c calls.Call) error {
	q := t.dialect.Rebind(`INSERT INTO calls (
  id, origin_number, destination_number, state, version,
  widget_id, activist_name, activist_email, target_name, created_at, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	_, err := t.q.ExecContext(ctx, q,
		c.ID,
		c.OriginNumber,
		c.DestinationNumber,
		c.State,
		c.Version,
		c.WidgetID,
		c.ActivistName,
		c.ActivistEmail,
		c.TargetName,
		c.CreatedAt.UTC(),
		c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateCall(ctx context.Context, c calls.Call) (calls.Call, error) {
	q := t.dialect.Rebind(`UPDATE calls SET state = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`)
	res, err := t.q.ExecContext(ctx, q, c.State, c.UpdatedAt.UTC(), c.ID, c.Version)
	if err != nil {
		return calls.Call{}, fmt.Errorf("updating call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return calls.Call{}, err
	}
	if n == 0 {
		return calls.Call{}, ErrConflict
	}
	c.Version++
	return c, nil
}

func (t *sqlTx) FindLeg(ctx context.Context, legID string) (calls.Leg, error) {
	return getLeg(ctx, t.q, t.dialect, legID)
}

func (t *sqlTx) LegsByCall(ctx context.Context, callID string) ([]calls.Leg, error) {
	return legsByCall(ctx, t.q, t.dialect, callID)
}

func (t *sqlTx) InsertLeg(ctx context.Context, l calls.Leg) error {
	q := t.dialect.Rebind(`INSERT INTO legs (
  id, call_id, role, parent_leg_id, status, answered_by, created_at, updated_at
) VALUES (?,?,?,?,?,?,?,?)`)
	_, err := t.q.ExecContext(ctx, q,
		l.ID,
		l.CallID,
		l.Role,
		l.ParentLegID,
		l.Status,
		l.AnsweredBy,
		l.CreatedAt.UTC(),
		l.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting leg: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateLeg(ctx context.Context, l calls.Leg) error {
	q := t.dialect.Rebind(`UPDATE legs SET status = ?, answered_by = ?, updated_at = ? WHERE id = ?`)
	res, err := t.q.ExecContext(ctx, q, l.Status, l.AnsweredBy, l.UpdatedAt.UTC(), l.ID)
	if err != nil {
		return fmt.Errorf("updating leg: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) AppendEvent(ctx context.Context, e calls.Event) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encoding event fields: %w", err)
	}
	q := t.dialect.Rebind(`INSERT INTO call_events (
  id, call_id, leg_id, kind, fields, fingerprint, state_before, state_after, created_at
) VALUES (?,?,?,?,?,?,?,?,?)`)
	_, err = t.q.ExecContext(ctx, q,
		e.ID,
		e.CallID,
		e.LegID,
		e.Kind,
		string(fields),
		e.Fingerprint,
		e.StateBefore,
		e.StateAfter,
		e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

func (t *sqlTx) HasEvent(ctx context.Context, callID, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	q := t.dialect.Rebind(`SELECT COUNT(*) FROM call_events WHERE call_id = ? AND fingerprint = ?`)
	var n int
	if err := t.q.QueryRowContext(ctx, q, callID, fingerprint).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

const callColumns = `id, origin_number, destination_number, state, version,
  widget_id, activist_name, activist_email, target_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (calls.Call, error) {
	var c calls.Call
	err := r.Scan(
		&c.ID,
		&c.OriginNumber,
		&c.DestinationNumber,
		&c.State,
		&c.Version,
		&c.WidgetID,
		&c.ActivistName,
		&c.ActivistEmail,
		&c.TargetName,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func getCall(ctx context.Context, q queryer, d Dialect, id string, lock bool) (calls.Call, error) {
	stmt := `SELECT ` + callColumns + ` FROM calls WHERE id = ?`
	if lock {
		stmt += d.forUpdate()
	}
	c, err := scanCall(q.QueryRowContext(ctx, d.Rebind(stmt), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, ErrNotFound
		}
		return calls.Call{}, fmt.Errorf("loading call: %w", err)
	}
	return c, nil
}

const legColumns = `id, call_id, role, parent_leg_id, status, answered_by, created_at, updated_at`

func scanLeg(r rowScanner) (calls.Leg, error) {
	var l calls.Leg
	err := r.Scan(
		&l.ID,
		&l.CallID,
		&l.Role,
		&l.ParentLegID,
		&l.Status,
		&l.AnsweredBy,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	return l, err
}

func getLeg(ctx context.Context, q queryer, d Dialect, legID string) (calls.Leg, error) {
	l, err := scanLeg(q.QueryRowContext(ctx, d.Rebind(`SELECT `+legColumns+` FROM legs WHERE id = ?`), legID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Leg{}, ErrNotFound
		}
		return calls.Leg{}, fmt.Errorf("loading leg: %w", err)
	}
	return l, nil
}

func legsByCall(ctx context.Context, q queryer, d Dialect, callID string) ([]calls.Leg, error) {
	rows, err := q.QueryContext(ctx, d.Rebind(`SELECT `+legColumns+` FROM legs WHERE call_id = ? ORDER BY created_at`), callID)
	if err != nil {
		return nil, fmt.Errorf("listing legs: %w", err)
	}
	defer rows.Close()

	out := make([]calls.Leg, 0, 2)
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
