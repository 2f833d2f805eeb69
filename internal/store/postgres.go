package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/timewarden/internal/timerow"
)

// PostgresAdapter implements Adapter on top of PostgreSQL, using pgx's
// stdlib driver exactly as the teacher's history/postgres sink does.
type PostgresAdapter struct {
	db    *sql.DB
	table string
}

// NewPostgresAdapter opens a PostgreSQL-backed Adapter. dsn follows the
// standard postgres:// URL form.
func NewPostgresAdapter(cfg Config) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, wrap(fmt.Errorf("open postgres: %w", err))
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxAge > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxAge)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap(fmt.Errorf("ping postgres: %w", err))
	}
	return &PostgresAdapter{db: db, table: cfg.tableName()}, nil
}

func (a *PostgresAdapter) Close() error { return a.db.Close() }

func (a *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	callable_module TEXT NOT NULL,
	callable_function TEXT NOT NULL,
	arguments BYTEA,
	inserted_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT,
	interval_ms BIGINT,
	crontab TEXT,
	crontab_timezone TEXT,
	calls INTEGER NOT NULL DEFAULT 0,
	max_calls INTEGER,
	skip_if_offline BOOLEAN NOT NULL DEFAULT TRUE,
	name TEXT,
	executing BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at ASC);
CREATE UNIQUE INDEX IF NOT EXISTS %s_name_uidx ON %s (name) WHERE name IS NOT NULL;
`, a.table, a.table, a.table, a.table, a.table)
	_, err := a.db.ExecContext(ctx, stmt)
	return wrap(err)
}

func (a *PostgresAdapter) Insert(ctx context.Context, row timerow.Row) (timerow.Row, error) {
	rows, err := a.InsertMany(ctx, []timerow.Row{row})
	if err != nil {
		return timerow.Row{}, err
	}
	return rows[0], nil
}

func (a *PostgresAdapter) InsertMany(ctx context.Context, rows []timerow.Row) ([]timerow.Row, error) {
	out := make([]timerow.Row, 0, len(rows))
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`
INSERT INTO %s (
	callable_module, callable_function, arguments, inserted_at, updated_at,
	expires_at, duration_ms, interval_ms, crontab, crontab_timezone, calls,
	max_calls, skip_if_offline, name, executing
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (name) WHERE name IS NOT NULL DO UPDATE SET
	callable_module = EXCLUDED.callable_module,
	callable_function = EXCLUDED.callable_function,
	arguments = EXCLUDED.arguments,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at,
	duration_ms = EXCLUDED.duration_ms,
	interval_ms = EXCLUDED.interval_ms,
	crontab = EXCLUDED.crontab,
	crontab_timezone = EXCLUDED.crontab_timezone,
	calls = EXCLUDED.calls,
	max_calls = EXCLUDED.max_calls,
	skip_if_offline = EXCLUDED.skip_if_offline,
	executing = EXCLUDED.executing
RETURNING id`, a.table)

	for _, row := range rows {
		var id int64
		if err := tx.QueryRowContext(ctx, q, args(row)...).Scan(&id); err != nil {
			return nil, wrap(fmt.Errorf("insert timer %q: %w", row.Name, err))
		}
		row.ID = id
		out = append(out, row)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func args(row timerow.Row) []interface{} {
	return []interface{}{
		row.CallableModule, row.CallableFunction, row.Arguments,
		row.InsertedAt.UTC(), row.UpdatedAt.UTC(), row.ExpiresAt.UTC(),
		durPtrMs(row.Duration), durPtrMs(row.Interval),
		nullableString(row.Crontab), nullableString(row.CrontabTimezone),
		row.Calls, row.MaxCalls, row.SkipIfOffline, nullableString(row.Name), row.Executing,
	}
}

func durPtrMs(d *time.Duration) interface{} {
	if d == nil {
		return nil
	}
	return d.Milliseconds()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (a *PostgresAdapter) UpdateByID(ctx context.Context, id int64, patch Patch) (int64, error) {
	sets := []string{"updated_at = now()"}
	args := []interface{}{}
	i := 1
	if patch.ExpiresAt != nil {
		sets = append(sets, fmt.Sprintf("expires_at = $%d", i))
		args = append(args, patch.ExpiresAt.UTC())
		i++
	}
	if patch.Executing != nil {
		sets = append(sets, fmt.Sprintf("executing = $%d", i))
		args = append(args, *patch.Executing)
		i++
	}
	if patch.Calls != nil {
		sets = append(sets, fmt.Sprintf("calls = $%d", i))
		args = append(args, *patch.Calls)
		i++
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", a.table, join(sets), i)
	res, err := a.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return n, wrap(err)
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func (a *PostgresAdapter) DeleteByQuery(ctx context.Context, q Query) (int64, error) {
	where, args := whereClause(q, 1)
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", a.table, where)
	res, err := a.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return n, wrap(err)
}

func (a *PostgresAdapter) Exists(ctx context.Context, q Query) (bool, error) {
	where, args := whereClause(q, 1)
	stmt := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s)", a.table, where)
	var exists bool
	err := a.db.QueryRowContext(ctx, stmt, args...).Scan(&exists)
	return exists, wrap(err)
}

func whereClause(q Query, start int) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	i := start
	if q.ID != nil {
		clauses = append(clauses, fmt.Sprintf("id = $%d", i))
		args = append(args, *q.ID)
		i++
	}
	if q.Name != nil {
		clauses = append(clauses, fmt.Sprintf("name = $%d", i))
		args = append(args, *q.Name)
		i++
	}
	if q.CallableModule != "" {
		clauses = append(clauses, fmt.Sprintf("callable_module = $%d", i))
		args = append(args, q.CallableModule)
		i++
	}
	if q.CallableFunction != "" {
		clauses = append(clauses, fmt.Sprintf("callable_function = $%d", i))
		args = append(args, q.CallableFunction)
		i++
	}
	if len(clauses) == 0 {
		return "TRUE", args
	}
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out, args
}

func (a *PostgresAdapter) FindEarliest(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, error) {
	stmt := fmt.Sprintf(`
SELECT id, callable_module, callable_function, arguments, inserted_at, updated_at,
	expires_at, duration_ms, interval_ms, crontab, crontab_timezone, calls,
	max_calls, skip_if_offline, name, executing
FROM %s
WHERE expires_at < $1 AND (NOT executing OR expires_at < $2)
ORDER BY expires_at ASC
LIMIT 1`, a.table)
	row := a.db.QueryRowContext(ctx, stmt, now.UTC(), now.Add(-orphanWindow).UTC())
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, wrap(err)
}

func (a *PostgresAdapter) ClaimNext(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, bool, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := fmt.Sprintf(`
SELECT id, callable_module, callable_function, arguments, inserted_at, updated_at,
	expires_at, duration_ms, interval_ms, crontab, crontab_timezone, calls,
	max_calls, skip_if_offline, name, executing
FROM %s
WHERE expires_at < $1 AND (NOT executing OR expires_at < $2)
ORDER BY expires_at ASC
LIMIT 1
FOR UPDATE`, a.table)
	row := tx.QueryRowContext(ctx, stmt, now.UTC(), now.Add(-orphanWindow).UTC())
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err)
	}
	wasOrphan := r.Executing

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET executing = TRUE, updated_at = $1 WHERE id = $2", a.table), now.UTC(), r.ID); err != nil {
		return nil, false, wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, wrap(err)
	}
	r.Executing = true
	return r, wasOrphan, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(s scanner) (*timerow.Row, error) {
	var r timerow.Row
	var args []byte
	var durationMs, intervalMs, maxCalls sql.NullInt64
	var crontab, tz, name sql.NullString
	if err := s.Scan(&r.ID, &r.CallableModule, &r.CallableFunction, &args,
		&r.InsertedAt, &r.UpdatedAt, &r.ExpiresAt, &durationMs, &intervalMs,
		&crontab, &tz, &r.Calls, &maxCalls, &r.SkipIfOffline, &name, &r.Executing); err != nil {
		return nil, err
	}
	r.Arguments = args
	if durationMs.Valid {
		d := time.Duration(durationMs.Int64) * time.Millisecond
		r.Duration = &d
	}
	if intervalMs.Valid {
		d := time.Duration(intervalMs.Int64) * time.Millisecond
		r.Interval = &d
	}
	if crontab.Valid {
		r.Crontab = crontab.String
	}
	if tz.Valid {
		r.CrontabTimezone = tz.String
	}
	if maxCalls.Valid {
		mc := int(maxCalls.Int64)
		r.MaxCalls = &mc
	}
	if name.Valid {
		r.Name = name.String
	}
	r.InsertedAt = r.InsertedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	return &r, nil
}
