package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/timewarden/internal/timerow"
)

// SQLiteAdapter implements Adapter on top of SQLite via modernc.org/sqlite,
// the CGO-free driver the teacher uses for its own embedded store (see
// internal/store/sqlite/sqlite.go). SQLite has no row-level locking, so the
// claim transaction relies on "_txlock=immediate" to make every transaction
// acquire the database's single write lock up front — the single-writer
// equivalent of Postgres's FOR UPDATE — backstopped by capping the pool at
// one connection.
type SQLiteAdapter struct {
	db    *sql.DB
	table string
}

func NewSQLiteAdapter(cfg Config) (*SQLiteAdapter, error) {
	dsn := cfg.DSN
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = dsn + sep + "_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap(fmt.Errorf("open sqlite: %w", err))
	}
	// SQLite allows only one writer; a single connection avoids
	// "database is locked" errors under concurrent goroutines in-process.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap(fmt.Errorf("ping sqlite: %w", err))
	}
	return &SQLiteAdapter{db: db, table: cfg.tableName()}, nil
}

func (a *SQLiteAdapter) Close() error { return a.db.Close() }

func (a *SQLiteAdapter) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	callable_module TEXT NOT NULL,
	callable_function TEXT NOT NULL,
	arguments BLOB,
	inserted_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	duration_ms INTEGER,
	interval_ms INTEGER,
	crontab TEXT,
	crontab_timezone TEXT,
	calls INTEGER NOT NULL DEFAULT 0,
	max_calls INTEGER,
	skip_if_offline INTEGER NOT NULL DEFAULT 1,
	name TEXT,
	executing INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at ASC);
CREATE UNIQUE INDEX IF NOT EXISTS %s_name_uidx ON %s (name) WHERE name IS NOT NULL;
`, a.table, a.table, a.table, a.table, a.table)
	_, err := a.db.ExecContext(ctx, stmt)
	return wrap(err)
}

func formatTime(t time.Time) string { return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func (a *SQLiteAdapter) Insert(ctx context.Context, row timerow.Row) (timerow.Row, error) {
	rows, err := a.InsertMany(ctx, []timerow.Row{row})
	if err != nil {
		return timerow.Row{}, err
	}
	return rows[0], nil
}

func (a *SQLiteAdapter) InsertMany(ctx context.Context, rows []timerow.Row) ([]timerow.Row, error) {
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
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(name) WHERE name IS NOT NULL DO UPDATE SET
	callable_module = excluded.callable_module,
	callable_function = excluded.callable_function,
	arguments = excluded.arguments,
	updated_at = excluded.updated_at,
	expires_at = excluded.expires_at,
	duration_ms = excluded.duration_ms,
	interval_ms = excluded.interval_ms,
	crontab = excluded.crontab,
	crontab_timezone = excluded.crontab_timezone,
	calls = excluded.calls,
	max_calls = excluded.max_calls,
	skip_if_offline = excluded.skip_if_offline,
	executing = excluded.executing`, a.table)

	for _, row := range rows {
		res, err := tx.ExecContext(ctx, q, sqliteArgs(row)...)
		if err != nil {
			return nil, wrap(fmt.Errorf("insert timer %q: %w", row.Name, err))
		}
		if row.Name != "" {
			// On an upsert-replace path LastInsertId reflects the original
			// row, not the replaced one; re-read the id by name.
			var id int64
			if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT id FROM %s WHERE name = ?", a.table), row.Name).Scan(&id); err != nil {
				return nil, wrap(err)
			}
			row.ID = id
		} else {
			id, err := res.LastInsertId()
			if err != nil {
				return nil, wrap(err)
			}
			row.ID = id
		}
		out = append(out, row)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func sqliteArgs(row timerow.Row) []interface{} {
	return []interface{}{
		row.CallableModule, row.CallableFunction, row.Arguments,
		formatTime(row.InsertedAt), formatTime(row.UpdatedAt), formatTime(row.ExpiresAt),
		durPtrMs(row.Duration), durPtrMs(row.Interval),
		nullableString(row.Crontab), nullableString(row.CrontabTimezone),
		row.Calls, row.MaxCalls, boolToInt(row.SkipIfOffline), nullableString(row.Name), boolToInt(row.Executing),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (a *SQLiteAdapter) UpdateByID(ctx context.Context, id int64, patch Patch) (int64, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{formatTime(time.Now())}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, formatTime(*patch.ExpiresAt))
	}
	if patch.Executing != nil {
		sets = append(sets, "executing = ?")
		args = append(args, boolToInt(*patch.Executing))
	}
	if patch.Calls != nil {
		sets = append(sets, "calls = ?")
		args = append(args, *patch.Calls)
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", a.table, join(sets))
	res, err := a.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return n, wrap(err)
}

func (a *SQLiteAdapter) DeleteByQuery(ctx context.Context, q Query) (int64, error) {
	where, args := sqliteWhereClause(q)
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", a.table, where)
	res, err := a.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return n, wrap(err)
}

func (a *SQLiteAdapter) Exists(ctx context.Context, q Query) (bool, error) {
	where, args := sqliteWhereClause(q)
	stmt := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s)", a.table, where)
	var exists int
	err := a.db.QueryRowContext(ctx, stmt, args...).Scan(&exists)
	return exists != 0, wrap(err)
}

func sqliteWhereClause(q Query) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	if q.ID != nil {
		clauses = append(clauses, "id = ?")
		args = append(args, *q.ID)
	}
	if q.Name != nil {
		clauses = append(clauses, "name = ?")
		args = append(args, *q.Name)
	}
	if q.CallableModule != "" {
		clauses = append(clauses, "callable_module = ?")
		args = append(args, q.CallableModule)
	}
	if q.CallableFunction != "" {
		clauses = append(clauses, "callable_function = ?")
		args = append(args, q.CallableFunction)
	}
	if len(clauses) == 0 {
		return "1=1", args
	}
	return strings.Join(clauses, " AND "), args
}

func (a *SQLiteAdapter) FindEarliest(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, error) {
	stmt := fmt.Sprintf(`
SELECT id, callable_module, callable_function, arguments, inserted_at, updated_at,
	expires_at, duration_ms, interval_ms, crontab, crontab_timezone, calls,
	max_calls, skip_if_offline, name, executing
FROM %s
WHERE expires_at < ? AND (NOT executing OR expires_at < ?)
ORDER BY expires_at ASC
LIMIT 1`, a.table)
	row := a.db.QueryRowContext(ctx, stmt, formatTime(now), formatTime(now.Add(-orphanWindow)))
	r, err := scanSQLiteRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, wrap(err)
}

func (a *SQLiteAdapter) ClaimNext(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, bool, error) {
	tx, err := a.db.BeginTx(ctx, nil) // "_txlock=immediate" makes this exclusive
	if err != nil {
		return nil, false, wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := fmt.Sprintf(`
SELECT id, callable_module, callable_function, arguments, inserted_at, updated_at,
	expires_at, duration_ms, interval_ms, crontab, crontab_timezone, calls,
	max_calls, skip_if_offline, name, executing
FROM %s
WHERE expires_at < ? AND (NOT executing OR expires_at < ?)
ORDER BY expires_at ASC
LIMIT 1`, a.table)
	row := tx.QueryRowContext(ctx, stmt, formatTime(now), formatTime(now.Add(-orphanWindow)))
	r, err := scanSQLiteRow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err)
	}
	wasOrphan := r.Executing

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET executing = 1, updated_at = ? WHERE id = ?", a.table), formatTime(now), r.ID); err != nil {
		return nil, false, wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, wrap(err)
	}
	r.Executing = true
	return r, wasOrphan, nil
}

func scanSQLiteRow(s scanner) (*timerow.Row, error) {
	var r timerow.Row
	var args []byte
	var insertedAt, updatedAt, expiresAt string
	var durationMs, intervalMs, maxCalls sql.NullInt64
	var crontab, tz, name sql.NullString
	var skipIfOffline, executing int
	if err := s.Scan(&r.ID, &r.CallableModule, &r.CallableFunction, &args,
		&insertedAt, &updatedAt, &expiresAt, &durationMs, &intervalMs,
		&crontab, &tz, &r.Calls, &maxCalls, &skipIfOffline, &name, &executing); err != nil {
		return nil, err
	}
	var err error
	if r.InsertedAt, err = parseTime(insertedAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = parseTime(expiresAt); err != nil {
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
	r.SkipIfOffline = skipIfOffline != 0
	r.Executing = executing != 0
	return &r, nil
}
