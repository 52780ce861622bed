package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// tableColumns whitelists every identifier that may reach SQL text.
var tableColumns = map[string][]string{
	TableReminders: {
		"id", "pair_id", "title", "date", "time", "created_at", "notified_at",
	},
	TableEmergencyAlerts: {
		"id", "pair_id", "alert_type", "reason", "timestamp", "status", "created_at",
	},
}

// SQLite is the persistent Executor backed by modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates/opens the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention between the
	// agent, the reminder scheduler and HTTP handlers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			pair_id TEXT NOT NULL,
			title TEXT NOT NULL,
			date TEXT NOT NULL,
			time TEXT NOT NULL,
			created_at TEXT NOT NULL,
			notified_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS reminders_pair_idx ON reminders(pair_id, date, time);`,
		`CREATE TABLE IF NOT EXISTS emergency_alerts (
			id TEXT PRIMARY KEY,
			pair_id TEXT NOT NULL,
			alert_type TEXT NOT NULL DEFAULT 'emergency',
			reason TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS emergency_alerts_pair_idx ON emergency_alerts(pair_id, status, timestamp DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init store schema: %w (stmt=%s)", err, trimSQL(stmt))
		}
	}
	return nil
}

func trimSQL(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > 120 {
		return sql[:120] + "..."
	}
	return sql
}

func checkColumn(table, column string) error {
	for _, c := range tableColumns[table] {
		if c == column {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
}

func checkTable(table string) error {
	if _, ok := tableColumns[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

func (s *SQLite) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	row := make(Record, len(rec)+2)
	for k, v := range rec {
		row[k] = v
	}
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if row.String("created_at") == "" {
		row["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}

	columns := make([]string, 0, len(row))
	for k := range row {
		if err := checkColumn(table, k); err != nil {
			return nil, err
		}
		columns = append(columns, k)
	}
	sort.Strings(columns)

	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		placeholders[i] = "?"
		args[i] = row[c]
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(tableColumns[table], ", "),
	)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (s *SQLite) Run(ctx context.Context, q Query) (Result, error) {
	if err := checkTable(q.Table); err != nil {
		return Result{}, err
	}
	where, args, err := buildWhere(q)
	if err != nil {
		return Result{}, err
	}

	switch q.Op {
	case OpSelect:
		return s.runSelect(ctx, q, where, args)
	case OpUpdate:
		return s.runUpdate(ctx, q, where, args)
	case OpDelete:
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s%s`, q.Table, where), args...)
		if err != nil {
			return Result{}, fmt.Errorf("delete from %s: %w", q.Table, err)
		}
		n, _ := res.RowsAffected()
		return Result{Affected: n}, nil
	default:
		return Result{}, fmt.Errorf("store: unsupported operation %d", q.Op)
	}
}

func (s *SQLite) runSelect(ctx context.Context, q Query, where string, args []any) (Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT %s FROM %s%s`, strings.Join(tableColumns[q.Table], ", "), q.Table, where)
	if len(q.Orders) > 0 {
		parts := make([]string, 0, len(q.Orders))
		for _, o := range q.Orders {
			if err := checkColumn(q.Table, o.Column); err != nil {
				return Result{}, err
			}
			dir := "ASC"
			if o.Descending {
				dir = "DESC"
			}
			parts = append(parts, o.Column+" "+dir)
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return Result{}, fmt.Errorf("select from %s: %w", q.Table, err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return Result{}, fmt.Errorf("select from %s: %w", q.Table, err)
	}
	return Result{Rows: out, Affected: int64(len(out))}, nil
}

func (s *SQLite) runUpdate(ctx context.Context, q Query, where string, whereArgs []any) (Result, error) {
	columns := make([]string, 0, len(q.Values))
	for k := range q.Values {
		if k == "id" {
			continue
		}
		if err := checkColumn(q.Table, k); err != nil {
			return Result{}, err
		}
		columns = append(columns, k)
	}
	if len(columns) == 0 {
		return Result{}, ErrEmptyRecord
	}
	sort.Strings(columns)

	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns)+len(whereArgs))
	for i, c := range columns {
		sets[i] = c + " = ?"
		args = append(args, q.Values[c])
	}
	args = append(args, whereArgs...)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s%s`, q.Table, strings.Join(sets, ", "), where), args...)
	if err != nil {
		return Result{}, fmt.Errorf("update %s: %w", q.Table, err)
	}
	n, _ := res.RowsAffected()
	return Result{Affected: n}, nil
}

func buildWhere(q Query) (string, []any, error) {
	if len(q.Filters) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(q.Filters))
	args := make([]any, 0, len(q.Filters))
	for _, f := range q.Filters {
		if err := checkColumn(q.Table, f.Column); err != nil {
			return "", nil, err
		}
		clauses = append(clauses, f.Column+" = ?")
		args = append(args, f.Value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(columns))
		for i, c := range columns {
			if b, ok := values[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
