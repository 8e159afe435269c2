package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	deviceagent "github.com/httprunner/DeviceAgent"
	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

const (
	invocationsTable = "invocations"
	devicesTable     = "devices"

	defaultRecentLimit = 20
)

// Store persists the invocation journal and the latest device snapshots in
// SQLite. It implements deviceagent.InvocationJournal and device.Recorder.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "storage: create dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			invocation_id TEXT PRIMARY KEY,
			command_id TEXT NOT NULL,
			args TEXT,
			device_serial TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			rescheduled INTEGER NOT NULL DEFAULT 0,
			start_at TEXT,
			end_at TEXT,
			outcome TEXT NOT NULL,
			error_message TEXT
		);`, invocationsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_invocations_end_at ON %s (end_at);`, invocationsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_invocations_command ON %s (command_id);`, invocationsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			serial TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			os_type TEXT,
			os_version TEXT,
			product_type TEXT,
			is_root TEXT,
			provider_uuid TEXT,
			last_seen_at TEXT
		);`, devicesTable),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: prepare schema failed")
		}
	}
	// added after the first release; older databases lack it
	return ensureColumnExists(db, devicesTable, "agent_version", "TEXT")
}

// RecordInvocation appends one finished dispatch to the journal.
func (s *Store) RecordInvocation(ctx context.Context, rec deviceagent.InvocationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage: store is closed")
	}
	if strings.TrimSpace(rec.InvocationID) == "" {
		return errors.New("storage: invocation id is empty")
	}
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return errors.Wrap(err, "storage: encode invocation args failed")
	}
	stmt := fmt.Sprintf(`INSERT INTO %s
		(invocation_id, command_id, args, device_serial, attempt, rescheduled, start_at, end_at, outcome, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invocation_id) DO UPDATE SET
			end_at=excluded.end_at,
			outcome=excluded.outcome,
			error_message=excluded.error_message;`, invocationsTable)
	_, err = s.db.ExecContext(ctx, stmt,
		rec.InvocationID,
		rec.CommandID,
		string(args),
		rec.DeviceSerial,
		rec.Attempt,
		boolToInt(rec.Rescheduled),
		formatTime(rec.StartAt),
		formatTime(rec.EndAt),
		rec.Outcome,
		nullableString(rec.ErrorMessage),
	)
	if err != nil {
		return errors.Wrapf(err, "storage: insert invocation %s failed", rec.InvocationID)
	}
	return nil
}

// RecentInvocations returns the latest journal entries, newest first.
func (s *Store) RecentInvocations(ctx context.Context, limit int) ([]deviceagent.InvocationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage: store is closed")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	query := fmt.Sprintf(`SELECT invocation_id, command_id, args, device_serial, attempt, rescheduled,
		start_at, end_at, outcome, error_message
		FROM %s ORDER BY end_at DESC, rowid DESC LIMIT ?;`, invocationsTable)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query invocations failed")
	}
	defer rows.Close()

	var out []deviceagent.InvocationRecord
	for rows.Next() {
		var (
			rec          deviceagent.InvocationRecord
			args         sql.NullString
			rescheduled  int
			startAt      sql.NullString
			endAt        sql.NullString
			errorMessage sql.NullString
		)
		if err := rows.Scan(&rec.InvocationID, &rec.CommandID, &args, &rec.DeviceSerial, &rec.Attempt,
			&rescheduled, &startAt, &endAt, &rec.Outcome, &errorMessage); err != nil {
			return nil, errors.Wrap(err, "storage: scan invocation failed")
		}
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &rec.Args); err != nil {
				return nil, errors.Wrapf(err, "storage: decode args of %s failed", rec.InvocationID)
			}
		}
		rec.Rescheduled = rescheduled != 0
		rec.StartAt = parseTime(startAt)
		rec.EndAt = parseTime(endAt)
		rec.ErrorMessage = errorMessage.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate invocations failed")
	}
	return out, nil
}

// UpsertDevices stores the latest snapshot of each device.
func (s *Store) UpsertDevices(ctx context.Context, devices []device.InfoUpdate) error {
	if s == nil || s.db == nil {
		return errors.New("storage: store is closed")
	}
	if len(devices) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s
		(serial, status, os_type, os_version, product_type, is_root, provider_uuid, agent_version, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			status=excluded.status,
			os_type=COALESCE(excluded.os_type, os_type),
			os_version=COALESCE(excluded.os_version, os_version),
			product_type=COALESCE(excluded.product_type, product_type),
			is_root=COALESCE(excluded.is_root, is_root),
			provider_uuid=COALESCE(excluded.provider_uuid, provider_uuid),
			agent_version=COALESCE(excluded.agent_version, agent_version),
			last_seen_at=COALESCE(excluded.last_seen_at, last_seen_at);`, devicesTable)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin device upsert failed")
	}
	for _, dev := range devices {
		serial := strings.TrimSpace(dev.DeviceSerial)
		if serial == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt,
			serial,
			dev.Status,
			nullableString(dev.OSType),
			nullableString(dev.OSVersion),
			nullableString(dev.ProductType),
			nullableString(dev.IsRoot),
			nullableString(dev.ProviderUUID),
			nullableString(dev.AgentVersion),
			formatTime(dev.LastSeenAt),
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "storage: upsert device %s failed", serial)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "storage: commit device upsert failed")
	}
	return nil
}

// DeviceStatus returns the stored status of serial, or "" when unknown.
func (s *Store) DeviceStatus(ctx context.Context, serial string) (string, error) {
	query := fmt.Sprintf(`SELECT status FROM %s WHERE serial = ?;`, devicesTable)
	var status string
	err := s.db.QueryRowContext(ctx, query, serial).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "storage: query device %s failed", serial)
	}
	return status, nil
}

func ensureColumnExists(db *sql.DB, table, column, columnType string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(column), columnType)
	if _, err := db.Exec(stmt); err != nil {
		return errors.Wrapf(err, "storage: add column %s to table %s failed", column, table)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return false, errors.Wrapf(err, "storage: query %s schema failed", table)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, errors.Wrapf(err, "storage: scan %s schema failed", table)
		}
		if strings.EqualFold(strings.TrimSpace(name), column) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, errors.Wrapf(err, "storage: iterate %s schema failed", table)
	}
	return false, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(name), `"`, `""`) + `"`
}

func nullableString(value string) sql.NullString {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: trimmed, Valid: true}
}

func formatTime(ts time.Time) sql.NullString {
	if ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(raw sql.NullString) time.Time {
	if !raw.Valid {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
