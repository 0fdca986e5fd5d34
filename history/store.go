// Package history records every attempt and verdict of a session in a SQL
// database, so failures from earlier reruns stay available for diagnostics.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/policy"
)

// Config selects the database.
type Config struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is a file path or ":memory:" for sqlite and a go-sql-driver DSN
	// ("user:pass@tcp(host:3306)/db") for mysql.
	DSN string `yaml:"dsn" json:"dsn"`
}

// Store is an observe.Observer that persists timelines. Write errors are
// logged and kept; Err returns the first one.
type Store struct {
	observe.BaseObserver

	db      *sql.DB
	driver  string
	session string
	logger  *slog.Logger
	nowFn   func() time.Time

	mu       sync.Mutex
	firstErr error
}

// Option configures a Store.
type Option func(*Store)

// WithSessionID sets the session id. Open generates a UUID otherwise.
func WithSessionID(id string) Option {
	return func(s *Store) {
		if id != "" {
			s.session = id
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock used for verdict timestamps.
func WithClock(f func() time.Time) Option {
	return func(s *Store) {
		if f != nil {
			s.nowFn = f
		}
	}
}

// Open connects to the configured database and creates the tables.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	s := &Store{
		driver:  driver,
		session: uuid.NewString(),
		logger:  slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		db     *sql.DB
		schema []string
		err    error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg.DSN)
		schema = sqliteSchema
	case DriverMySQL:
		db, err = openMySQL(cfg.DSN)
		schema = mysqlSchema
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping %s: %w", driver, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: migrate: %w", err)
		}
	}

	s.db = db
	s.logger.Debug("history store opened", "driver", driver, "session", s.session)
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// One connection: writes are serialized, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: pragma: %w", err)
		}
	}
	return db, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: mysql dsn: %w", err)
	}
	if cfg.DBName == "" {
		return nil, errors.New("history: mysql dsn has no database name")
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("history: open mysql: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Session returns the id every row written by this store carries.
func (s *Store) Session() string { return s.session }

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Err returns the first write error, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// OnVerdict persists the full timeline. Every attempt is written, provisional
// ones included, regardless of the executor's report mode.
func (s *Store) OnVerdict(ctx context.Context, id policy.TestIdentity, tl observe.Timeline) {
	if err := s.Record(ctx, id, tl); err != nil {
		s.logger.WarnContext(ctx, "history write failed", "test", id.String(), "error", err)
		s.mu.Lock()
		if s.firstErr == nil {
			s.firstErr = err
		}
		s.mu.Unlock()
	}
}

// Record writes tl's attempts and its verdict in one transaction.
func (s *Store) Record(ctx context.Context, id policy.TestIdentity, tl observe.Timeline) error {
	// Writes must land even when the run is being interrupted.
	ctx = context.WithoutCancel(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	for _, a := range tl.Attempts {
		var kind, msg, trace, fp sql.NullString
		if f := a.Outcome.Failure; f != nil {
			kind = sql.NullString{String: f.Kind, Valid: true}
			msg = sql.NullString{String: f.Message, Valid: true}
			trace = sql.NullString{String: f.Trace, Valid: f.Trace != ""}
			fp = sql.NullString{String: f.Fingerprint, Valid: f.Fingerprint != ""}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO rerun_attempts
			(id, session_id, test_scope, test_name, attempt, outcome, decision, provisional,
			 failure_kind, failure_message, failure_trace, fingerprint, started_at_ns, ended_at_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ulid.Make().String(), s.session, id.Scope, id.Name, a.Attempt,
			a.Outcome.Kind.String(), a.Decision, a.Provisional,
			kind, msg, trace, fp, a.StartTime.UnixNano(), a.EndTime.UnixNano())
		if err != nil {
			return fmt.Errorf("history: insert attempt: %w", err)
		}
	}

	finished := tl.End
	if finished.IsZero() {
		finished = s.nowFn()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rerun_verdicts
		(id, session_id, test_scope, test_name, flagged, source, max_runs, min_passes,
		 attempts, passes, outcome, finished_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), s.session, id.Scope, id.Name, tl.Flagged, string(tl.Source),
		tl.Policy.MaxRuns, tl.Policy.MinPasses, len(tl.Attempts), tl.Passes(),
		tl.Final.Kind.String(), finished.UnixNano())
	if err != nil {
		return fmt.Errorf("history: insert verdict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// FailuresFor returns every failure record of id in this session, oldest
// first.
func (s *Store) FailuresFor(ctx context.Context, id policy.TestIdentity) ([]classify.FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT attempt, failure_kind, failure_message, failure_trace, fingerprint
		FROM rerun_attempts
		WHERE session_id = ? AND test_scope = ? AND test_name = ? AND failure_kind IS NOT NULL
		ORDER BY id`,
		s.session, id.Scope, id.Name)
	if err != nil {
		return nil, fmt.Errorf("history: query failures: %w", err)
	}
	defer rows.Close()

	var out []classify.FailureRecord
	for rows.Next() {
		var (
			rec                  classify.FailureRecord
			kind, msg, trace, fp sql.NullString
		)
		if err := rows.Scan(&rec.Attempt, &kind, &msg, &trace, &fp); err != nil {
			return nil, fmt.Errorf("history: scan failure: %w", err)
		}
		rec.Kind, rec.Message, rec.Trace, rec.Fingerprint = kind.String, msg.String, trace.String, fp.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// VerdictRow is one stored verdict.
type VerdictRow struct {
	Session    string
	Identity   policy.TestIdentity
	Flagged    bool
	Source     policy.Source
	Policy     policy.FlakyPolicy
	Attempts   int
	Passes     int
	Outcome    string
	FinishedAt time.Time
}

// Verdicts returns the most recent verdicts of id across sessions, newest
// first. A non-positive limit means 50.
func (s *Store) Verdicts(ctx context.Context, id policy.TestIdentity, limit int) ([]VerdictRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, flagged, source, max_runs, min_passes,
			attempts, passes, outcome, finished_at_ns
		FROM rerun_verdicts
		WHERE test_scope = ? AND test_name = ?
		ORDER BY finished_at_ns DESC, id DESC
		LIMIT ?`,
		id.Scope, id.Name, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query verdicts: %w", err)
	}
	defer rows.Close()

	var out []VerdictRow
	for rows.Next() {
		var (
			v      VerdictRow
			source string
			ns     int64
		)
		if err := rows.Scan(&v.Session, &v.Flagged, &source, &v.Policy.MaxRuns, &v.Policy.MinPasses,
			&v.Attempts, &v.Passes, &v.Outcome, &ns); err != nil {
			return nil, fmt.Errorf("history: scan verdict: %w", err)
		}
		v.Identity = id
		v.Source = policy.Source(source)
		v.FinishedAt = time.Unix(0, ns)
		out = append(out, v)
	}
	return out, rows.Err()
}

// FlakeRate returns how many stored verdicts of id passed only after a rerun,
// and how many verdicts there are in total.
func (s *Store) FlakeRate(ctx context.Context, id policy.TestIdentity) (flaky, total int, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'passed' AND attempts > passes THEN 1 ELSE 0 END), 0)
		FROM rerun_verdicts
		WHERE test_scope = ? AND test_name = ?`,
		id.Scope, id.Name)
	if err := row.Scan(&total, &flaky); err != nil {
		return 0, 0, fmt.Errorf("history: flake rate: %w", err)
	}
	return flaky, total, nil
}
