package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/stockpilot/stockstream/internal/logging"
	"github.com/stockpilot/stockstream/internal/progress"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const table = "analyses"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		market TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analyses_subject ON analyses (owner, symbol, market, created_at)`,
}

var columns = []string{"id", "owner", "symbol", "market", "job_id", "result", "created_at"}

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	sq  squirrel.StatementBuilderType
	now func() time.Time
	log *logging.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the time source used for CreatedAt and age checks.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *SQLiteStore) {
		s.log = l
	}
}

// Open opens or creates the database at path and ensures the schema exists.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		now: time.Now,
		log: logging.With("component", "history"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if path != MemoryPath && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
			s.log.Warn("failed to set WAL mode", "error", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		s.log.Warn("failed to set busy timeout", "error", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.db = db
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FindRecent implements Store. A non-positive maxAge never matches.
func (s *SQLiteStore) FindRecent(ctx context.Context, owner string, key progress.SubjectKey, maxAge time.Duration) (*Record, error) {
	if maxAge <= 0 {
		return nil, ErrNotFound
	}
	key = key.Normalize()
	cutoff := s.now().Add(-maxAge)

	query, args, err := s.sq.
		Select(columns...).
		From(table).
		Where(squirrel.Eq{"owner": owner, "symbol": key.Symbol, "market": key.Market}).
		Where(squirrel.Gt{"created_at": cutoff.UnixMilli()}).
		OrderBy("created_at DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent analysis: %w", err)
	}
	return rec, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	key := rec.Subject().Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	if !json.Valid(rec.Result) {
		return errors.New("record result is not valid JSON")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.Symbol, rec.Market = key.Symbol, key.Market

	query, args, err := s.sq.
		Insert(table).
		Columns(columns...).
		Values(rec.ID, rec.Owner, rec.Symbol, rec.Market, rec.JobID, string(rec.Result), rec.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}

	s.log.Debug("analysis saved", "id", rec.ID, "symbol", key.String(), "owner", rec.Owner)
	return nil
}

// List implements Store. A non-positive limit uses DefaultListLimit.
func (s *SQLiteStore) List(ctx context.Context, owner, symbol string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q := s.sq.
		Select(columns...).
		From(table).
		Where(squirrel.Eq{"owner": owner}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	if symbol = strings.TrimSpace(symbol); symbol != "" {
		q = q.Where(squirrel.Eq{"symbol": symbol})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		result    string
		createdAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &rec.Symbol, &rec.Market, &rec.JobID, &result, &createdAt); err != nil {
		return nil, err
	}
	rec.Result = json.RawMessage(result)
	rec.CreatedAt = time.UnixMilli(createdAt)
	return &rec, nil
}
