package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/ruteri/session-file-server/interfaces"
	"github.com/ruteri/session-file-server/storage/dbx"
	"github.com/ruteri/session-file-server/storage/migrations"
	_ "modernc.org/sqlite"
)

// DefaultTable is the table created by the migrations.
const DefaultTable = "files"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

type sqlQueries struct {
	insert        string
	upsert        string
	get           string
	info          string
	deleteExpired string
	stats         string
}

// SQLBackend stores files in a PostgreSQL or SQLite table.
type SQLBackend struct {
	db          *sql.DB
	dialect     *Dialect
	table       string
	readOnly    bool
	log         *slog.Logger
	locationURI string
	name        string
	queries     sqlQueries
}

// NewSQLBackend wraps an open database. Backups should be opened read-only.
func NewSQLBackend(db *sql.DB, dialect *Dialect, table string, readOnly bool, locationURI string, log *slog.Logger) (*SQLBackend, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", interfaces.ErrInvalidLocationURI, table)
	}

	q := func(s string) string { return dialect.Rebind(fmt.Sprintf(s, table)) }

	name := fmt.Sprintf("%s-%s", dialect.Name, table)
	if u, err := url.Parse(locationURI); err == nil && u.Host+u.Path != "" {
		name += "@" + u.Host + u.Path
	}

	return &SQLBackend{
		db:          db,
		dialect:     dialect,
		table:       table,
		readOnly:    readOnly,
		log:         log,
		locationURI: locationURI,
		name:        name,
		queries: sqlQueries{
			insert: q(`INSERT INTO %s (id, data, uploaded, expiry) VALUES (?, ?, ?, ?)`),
			upsert: q(`INSERT INTO %s (id, data, uploaded, expiry) VALUES (?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET uploaded = excluded.uploaded, expiry = excluded.expiry`),
			get:           q(`SELECT data, uploaded, expiry FROM %s WHERE id = ?`),
			info:          q(`SELECT LENGTH(data), uploaded, expiry FROM %s WHERE id = ?`),
			deleteExpired: q(`DELETE FROM %s WHERE expiry <= ?`),
			stats:         q(`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM %s`),
		},
	}, nil
}

// OpenSQLBackend opens dsn with the dialect's driver, checks connectivity and,
// for writable stores, applies the migrations.
func OpenSQLBackend(ctx context.Context, dialect *Dialect, dsn, table string, readOnly bool, locationURI string, log *slog.Logger) (*SQLBackend, error) {
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.Name, err)
	}

	b, err := NewSQLBackend(db, dialect, table, readOnly, locationURI, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	if !readOnly {
		if err := b.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return b, nil
}

// customTableDDL creates a files table under another name.
var customTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		data BYTEA NOT NULL,
		uploaded DOUBLE PRECISION NOT NULL,
		expiry DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS %[1]s_expiry_idx ON %[1]s (expiry)`,
}

// Migrate applies the embedded goose migrations.
func (b *SQLBackend) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.Migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(b.dialect.GooseDialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, b.db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Migrations manage the default table; others get the same layout.
	if b.table != DefaultTable {
		err := dbx.WithTx(ctx, b.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			for _, stmt := range customTableDDL {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(stmt, b.table)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", b.table, err)
		}
	}

	b.log.Debug("Applied migrations", slog.String("backend", b.Name()))
	return nil
}

// DB exposes the pool for components sharing the primary database.
func (b *SQLBackend) DB() *sql.DB {
	return b.db
}

func (b *SQLBackend) Dialect() *Dialect {
	return b.dialect
}

// Session checks out one connection for the duration of fn.
func (b *SQLBackend) Session(ctx context.Context, fn func(ctx context.Context, s interfaces.FileSession) error) error {
	return dbx.WithConn(ctx, b.db, func(ctx context.Context, conn dbx.DBTX) error {
		return fn(ctx, &sqlSession{conn: conn, b: b})
	})
}

// Available checks if the database answers a ping.
func (b *SQLBackend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := b.db.PingContext(ctx); err != nil {
		b.log.Warn("SQL backend unavailable", slog.String("backend", b.Name()), "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *SQLBackend) Name() string {
	return b.name
}

// LocationURI returns the URI that identifies this storage backend.
func (b *SQLBackend) LocationURI() string {
	return b.locationURI
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

type sqlSession struct {
	conn dbx.DBTX
	b    *SQLBackend
}

func (s *sqlSession) Insert(ctx context.Context, rec *interfaces.FileRecord) error {
	if s.b.readOnly {
		return interfaces.ErrReadOnly
	}

	_, err := s.conn.ExecContext(ctx, s.b.queries.insert, rec.ID, rec.Data, UnixSeconds(rec.Uploaded), UnixSeconds(rec.Expiry))
	if s.b.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", interfaces.ErrDuplicate, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

func (s *sqlSession) Upsert(ctx context.Context, rec *interfaces.FileRecord) error {
	if s.b.readOnly {
		return interfaces.ErrReadOnly
	}

	_, err := s.conn.ExecContext(ctx, s.b.queries.upsert, rec.ID, rec.Data, UnixSeconds(rec.Uploaded), UnixSeconds(rec.Expiry))
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	return nil
}

func (s *sqlSession) Get(ctx context.Context, id string) (*interfaces.FileRecord, error) {
	var (
		rec              = &interfaces.FileRecord{ID: id}
		uploaded, expiry float64
	)

	err := s.conn.QueryRowContext(ctx, s.b.queries.get, id).Scan(&rec.Data, &uploaded, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file: %w", err)
	}

	rec.Uploaded = FromUnixSeconds(uploaded)
	rec.Expiry = FromUnixSeconds(expiry)
	return rec, nil
}

func (s *sqlSession) Info(ctx context.Context, id string) (*interfaces.FileInfo, error) {
	var (
		info             = &interfaces.FileInfo{}
		uploaded, expiry float64
	)

	err := s.conn.QueryRowContext(ctx, s.b.queries.info, id).Scan(&info.Size, &uploaded, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file info: %w", err)
	}

	info.Uploaded = FromUnixSeconds(uploaded)
	info.Expiry = FromUnixSeconds(expiry)
	return info, nil
}

func (s *sqlSession) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, s.b.queries.deleteExpired, UnixSeconds(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired files: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlSession) Stats(ctx context.Context) (interfaces.StoreStats, error) {
	var stats interfaces.StoreStats
	if err := s.conn.QueryRowContext(ctx, s.b.queries.stats).Scan(&stats.Files, &stats.Bytes); err != nil {
		return stats, fmt.Errorf("failed to count files: %w", err)
	}
	return stats, nil
}

// UnixSeconds is the stored form of a timestamp.
func UnixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// FromUnixSeconds converts a stored timestamp back.
func FromUnixSeconds(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}
