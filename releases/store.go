// Package releases tracks the latest published version of the Session
// clients by polling GitHub, and answers version queries from that data.
package releases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/session-file-server/storage"
)

// Projects are the GitHub repositories tracked by default.
var Projects = []string{
	"oxen-io/session-desktop",
	"oxen-io/session-android",
	"oxen-io/session-ios",
}

var (
	// ErrNotFound is returned for projects that were never fetched.
	ErrNotFound = errors.New("release version not found")

	// ErrStale is returned by Latest for versions older than the allowed age.
	ErrStale = errors.New("release version is stale")
)

// Version is the latest known release of a project.
type Version struct {
	Project string
	Version string
	Updated time.Time
}

// Store persists release versions, one row per project.
type Store interface {
	Get(ctx context.Context, project string) (*Version, error)
	Put(ctx context.Context, v Version) error
	List(ctx context.Context) ([]Version, error)
}

// MemoryStore keeps versions for the life of the process. It is used when the
// primary file store is not a database.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]Version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]Version)}
}

func (s *MemoryStore) Get(_ context.Context, project string) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[project]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *MemoryStore) Put(_ context.Context, v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[v.Project] = v
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]Version, 0, len(s.versions))
	for _, v := range s.versions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Project < versions[j].Project })
	return versions, nil
}

// SQLStore keeps versions in the release_versions table created by the
// storage migrations.
type SQLStore struct {
	db      *sql.DB
	dialect *storage.Dialect
}

func NewSQLStore(db *sql.DB, dialect *storage.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Get(ctx context.Context, project string) (*Version, error) {
	var (
		v       = &Version{Project: project}
		updated float64
	)

	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT version, updated FROM release_versions WHERE project = ?`),
		project,
	).Scan(&v.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release version: %w", err)
	}

	v.Updated = storage.FromUnixSeconds(updated)
	return v, nil
}

func (s *SQLStore) Put(ctx context.Context, v Version) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO release_versions (project, version, updated) VALUES (?, ?, ?)
		ON CONFLICT (project) DO UPDATE SET version = excluded.version, updated = excluded.updated`),
		v.Project, v.Version, storage.UnixSeconds(v.Updated),
	)
	if err != nil {
		return fmt.Errorf("failed to store release version: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project, version, updated FROM release_versions ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("failed to list release versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var (
			v       Version
			updated float64
		)
		if err := rows.Scan(&v.Project, &v.Version, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan release version: %w", err)
		}
		v.Updated = storage.FromUnixSeconds(updated)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
