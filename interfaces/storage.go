package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// FileRecord is a stored blob. ID is either the decimal form of a 53-bit
// integer or a 44-character base64url content hash.
type FileRecord struct {
	ID       string
	Data     []byte
	Uploaded time.Time
	Expiry   time.Time
}

// FileInfo is the metadata of a stored blob.
type FileInfo struct {
	Size     int
	Uploaded time.Time
	Expiry   time.Time
}

// StoreStats summarizes the contents of one store.
type StoreStats struct {
	Files int64
	Bytes int64
}

// StoreRole is the part a backend plays in a FileStore.
type StoreRole int

const (
	// RolePrimary receives every write; its result decides success.
	RolePrimary StoreRole = iota
	// RoleReplica mirrors primary writes; failures are only logged.
	RoleReplica
	// RoleBackup is read-only and consulted when the primary misses.
	RoleBackup
)

// String returns role name.
func (r StoreRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	case RoleBackup:
		return "backup"
	default:
		return "unknown"
	}
}

// StorageBackendLocation represents URI for storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "postgres", "postgresql", "sqlite", "file", "s3":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

var (
	// ErrNotFound is returned when no store holds the requested id.
	ErrNotFound = errors.New("file not found")

	// ErrDuplicate is returned by Insert when the id is already taken.
	ErrDuplicate = errors.New("file id already exists")

	// ErrInvalidSize is returned for empty or oversized uploads, before any
	// store is touched.
	ErrInvalidSize = errors.New("invalid file size")

	// ErrCapacityExhausted is returned when every random legacy id drawn
	// collided with an existing one.
	ErrCapacityExhausted = errors.New("could not allocate a free file id")

	// ErrReadOnly is returned when writing to a backup store.
	ErrReadOnly = errors.New("storage backend is read-only")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// FileSession is a handle bound to one checked-out store connection. It is
// only valid inside the FileBackend.Session callback that produced it.
type FileSession interface {
	// Insert stores a new record, failing with ErrDuplicate if the id exists.
	Insert(ctx context.Context, rec *FileRecord) error

	// Upsert stores rec, or refreshes only uploaded/expiry when the id
	// exists. Existing data is never replaced.
	Upsert(ctx context.Context, rec *FileRecord) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*FileRecord, error)

	// Info returns the record metadata or ErrNotFound.
	Info(ctx context.Context, id string) (*FileInfo, error)

	// DeleteExpired hard-deletes records with expiry <= now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Stats counts records and their total size.
	Stats(ctx context.Context) (StoreStats, error)
}

// FileBackend is one store of a FileStore.
type FileBackend interface {
	// Session runs fn with a session holding one connection, released when
	// fn returns on every path.
	Session(ctx context.Context, fn func(ctx context.Context, s FileSession) error) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string

	// Close releases the backend's resources.
	Close() error
}

// StorageBackendFactory creates storage backends.
type StorageBackendFactory interface {
	// StorageBackendFor creates backend from URI.
	// Supports postgres://, sqlite://, file://, s3://
	StorageBackendFor(ctx context.Context, locationURI StorageBackendLocation, role StoreRole) (FileBackend, error)
}
