package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ruteri/session-file-server/interfaces"
	"github.com/ruteri/session-file-server/metrics"
)

const (
	DefaultTTL         = 21 * 24 * time.Hour
	DefaultMaxFileSize = 6_000_000
)

// FileStoreConfig configures id assignment and limits of a FileStore.
type FileStoreConfig struct {
	// TTL is added to the upload time to get the expiry.
	TTL time.Duration

	// MaxFileSize is the largest accepted upload in bytes.
	MaxFileSize int

	// LegacyIDs selects random 53-bit numeric ids instead of content ids.
	LegacyIDs bool

	// FixedIDBits is a string of '0'/'1' used as the high bits of numeric ids.
	FixedIDBits string

	// CacheSize is the number of records kept in the read cache, 0 disables it.
	CacheSize int
}

// Stores is the ordered set of backends behind a FileStore.
type Stores struct {
	Primary  interfaces.FileBackend
	Replicas []interfaces.FileBackend
	Backups  []interfaces.FileBackend
}

// All returns every store, primary first.
func (s *Stores) All() []interfaces.FileBackend {
	all := make([]interfaces.FileBackend, 0, 1+len(s.Replicas)+len(s.Backups))
	all = append(all, s.Primary)
	all = append(all, s.Replicas...)
	return append(all, s.Backups...)
}

// Close closes every store.
func (s *Stores) Close() error {
	var errs []error
	for _, b := range s.All() {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FileStore assigns ids to uploads and stores them on the primary store,
// mirroring every write to the replicas. Reads fall back to the backups.
type FileStore struct {
	stores *Stores
	cfg    FileStoreConfig
	ids    *LegacyIDGenerator
	cache  *lru.Cache[string, *interfaces.FileRecord]
	clock  clock.Clock
	log    *slog.Logger
}

func NewFileStore(stores *Stores, cfg FileStoreConfig, clk clock.Clock, log *slog.Logger) (*FileStore, error) {
	if stores == nil || stores.Primary == nil {
		return nil, errors.New("file store needs a primary store")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}

	fs := &FileStore{
		stores: stores,
		cfg:    cfg,
		clock:  clk,
		log:    log,
	}

	if cfg.LegacyIDs {
		ids, err := NewLegacyIDGenerator(cfg.FixedIDBits)
		if err != nil {
			return nil, err
		}
		fs.ids = ids
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, *interfaces.FileRecord](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create read cache: %w", err)
		}
		fs.cache = cache
	}

	return fs, nil
}

// Submit stores data and returns its id. Resubmitting content under content
// ids keeps the stored bytes and only refreshes uploaded and expiry.
func (fs *FileStore) Submit(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 || len(data) > fs.cfg.MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes", interfaces.ErrInvalidSize, len(data))
	}

	now := fs.clock.Now()
	rec := &interfaces.FileRecord{
		Data:     data,
		Uploaded: now,
		Expiry:   now.Add(fs.cfg.TTL),
	}

	var err error
	if fs.cfg.LegacyIDs {
		err = fs.insertLegacy(ctx, rec)
	} else {
		rec.ID = ContentID(data)
		err = fs.stores.Primary.Session(ctx, func(ctx context.Context, s interfaces.FileSession) error {
			return s.Upsert(ctx, rec)
		})
	}
	if err != nil {
		return "", err
	}

	metrics.FilesStored.WithLabelValues(fs.scheme()).Inc()
	if fs.cache != nil {
		fs.cache.Remove(rec.ID)
	}

	fs.log.Debug("Stored file",
		slog.String("id", rec.ID),
		slog.Int("size", len(data)),
		slog.Time("expiry", rec.Expiry))

	fs.replicate(ctx, rec)
	return rec.ID, nil
}

// insertLegacy draws random ids until one is free. All attempts run on one
// connection of the primary.
func (fs *FileStore) insertLegacy(ctx context.Context, rec *interfaces.FileRecord) error {
	return fs.stores.Primary.Session(ctx, func(ctx context.Context, s interfaces.FileSession) error {
		for attempt := 1; attempt <= MaxIDAttempts; attempt++ {
			id, err := fs.ids.NextString()
			if err != nil {
				return err
			}
			rec.ID = id

			err = s.Insert(ctx, rec)
			if err == nil {
				return nil
			}
			if !errors.Is(err, interfaces.ErrDuplicate) {
				return err
			}

			metrics.IDCollisions.Inc()
			fs.log.Warn("File id collision", slog.String("id", id), slog.Int("attempt", attempt))
		}
		return interfaces.ErrCapacityExhausted
	})
}

// replicate mirrors rec to every replica. Failures are logged only.
func (fs *FileStore) replicate(ctx context.Context, rec *interfaces.FileRecord) {
	for _, replica := range fs.stores.Replicas {
		err := replica.Session(ctx, func(ctx context.Context, s interfaces.FileSession) error {
			return s.Upsert(ctx, rec)
		})
		if err != nil {
			metrics.ReplicaErrors.WithLabelValues(replica.Name()).Inc()
			fs.log.Error("Failed to replicate file",
				slog.String("id", rec.ID),
				slog.String("store", replica.Name()),
				"err", err)
		}
	}
}

// Fetch returns the bytes of a stored file.
func (fs *FileStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	rec, err := fs.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// Info returns size and timestamps of a stored file.
func (fs *FileStore) Info(ctx context.Context, id string) (*interfaces.FileInfo, error) {
	if rec, ok := fs.cached(id); ok {
		return &interfaces.FileInfo{Size: len(rec.Data), Uploaded: rec.Uploaded, Expiry: rec.Expiry}, nil
	}

	var info *interfaces.FileInfo
	err := fs.lookup(ctx, id, func(ctx context.Context, s interfaces.FileSession) (err error) {
		info, err = s.Info(ctx, id)
		return err
	})
	return info, err
}

func (fs *FileStore) get(ctx context.Context, id string) (*interfaces.FileRecord, error) {
	if rec, ok := fs.cached(id); ok {
		return rec, nil
	}

	var rec *interfaces.FileRecord
	err := fs.lookup(ctx, id, func(ctx context.Context, s interfaces.FileSession) (err error) {
		rec, err = s.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if fs.cache != nil && rec.Expiry.After(fs.clock.Now()) {
		fs.cache.Add(id, rec)
	}
	return rec, nil
}

// lookup runs fn against the primary, then the backups in order, until one
// does not answer ErrNotFound.
func (fs *FileStore) lookup(ctx context.Context, id string, fn func(ctx context.Context, s interfaces.FileSession) error) error {
	source := interfaces.RolePrimary
	for i, b := range append([]interfaces.FileBackend{fs.stores.Primary}, fs.stores.Backups...) {
		if i > 0 {
			source = interfaces.RoleBackup
		}

		err := b.Session(ctx, fn)
		if err == nil {
			metrics.FilesFetched.WithLabelValues(source.String()).Inc()
			return nil
		}
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		return fmt.Errorf("%s: %w", b.Name(), err)
	}

	fs.log.Debug("File not found", slog.String("id", id))
	return interfaces.ErrNotFound
}

func (fs *FileStore) cached(id string) (*interfaces.FileRecord, bool) {
	if fs.cache == nil {
		return nil, false
	}
	rec, ok := fs.cache.Get(id)
	if !ok {
		return nil, false
	}
	if !rec.Expiry.After(fs.clock.Now()) {
		fs.cache.Remove(id)
		return nil, false
	}
	metrics.FilesFetched.WithLabelValues("cache").Inc()
	return rec, true
}

func (fs *FileStore) scheme() string {
	if fs.cfg.LegacyIDs {
		return "legacy"
	}
	return "content"
}

// LegacyIDs reports whether ids are numeric.
func (fs *FileStore) LegacyIDs() bool {
	return fs.cfg.LegacyIDs
}

func (fs *FileStore) MaxFileSize() int {
	return fs.cfg.MaxFileSize
}

func (fs *FileStore) Stores() *Stores {
	return fs.stores
}
