package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ruteri/session-file-server/interfaces"
)

const (
	blobsDirName = "blobs"
	tempDirName  = ".tmp"
	dataFileName = "data"
	metaFileName = "meta.json"

	// orphanGrace is how long an id directory may exist without a sidecar
	// before it counts as an abandoned write.
	orphanGrace = time.Hour
)

var fileIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type fileMeta struct {
	ID       string  `json:"id"`
	Size     int     `json:"size"`
	Uploaded float64 `json:"uploaded"`
	Expiry   float64 `json:"expiry"`
}

// FSBackend keeps every file in its own directory holding the raw bytes and
// a JSON sidecar. Directories are sharded by the SHA-256 of the id:
//
//	<base>/blobs/ab/cd/<id>/data
//	<base>/blobs/ab/cd/<id>/meta.json
//
// The sidecar is written last and is what makes a file visible.
type FSBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFSBackend creates a filesystem backend rooted at baseDir.
func NewFSBackend(baseDir string, log *slog.Logger) (*FSBackend, error) {
	for _, dir := range []string{filepath.Join(baseDir, blobsDirName), filepath.Join(baseDir, tempDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	return &FSBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Session calls fn directly; the filesystem needs no connection.
func (b *FSBackend) Session(ctx context.Context, fn func(ctx context.Context, s interfaces.FileSession) error) error {
	return fn(ctx, b)
}

// Insert creates the id directory exclusively, so that only one writer can
// claim an id.
func (b *FSBackend) Insert(ctx context.Context, rec *interfaces.FileRecord) error {
	if !fileIDRe.MatchString(rec.ID) {
		return fmt.Errorf("invalid file id %q", rec.ID)
	}

	dir := b.fileDir(rec.ID)
	if err := b.claimDir(dir); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", interfaces.ErrDuplicate, rec.ID)
		}
		return err
	}

	if err := b.writeRecord(dir, rec); err != nil {
		os.RemoveAll(dir)
		return err
	}

	b.log.Debug("Stored file", slog.String("id", rec.ID), slog.Int("size", len(rec.Data)))
	return nil
}

// Upsert stores a new record or rewrites only the sidecar of an existing one.
func (b *FSBackend) Upsert(ctx context.Context, rec *interfaces.FileRecord) error {
	if !fileIDRe.MatchString(rec.ID) {
		return fmt.Errorf("invalid file id %q", rec.ID)
	}

	dir := b.fileDir(rec.ID)
	err := b.claimDir(dir)
	switch {
	case err == nil:
		if err := b.writeRecord(dir, rec); err != nil {
			os.RemoveAll(dir)
			return err
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		existing, err := b.readMeta(dir)
		if errors.Is(err, interfaces.ErrNotFound) || (err == nil && !b.hasData(dir)) {
			// Left behind by an interrupted write; the content id pins the bytes.
			return b.writeRecord(dir, rec)
		}
		if err != nil {
			return err
		}
		return b.writeMeta(dir, &fileMeta{
			ID:       rec.ID,
			Size:     existing.Size,
			Uploaded: UnixSeconds(rec.Uploaded),
			Expiry:   UnixSeconds(rec.Expiry),
		})
	default:
		return err
	}
}

func (b *FSBackend) Get(ctx context.Context, id string) (*interfaces.FileRecord, error) {
	if !fileIDRe.MatchString(id) {
		return nil, interfaces.ErrNotFound
	}

	dir := b.fileDir(id)
	meta, err := b.readMeta(dir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, dataFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return &interfaces.FileRecord{
		ID:       id,
		Data:     data,
		Uploaded: FromUnixSeconds(meta.Uploaded),
		Expiry:   FromUnixSeconds(meta.Expiry),
	}, nil
}

func (b *FSBackend) Info(ctx context.Context, id string) (*interfaces.FileInfo, error) {
	if !fileIDRe.MatchString(id) {
		return nil, interfaces.ErrNotFound
	}

	meta, err := b.readMeta(b.fileDir(id))
	if err != nil {
		return nil, err
	}

	return &interfaces.FileInfo{
		Size:     meta.Size,
		Uploaded: FromUnixSeconds(meta.Uploaded),
		Expiry:   FromUnixSeconds(meta.Expiry),
	}, nil
}

// DeleteExpired removes expired files, and id directories that never got a
// sidecar once they are older than orphanGrace.
func (b *FSBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := b.deleteOrphans(ctx, now.Add(-orphanGrace)); err != nil {
		return 0, fmt.Errorf("failed to scan incomplete files: %w", err)
	}

	cutoff := UnixSeconds(now)

	var expired []string
	err := b.walkMeta(ctx, func(dir string, meta *fileMeta) {
		if meta.Expiry <= cutoff {
			expired = append(expired, dir)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan files: %w", err)
	}

	var deleted int64
	for _, dir := range expired {
		if err := os.RemoveAll(dir); err != nil {
			return deleted, fmt.Errorf("failed to delete file: %w", err)
		}
		b.cleanupEmptyDirs(dir)
		deleted++
	}
	return deleted, nil
}

func (b *FSBackend) Stats(ctx context.Context) (interfaces.StoreStats, error) {
	var stats interfaces.StoreStats
	err := b.walkMeta(ctx, func(_ string, meta *fileMeta) {
		stats.Files++
		stats.Bytes += int64(meta.Size)
	})
	if err != nil {
		return stats, fmt.Errorf("failed to scan files: %w", err)
	}
	return stats, nil
}

// Available checks if the base directory is accessible.
func (b *FSBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	return err == nil
}

// Name returns a unique identifier for this storage backend.
func (b *FSBackend) Name() string {
	return fmt.Sprintf("file-%s", b.baseDir)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FSBackend) LocationURI() string {
	return b.locationURI
}

func (b *FSBackend) Close() error {
	return nil
}

func (b *FSBackend) fileDir(id string) string {
	sum := sha256.Sum256([]byte(id))
	shard := hex.EncodeToString(sum[:2])
	return filepath.Join(b.baseDir, blobsDirName, shard[:2], shard[2:], id)
}

// claimDir creates dir exclusively. The shard parents may be removed by a
// concurrent cleanup between MkdirAll and Mkdir, so that race is retried.
func (b *FSBackend) claimDir(dir string) error {
	var err error
	for range 3 {
		if err = os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return fmt.Errorf("failed to create shard directory: %w", err)
		}
		err = os.Mkdir(dir, 0o755)
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return err
}

func (b *FSBackend) writeRecord(dir string, rec *interfaces.FileRecord) error {
	if err := b.writeAtomic(filepath.Join(dir, dataFileName), rec.Data); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}

	return b.writeMeta(dir, &fileMeta{
		ID:       rec.ID,
		Size:     len(rec.Data),
		Uploaded: UnixSeconds(rec.Uploaded),
		Expiry:   UnixSeconds(rec.Expiry),
	})
}

func (b *FSBackend) writeMeta(dir string, meta *fileMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode file metadata: %w", err)
	}
	if err := b.writeAtomic(filepath.Join(dir, metaFileName), data); err != nil {
		return fmt.Errorf("failed to write file metadata: %w", err)
	}
	return nil
}

// writeAtomic writes into the temp directory and renames into place.
func (b *FSBackend) writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Join(b.baseDir, tempDirName), "upload-*")
	if err != nil {
		return err
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (b *FSBackend) readMeta(dir string) (*fileMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file metadata: %w", err)
	}

	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode file metadata: %w", err)
	}
	return &meta, nil
}

func (b *FSBackend) walkMeta(ctx context.Context, fn func(dir string, meta *fileMeta)) error {
	root := filepath.Join(b.baseDir, blobsDirName)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || d.Name() != metaFileName {
			return nil
		}

		dir := filepath.Dir(path)
		meta, err := b.readMeta(dir)
		if err != nil {
			b.log.Warn("Skipping unreadable file metadata", slog.String("path", path), "err", err)
			return nil
		}
		fn(dir, meta)
		return nil
	})
}

func (b *FSBackend) hasData(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, dataFileName))
	return err == nil && info.Mode().IsRegular()
}

// deleteOrphans removes id directories without a sidecar last modified
// before cutoff.
func (b *FSBackend) deleteOrphans(ctx context.Context, cutoff time.Time) error {
	root := filepath.Join(b.baseDir, blobsDirName)
	var orphans []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || len(strings.Split(rel, string(filepath.Separator))) != 3 {
			return nil
		}

		if _, err := os.Stat(filepath.Join(path, metaFileName)); err == nil {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err == nil && info.ModTime().Before(cutoff) {
			orphans = append(orphans, path)
		}
		return filepath.SkipDir
	})
	if err != nil {
		return err
	}

	for _, dir := range orphans {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		b.log.Warn("Removed incomplete file", slog.String("path", dir))
		b.cleanupEmptyDirs(dir)
	}
	return nil
}

// cleanupEmptyDirs removes now-empty shard directories above path.
func (b *FSBackend) cleanupEmptyDirs(path string) {
	blobsDir := filepath.Join(b.baseDir, blobsDirName)
	for parent := filepath.Dir(path); parent != blobsDir && parent != b.baseDir && parent != "." && parent != "/"; parent = filepath.Dir(parent) {
		entries, err := os.ReadDir(parent)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(parent); err != nil {
			return
		}
	}
}
