// Package importer copies uploads of the old numeric-id file server into a
// file store. Files keep their numeric names as ids; the modification time
// becomes the upload time.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/ruteri/session-file-server/interfaces"
)

// FilesDir is where the old server kept uploads, relative to its root.
const FilesDir = "files/main_files"

const progressInterval = 2 * time.Second

type Stats struct {
	Imported      int
	ImportedBytes int64
	Skipped       int
	SkippedBytes  int64
	Ignored       int
}

type Importer struct {
	store interfaces.FileBackend
	ttl   time.Duration
	log   *slog.Logger
}

// New creates an importer writing to store. Imported files expire ttl after
// their modification time.
func New(store interfaces.FileBackend, ttl time.Duration, log *slog.Logger) *Importer {
	return &Importer{store: store, ttl: ttl, log: log}
}

// Run imports every upload below root. Ids that already exist are skipped,
// with a warning when the stored size differs.
func (im *Importer) Run(ctx context.Context, root string) (Stats, error) {
	dir := filepath.Join(root, FilesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Stats{}, fmt.Errorf("could not read %s: %w", dir, err)
	}

	var stats Stats
	started := time.Now()
	lastReport := started

	err = im.store.Session(ctx, func(ctx context.Context, s interfaces.FileSession) error {
		for i, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}

			if !entry.Type().IsRegular() || !isDigits(entry.Name()) {
				im.log.Warn("Skipping entry that is not an old file server upload", slog.String("name", entry.Name()))
				stats.Ignored++
				continue
			}

			if err := im.importFile(ctx, s, filepath.Join(dir, entry.Name()), entry.Name(), &stats); err != nil {
				return err
			}

			if time.Since(lastReport) > progressInterval {
				lastReport = time.Now()
				im.log.Info("Import progress",
					slog.Int("done", i+1),
					slog.Int("total", len(entries)),
					slog.Int("imported", stats.Imported),
					slog.Int("skipped", stats.Skipped),
					slog.String("importedSize", units.HumanSize(float64(stats.ImportedBytes))))
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	im.log.Info("Import finished",
		slog.Int("imported", stats.Imported),
		slog.String("importedSize", units.HumanSize(float64(stats.ImportedBytes))),
		slog.Int("skipped", stats.Skipped),
		slog.String("skippedSize", units.HumanSize(float64(stats.SkippedBytes))),
		slog.Duration("duration", time.Since(started)))
	return stats, nil
}

func (im *Importer) importFile(ctx context.Context, s interfaces.FileSession, path, id string, stats *Stats) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("could not stat %s: %w", path, err)
	}
	size := fi.Size()

	existing, err := s.Info(ctx, id)
	switch {
	case err == nil:
		if int64(existing.Size) != size {
			im.log.Warn("Skipping duplicate id with mismatched size",
				slog.String("id", id),
				slog.Int64("expected", size),
				slog.Int("actual", existing.Size))
		}
		stats.Skipped++
		stats.SkippedBytes += size
		return nil
	case !errors.Is(err, interfaces.ErrNotFound):
		return fmt.Errorf("could not look up %s: %w", id, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read %s: %w", path, err)
	}

	uploaded := fi.ModTime()
	err = s.Insert(ctx, &interfaces.FileRecord{
		ID:       id,
		Data:     data,
		Uploaded: uploaded,
		Expiry:   uploaded.Add(im.ttl),
	})
	if err != nil {
		return fmt.Errorf("could not import %s: %w", id, err)
	}

	stats.Imported++
	stats.ImportedBytes += size
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
