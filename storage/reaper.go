package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/go-units"
	"github.com/ruteri/session-file-server/interfaces"
	"github.com/ruteri/session-file-server/metrics"
)

const (
	DefaultReapInterval  = 15 * time.Second
	DefaultStatsInterval = time.Hour
)

// Reaper periodically hard-deletes expired files from every store, backups
// included, and logs store sizes.
type Reaper struct {
	stores        []interfaces.FileBackend
	clock         clock.Clock
	log           *slog.Logger
	ReapInterval  time.Duration
	StatsInterval time.Duration
}

func NewReaper(stores *Stores, clk clock.Clock, log *slog.Logger) *Reaper {
	return &Reaper{
		stores:        stores.All(),
		clock:         clk,
		log:           log,
		ReapInterval:  DefaultReapInterval,
		StatsInterval: DefaultStatsInterval,
	}
}

// RunOnce deletes expired files from each store and returns the total count.
// A failing store does not stop the sweep of the others.
func (r *Reaper) RunOnce(ctx context.Context) int64 {
	now := r.clock.Now()

	var total int64
	for _, b := range r.stores {
		var deleted int64
		err := b.Session(ctx, func(ctx context.Context, s interfaces.FileSession) (err error) {
			deleted, err = s.DeleteExpired(ctx, now)
			return err
		})
		if err != nil {
			r.log.Error("Failed to delete expired files", slog.String("store", b.Name()), "err", err)
			continue
		}
		if deleted > 0 {
			metrics.FilesExpired.WithLabelValues(b.Name()).Add(float64(deleted))
			r.log.Info("Deleted expired files", slog.String("store", b.Name()), slog.Int64("count", deleted))
		}
		total += deleted
	}
	return total
}

// LogStats logs and exports the number and total size of files per store.
func (r *Reaper) LogStats(ctx context.Context) {
	for _, b := range r.stores {
		var stats interfaces.StoreStats
		err := b.Session(ctx, func(ctx context.Context, s interfaces.FileSession) (err error) {
			stats, err = s.Stats(ctx)
			return err
		})
		if err != nil {
			r.log.Error("Failed to collect store stats", slog.String("store", b.Name()), "err", err)
			continue
		}

		metrics.StoredFiles.WithLabelValues(b.Name()).Set(float64(stats.Files))
		metrics.StoredBytes.WithLabelValues(b.Name()).Set(float64(stats.Bytes))
		r.log.Info("Store stats",
			slog.String("store", b.Name()),
			slog.Int64("files", stats.Files),
			slog.String("size", units.HumanSize(float64(stats.Bytes))))
	}
}

// Run sweeps and reports on their intervals until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	reap := r.clock.Ticker(r.ReapInterval)
	defer reap.Stop()
	stats := r.clock.Ticker(r.StatsInterval)
	defer stats.Stop()

	r.LogStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			r.RunOnce(ctx)
		case <-stats.C:
			r.LogStats(ctx)
		}
	}
}
