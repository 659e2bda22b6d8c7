package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/session-file-server/interfaces"
	"github.com/ruteri/session-file-server/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestReaper_RunOnce(t *testing.T) {
	clk := newMockClock()
	primary := newTestSQLite(t)
	backup := newTestSQLite(t)
	broken := &mockBackend{name: "broken"}
	broken.On("DeleteExpired", mock.Anything, mock.Anything).Return(int64(0), errors.New("unreachable"))

	fs := newTestFileStore(t, &Stores{
		Primary:  primary,
		Replicas: []interfaces.FileBackend{broken},
		Backups:  []interfaces.FileBackend{backup},
	}, FileStoreConfig{TTL: time.Minute}, clk)

	broken.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	id, err := fs.Submit(context.Background(), []byte("short lived"))
	require.NoError(t, err)

	withSession(t, backup, func(ctx context.Context, s interfaces.FileSession) {
		require.NoError(t, s.Insert(ctx, &interfaces.FileRecord{
			ID: "7", Data: []byte("old"), Uploaded: testNow, Expiry: testNow.Add(time.Minute),
		}))
	})

	reaper := NewReaper(fs.Stores(), clk, discardLogger())

	// Nothing has expired yet.
	assert.Zero(t, reaper.RunOnce(context.Background()))

	before := testutil.ToFloat64(metrics.FilesExpired.WithLabelValues(primary.Name()))
	clk.Add(time.Minute)
	assert.Equal(t, int64(2), reaper.RunOnce(context.Background()))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FilesExpired.WithLabelValues(primary.Name())))

	_, err = fs.Fetch(context.Background(), id)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = fs.Fetch(context.Background(), "7")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestReaper_LogStats(t *testing.T) {
	primary := newTestSQLite(t)
	fs := newTestFileStore(t, &Stores{Primary: primary}, FileStoreConfig{}, newMockClock())

	_, err := fs.Submit(context.Background(), []byte("12345"))
	require.NoError(t, err)
	_, err = fs.Submit(context.Background(), []byte("678"))
	require.NoError(t, err)

	NewReaper(fs.Stores(), newMockClock(), discardLogger()).LogStats(context.Background())

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StoredFiles.WithLabelValues(primary.Name())))
	assert.Equal(t, float64(8), testutil.ToFloat64(metrics.StoredBytes.WithLabelValues(primary.Name())))
}

func TestReaper_Run(t *testing.T) {
	clk := newMockClock()
	primary := &mockBackend{name: "ticking"}
	primary.On("Stats", mock.Anything).Return(interfaces.StoreStats{}, nil)
	swept := make(chan struct{}, 1)
	primary.On("DeleteExpired", mock.Anything, mock.Anything).Return(int64(0), nil).Run(func(mock.Arguments) {
		select {
		case swept <- struct{}{}:
		default:
		}
	})

	reaper := NewReaper(&Stores{Primary: primary}, clk, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	// The ticker may be created after the first Add, so keep advancing.
	require.Eventually(t, func() bool {
		clk.Add(reaper.ReapInterval)
		select {
		case <-swept:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
