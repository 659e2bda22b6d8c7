package storage

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/ruteri/session-file-server/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageBackendFor(t *testing.T) {
	sf := NewStorageBackendFactory(discardLogger())
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name     string
		uri      string
		role     interfaces.StoreRole
		wantType any
		wantErr  bool
	}{
		{
			name:     "file",
			uri:      "file://" + filepath.Join(dir, "blobs"),
			role:     interfaces.RolePrimary,
			wantType: &FSBackend{},
		},
		{
			name:     "file backup is read-only",
			uri:      "file://" + filepath.Join(dir, "backup"),
			role:     interfaces.RoleBackup,
			wantType: &readOnlyBackend{},
		},
		{
			name:     "sqlite",
			uri:      "sqlite://" + filepath.Join(dir, "files.db"),
			role:     interfaces.RolePrimary,
			wantType: &SQLBackend{},
		},
		{
			name:     "sqlite with table",
			uri:      "sqlite://" + filepath.Join(dir, "files.db") + "?table=files",
			role:     interfaces.RoleReplica,
			wantType: &SQLBackend{},
		},
		{
			name:     "sqlite in memory",
			uri:      "sqlite::memory:",
			role:     interfaces.RolePrimary,
			wantType: &SQLBackend{},
		},
		{
			name:    "sqlite invalid table",
			uri:     "sqlite://" + filepath.Join(dir, "files.db") + "?table=files%3Bdrop",
			role:    interfaces.RolePrimary,
			wantErr: true,
		},
		{
			name:    "s3 without bucket",
			uri:     "s3:///prefix",
			role:    interfaces.RoleReplica,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := interfaces.NewStorageBackendLocation(tt.uri)
			require.NoError(t, err)

			b, err := sf.StorageBackendFor(ctx, loc, tt.role)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			assert.IsType(t, tt.wantType, b)
		})
	}
}

func TestStorageBackendFor_ReadOnlyBackup(t *testing.T) {
	sf := NewStorageBackendFactory(discardLogger())
	loc, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
	require.NoError(t, err)

	b, err := sf.StorageBackendFor(context.Background(), loc, interfaces.RoleBackup)
	require.NoError(t, err)

	withSession(t, b, func(ctx context.Context, s interfaces.FileSession) {
		assert.ErrorIs(t, s.Insert(ctx, testRecord("1", []byte("x"))), interfaces.ErrReadOnly)
		assert.ErrorIs(t, s.Upsert(ctx, testRecord("1", []byte("x"))), interfaces.ErrReadOnly)

		n, err := s.DeleteExpired(ctx, testNow)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStorageBackendFor_SQLiteMemory(t *testing.T) {
	sf := NewStorageBackendFactory(discardLogger())
	ctx := context.Background()

	open := func(uri string) interfaces.FileBackend {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		require.NoError(t, err)
		b, err := sf.StorageBackendFor(ctx, loc, interfaces.RolePrimary)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	}

	first := open("sqlite::memory:")
	testBackendContract(t, first)

	// Each memory store is its own database.
	second := open("sqlite::memory:?table=mirror")
	withSession(t, first, func(ctx context.Context, s interfaces.FileSession) {
		require.NoError(t, s.Insert(ctx, testRecord("only-first", []byte("x"))))
	})
	withSession(t, second, func(ctx context.Context, s interfaces.FileSession) {
		_, err := s.Get(ctx, "only-first")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})
}

func TestCreateStores(t *testing.T) {
	sf := NewStorageBackendFactory(discardLogger())
	dir := t.TempDir()

	stores, err := sf.CreateStores(context.Background(),
		"sqlite://"+filepath.Join(dir, "primary.db"),
		[]string{"file://" + filepath.Join(dir, "replica"), "ftp://nowhere"},
		[]string{"sqlite://" + filepath.Join(dir, "primary.db") + "?table=old_files", "s3:///"},
	)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	assert.IsType(t, &SQLBackend{}, stores.Primary)
	assert.Len(t, stores.Replicas, 1)
	assert.Len(t, stores.Backups, 1)

	_, err = sf.CreateStores(context.Background(), "ftp://nowhere", nil, nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestLocalPath(t *testing.T) {
	for uri, expected := range map[string]string{
		"file://./data/blobs":    "./data/blobs",
		"file:///var/lib/blobs":  "/var/lib/blobs",
		"sqlite://relative.db":   "relative.db",
		"sqlite:///abs/files.db": "/abs/files.db",
		"sqlite::memory:":        ":memory:",
	} {
		u, err := url.Parse(uri)
		require.NoError(t, err)
		assert.Equal(t, expected, localPath(u), uri)
	}

	assert.Equal(t, "postgres://user:xxxxx@db/files", redactURI("postgres://user:secret@db/files"))
}
