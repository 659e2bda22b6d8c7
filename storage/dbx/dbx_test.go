package dbx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:dbx_tests?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, v TEXT);`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM t`)
	require.NoError(t, err)
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n))
	return n
}

func TestWithConn_ReleasesConnection(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := WithConn(ctx, db, func(ctx context.Context, conn DBTX) error {
			_, err := conn.ExecContext(ctx, `INSERT INTO t (v) VALUES (?)`, "x")
			return err
		})
		require.NoError(t, err)
	}
	require.Equal(t, 10, countRows(t, db))
	require.Equal(t, 0, db.Stats().InUse)

	boom := errors.New("boom")
	err := WithConn(ctx, db, func(ctx context.Context, conn DBTX) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, db.Stats().InUse)

	require.Panics(t, func() {
		_ = WithConn(ctx, db, func(ctx context.Context, conn DBTX) error { panic("oops") })
	})
	require.Equal(t, 0, db.Stats().InUse)
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	err := WithTx(ctx, db, nil, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (?)`, "a")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, countRows(t, db))

	boom := errors.New("boom")
	err = WithTx(ctx, db, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (?)`, "b"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, countRows(t, db))
}
