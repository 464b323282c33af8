package pgstore

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ringshard/internal/storage"
)

// newTestStore connects to RINGSHARD_TEST_PG_DSN and returns a store on a
// fresh table. The test is skipped when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RINGSHARD_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RINGSHARD_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	table := "records_test_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	s := New(pool, table)
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+s.ident())
		_ = s.Close()
	})
	return s
}

func TestStoreCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Init(ctx), "init must be idempotent")
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Insert(ctx,
		storage.Record{Key: "a", Value: []byte("1")},
		storage.Record{Key: "b", Value: []byte("22")},
	))
	require.NoError(t, s.Insert(ctx, storage.Record{Key: "a", Value: []byte("3")}))

	r, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), r.Value)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	n, err := s.Count(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.StoreStats{Keys: 2, Bytes: 3}, stats)

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, storage.Keys(records))

	deleted, err := s.Delete(ctx, "a", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, storage.Record{Key: "k", Value: []byte("v")}))

	n, err := tx.Count(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "tx sees its own writes")

	n, err = s.Count(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "store does not see pending writes")

	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Rollback(ctx), storage.ErrTxClosed)
	assert.ErrorIs(t, tx.Commit(ctx), storage.ErrTxClosed)
}

func TestTxCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, storage.Record{Key: "old", Value: []byte("x")}))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, storage.Record{Key: "new", Value: nil}))
	deleted, err := tx.Delete(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	require.NoError(t, tx.Commit(ctx))

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, storage.Keys(records))
}

func TestTxInsertMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, storage.Record{Key: "a", Value: []byte("new")}))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.InsertMissing(ctx,
		storage.Record{Key: "a", Value: []byte("old")},
		storage.Record{Key: "b", Value: []byte("old")},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seen, err := tx.Count(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
	require.NoError(t, tx.Commit(ctx))

	r, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), r.Value)
	r, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), r.Value)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap("op", nil))
	assert.Equal(t, context.Canceled, wrap("op", context.Canceled))

	err := wrap("insert", errors.New("boom"))
	var serr *storage.StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "insert", serr.Op)
}
