// Package pgstore implements storage.Store on PostgreSQL using a pgx pool.
//
// Every shard owns a single table:
//
//	CREATE TABLE records (key TEXT PRIMARY KEY, value BYTEA NOT NULL)
//
// Transactions map one to one onto database transactions, so a migration
// that fails verification leaves both shards untouched.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamware/ringshard/internal/storage"
)

// DefaultTable is the table used when New is given an empty name.
const DefaultTable = "records"

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store is a storage.Store backed by PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

var _ storage.Store = (*Store)(nil)

// Connect opens a pool against dsn and stores records in DefaultTable.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &storage.StoreError{Op: "connect", Err: err}
	}
	return New(pool, ""), nil
}

// New wraps an existing pool. The store takes ownership of the pool.
func New(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{pool: pool, table: table}
}

// Init creates the records table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BYTEA NOT NULL)`, s.ident())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return wrap("init", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

func (s *Store) Insert(ctx context.Context, records ...storage.Record) error {
	return insert(ctx, s.pool, s.ident(), records)
}

func (s *Store) Get(ctx context.Context, key string) (storage.Record, error) {
	q := fmt.Sprintf(`SELECT key, value FROM %s WHERE key = $1`, s.ident())
	var r storage.Record
	err := s.pool.QueryRow(ctx, q, key).Scan(&r.Key, &r.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, storage.ErrKeyNotFound
	}
	if err != nil {
		return storage.Record{}, wrap("get", err)
	}
	return r, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int, error) {
	return del(ctx, s.pool, s.ident(), keys)
}

func (s *Store) Count(ctx context.Context, keys ...string) (int, error) {
	return count(ctx, s.pool, s.ident(), keys)
}

func (s *Store) ScanAll(ctx context.Context) ([]storage.Record, error) {
	q := fmt.Sprintf(`SELECT key, value FROM %s`, s.ident())
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, wrap("scan", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[storage.Record])
	if err != nil {
		return nil, wrap("scan", err)
	}
	return records, nil
}

func (s *Store) Stats(ctx context.Context) (storage.StoreStats, error) {
	q := fmt.Sprintf(`SELECT count(*), coalesce(sum(octet_length(value)), 0) FROM %s`, s.ident())
	var keys, bytes int64
	if err := s.pool.QueryRow(ctx, q).Scan(&keys, &bytes); err != nil {
		return storage.StoreStats{}, wrap("stats", err)
	}
	return storage.StoreStats{Keys: int(keys), Bytes: int(bytes)}, nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrap("begin", err)
	}
	return &Tx{tx: tx, table: s.ident()}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// Tx is a database transaction on a single shard.
type Tx struct {
	tx    pgx.Tx
	table string
}

func (t *Tx) Insert(ctx context.Context, records ...storage.Record) error {
	return insert(ctx, t.tx, t.table, records)
}

// InsertMissing skips keys already present. A key written concurrently by
// another transaction makes this one wait for it and then skip the key.
func (t *Tx) InsertMissing(ctx context.Context, records ...storage.Record) (int, error) {
	return insertMissing(ctx, t.tx, t.table, records)
}

func (t *Tx) Delete(ctx context.Context, keys ...string) (int, error) {
	return del(ctx, t.tx, t.table, keys)
}

func (t *Tx) Count(ctx context.Context, keys ...string) (int, error) {
	return count(ctx, t.tx, t.table, keys)
}

func (t *Tx) Commit(ctx context.Context) error {
	return wrap("commit", t.tx.Commit(ctx))
}

func (t *Tx) Rollback(ctx context.Context) error {
	return wrap("rollback", t.tx.Rollback(ctx))
}

func insert(ctx context.Context, q querier, table string, records []storage.Record) error {
	sql := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, table)
	_, err := execBatch(ctx, q, "insert", sql, records)
	return err
}

func insertMissing(ctx context.Context, q querier, table string, records []storage.Record) (int, error) {
	sql := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO NOTHING`, table)
	return execBatch(ctx, q, "insert", sql, records)
}

// execBatch runs sql once per record and returns the rows affected.
func execBatch(ctx context.Context, q querier, op, sql string, records []storage.Record) (int, error) {
	if len(records) == 0 {
		return 0, ctx.Err()
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		value := r.Value
		if value == nil {
			value = []byte{}
		}
		batch.Queue(sql, r.Key, value)
	}
	br := q.SendBatch(ctx, batch)
	n := 0
	for range records {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, wrap(op, err)
		}
		n += int(tag.RowsAffected())
	}
	return n, wrap(op, br.Close())
}

func del(ctx context.Context, q querier, table string, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, ctx.Err()
	}
	tag, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, table), keys)
	if err != nil {
		return 0, wrap("delete", err)
	}
	return int(tag.RowsAffected()), nil
}

func count(ctx context.Context, q querier, table string, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, ctx.Err()
	}
	var n int64
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE key = ANY($1)`, table), keys).Scan(&n)
	if err != nil {
		return 0, wrap("count", err)
	}
	return int(n), nil
}

// wrap maps pgx errors onto the storage error contract. Context errors pass
// through unchanged.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrTxClosed):
		return storage.ErrTxClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &storage.StoreError{Op: op, Err: err}
	}
}
