package storage

import (
	"context"
	_ "embed"
	"errors"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appbase-cms/appbase/internal/platform/db"
)

//go:embed schema.sql
var postgresSchema string

const postgresScanBatch = 100

// PostgresEngine stores records in a records table and index entries in a
// record_index table. Reads run against the pool; commits re-check observed
// revisions under row locks in a RepeatableRead transaction.
type PostgresEngine struct {
	pool *pgxpool.Pool
}

// NewPostgresEngine constructs a PostgresEngine over pool.
func NewPostgresEngine(pool *pgxpool.Pool) *PostgresEngine {
	return &PostgresEngine{pool: pool}
}

// Begin opens a transaction.
func (e *PostgresEngine) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &pgTxn{engine: e, state: newTxnState()}, nil
}

// Migrate creates the tables when missing.
func (e *PostgresEngine) Migrate(ctx context.Context) error {
	if _, err := e.pool.Exec(ctx, postgresSchema); err != nil {
		return ioErr("migrate", err)
	}
	return nil
}

// Close closes the pool.
func (e *PostgresEngine) Close() error {
	e.pool.Close()
	return nil
}

type pgTxn struct {
	engine *PostgresEngine
	state  txnState
}

func (t *pgTxn) Get(ctx context.Context, family, key string) (Record, error) {
	if err := t.state.check(); err != nil {
		return Record{}, err
	}
	k := rkey{family, key}
	if op, ok := t.state.buffered(k); ok {
		if op.rec == nil {
			return Record{}, ErrNotFound
		}
		return Record{Key: key, Revision: op.rec.Revision, Value: append([]byte(nil), op.rec.Value...)}, nil
	}
	rec := Record{Key: key}
	err := t.engine.pool.QueryRow(ctx,
		`SELECT revision, value FROM records WHERE family = $1 AND key = $2`, family, key).
		Scan(&rec.Revision, &rec.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		t.state.observe(k, absent)
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, ioErr("select record", err)
	}
	t.state.observe(k, rec.Revision)
	return rec, nil
}

func (t *pgTxn) Put(family string, rec Record) int64 {
	return t.state.put(family, rec)
}

func (t *pgTxn) Delete(family, key string) {
	t.state.delete(family, key)
}

const (
	scanIndexAsc = `SELECT i.index_key, r.key, r.revision, r.value
FROM record_index i JOIN records r ON r.family = i.family AND r.key = i.record_key
WHERE i.family = $1 AND i.index_name = $2 AND i.index_key >= $3 AND ($4 = '' OR i.index_key < $4)
  AND (i.index_key, i.record_key) > ($5, $6)
ORDER BY i.index_key, i.record_key LIMIT $7`
	scanIndexDesc = `SELECT i.index_key, r.key, r.revision, r.value
FROM record_index i JOIN records r ON r.family = i.family AND r.key = i.record_key
WHERE i.family = $1 AND i.index_name = $2 AND i.index_key >= $3 AND ($4 = '' OR i.index_key < $4)
  AND ($8 OR (i.index_key, i.record_key) < ($5, $6))
ORDER BY i.index_key DESC, i.record_key DESC LIMIT $7`
	scanPrimaryAsc = `SELECT key, key, revision, value FROM records
WHERE family = $1 AND $2 = '' AND $5::text IS NOT NULL AND key >= $3 AND ($4 = '' OR key < $4) AND key > $6
ORDER BY key LIMIT $7`
	scanPrimaryDesc = `SELECT key, key, revision, value FROM records
WHERE family = $1 AND $2 = '' AND $5::text IS NOT NULL AND key >= $3 AND ($4 = '' OR key < $4) AND ($8 OR key < $6)
ORDER BY key DESC LIMIT $7`
)

func (t *pgTxn) ScanIndex(ctx context.Context, family, index string, r Range) iter.Seq2[Record, error] {
	if err := t.state.check(); err != nil {
		return errSeq(err)
	}
	query := scanIndexAsc
	switch {
	case index == PrimaryIndex && r.Reverse:
		query = scanPrimaryDesc
	case index == PrimaryIndex:
		query = scanPrimaryAsc
	case r.Reverse:
		query = scanIndexDesc
	}
	start, end := r.Start, r.End
	if r.Prefix > start {
		start = r.Prefix
	}
	if r.Prefix != "" && (end == "" || r.Prefix+rangeMax < end) {
		end = r.Prefix + rangeMax
	}
	return func(yield func(Record, error) bool) {
		var afterIdx, afterKey string
		first := true
		for {
			args := []any{family, index, start, end, afterIdx, afterKey, postgresScanBatch}
			if query == scanIndexDesc || query == scanPrimaryDesc {
				args = append(args, first)
			}
			rows, err := t.engine.pool.Query(ctx, query, args...)
			if err != nil {
				yield(Record{}, ioErr("scan index", err))
				return
			}
			var batch []Record
			var keys []string
			for rows.Next() {
				var idxKey string
				var rec Record
				if err := rows.Scan(&idxKey, &rec.Key, &rec.Revision, &rec.Value); err != nil {
					rows.Close()
					yield(Record{}, ioErr("scan row", err))
					return
				}
				batch = append(batch, rec)
				keys = append(keys, idxKey)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				yield(Record{}, ioErr("scan rows", err))
				return
			}
			for i, rec := range batch {
				if !r.Contains(keys[i]) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(batch) < postgresScanBatch {
				return
			}
			afterIdx, afterKey = keys[len(keys)-1], batch[len(batch)-1].Key
			first = false
		}
	}
}

func (t *pgTxn) Commit(ctx context.Context) error {
	if err := t.state.check(); err != nil {
		return err
	}
	defer func() { t.state.done = true }()
	if t.state.err != nil {
		return t.state.err
	}
	if len(t.state.order) == 0 {
		return nil
	}
	expect := t.state.expectations()
	err := db.WithTx(ctx, t.engine.pool, func(tx pgx.Tx) error {
		for k, want := range expect {
			got := absent
			err := tx.QueryRow(ctx,
				`SELECT revision FROM records WHERE family = $1 AND key = $2 FOR UPDATE`, k.family, k.key).Scan(&got)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if got != want {
				return ErrConflict
			}
		}
		batch := &pgx.Batch{}
		for _, k := range t.state.order {
			batch.Queue(`DELETE FROM record_index WHERE family = $1 AND record_key = $2`, k.family, k.key)
			op := t.state.writes[k]
			if op.rec == nil {
				batch.Queue(`DELETE FROM records WHERE family = $1 AND key = $2`, k.family, k.key)
				continue
			}
			batch.Queue(`INSERT INTO records (family, key, revision, value) VALUES ($1, $2, $3, $4)
ON CONFLICT (family, key) DO UPDATE SET revision = EXCLUDED.revision, value = EXCLUDED.value`,
				k.family, k.key, op.rec.Revision, op.rec.Value)
			for _, entry := range op.rec.Indexes {
				batch.Queue(`INSERT INTO record_index (family, index_name, index_key, record_key) VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`, k.family, entry.Name, entry.Key, k.key)
			}
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return classifyPgError(err)
}

func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, db.ErrSerialization) {
		return ErrConflict
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ioErr("commit", err)
}

func (t *pgTxn) Abort() {
	t.state.done = true
}
