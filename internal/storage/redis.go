package storage

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/appbase-cms/appbase/internal/platform/codec"
)

const redisScanBatch = 100

// RedisEngine stores each record as a hash and each index as a sorted set
// scanned in lexicographic order. Commits run under WATCH/MULTI.
type RedisEngine struct {
	client *redis.Client
	prefix string
}

// NewRedisEngine constructs a RedisEngine namespacing keys under prefix.
func NewRedisEngine(client *redis.Client, prefix string) *RedisEngine {
	if prefix == "" {
		prefix = "appbase"
	}
	return &RedisEngine{client: client, prefix: prefix}
}

// Begin opens a transaction.
func (e *RedisEngine) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &redisTxn{engine: e, state: newTxnState()}, nil
}

// Migrate is a no-op; Redis needs no schema.
func (e *RedisEngine) Migrate(context.Context) error { return nil }

// Close releases the client.
func (e *RedisEngine) Close() error { return e.client.Close() }

func (e *RedisEngine) recordKey(family, key string) string {
	return e.prefix + ":r:" + family + ":" + key
}

func (e *RedisEngine) indexKey(family, index string) string {
	if index == PrimaryIndex {
		return e.prefix + ":k:" + family
	}
	return e.prefix + ":i:" + family + ":" + index
}

type redisTxn struct {
	engine *RedisEngine
	state  txnState
}

func (t *redisTxn) Get(ctx context.Context, family, key string) (Record, error) {
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
	rec, ok, err := t.engine.load(ctx, t.engine.client, family, key)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		t.state.observe(k, absent)
		return Record{}, ErrNotFound
	}
	t.state.observe(k, rec.Revision)
	return rec, nil
}

func (e *RedisEngine) load(ctx context.Context, c redis.Cmdable, family, key string) (Record, bool, error) {
	vals, err := c.HMGet(ctx, e.recordKey(family, key), "rev", "val").Result()
	if err != nil {
		return Record{}, false, ioErr("hmget", err)
	}
	return decodeHash(key, vals)
}

func decodeHash(key string, vals []any) (Record, bool, error) {
	if len(vals) < 2 || vals[0] == nil {
		return Record{}, false, nil
	}
	revStr, _ := vals[0].(string)
	rev, err := strconv.ParseInt(revStr, 10, 64)
	if err != nil {
		return Record{}, false, ioErr("parse revision", err)
	}
	val, _ := vals[1].(string)
	return Record{Key: key, Revision: rev, Value: []byte(val)}, true, nil
}

func (t *redisTxn) Put(family string, rec Record) int64 {
	return t.state.put(family, rec)
}

func (t *redisTxn) Delete(family, key string) {
	t.state.delete(family, key)
}

func (t *redisTxn) ScanIndex(ctx context.Context, family, index string, r Range) iter.Seq2[Record, error] {
	if err := t.state.check(); err != nil {
		return errSeq(err)
	}
	e := t.engine
	return func(yield func(Record, error) bool) {
		zkey := e.indexKey(family, index)
		lo, hi := lexBounds(r)
		for {
			by := &redis.ZRangeBy{Min: lo, Max: hi, Count: redisScanBatch}
			var (
				members []string
				err     error
			)
			if r.Reverse {
				members, err = e.client.ZRevRangeByLex(ctx, zkey, by).Result()
			} else {
				members, err = e.client.ZRangeByLex(ctx, zkey, by).Result()
			}
			if err != nil {
				yield(Record{}, ioErr("zrangebylex", err))
				return
			}
			if len(members) == 0 {
				return
			}
			for _, m := range members {
				idxKey, recKey := m, m
				if index != PrimaryIndex {
					idxKey, recKey, _ = strings.Cut(m, Separator)
				}
				if !r.Contains(idxKey) {
					continue
				}
				rec, live, err := e.loadIndexed(ctx, family, index, idxKey, recKey)
				if err != nil {
					yield(Record{}, err)
					return
				}
				if !live {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(members) < redisScanBatch {
				return
			}
			last := members[len(members)-1]
			if r.Reverse {
				hi = "(" + last
			} else {
				lo = "(" + last
			}
		}
	}
}

// loadIndexed re-reads a record and confirms it still carries the index
// entry, so a scan never yields a record that left the index mid-scan.
func (e *RedisEngine) loadIndexed(ctx context.Context, family, index, idxKey, recKey string) (Record, bool, error) {
	vals, err := e.client.HMGet(ctx, e.recordKey(family, recKey), "rev", "val", "idx").Result()
	if err != nil {
		return Record{}, false, ioErr("hmget", err)
	}
	rec, ok, err := decodeHash(recKey, vals)
	if err != nil || !ok {
		return Record{}, false, err
	}
	if index == PrimaryIndex {
		return rec, true, nil
	}
	entries, err := decodeIndexes(vals[2])
	if err != nil {
		return Record{}, false, err
	}
	return rec, hasEntry(entries, index, idxKey), nil
}

func decodeIndexes(raw any) ([]IndexEntry, error) {
	s, _ := raw.(string)
	if s == "" {
		return nil, nil
	}
	var entries []IndexEntry
	if err := codec.Unmarshal([]byte(s), &entries); err != nil {
		return nil, ioErr("decode index entries", err)
	}
	return entries, nil
}

// lexBounds converts a Range into ZRANGEBYLEX bounds over members of the
// form "indexKey\x00recordKey".
func lexBounds(r Range) (string, string) {
	lo, hi := "-", "+"
	start := r.Start
	if r.Prefix > start {
		start = r.Prefix
	}
	if start != "" {
		lo = "[" + start
	}
	end := r.End
	if r.Prefix != "" && (end == "" || r.Prefix+rangeMax < end) {
		end = r.Prefix + rangeMax
	}
	if end != "" {
		hi = "(" + end
	}
	return lo, hi
}

func (t *redisTxn) Commit(ctx context.Context) error {
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
	e := t.engine
	expect := t.state.expectations()
	watched := make([]string, 0, len(expect)+len(t.state.order))
	for k := range expect {
		watched = append(watched, e.recordKey(k.family, k.key))
	}
	for _, k := range t.state.order {
		if _, ok := expect[k]; !ok {
			watched = append(watched, e.recordKey(k.family, k.key))
		}
	}

	err := e.client.Watch(ctx, func(tx *redis.Tx) error {
		for k, want := range expect {
			got := absent
			rev, err := tx.HGet(ctx, e.recordKey(k.family, k.key), "rev").Int64()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return ioErr("hget", err)
			default:
				got = rev
			}
			if got != want {
				return ErrConflict
			}
		}
		previous := make(map[rkey][]IndexEntry, len(t.state.order))
		for _, k := range t.state.order {
			raw, err := tx.HGet(ctx, e.recordKey(k.family, k.key), "idx").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return ioErr("hget", err)
			}
			entries, err := decodeIndexes(raw)
			if err != nil {
				return err
			}
			previous[k] = entries
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range t.state.order {
				rk := e.recordKey(k.family, k.key)
				for _, old := range previous[k] {
					pipe.ZRem(ctx, e.indexKey(k.family, old.Name), old.Key+Separator+k.key)
				}
				op := t.state.writes[k]
				if op.rec == nil {
					pipe.Del(ctx, rk)
					pipe.ZRem(ctx, e.indexKey(k.family, PrimaryIndex), k.key)
					continue
				}
				idx, err := codec.Marshal(op.rec.Indexes)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, rk, "rev", op.rec.Revision, "val", op.rec.Value, "idx", idx)
				pipe.ZAdd(ctx, e.indexKey(k.family, PrimaryIndex), redis.Z{Member: k.key})
				for _, entry := range op.rec.Indexes {
					pipe.ZAdd(ctx, e.indexKey(k.family, entry.Name), redis.Z{Member: entry.Key + Separator + k.key})
				}
			}
			return nil
		})
		return err
	}, watched...)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case errors.Is(err, ErrIO):
		return err
	default:
		return ioErr("commit", err)
	}
}

func (t *redisTxn) Abort() {
	t.state.done = true
}
