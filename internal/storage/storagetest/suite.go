// Package storagetest holds a conformance suite run against every storage
// backend.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appbase-cms/appbase/internal/storage"
)

const family = "things"

// Run exercises the storage contract against engines produced by newEngine.
// Each subtest receives a fresh, empty engine.
func Run(t *testing.T, newEngine func(t *testing.T) storage.Engine) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, e storage.Engine)
	}{
		{"GetMissing", testGetMissing},
		{"RevisionsIncrease", testRevisionsIncrease},
		{"ConcurrentUpdateConflicts", testConcurrentUpdateConflicts},
		{"InsertOfExistingKeyConflicts", testInsertConflicts},
		{"ReadOnlyKeyConflicts", testReadOnlyKeyConflicts},
		{"AbortLeavesNoState", testAbort},
		{"ReadYourWrites", testReadYourWrites},
		{"FinishedTxnRejectsUse", testFinishedTxn},
		{"IndexOrderingAndRanges", testIndexRanges},
		{"IndexFollowsUpdates", testIndexFollowsUpdates},
		{"PrimaryIndexScan", testPrimaryIndex},
		{"ScanStopsEarly", testScanStopsEarly},
		{"InvalidKeyRejected", testInvalidKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newEngine(t))
		})
	}
}

func put(t *testing.T, e storage.Engine, key, value string, idx ...storage.IndexEntry) {
	t.Helper()
	ctx := context.Background()
	err := storage.Update(ctx, e, func(txn storage.Txn) error {
		if _, err := txn.Get(ctx, family, key); err != nil && err != storage.ErrNotFound {
			return err
		}
		txn.Put(family, storage.Record{Key: key, Value: []byte(value), Indexes: idx})
		return nil
	})
	require.NoError(t, err)
}

func get(t *testing.T, e storage.Engine, key string) (storage.Record, error) {
	t.Helper()
	var rec storage.Record
	err := storage.View(context.Background(), e, func(txn storage.Txn) error {
		var err error
		rec, err = txn.Get(context.Background(), family, key)
		return err
	})
	return rec, err
}

func scan(t *testing.T, e storage.Engine, index string, r storage.Range) []string {
	t.Helper()
	var keys []string
	err := storage.View(context.Background(), e, func(txn storage.Txn) error {
		for rec, err := range txn.ScanIndex(context.Background(), family, index, r) {
			if err != nil {
				return err
			}
			keys = append(keys, rec.Key)
		}
		return nil
	})
	require.NoError(t, err)
	return keys
}

func testGetMissing(t *testing.T, e storage.Engine) {
	_, err := get(t, e, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testRevisionsIncrease(t *testing.T, e storage.Engine) {
	put(t, e, "a", "one")
	rec, err := get(t, e, "a")
	require.NoError(t, err)
	require.Equal(t, int64(0), rec.Revision)
	require.Equal(t, "one", string(rec.Value))

	put(t, e, "a", "two")
	put(t, e, "a", "three")
	rec, err = get(t, e, "a")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Revision)
	require.Equal(t, "three", string(rec.Value))
}

func testConcurrentUpdateConflicts(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	put(t, e, "a", "base")

	first, err := e.Begin(ctx)
	require.NoError(t, err)
	second, err := e.Begin(ctx)
	require.NoError(t, err)

	_, err = first.Get(ctx, family, "a")
	require.NoError(t, err)
	_, err = second.Get(ctx, family, "a")
	require.NoError(t, err)

	require.Equal(t, int64(1), first.Put(family, storage.Record{Key: "a", Value: []byte("first")}))
	require.Equal(t, int64(1), second.Put(family, storage.Record{Key: "a", Value: []byte("second")}))

	require.NoError(t, first.Commit(ctx))
	require.ErrorIs(t, second.Commit(ctx), storage.ErrConflict)

	rec, err := get(t, e, "a")
	require.NoError(t, err)
	require.Equal(t, "first", string(rec.Value))
	require.Equal(t, int64(1), rec.Revision)
}

func testInsertConflicts(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	put(t, e, "taken", "x")

	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	txn.Put(family, storage.Record{Key: "taken", Value: []byte("y")})
	require.ErrorIs(t, txn.Commit(ctx), storage.ErrConflict)

	rec, err := get(t, e, "taken")
	require.NoError(t, err)
	require.Equal(t, "x", string(rec.Value))
}

func testReadOnlyKeyConflicts(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	put(t, e, "guard", "v1")

	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = txn.Get(ctx, family, "guard")
	require.NoError(t, err)
	_, err = txn.Get(ctx, family, "other")
	require.ErrorIs(t, err, storage.ErrNotFound)
	txn.Put(family, storage.Record{Key: "other", Value: []byte("depends on guard")})

	put(t, e, "guard", "v2")
	require.ErrorIs(t, txn.Commit(ctx), storage.ErrConflict)

	_, err = get(t, e, "other")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testAbort(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	txn.Put(family, storage.Record{Key: "a", Value: []byte("x"), Indexes: []storage.IndexEntry{{Name: "by", Key: "k"}}})
	txn.Abort()

	_, err = get(t, e, "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Empty(t, scan(t, e, "by", storage.Range{}))
}

func testReadYourWrites(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	put(t, e, "gone", "x")
	err := storage.Update(ctx, e, func(txn storage.Txn) error {
		txn.Put(family, storage.Record{Key: "new", Value: []byte("fresh")})
		rec, err := txn.Get(ctx, family, "new")
		require.NoError(t, err)
		require.Equal(t, "fresh", string(rec.Value))

		_, err = txn.Get(ctx, family, "gone")
		require.NoError(t, err)
		txn.Delete(family, "gone")
		_, err = txn.Get(ctx, family, "gone")
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
	_, err = get(t, e, "gone")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testFinishedTxn(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	_, err = txn.Get(ctx, family, "a")
	require.ErrorIs(t, err, storage.ErrTxnDone)
	require.ErrorIs(t, txn.Commit(ctx), storage.ErrTxnDone)
	txn.Abort()
}

func testIndexRanges(t *testing.T, e storage.Engine) {
	put(t, e, "r3", "", storage.IndexEntry{Name: "tag", Key: "go|2026-03"})
	put(t, e, "r1", "", storage.IndexEntry{Name: "tag", Key: "go|2026-01"})
	put(t, e, "r2", "", storage.IndexEntry{Name: "tag", Key: "go|2026-02"}, storage.IndexEntry{Name: "tag", Key: "rust|2026-02"})
	put(t, e, "r4", "", storage.IndexEntry{Name: "tag", Key: "gopher|2026-04"})

	require.Equal(t, []string{"r1", "r2", "r3"}, scan(t, e, "tag", storage.Range{Prefix: "go|"}))
	require.Equal(t, []string{"r3", "r2", "r1"}, scan(t, e, "tag", storage.Range{Prefix: "go|", Reverse: true}))
	require.Equal(t, []string{"r2", "r3"}, scan(t, e, "tag", storage.Range{Start: "go|2026-02", End: "go|2026-04"}))
	require.Equal(t, []string{"r2"}, scan(t, e, "tag", storage.Exact("rust|2026-02")))
	require.Equal(t, []string{"r4", "r1", "r2", "r3", "r2"}, scan(t, e, "tag", storage.Range{}))
}

func testIndexFollowsUpdates(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	put(t, e, "item", "v", storage.IndexEntry{Name: "status", Key: "published"})
	require.Equal(t, []string{"item"}, scan(t, e, "status", storage.Exact("published")))

	put(t, e, "item", "v2", storage.IndexEntry{Name: "status", Key: "pending"})
	require.Empty(t, scan(t, e, "status", storage.Exact("published")))
	require.Equal(t, []string{"item"}, scan(t, e, "status", storage.Exact("pending")))

	err := storage.Update(ctx, e, func(txn storage.Txn) error {
		if _, err := txn.Get(ctx, family, "item"); err != nil {
			return err
		}
		txn.Delete(family, "item")
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, scan(t, e, "status", storage.Range{}))
	require.Empty(t, scan(t, e, storage.PrimaryIndex, storage.Range{}))
}

func testPrimaryIndex(t *testing.T, e storage.Engine) {
	for _, k := range []string{"b", "a", "c"} {
		put(t, e, k, k)
	}
	require.Equal(t, []string{"a", "b", "c"}, scan(t, e, storage.PrimaryIndex, storage.Range{}))
	require.Equal(t, []string{"c", "b", "a"}, scan(t, e, storage.PrimaryIndex, storage.Range{Reverse: true}))
}

func testScanStopsEarly(t *testing.T, e storage.Engine) {
	for i := 0; i < 250; i++ {
		put(t, e, fmt.Sprintf("k%03d", i), "", storage.IndexEntry{Name: "all", Key: fmt.Sprintf("%03d", i)})
	}
	require.Len(t, scan(t, e, "all", storage.Range{}), 250)

	var seen []string
	err := storage.View(context.Background(), e, func(txn storage.Txn) error {
		for rec, err := range txn.ScanIndex(context.Background(), family, "all", storage.Range{Reverse: true}) {
			if err != nil {
				return err
			}
			seen = append(seen, rec.Key)
			if len(seen) == 3 {
				break
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"k249", "k248", "k247"}, seen)
}

func testInvalidKey(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	txn.Put(family, storage.Record{Key: "bad" + storage.Separator + "key"})
	require.ErrorIs(t, txn.Commit(ctx), storage.ErrInvalidKey)
}
