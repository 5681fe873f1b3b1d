package storage

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
)

type memRecord struct {
	revision int64
	value    []byte
	indexes  []IndexEntry
}

type memFamily struct {
	records map[string]memRecord
	// indexes maps index name to members "indexKey\x00recordKey".
	indexes map[string]map[string]struct{}
}

// MemoryEngine keeps records in process memory. It serves tests and
// single-node development setups.
type MemoryEngine struct {
	mu       sync.RWMutex
	families map[string]*memFamily
}

// NewMemoryEngine constructs an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{families: make(map[string]*memFamily)}
}

// Begin opens a transaction.
func (e *MemoryEngine) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTxn{engine: e, state: newTxnState()}, nil
}

// Migrate is a no-op.
func (e *MemoryEngine) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (e *MemoryEngine) Close() error { return nil }

func (e *MemoryEngine) family(name string) *memFamily {
	f, ok := e.families[name]
	if !ok {
		f = &memFamily{records: make(map[string]memRecord), indexes: make(map[string]map[string]struct{})}
		e.families[name] = f
	}
	return f
}

func (e *MemoryEngine) lookup(family, key string) (memRecord, bool) {
	f, ok := e.families[family]
	if !ok {
		return memRecord{}, false
	}
	rec, ok := f.records[key]
	return rec, ok
}

type memTxn struct {
	engine *MemoryEngine
	state  txnState
}

func (t *memTxn) Get(ctx context.Context, family, key string) (Record, error) {
	if err := t.state.check(); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	k := rkey{family, key}
	if op, ok := t.state.buffered(k); ok {
		if op.rec == nil {
			return Record{}, ErrNotFound
		}
		return Record{Key: key, Revision: op.rec.Revision, Value: slices.Clone(op.rec.Value)}, nil
	}
	t.engine.mu.RLock()
	rec, ok := t.engine.lookup(family, key)
	t.engine.mu.RUnlock()
	if !ok {
		t.state.observe(k, absent)
		return Record{}, ErrNotFound
	}
	t.state.observe(k, rec.revision)
	return Record{Key: key, Revision: rec.revision, Value: slices.Clone(rec.value)}, nil
}

func (t *memTxn) Put(family string, rec Record) int64 {
	return t.state.put(family, rec)
}

func (t *memTxn) Delete(family, key string) {
	t.state.delete(family, key)
}

func (t *memTxn) ScanIndex(ctx context.Context, family, index string, r Range) iter.Seq2[Record, error] {
	if err := t.state.check(); err != nil {
		return errSeq(err)
	}
	return func(yield func(Record, error) bool) {
		members := t.engine.members(family, index, r)
		for _, m := range members {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			t.engine.mu.RLock()
			rec, ok := t.engine.lookup(family, m.recordKey)
			live := ok && (index == PrimaryIndex || hasEntry(rec.indexes, index, m.indexKey))
			t.engine.mu.RUnlock()
			if !live {
				continue
			}
			if !yield(Record{Key: m.recordKey, Revision: rec.revision, Value: slices.Clone(rec.value)}, nil) {
				return
			}
		}
	}
}

type member struct {
	indexKey  string
	recordKey string
}

// members snapshots the ordered index members matching r.
func (e *MemoryEngine) members(family, index string, r Range) []member {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.families[family]
	if !ok {
		return nil
	}
	var out []member
	if index == PrimaryIndex {
		for key := range f.records {
			if r.Contains(key) {
				out = append(out, member{indexKey: key, recordKey: key})
			}
		}
	} else {
		for raw := range f.indexes[index] {
			idxKey, recKey, _ := strings.Cut(raw, Separator)
			if r.Contains(idxKey) {
				out = append(out, member{indexKey: idxKey, recordKey: recKey})
			}
		}
	}
	slices.SortFunc(out, func(a, b member) int {
		if c := strings.Compare(a.indexKey, b.indexKey); c != 0 {
			return c
		}
		return strings.Compare(a.recordKey, b.recordKey)
	})
	if r.Reverse {
		slices.Reverse(out)
	}
	return out
}

func hasEntry(entries []IndexEntry, name, key string) bool {
	for _, e := range entries {
		if e.Name == name && e.Key == key {
			return true
		}
	}
	return false
}

func (t *memTxn) Commit(ctx context.Context) error {
	if err := t.state.check(); err != nil {
		return err
	}
	defer func() { t.state.done = true }()
	if t.state.err != nil {
		return t.state.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, want := range t.state.expectations() {
		rec, ok := e.lookup(k.family, k.key)
		got := absent
		if ok {
			got = rec.revision
		}
		if got != want {
			return ErrConflict
		}
	}
	for _, k := range t.state.order {
		op := t.state.writes[k]
		f := e.family(k.family)
		if old, ok := f.records[k.key]; ok {
			for _, idx := range old.indexes {
				delete(f.indexes[idx.Name], idx.Key+Separator+k.key)
			}
		}
		if op.rec == nil {
			delete(f.records, k.key)
			continue
		}
		f.records[k.key] = memRecord{revision: op.rec.Revision, value: op.rec.Value, indexes: op.rec.Indexes}
		for _, idx := range op.rec.Indexes {
			set, ok := f.indexes[idx.Name]
			if !ok {
				set = make(map[string]struct{})
				f.indexes[idx.Name] = set
			}
			set[idx.Key+Separator+k.key] = struct{}{}
		}
	}
	return nil
}

func (t *memTxn) Abort() {
	t.state.done = true
}
