// Package storage provides transactional, indexed record persistence with
// optimistic concurrency. Every record carries a revision that doubles as the
// conflict token: a transaction commits only if none of the keys it read or
// wrote changed since it observed them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned by Commit when a concurrent writer touched a key.
	ErrConflict = errors.New("storage: conflict")
	// ErrIO wraps failures of the underlying medium. The request fails, the
	// process does not; callers may retry.
	ErrIO = errors.New("storage: io failure")
	// ErrTxnDone is returned when a finished transaction is used again.
	ErrTxnDone = errors.New("storage: transaction already finished")
	// ErrInvalidKey rejects empty keys and keys containing the reserved separator.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// PrimaryIndex scans every record of a family ordered by key.
const PrimaryIndex = ""

// Separator is reserved inside keys and index keys.
const Separator = "\x00"

// rangeMax sorts after every key sharing a prefix with it.
const rangeMax = "\U0010FFFF"

// IndexEntry places a record in a named secondary index.
type IndexEntry struct {
	Name string
	Key  string
}

// Record is a stored value. Indexes is only populated on Put; records read
// back carry their key, revision and value.
type Record struct {
	Key      string
	Revision int64
	Value    []byte
	Indexes  []IndexEntry
}

// Range bounds an index scan. Prefix restricts index keys to a prefix; Start
// is inclusive and End exclusive. Reverse yields in descending order.
type Range struct {
	Prefix  string
	Start   string
	End     string
	Reverse bool
}

// Exact matches a single index key.
func Exact(key string) Range {
	return Range{Start: key, End: key + "\x01"}
}

// Contains reports whether an index key falls inside the range.
func (r Range) Contains(key string) bool {
	if r.Prefix != "" && !strings.HasPrefix(key, r.Prefix) {
		return false
	}
	if r.Start != "" && key < r.Start {
		return false
	}
	if r.End != "" && key >= r.End {
		return false
	}
	return true
}

// Engine opens transactions.
type Engine interface {
	Begin(ctx context.Context) (Txn, error)
	// Migrate prepares the backing schema. It is idempotent.
	Migrate(ctx context.Context) error
	Close() error
}

// Txn buffers writes until Commit. Reads observe committed state plus the
// transaction's own buffered writes; ScanIndex observes committed state only.
type Txn interface {
	Get(ctx context.Context, family, key string) (Record, error)
	// Put buffers a write and returns the revision the record will carry once
	// committed. Putting a key that was never read in this transaction is an
	// insert and conflicts if the key exists at commit.
	Put(family string, rec Record) int64
	Delete(family, key string)
	ScanIndex(ctx context.Context, family, index string, r Range) iter.Seq2[Record, error]
	Commit(ctx context.Context) error
	// Abort discards buffered writes. It is safe to call after Commit.
	Abort()
}

// Update runs fn inside a transaction and commits it. fn's error aborts.
func Update(ctx context.Context, e Engine, fn func(Txn) error) error {
	txn, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit(ctx)
}

// View runs fn inside a transaction that is always aborted.
func View(ctx context.Context, e Engine, fn func(Txn) error) error {
	txn, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

// timeKeyLayout is fixed width so lexicographic order matches time order.
const timeKeyLayout = "20060102T150405.000000000Z"

// TimeKey formats t for use inside index keys.
func TimeKey(t time.Time) string {
	return t.UTC().Format(timeKeyLayout)
}

// ValidateKey rejects keys the backends cannot encode.
func ValidateKey(key string) error {
	if key == "" || strings.Contains(key, Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}

// rkey identifies a record across families.
type rkey struct {
	family string
	key    string
}

// writeOp is a buffered mutation; rec is nil for deletes.
type writeOp struct {
	rec *Record
}

// txnState holds the bookkeeping shared by every backend: observed revisions
// and buffered writes.
type txnState struct {
	observed map[rkey]int64
	writes   map[rkey]writeOp
	order    []rkey
	done     bool
	err      error
}

const absent int64 = -1

func newTxnState() txnState {
	return txnState{
		observed: make(map[rkey]int64),
		writes:   make(map[rkey]writeOp),
	}
}

func (s *txnState) observe(k rkey, rev int64) {
	if _, ok := s.observed[k]; !ok {
		s.observed[k] = rev
	}
}

// buffered returns a pending write for k, if any.
func (s *txnState) buffered(k rkey) (writeOp, bool) {
	op, ok := s.writes[k]
	return op, ok
}

func (s *txnState) put(family string, rec Record) int64 {
	k := rkey{family, rec.Key}
	if err := ValidateKey(rec.Key); err != nil && s.err == nil {
		s.err = err
	}
	for _, idx := range rec.Indexes {
		if strings.Contains(idx.Key, Separator) && s.err == nil {
			s.err = fmt.Errorf("%w: index %s key %q", ErrInvalidKey, idx.Name, idx.Key)
		}
	}
	rev := int64(0)
	if base, ok := s.observed[k]; ok && base != absent {
		rev = base + 1
	}
	cp := rec
	cp.Revision = rev
	cp.Value = append([]byte(nil), rec.Value...)
	cp.Indexes = append([]IndexEntry(nil), rec.Indexes...)
	s.record(k, writeOp{rec: &cp})
	return rev
}

func (s *txnState) delete(family, key string) {
	s.record(rkey{family, key}, writeOp{})
}

func (s *txnState) record(k rkey, op writeOp) {
	if _, ok := s.writes[k]; !ok {
		s.order = append(s.order, k)
	}
	s.writes[k] = op
}

// check guards every operation against reuse.
func (s *txnState) check() error {
	if s.done {
		return ErrTxnDone
	}
	return nil
}

// expectations maps each key to the revision it must still have at commit: the observed
// revision, or absent for unobserved puts. Unobserved deletes are unconditional.
func (s *txnState) expectations() map[rkey]int64 {
	out := make(map[rkey]int64, len(s.observed)+len(s.writes))
	for k, rev := range s.observed {
		out[k] = rev
	}
	for _, k := range s.order {
		if _, seen := out[k]; seen {
			continue
		}
		if op := s.writes[k]; op.rec != nil {
			out[k] = absent
		}
	}
	return out
}

func errSeq(err error) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yield(Record{}, err)
	}
}
