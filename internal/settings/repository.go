package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/appbase-cms/appbase/internal/platform/codec"
	"github.com/appbase-cms/appbase/internal/storage"
)

// Load reads a setting inside txn, falling back to its default.
func Load(ctx context.Context, txn storage.Txn, key string) (Setting, error) {
	rec, err := txn.Get(ctx, Family, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Setting{Key: key, Value: Defaults[key], Revision: -1, Default: true}, nil
	}
	if err != nil {
		return Setting{}, err
	}
	return decode(rec)
}

func decode(rec storage.Record) (Setting, error) {
	var s Setting
	if err := codec.Unmarshal(rec.Value, &s); err != nil {
		return Setting{}, fmt.Errorf("settings: decode %s: %w", rec.Key, err)
	}
	s.Key = rec.Key
	s.Revision = rec.Revision
	return s, nil
}

// Save buffers a setting write and returns it with its new revision.
func Save(txn storage.Txn, s Setting) (Setting, error) {
	value, err := codec.Marshal(s)
	if err != nil {
		return Setting{}, err
	}
	s.Revision = txn.Put(Family, storage.Record{Key: s.Key, Value: value})
	s.Default = false
	return s, nil
}
