package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/appbase-cms/appbase/internal/platform/codec"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

// Family holds asset records.
const Family = "media"

const (
	indexByOwner   = "by_owner"
	indexByCreated = "by_created"
	indexByContent = "by_content"
)

func indexes(a Asset) []storage.IndexEntry {
	created := storage.TimeKey(a.CreatedAt)
	entries := []storage.IndexEntry{
		{Name: indexByOwner, Key: a.OwnerID + "|" + created},
		{Name: indexByCreated, Key: created},
	}
	for _, id := range a.LinkedContent {
		entries = append(entries, storage.IndexEntry{Name: indexByContent, Key: id})
	}
	return entries
}

func decode(rec storage.Record) (Asset, error) {
	var a Asset
	if err := codec.Unmarshal(rec.Value, &a); err != nil {
		return Asset{}, fmt.Errorf("media: decode %s: %w", rec.Key, err)
	}
	a.ID = rec.Key
	a.Revision = rec.Revision
	if a.LinkedContent == nil {
		a.LinkedContent = []string{}
	}
	return a, nil
}

func load(ctx context.Context, txn storage.Txn, id string) (Asset, error) {
	rec, err := txn.Get(ctx, Family, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Asset{}, shared.ErrNotFound
	}
	if err != nil {
		return Asset{}, err
	}
	return decode(rec)
}

func save(txn storage.Txn, a Asset) (Asset, error) {
	value, err := codec.Marshal(a)
	if err != nil {
		return Asset{}, err
	}
	a.Revision = txn.Put(Family, storage.Record{Key: a.ID, Value: value, Indexes: indexes(a)})
	return a, nil
}
