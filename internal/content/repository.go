package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/appbase-cms/appbase/internal/platform/codec"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

// Record families owned by this package.
const (
	FamilyItems = "content"
	FamilySlugs = "content_slugs"
)

// Index names. The published_* indexes only ever hold published items, so
// readers scanning them cannot observe anything else.
const (
	IndexOwner           = "owner"
	IndexUpdated         = "updated"
	IndexStatus          = "status"
	IndexPublishedByDate = "published_by_date"
	IndexPublishedBySlug = "published_by_slug"
	IndexPublishedByID   = "published_by_id"
	IndexPublishedByTag  = "published_by_tag"
)

// PublishedIndexes lists every index restricted to published items.
var PublishedIndexes = []string{IndexPublishedByDate, IndexPublishedBySlug, IndexPublishedByID, IndexPublishedByTag}

// TagKey is the published_by_tag index key prefix for tag.
func TagKey(tag string) string { return tag + "|" }

func indexes(it Item) []storage.IndexEntry {
	entries := []storage.IndexEntry{
		{Name: IndexOwner, Key: it.OwnerID + "|" + storage.TimeKey(it.CreatedAt)},
		{Name: IndexStatus, Key: string(it.Status) + "|" + storage.TimeKey(it.UpdatedAt)},
		{Name: IndexUpdated, Key: storage.TimeKey(it.UpdatedAt)},
	}
	if it.Status != StatusPublished || it.PublishedAt == nil {
		return entries
	}
	published := storage.TimeKey(*it.PublishedAt)
	entries = append(entries,
		storage.IndexEntry{Name: IndexPublishedByDate, Key: published},
		storage.IndexEntry{Name: IndexPublishedBySlug, Key: it.Slug},
		storage.IndexEntry{Name: IndexPublishedByID, Key: it.ID},
	)
	for _, tag := range it.Tags {
		entries = append(entries, storage.IndexEntry{Name: IndexPublishedByTag, Key: TagKey(tag) + published})
	}
	return entries
}

// Decode unmarshals a stored item.
func Decode(rec storage.Record) (Item, error) {
	var it Item
	if err := codec.Unmarshal(rec.Value, &it); err != nil {
		return Item{}, fmt.Errorf("content: decode %s: %w", rec.Key, err)
	}
	it.ID = rec.Key
	it.Revision = rec.Revision
	return it, nil
}

// Load reads an item inside txn.
func Load(ctx context.Context, txn storage.Txn, id string) (Item, error) {
	rec, err := txn.Get(ctx, FamilyItems, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Item{}, shared.ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return Decode(rec)
}

// Save buffers an item write with its indexes and returns the item carrying
// its new revision.
func Save(txn storage.Txn, it Item) (Item, error) {
	value, err := codec.Marshal(it)
	if err != nil {
		return Item{}, err
	}
	it.Revision = txn.Put(FamilyItems, storage.Record{Key: it.ID, Value: value, Indexes: indexes(it)})
	return it, nil
}

// slugOwner returns the item id holding slug, or "" when free.
func slugOwner(ctx context.Context, txn storage.Txn, slug string) (string, error) {
	rec, err := txn.Get(ctx, FamilySlugs, slug)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(rec.Value), nil
}

func claimSlug(txn storage.Txn, slug, id string) {
	txn.Put(FamilySlugs, storage.Record{Key: slug, Value: []byte(id)})
}

func releaseSlug(txn storage.Txn, slug string) {
	txn.Delete(FamilySlugs, slug)
}

// remove deletes an item and the slug reservation it holds. Linked media
// is left alone.
func remove(ctx context.Context, txn storage.Txn, it Item) error {
	owner, err := slugOwner(ctx, txn, it.Slug)
	if err != nil {
		return err
	}
	if owner == it.ID {
		releaseSlug(txn, it.Slug)
	}
	txn.Delete(FamilyItems, it.ID)
	return nil
}

// scanItems yields decoded items from an index.
func scanItems(ctx context.Context, txn storage.Txn, index string, r storage.Range, fn func(Item) (bool, error)) error {
	for rec, err := range txn.ScanIndex(ctx, FamilyItems, index, r) {
		if err != nil {
			return err
		}
		it, err := Decode(rec)
		if err != nil {
			return err
		}
		more, err := fn(it)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
