package content

import (
	"context"

	"github.com/appbase-cms/appbase/internal/inspector"
	"github.com/appbase-cms/appbase/internal/storage"
)

var itemSchema = inspector.Schema{
	Family:  FamilyItems,
	Version: 1,
	Fields: []inspector.Field{
		{Name: "id", Type: inspector.TypeString, Visible: true},
		{Name: "owner_id", Type: inspector.TypeString, Visible: true},
		{Name: "title", Type: inspector.TypeString, Visible: true, Writable: true},
		{Name: "slug", Type: inspector.TypeString, Visible: true},
		{Name: "summary", Type: inspector.TypeString, Visible: true, Writable: true},
		{Name: "body", Type: inspector.TypeString, Visible: true},
		{Name: "tags", Type: inspector.TypeStrings, Visible: true, Writable: true},
		{Name: "cover_media_id", Type: inspector.TypeString, Visible: true, Writable: true},
		{Name: "status", Type: inspector.TypeString, Visible: true},
		{Name: "approver_id", Type: inspector.TypeString, Visible: true},
		{Name: "rejection_reason", Type: inspector.TypeString, Visible: true},
		{Name: "created_at", Type: inspector.TypeTime, Visible: true},
		{Name: "updated_at", Type: inspector.TypeTime, Visible: true},
		{Name: "published_at", Type: inspector.TypeTime, Visible: true},
		{Name: "history", Type: inspector.TypeObject, Visible: true},
	},
}

type itemAdapter struct {
	svc *Service
}

// InspectorAdapter exposes content items to the record inspector. Edits go
// through the same sanitising and tag rules as the lifecycle and never touch
// status, so the published indexes stay consistent.
func (s *Service) InspectorAdapter() inspector.Adapter {
	return itemAdapter{svc: s}
}

func (a itemAdapter) Schema() inspector.Schema { return itemSchema }

func (a itemAdapter) Decode(rec storage.Record) (map[string]any, error) {
	it, err := Decode(rec)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":               it.ID,
		"owner_id":         it.OwnerID,
		"title":            it.Title,
		"slug":             it.Slug,
		"summary":          it.Summary,
		"body":             it.Body,
		"tags":             it.Tags,
		"cover_media_id":   it.CoverMediaID,
		"status":           it.Status,
		"approver_id":      it.ApproverID,
		"rejection_reason": it.RejectionReason,
		"created_at":       inspector.Time(&it.CreatedAt),
		"updated_at":       inspector.Time(&it.UpdatedAt),
		"published_at":     inspector.Time(it.PublishedAt),
		"history":          it.History,
	}, nil
}

func (a itemAdapter) Apply(ctx context.Context, txn storage.Txn, rec storage.Record, changes map[string]any) (int64, error) {
	it, err := Decode(rec)
	if err != nil {
		return 0, err
	}
	var ch Changes
	for name, v := range changes {
		switch name {
		case "title", "summary", "cover_media_id":
			s, err := inspector.String(name, v)
			if err != nil {
				return 0, err
			}
			switch name {
			case "title":
				ch.Title = &s
			case "summary":
				ch.Summary = &s
			default:
				ch.CoverMediaID = &s
			}
		case "tags":
			tags, err := inspector.Strings(name, v)
			if err != nil {
				return 0, err
			}
			ch.Tags = &tags
		}
	}
	if err := a.svc.applyChanges(ctx, &it, ch); err != nil {
		return 0, err
	}
	it.UpdatedAt = a.svc.clock.Now()
	saved, err := Save(txn, it)
	if err != nil {
		return 0, err
	}
	return saved.Revision, nil
}

func (itemAdapter) Remove(ctx context.Context, txn storage.Txn, rec storage.Record) error {
	it, err := Decode(rec)
	if err != nil {
		return err
	}
	return remove(ctx, txn, it)
}
