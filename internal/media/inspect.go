package media

import (
	"context"
	"log/slog"

	"github.com/appbase-cms/appbase/internal/inspector"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

var schema = inspector.Schema{
	Family:  Family,
	Version: 1,
	Fields: []inspector.Field{
		{Name: "id", Type: inspector.TypeString, Visible: true},
		{Name: "owner_id", Type: inspector.TypeString, Visible: true},
		{Name: "filename", Type: inspector.TypeString, Visible: true, Writable: true},
		{Name: "storage_path", Type: inspector.TypeString, Visible: true},
		{Name: "mime_type", Type: inspector.TypeString, Visible: true},
		{Name: "size", Type: inspector.TypeInt, Visible: true},
		{Name: "digest", Type: inspector.TypeString, Visible: true},
		{Name: "linked_content", Type: inspector.TypeStrings, Visible: true},
		{Name: "created_at", Type: inspector.TypeTime, Visible: true},
	},
}

type adapter struct {
	svc *Service
}

// InspectorAdapter exposes asset metadata to the record inspector.
func (s *Service) InspectorAdapter() inspector.Adapter { return adapter{svc: s} }

func (adapter) Schema() inspector.Schema { return schema }

func (adapter) Decode(rec storage.Record) (map[string]any, error) {
	a, err := decode(rec)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":             a.ID,
		"owner_id":       a.OwnerID,
		"filename":       a.Filename,
		"storage_path":   a.StoragePath,
		"mime_type":      a.MIMEType,
		"size":           a.Size,
		"digest":         a.Digest,
		"linked_content": a.LinkedContent,
		"created_at":     inspector.Time(&a.CreatedAt),
	}, nil
}

func (adapter) Apply(_ context.Context, txn storage.Txn, rec storage.Record, changes map[string]any) (int64, error) {
	a, err := decode(rec)
	if err != nil {
		return 0, err
	}
	raw, err := inspector.String("filename", changes["filename"])
	if err != nil {
		return 0, err
	}
	name := cleanFilename(raw)
	if name == "" {
		return 0, shared.BadField("filename", "required")
	}
	a.Filename = name
	saved, err := save(txn, a)
	if err != nil {
		return 0, err
	}
	return saved.Revision, nil
}

// Remove deletes the asset record. Content that embeds it keeps its
// reference, as with Service.Delete.
func (adapter) Remove(_ context.Context, txn storage.Txn, rec storage.Record) error {
	txn.Delete(Family, rec.Key)
	return nil
}

// Removed deletes the blob of a removed asset.
func (a adapter) Removed(ctx context.Context, rec storage.Record) {
	if a.svc.store == nil {
		return
	}
	asset, err := decode(rec)
	if err != nil {
		a.svc.logger.Warn("decode removed asset", slog.String("media_id", rec.Key), slog.Any("error", err))
		return
	}
	if err := a.svc.store.Delete(ctx, asset.StoragePath); err != nil {
		a.svc.logger.Warn("media blob left behind", slog.String("media_id", asset.ID), slog.Any("error", err))
	}
}
