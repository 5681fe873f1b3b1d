package settings

import (
	"context"

	"github.com/appbase-cms/appbase/internal/inspector"
	"github.com/appbase-cms/appbase/internal/storage"
)

var schema = inspector.Schema{
	Family:  Family,
	Version: 1,
	Fields: []inspector.Field{
		{Name: "key", Type: inspector.TypeString, Visible: true},
		{Name: "value", Type: inspector.TypeString, Visible: true, Writable: true},
		{Name: "updated_at", Type: inspector.TypeTime, Visible: true},
		{Name: "updated_by", Type: inspector.TypeString, Visible: true},
	},
}

type adapter struct {
	svc *Service
}

// InspectorAdapter exposes stored settings to the record inspector. Values
// pass the same validation as Set.
func (s *Service) InspectorAdapter() inspector.Adapter { return adapter{svc: s} }

func (adapter) Schema() inspector.Schema { return schema }

func (adapter) Decode(rec storage.Record) (map[string]any, error) {
	s, err := decode(rec)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key":        s.Key,
		"value":      s.Value,
		"updated_at": inspector.Time(&s.UpdatedAt),
		"updated_by": s.UpdatedBy,
	}, nil
}

func (a adapter) Apply(_ context.Context, txn storage.Txn, rec storage.Record, changes map[string]any) (int64, error) {
	cur, err := decode(rec)
	if err != nil {
		return 0, err
	}
	raw, err := inspector.String("value", changes["value"])
	if err != nil {
		return 0, err
	}
	value, err := a.svc.validate(cur.Key, raw)
	if err != nil {
		return 0, err
	}
	cur.Value = value
	cur.UpdatedAt = a.svc.clock.Now()
	saved, err := Save(txn, cur)
	if err != nil {
		return 0, err
	}
	return saved.Revision, nil
}

// Remove drops the stored value so the key reads as its default again.
func (adapter) Remove(_ context.Context, txn storage.Txn, rec storage.Record) error {
	txn.Delete(Family, rec.Key)
	return nil
}
