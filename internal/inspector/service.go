package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/observability"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

var recordResource = authz.Resource{Kind: authz.KindRecord}

// revisionField is system managed in every family.
const revisionField = "revision"

// Service reads and writes records of registered families.
type Service struct {
	engine   storage.Engine
	logger   *slog.Logger
	metrics  *observability.Metrics
	adapters map[string]Adapter
	schemas  map[string]Schema
	order    []string
	verifier PasswordVerifier
}

// NewService constructs a Service over the given adapters.
func NewService(engine storage.Engine, logger *slog.Logger, metrics *observability.Metrics, adapters ...Adapter) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
		adapters: make(map[string]Adapter),
		schemas:  make(map[string]Schema),
	}
	for _, a := range adapters {
		s.Register(a)
	}
	return s
}

// Register adds a family. A later registration for the same family wins.
func (s *Service) Register(a Adapter) {
	schema := a.Schema().normalize()
	if _, ok := s.adapters[schema.Family]; !ok {
		s.order = append(s.order, schema.Family)
	}
	s.adapters[schema.Family] = a
	s.schemas[schema.Family] = schema
}

// ConfirmPasswordsWith sets the verifier Clean uses. Without one, Clean is
// always denied.
func (s *Service) ConfirmPasswordsWith(v PasswordVerifier) {
	s.verifier = v
}

// Families lists every registered schema.
func (s *Service) Families(actor authz.Actor) ([]Schema, error) {
	if err := authz.Decide(actor, authz.InspectorRead, recordResource).Err(); err != nil {
		return nil, err
	}
	out := make([]Schema, 0, len(s.order))
	for _, family := range s.order {
		out = append(out, s.schemas[family])
	}
	return out, nil
}

// ListFields returns the schema of family.
func (s *Service) ListFields(actor authz.Actor, family string) (Schema, error) {
	if err := authz.Decide(actor, authz.InspectorRead, recordResource).Err(); err != nil {
		return Schema{}, err
	}
	schema, ok := s.schemas[family]
	if !ok {
		return Schema{}, shared.ErrNotFound
	}
	return schema, nil
}

// List returns records of family in key order.
func (s *Service) List(ctx context.Context, actor authz.Actor, family string, page shared.Page) ([]Row, error) {
	if err := authz.Decide(actor, authz.InspectorRead, recordResource).Err(); err != nil {
		return nil, err
	}
	adapter, schema, err := s.lookup(family)
	if err != nil {
		return nil, err
	}
	rows := []Row{}
	i := 0
	err = storage.View(ctx, s.engine, func(txn storage.Txn) error {
		for rec, err := range txn.ScanIndex(ctx, family, storage.PrimaryIndex, storage.Range{}) {
			if err != nil {
				return err
			}
			inside, done := page.Window(i)
			i++
			if done {
				return nil
			}
			if !inside {
				continue
			}
			row, err := project(adapter, schema, rec)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Read returns one record.
func (s *Service) Read(ctx context.Context, actor authz.Actor, family, key string) (Row, error) {
	if err := authz.Decide(actor, authz.InspectorRead, recordResource).Err(); err != nil {
		return Row{}, err
	}
	adapter, schema, err := s.lookup(family)
	if err != nil {
		return Row{}, err
	}
	var row Row
	err = storage.View(ctx, s.engine, func(txn storage.Txn) error {
		rec, err := get(ctx, txn, family, key)
		if err != nil {
			return err
		}
		row, err = project(adapter, schema, rec)
		return err
	})
	return row, err
}

// Write applies field changes to one record in a single transaction. Field
// checks run before the policy so a blocked field is reported the same way
// for every caller.
func (s *Service) Write(ctx context.Context, actor authz.Actor, family, key string, expected int64, changes map[string]any) (Row, error) {
	adapter, schema, err := s.lookup(family)
	if err != nil {
		return Row{}, err
	}
	if err := checkChanges(schema, changes); err != nil {
		s.logger.Warn("inspector write rejected",
			slog.String("family", family),
			slog.String("key", key),
			slog.String("actor", actor.ID),
			slog.Any("error", err),
		)
		return Row{}, err
	}
	if err := authz.Decide(actor, authz.InspectorWrite, recordResource).Err(); err != nil {
		return Row{}, err
	}
	var revision int64
	err = storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		rec, err := get(ctx, txn, family, key)
		if err != nil {
			return err
		}
		if rec.Revision != expected {
			return fmt.Errorf("%w: expected revision %d, current %d", shared.ErrStaleWrite, expected, rec.Revision)
		}
		revision, err = adapter.Apply(ctx, txn, rec, changes)
		return err
	})
	if err != nil {
		return Row{}, s.staleOnConflict(family, err)
	}
	s.logger.Info("inspector write",
		slog.String("family", family),
		slog.String("key", key),
		slog.Int64("revision", revision),
		slog.String("actor", actor.ID),
	)
	return s.Read(ctx, actor, family, key)
}

// Delete removes one record and its dependents in a single transaction.
func (s *Service) Delete(ctx context.Context, actor authz.Actor, family, key string, expected int64) error {
	adapter, _, err := s.lookup(family)
	if err != nil {
		return err
	}
	if err := authz.Decide(actor, authz.InspectorWrite, recordResource).Err(); err != nil {
		return err
	}
	var removed storage.Record
	err = storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		rec, err := get(ctx, txn, family, key)
		if err != nil {
			return err
		}
		if rec.Revision != expected {
			return fmt.Errorf("%w: expected revision %d, current %d", shared.ErrStaleWrite, expected, rec.Revision)
		}
		removed = rec
		return adapter.Remove(ctx, txn, rec)
	})
	if err != nil {
		return s.staleOnConflict(family, err)
	}
	finalize(ctx, adapter, removed)
	s.logger.Info("inspector delete",
		slog.String("family", family),
		slog.String("key", key),
		slog.String("actor", actor.ID),
	)
	return nil
}

// Clean removes every record of family, with dependents, in a single
// transaction. The caller must re-enter their password.
func (s *Service) Clean(ctx context.Context, actor authz.Actor, family, password string) (int, error) {
	adapter, _, err := s.lookup(family)
	if err != nil {
		return 0, err
	}
	if err := authz.Decide(actor, authz.InspectorWrite, recordResource).Err(); err != nil {
		return 0, err
	}
	if err := s.confirm(ctx, actor, password); err != nil {
		s.logger.Warn("inspector clean refused",
			slog.String("family", family),
			slog.String("actor", actor.ID),
			slog.Any("error", err),
		)
		return 0, err
	}

	var removed []storage.Record
	err = storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		removed = removed[:0]
		var keys []string
		for rec, err := range txn.ScanIndex(ctx, family, storage.PrimaryIndex, storage.Range{}) {
			if err != nil {
				return err
			}
			keys = append(keys, rec.Key)
		}
		for _, key := range keys {
			rec, err := get(ctx, txn, family, key)
			if errors.Is(err, shared.ErrNotFound) {
				// already removed as a dependent of an earlier record
				continue
			}
			if err != nil {
				return err
			}
			if err := adapter.Remove(ctx, txn, rec); err != nil {
				return err
			}
			removed = append(removed, rec)
		}
		return nil
	})
	if err != nil {
		return 0, s.staleOnConflict(family, err)
	}
	for _, rec := range removed {
		finalize(ctx, adapter, rec)
	}
	s.logger.Warn("inspector clean",
		slog.String("family", family),
		slog.Int("removed", len(removed)),
		slog.String("actor", actor.ID),
	)
	return len(removed), nil
}

func (s *Service) confirm(ctx context.Context, actor authz.Actor, password string) error {
	if s.verifier == nil {
		return shared.Deny("password confirmation unavailable")
	}
	if password == "" {
		return shared.BadField("password", "required")
	}
	err := s.verifier.VerifyPassword(ctx, actor.ID, password)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, shared.ErrInvalidCredentials), errors.Is(err, shared.ErrNotFound):
		return shared.Deny("password confirmation failed")
	default:
		return err
	}
}

func (s *Service) staleOnConflict(family string, err error) error {
	if errors.Is(err, storage.ErrConflict) {
		s.metrics.Conflict("inspector." + family)
		return fmt.Errorf("%w: %v", shared.ErrStaleWrite, err)
	}
	return err
}

func finalize(ctx context.Context, adapter Adapter, rec storage.Record) {
	if f, ok := adapter.(Finalizer); ok {
		f.Removed(ctx, rec)
	}
}

func (s *Service) lookup(family string) (Adapter, Schema, error) {
	adapter, ok := s.adapters[family]
	if !ok {
		return nil, Schema{}, shared.ErrNotFound
	}
	return adapter, s.schemas[family], nil
}

func checkChanges(schema Schema, changes map[string]any) error {
	if len(changes) == 0 {
		return shared.BadField("fields", "no changes")
	}
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if name == revisionField {
			return blocked(schema.Family, name)
		}
		if f, ok := schema.Field(name); ok && !f.Writable {
			return blocked(schema.Family, name)
		}
	}
	for _, name := range names {
		if _, ok := schema.Field(name); !ok {
			return shared.BadField(name, "unknown field")
		}
	}
	return nil
}

func get(ctx context.Context, txn storage.Txn, family, key string) (storage.Record, error) {
	rec, err := txn.Get(ctx, family, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, shared.ErrNotFound
	}
	return rec, err
}

func project(adapter Adapter, schema Schema, rec storage.Record) (Row, error) {
	decoded, err := adapter.Decode(rec)
	if err != nil {
		return Row{}, err
	}
	fields := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		if !f.Visible {
			continue
		}
		fields[f.Name] = decoded[f.Name]
	}
	return Row{Key: rec.Key, Revision: rec.Revision, Fields: fields}, nil
}
