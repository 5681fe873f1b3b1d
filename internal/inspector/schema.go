// Package inspector is the administrative raw-record view. Each record
// family declares a versioned field schema; reads project only visible
// fields and writes are limited to fields the schema marks writable.
package inspector

import (
	"context"
	"fmt"
	"time"

	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

// ErrReadOnly is returned by adapters of families with no writable field.
var ErrReadOnly = fmt.Errorf("%w: family is read-only", shared.ErrSensitiveFieldBlocked)

// FieldType describes the JSON shape of a field value.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInt     FieldType = "int"
	TypeBool    FieldType = "bool"
	TypeTime    FieldType = "time"
	TypeStrings FieldType = "strings"
	TypeObject  FieldType = "object"
)

// Field is one column of a family. Sensitive fields are credentials: never
// read or written through the inspector regardless of the other flags.
type Field struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Visible   bool      `json:"visible"`
	Writable  bool      `json:"writable"`
	Sensitive bool      `json:"sensitive"`
}

// Schema declares the fields of a record family.
type Schema struct {
	Family  string  `json:"family"`
	Version int     `json:"version"`
	Fields  []Field `json:"fields"`
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// normalize forces sensitive fields hidden and read-only.
func (s Schema) normalize() Schema {
	out := s
	out.Fields = make([]Field, len(s.Fields))
	for i, f := range s.Fields {
		if f.Sensitive {
			f.Visible = false
			f.Writable = false
		}
		out.Fields[i] = f
	}
	return out
}

// Adapter exposes one record family to the inspector. Apply receives only
// changes already checked against the schema and must buffer the write,
// including index maintenance, on txn. It returns the new revision.
//
// Remove buffers the deletion of rec together with every record that only
// exists because of it. Families whose records must outlive their use
// return an error instead.
type Adapter interface {
	Schema() Schema
	Decode(rec storage.Record) (map[string]any, error)
	Apply(ctx context.Context, txn storage.Txn, rec storage.Record, changes map[string]any) (int64, error)
	Remove(ctx context.Context, txn storage.Txn, rec storage.Record) error
}

// Finalizer is implemented by adapters whose records own data outside the
// storage engine. Removed runs once the deleting transaction has committed.
type Finalizer interface {
	Removed(ctx context.Context, rec storage.Record)
}

// PasswordVerifier re-checks the password of the principal behind an actor.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, principalID, password string) error
}

// Row is a projected record.
type Row struct {
	Key      string         `json:"key"`
	Revision int64          `json:"revision"`
	Fields   map[string]any `json:"fields"`
}

// String coerces a decoded JSON value to a string.
func String(name string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", shared.BadField(name, "must be a string")
	}
	return s, nil
}

// Bool coerces a decoded JSON value to a bool.
func Bool(name string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, shared.BadField(name, "must be a boolean")
	}
	return b, nil
}

// Strings coerces a decoded JSON array to a string slice.
func Strings(name string, v any) ([]string, error) {
	switch vals := v.(type) {
	case []string:
		return vals, nil
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, shared.BadField(name, "must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, shared.BadField(name, "must be a list of strings")
}

// Time formats an optional timestamp for a row.
func Time(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func blocked(family, name string) error {
	return fmt.Errorf("%w: %s.%s", shared.ErrSensitiveFieldBlocked, family, name)
}
