package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/platform/codec"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

// Record families owned by this package.
const (
	FamilyPrincipals     = "principals"
	FamilyPrincipalNames = "principal_names"
	FamilySessions       = "sessions"
)

const (
	indexByRole      = "by_role"
	indexByPrincipal = "by_principal"
	indexByExpiry    = "by_expiry"
)

func nameKey(role authz.Role, username string) string {
	return string(role) + "/" + normalizeUsername(username)
}

func principalIndexes(p Principal) []storage.IndexEntry {
	return []storage.IndexEntry{{Name: indexByRole, Key: string(p.Role) + "|" + normalizeUsername(p.Username)}}
}

func sessionIndexes(s Session) []storage.IndexEntry {
	return []storage.IndexEntry{
		{Name: indexByPrincipal, Key: s.PrincipalID},
		{Name: indexByExpiry, Key: storage.TimeKey(s.ExpiresAt)},
	}
}

func decodePrincipal(rec storage.Record) (Principal, error) {
	var p Principal
	if err := codec.Unmarshal(rec.Value, &p); err != nil {
		return Principal{}, fmt.Errorf("identity: decode principal %s: %w", rec.Key, err)
	}
	p.Revision = rec.Revision
	return p, nil
}

func loadPrincipal(ctx context.Context, txn storage.Txn, id string) (Principal, error) {
	rec, err := txn.Get(ctx, FamilyPrincipals, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Principal{}, shared.ErrNotFound
	}
	if err != nil {
		return Principal{}, err
	}
	return decodePrincipal(rec)
}

func savePrincipal(txn storage.Txn, p Principal) (Principal, error) {
	value, err := codec.Marshal(p)
	if err != nil {
		return Principal{}, err
	}
	p.Revision = txn.Put(FamilyPrincipals, storage.Record{Key: p.ID, Value: value, Indexes: principalIndexes(p)})
	return p, nil
}

func findByUsername(ctx context.Context, txn storage.Txn, role authz.Role, username string) (Principal, error) {
	rec, err := txn.Get(ctx, FamilyPrincipalNames, nameKey(role, username))
	if errors.Is(err, storage.ErrNotFound) {
		return Principal{}, shared.ErrNotFound
	}
	if err != nil {
		return Principal{}, err
	}
	return loadPrincipal(ctx, txn, string(rec.Value))
}

// reserveName claims a username within a role namespace. A concurrent claim
// of the same name surfaces as a commit conflict.
func reserveName(ctx context.Context, txn storage.Txn, role authz.Role, username, principalID string) error {
	key := nameKey(role, username)
	_, err := txn.Get(ctx, FamilyPrincipalNames, key)
	switch {
	case err == nil:
		return shared.BadField("username", "already taken")
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	txn.Put(FamilyPrincipalNames, storage.Record{Key: key, Value: []byte(principalID)})
	return nil
}

func releaseName(txn storage.Txn, role authz.Role, username string) {
	txn.Delete(FamilyPrincipalNames, nameKey(role, username))
}

func decodeSession(rec storage.Record) (Session, error) {
	var s Session
	if err := codec.Unmarshal(rec.Value, &s); err != nil {
		return Session{}, fmt.Errorf("identity: decode session: %w", err)
	}
	return s, nil
}

func saveSession(txn storage.Txn, s Session) error {
	value, err := codec.Marshal(s)
	if err != nil {
		return err
	}
	txn.Put(FamilySessions, storage.Record{Key: s.ID, Value: value, Indexes: sessionIndexes(s)})
	return nil
}

// revokeSessions deletes every session of a principal inside txn.
func revokeSessions(ctx context.Context, txn storage.Txn, principalID string) (int, error) {
	var ids []string
	for rec, err := range txn.ScanIndex(ctx, FamilySessions, indexByPrincipal, storage.Exact(principalID)) {
		if err != nil {
			return 0, err
		}
		ids = append(ids, rec.Key)
	}
	for _, id := range ids {
		txn.Delete(FamilySessions, id)
	}
	return len(ids), nil
}

// staleOnConflict turns a commit conflict into the caller-facing stale write.
func staleOnConflict(err error) error {
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: %v", shared.ErrStaleWrite, err)
	}
	return err
}
