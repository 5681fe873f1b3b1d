package identity

import (
	"context"

	"github.com/appbase-cms/appbase/internal/inspector"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

var principalSchema = inspector.Schema{
	Family:  FamilyPrincipals,
	Version: 1,
	Fields: []inspector.Field{
		{Name: "id", Type: inspector.TypeString, Visible: true},
		{Name: "username", Type: inspector.TypeString, Visible: true, Writable: true},
		{Name: "role", Type: inspector.TypeString, Visible: true},
		{Name: "scopes", Type: inspector.TypeStrings, Visible: true},
		{Name: "active", Type: inspector.TypeBool, Visible: true, Writable: true},
		{Name: "password_hash", Type: inspector.TypeString, Sensitive: true},
		{Name: "credential_epoch", Type: inspector.TypeInt},
		{Name: "created_at", Type: inspector.TypeTime, Visible: true},
		{Name: "updated_at", Type: inspector.TypeTime, Visible: true},
		{Name: "last_login_at", Type: inspector.TypeTime, Visible: true},
	},
}

var sessionSchema = inspector.Schema{
	Family:  FamilySessions,
	Version: 1,
	Fields: []inspector.Field{
		{Name: "principal_id", Type: inspector.TypeString, Visible: true},
		{Name: "username", Type: inspector.TypeString, Visible: true},
		{Name: "role", Type: inspector.TypeString, Visible: true},
		{Name: "scopes", Type: inspector.TypeStrings, Visible: true},
		{Name: "epoch", Type: inspector.TypeInt},
		{Name: "csrf_secret", Type: inspector.TypeString, Sensitive: true},
		{Name: "issued_at", Type: inspector.TypeTime, Visible: true},
		{Name: "last_seen_at", Type: inspector.TypeTime, Visible: true},
		{Name: "expires_at", Type: inspector.TypeTime, Visible: true},
		{Name: "absolute_expiry", Type: inspector.TypeTime, Visible: true},
		{Name: "remote_addr", Type: inspector.TypeString, Visible: true},
		{Name: "user_agent", Type: inspector.TypeString, Visible: true},
	},
}

type principalAdapter struct {
	svc *Service
}

// PrincipalAdapter exposes principals to the record inspector. Password
// hashes are never projected or accepted.
func (s *Service) PrincipalAdapter() inspector.Adapter { return principalAdapter{svc: s} }

func (a principalAdapter) Schema() inspector.Schema { return principalSchema }

func (a principalAdapter) Decode(rec storage.Record) (map[string]any, error) {
	p, err := decodePrincipal(rec)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            p.ID,
		"username":      p.Username,
		"role":          p.Role,
		"scopes":        p.Scopes,
		"active":        p.Active,
		"created_at":    inspector.Time(&p.CreatedAt),
		"updated_at":    inspector.Time(&p.UpdatedAt),
		"last_login_at": inspector.Time(p.LastLoginAt),
	}, nil
}

func (a principalAdapter) Apply(ctx context.Context, txn storage.Txn, rec storage.Record, changes map[string]any) (int64, error) {
	p, err := decodePrincipal(rec)
	if err != nil {
		return 0, err
	}
	var ch PrincipalChanges
	if v, ok := changes["username"]; ok {
		raw, err := inspector.String("username", v)
		if err != nil {
			return 0, err
		}
		username, err := validateUsername(raw)
		if err != nil {
			return 0, err
		}
		ch.Username = &username
	}
	if v, ok := changes["active"]; ok {
		active, err := inspector.Bool("active", v)
		if err != nil {
			return 0, err
		}
		ch.Active = &active
	}
	revoke, err := applyPrincipalChanges(ctx, txn, &p, ch)
	if err != nil {
		return 0, err
	}
	if revoke {
		if _, err := revokeSessions(ctx, txn, p.ID); err != nil {
			return 0, err
		}
	}
	p.UpdatedAt = a.svc.clock.Now()
	saved, err := savePrincipal(txn, p)
	if err != nil {
		return 0, err
	}
	return saved.Revision, nil
}

// Remove refuses: principals own content and media, so they are
// deactivated instead of deleted.
func (principalAdapter) Remove(context.Context, storage.Txn, storage.Record) error {
	return shared.Deny("principals are deactivated, not deleted")
}

type sessionAdapter struct{}

// SessionAdapter exposes sessions read-only. CSRF secrets stay hidden.
func (s *Service) SessionAdapter() inspector.Adapter { return sessionAdapter{} }

func (sessionAdapter) Schema() inspector.Schema { return sessionSchema }

func (sessionAdapter) Decode(rec storage.Record) (map[string]any, error) {
	sess, err := decodeSession(rec)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"principal_id":    sess.PrincipalID,
		"username":        sess.Username,
		"role":            sess.Role,
		"scopes":          sess.Scopes,
		"issued_at":       inspector.Time(&sess.IssuedAt),
		"last_seen_at":    inspector.Time(&sess.LastSeenAt),
		"expires_at":      inspector.Time(&sess.ExpiresAt),
		"absolute_expiry": inspector.Time(&sess.AbsoluteExpiry),
		"remote_addr":     sess.RemoteAddr,
		"user_agent":      sess.UserAgent,
	}, nil
}

// Apply is unreachable: no session field is writable.
func (sessionAdapter) Apply(context.Context, storage.Txn, storage.Record, map[string]any) (int64, error) {
	return 0, inspector.ErrReadOnly
}

// Remove revokes the session.
func (sessionAdapter) Remove(_ context.Context, txn storage.Txn, rec storage.Record) error {
	txn.Delete(FamilySessions, rec.Key)
	return nil
}
