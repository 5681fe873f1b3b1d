package identity

import (
	"slices"
	"strings"
	"time"

	"github.com/appbase-cms/appbase/internal/authz"
)

// Principal is an operator account. Principals are deactivated, never
// deleted, so ownership references stay valid.
type Principal struct {
	ID              string        `cbor:"id" json:"id"`
	Username        string        `cbor:"username" json:"username"`
	PasswordHash    string        `cbor:"password_hash" json:"-"`
	Role            authz.Role    `cbor:"role" json:"role"`
	Scopes          []authz.Scope `cbor:"scopes" json:"scopes"`
	Active          bool          `cbor:"active" json:"active"`
	CredentialEpoch int64         `cbor:"credential_epoch" json:"-"`
	CreatedAt       time.Time     `cbor:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `cbor:"updated_at" json:"updated_at"`
	LastLoginAt     *time.Time    `cbor:"last_login_at" json:"last_login_at,omitempty"`
	Revision        int64         `cbor:"-" json:"revision"`
}

// Actor projects the principal onto the policy subject.
func (p Principal) Actor() authz.Actor {
	return authz.Actor{ID: p.ID, Role: p.Role, Scopes: slices.Clone(p.Scopes)}
}

// Session is a server-side record proving a principal's identity. The token
// handed to clients only references it.
type Session struct {
	ID             string        `cbor:"id" json:"-"`
	PrincipalID    string        `cbor:"principal_id" json:"principal_id"`
	Username       string        `cbor:"username" json:"username"`
	Role           authz.Role    `cbor:"role" json:"role"`
	Scopes         []authz.Scope `cbor:"scopes" json:"scopes"`
	Epoch          int64         `cbor:"epoch" json:"-"`
	CSRFSecret     []byte        `cbor:"csrf_secret" json:"-"`
	IssuedAt       time.Time     `cbor:"issued_at" json:"issued_at"`
	LastSeenAt     time.Time     `cbor:"last_seen_at" json:"last_seen_at"`
	ExpiresAt      time.Time     `cbor:"expires_at" json:"expires_at"`
	AbsoluteExpiry time.Time     `cbor:"absolute_expiry" json:"absolute_expiry"`
	RemoteAddr     string        `cbor:"remote_addr" json:"-"`
	UserAgent      string        `cbor:"user_agent" json:"-"`
}

// Actor returns the policy subject bound to the session.
func (s Session) Actor() authz.Actor {
	return authz.Actor{ID: s.PrincipalID, Role: s.Role, Scopes: slices.Clone(s.Scopes)}
}

// Issued is returned by a successful login.
type Issued struct {
	Token     string
	CSRFToken string
	Session   Session
}

// NewPrincipal carries the inputs for account creation.
type NewPrincipal struct {
	Username string
	Password string
	Role     authz.Role
	Scopes   []authz.Scope
}

// LoginRequest carries credentials and the caller address.
type LoginRequest struct {
	Role       authz.Role
	Username   string
	Password   string
	RemoteAddr string
	UserAgent  string
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
