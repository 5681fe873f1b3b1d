package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/observability"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72
	maxUsernameLen = 64
)

// Config tunes session lifetimes and login surfaces.
type Config struct {
	Secret          []byte
	TTL             time.Duration
	MaxLifetime     time.Duration
	RefreshInterval time.Duration
	Allowlists      map[authz.Role]IPAllowlist
	// HashCost overrides the bcrypt cost; zero means bcrypt.DefaultCost.
	HashCost int
}

// Service authenticates principals and manages their sessions.
type Service struct {
	engine    storage.Engine
	clock     clock.Clock
	cfg       Config
	signer    signer
	logger    *slog.Logger
	metrics   *observability.Metrics
	dummyHash []byte
}

// NewService constructs a Service.
func NewService(engine storage.Engine, clk clock.Clock, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("identity: session secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxLifetime < cfg.TTL {
		cfg.MaxLifetime = cfg.TTL
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("appbase-timing-parity"), cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("identity: dummy hash: %w", err)
	}
	return &Service{
		engine:    engine,
		clock:     clk,
		cfg:       cfg,
		signer:    signer{secret: cfg.Secret},
		logger:    logger,
		metrics:   metrics,
		dummyHash: dummy,
	}, nil
}

// Authenticate checks credentials on a role's login surface and issues a session.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (Issued, error) {
	role := string(req.Role)
	if allow, ok := s.cfg.Allowlists[req.Role]; ok && !allow.Allows(req.RemoteAddr) {
		s.metrics.Login(role, "ip_not_allowed")
		s.logger.Warn("login rejected by allowlist", slog.String("role", role), slog.String("remote_addr", req.RemoteAddr))
		return Issued{}, shared.ErrIPNotAllowed
	}

	var p Principal
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		p, err = findByUsername(ctx, txn, req.Role, req.Username)
		return err
	})
	switch {
	case errors.Is(err, shared.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		s.metrics.Login(role, "invalid")
		return Issued{}, shared.ErrInvalidCredentials
	case err != nil:
		return Issued{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)) != nil {
		s.metrics.Login(role, "invalid")
		return Issued{}, shared.ErrInvalidCredentials
	}
	if !p.Active {
		s.metrics.Login(role, "disabled")
		return Issued{}, shared.ErrAccountDisabled
	}

	issued, err := s.IssueSession(ctx, p, req.RemoteAddr, req.UserAgent)
	if err != nil {
		return Issued{}, err
	}
	s.metrics.Login(role, "ok")
	s.recordLogin(ctx, p.ID)
	return issued, nil
}

func (s *Service) recordLogin(ctx context.Context, id string) {
	now := s.clock.Now()
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		p, err := loadPrincipal(ctx, txn, id)
		if err != nil {
			return err
		}
		p.LastLoginAt = &now
		_, err = savePrincipal(txn, p)
		return err
	})
	if err != nil {
		s.logger.Debug("record last login", slog.String("principal_id", id), slog.Any("error", err))
	}
}

// IssueSession creates a session for an authenticated principal.
func (s *Service) IssueSession(ctx context.Context, p Principal, remoteAddr, userAgent string) (Issued, error) {
	id, err := newSessionID()
	if err != nil {
		return Issued{}, err
	}
	csrfSecret, err := randomBytes(32)
	if err != nil {
		return Issued{}, err
	}
	now := s.clock.Now()
	sess := Session{
		ID:             id,
		PrincipalID:    p.ID,
		Username:       p.Username,
		Role:           p.Role,
		Scopes:         slices.Clone(p.Scopes),
		Epoch:          p.CredentialEpoch,
		CSRFSecret:     csrfSecret,
		IssuedAt:       now,
		LastSeenAt:     now,
		ExpiresAt:      now.Add(s.cfg.TTL),
		AbsoluteExpiry: now.Add(s.cfg.MaxLifetime),
		RemoteAddr:     remoteAddr,
		UserAgent:      userAgent,
	}
	if err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		return saveSession(txn, sess)
	}); err != nil {
		return Issued{}, fmt.Errorf("identity: store session: %w", err)
	}
	return Issued{Token: s.signer.sign(id), CSRFToken: csrfToken(sess), Session: sess}, nil
}

// Validate resolves a token to its session. Role, scopes and username are
// taken from the stored principal, never from the token. When mutating is
// set the CSRF token must match the session-bound value.
func (s *Service) Validate(ctx context.Context, token, csrf string, mutating bool) (Session, error) {
	id, err := s.signer.verify(token)
	if err != nil {
		return Session{}, err
	}
	var (
		sess Session
		p    Principal
	)
	err = storage.View(ctx, s.engine, func(txn storage.Txn) error {
		rec, err := txn.Get(ctx, FamilySessions, id)
		if errors.Is(err, storage.ErrNotFound) {
			return shared.ErrSessionExpired
		}
		if err != nil {
			return err
		}
		if sess, err = decodeSession(rec); err != nil {
			return err
		}
		p, err = loadPrincipal(ctx, txn, sess.PrincipalID)
		if errors.Is(err, shared.ErrNotFound) {
			return shared.ErrSessionExpired
		}
		return err
	})
	if err != nil {
		return Session{}, err
	}

	now := s.clock.Now()
	if !now.Before(sess.ExpiresAt) || !now.Before(sess.AbsoluteExpiry) {
		s.drop(ctx, id)
		return Session{}, shared.ErrSessionExpired
	}
	if !p.Active {
		return Session{}, shared.ErrAccountDisabled
	}
	if p.CredentialEpoch != sess.Epoch || p.Role != sess.Role {
		s.drop(ctx, id)
		return Session{}, shared.ErrSessionExpired
	}
	if mutating {
		if err := verifyCSRF(sess, csrf); err != nil {
			return Session{}, err
		}
	}
	if now.Sub(sess.LastSeenAt) >= s.cfg.RefreshInterval {
		sess = s.touch(ctx, sess, now)
	}
	sess.Username = p.Username
	sess.Role = p.Role
	sess.Scopes = slices.Clone(p.Scopes)
	return sess, nil
}

// CSRFToken returns the CSRF token bound to sess.
func (s *Service) CSRFToken(sess Session) string {
	return csrfToken(sess)
}

// touch slides the idle expiry. A concurrent refresh winning is harmless.
func (s *Service) touch(ctx context.Context, sess Session, now time.Time) Session {
	next := sess
	next.LastSeenAt = now
	next.ExpiresAt = now.Add(s.cfg.TTL)
	if next.ExpiresAt.After(sess.AbsoluteExpiry) {
		next.ExpiresAt = sess.AbsoluteExpiry
	}
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		if _, err := txn.Get(ctx, FamilySessions, sess.ID); err != nil {
			return err
		}
		return saveSession(txn, next)
	})
	if err != nil {
		s.logger.Debug("refresh session", slog.Any("error", err))
		return sess
	}
	return next
}

func (s *Service) drop(ctx context.Context, id string) {
	if err := s.Invalidate(ctx, id); err != nil {
		s.logger.Debug("drop session", slog.Any("error", err))
	}
}

// Invalidate deletes one session.
func (s *Service) Invalidate(ctx context.Context, sessionID string) error {
	return storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		txn.Delete(FamilySessions, sessionID)
		return nil
	})
}

// Logout invalidates the session referenced by token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	id, err := s.signer.verify(token)
	if err != nil {
		return nil
	}
	return s.Invalidate(ctx, id)
}

// InvalidatePrincipal revokes every outstanding session of a principal.
func (s *Service) InvalidatePrincipal(ctx context.Context, principalID string) (int, error) {
	var n int
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		n, err = revokeSessions(ctx, txn, principalID)
		return err
	})
	return n, err
}

// SweepExpired deletes up to limit sessions whose idle expiry passed before now.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	var n int
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		var ids []string
		for rec, err := range txn.ScanIndex(ctx, FamilySessions, indexByExpiry, storage.Range{End: storage.TimeKey(now)}) {
			if err != nil {
				return err
			}
			ids = append(ids, rec.Key)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		for _, id := range ids {
			txn.Delete(FamilySessions, id)
		}
		n = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", shared.BadField("password", fmt.Sprintf("must be at least %d characters", minPasswordLen))
	}
	if len(password) > maxPasswordLen {
		return "", shared.BadField("password", fmt.Sprintf("must be at most %d bytes", maxPasswordLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.HashCost)
	if err != nil {
		return "", fmt.Errorf("identity: hash password: %w", err)
	}
	return string(hash), nil
}

func validateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	switch {
	case username == "":
		return "", shared.BadField("username", "required")
	case len(username) > maxUsernameLen:
		return "", shared.BadField("username", "too long")
	case strings.ContainsAny(username, "/\x00"):
		return "", shared.BadField("username", "contains reserved characters")
	}
	return username, nil
}

// CreatePrincipal registers an account. Scopes are only kept for contributors.
func (s *Service) CreatePrincipal(ctx context.Context, in NewPrincipal) (Principal, error) {
	username, err := validateUsername(in.Username)
	if err != nil {
		return Principal{}, err
	}
	if _, err := authz.ParseRole(string(in.Role)); err != nil {
		return Principal{}, err
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return Principal{}, err
	}
	now := s.clock.Now()
	p := Principal{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         in.Role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Role == authz.RoleContributor {
		p.Scopes = slices.Clone(in.Scopes)
	}
	err = storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		if err := reserveName(ctx, txn, p.Role, p.Username, p.ID); err != nil {
			return err
		}
		var err error
		p, err = savePrincipal(txn, p)
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		return Principal{}, shared.BadField("username", "already taken")
	}
	if err != nil {
		return Principal{}, err
	}
	s.logger.Info("principal created", slog.String("principal_id", p.ID), slog.String("role", string(p.Role)))
	return p, nil
}

// GetPrincipal loads a principal by id.
func (s *Service) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	var p Principal
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		p, err = loadPrincipal(ctx, txn, id)
		return err
	})
	return p, err
}

// FindPrincipal loads a principal by role and username.
func (s *Service) FindPrincipal(ctx context.Context, role authz.Role, username string) (Principal, error) {
	var p Principal
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		p, err = findByUsername(ctx, txn, role, username)
		return err
	})
	return p, err
}

// ListPrincipals returns principals ordered by role and username. An empty
// role lists every principal.
func (s *Service) ListPrincipals(ctx context.Context, role authz.Role) ([]Principal, error) {
	r := storage.Range{}
	if role != "" {
		r.Prefix = string(role) + "|"
	}
	var out []Principal
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		for rec, err := range txn.ScanIndex(ctx, FamilyPrincipals, indexByRole, r) {
			if err != nil {
				return err
			}
			p, err := decodePrincipal(rec)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// PrincipalChanges is a partial update applied by administrators.
type PrincipalChanges struct {
	Username         *string
	Active           *bool
	Scopes           *[]authz.Scope
	ExpectedRevision *int64
}

// UpdatePrincipal applies changes in one transaction. Deactivation revokes
// every session of the principal.
func (s *Service) UpdatePrincipal(ctx context.Context, id string, ch PrincipalChanges) (Principal, error) {
	var username string
	if ch.Username != nil {
		var err error
		if username, err = validateUsername(*ch.Username); err != nil {
			return Principal{}, err
		}
	}
	if ch.Username != nil {
		ch.Username = &username
	}
	return s.mutate(ctx, id, ch.ExpectedRevision, func(txn storage.Txn, p *Principal) (bool, error) {
		return applyPrincipalChanges(ctx, txn, p, ch)
	})
}

// applyPrincipalChanges edits p inside txn, moving the username reservation
// when the name changes. It reports whether sessions must be revoked.
func applyPrincipalChanges(ctx context.Context, txn storage.Txn, p *Principal, ch PrincipalChanges) (bool, error) {
	revoke := false
	if ch.Username != nil && *ch.Username != p.Username {
		username := *ch.Username
		if normalizeUsername(username) != normalizeUsername(p.Username) {
			if err := reserveName(ctx, txn, p.Role, username, p.ID); err != nil {
				return false, err
			}
			releaseName(txn, p.Role, p.Username)
		}
		p.Username = username
	}
	if ch.Scopes != nil {
		if p.Role != authz.RoleContributor && len(*ch.Scopes) > 0 {
			return false, shared.BadField("scopes", "only contributors carry scopes")
		}
		p.Scopes = slices.Clone(*ch.Scopes)
	}
	if ch.Active != nil {
		if p.Active && !*ch.Active {
			revoke = true
		}
		p.Active = *ch.Active
	}
	return revoke, nil
}

// ChangeUsername renames a principal within its role namespace.
func (s *Service) ChangeUsername(ctx context.Context, id, username string) (Principal, error) {
	return s.UpdatePrincipal(ctx, id, PrincipalChanges{Username: &username})
}

// SetScopes replaces a contributor's scopes.
func (s *Service) SetScopes(ctx context.Context, id string, scopes []authz.Scope) (Principal, error) {
	return s.UpdatePrincipal(ctx, id, PrincipalChanges{Scopes: &scopes})
}

// SetActive enables or disables a principal.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (Principal, error) {
	return s.UpdatePrincipal(ctx, id, PrincipalChanges{Active: &active})
}

// ChangePassword replaces the password hash and revokes prior sessions.
func (s *Service) ChangePassword(ctx context.Context, id, password string) error {
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, id, nil, func(_ storage.Txn, p *Principal) (bool, error) {
		p.PasswordHash = hash
		p.CredentialEpoch++
		return true, nil
	})
	return err
}

// ChangeOwnPassword verifies the current password before replacing it.
func (s *Service) ChangeOwnPassword(ctx context.Context, id, current, next string) error {
	if err := s.VerifyPassword(ctx, id, current); err != nil {
		return err
	}
	return s.ChangePassword(ctx, id, next)
}

// VerifyPassword checks password against the stored hash of principal id.
// Deactivated principals never verify.
func (s *Service) VerifyPassword(ctx context.Context, id, password string) error {
	p, err := s.GetPrincipal(ctx, id)
	if err != nil {
		return err
	}
	if !p.Active {
		return shared.ErrAccountDisabled
	}
	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) != nil {
		return shared.ErrInvalidCredentials
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, id string, expected *int64, fn func(storage.Txn, *Principal) (bool, error)) (Principal, error) {
	var out Principal
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		p, err := loadPrincipal(ctx, txn, id)
		if err != nil {
			return err
		}
		if expected != nil && *expected != p.Revision {
			return shared.ErrStaleWrite
		}
		revoke, err := fn(txn, &p)
		if err != nil {
			return err
		}
		if revoke {
			if _, err := revokeSessions(ctx, txn, p.ID); err != nil {
				return err
			}
		}
		p.UpdatedAt = s.clock.Now()
		out, err = savePrincipal(txn, p)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.metrics.Conflict("principal")
		}
		return Principal{}, staleOnConflict(err)
	}
	return out, nil
}
