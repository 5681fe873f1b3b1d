package identity_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/identity"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T, allow map[authz.Role]identity.IPAllowlist) (*identity.Service, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	svc, err := identity.NewService(storage.NewMemoryEngine(), clk, identity.Config{
		Secret:          []byte(strings.Repeat("k", 32)),
		TTL:             time.Hour,
		MaxLifetime:     3 * time.Hour,
		RefreshInterval: time.Minute,
		Allowlists:      allow,
		HashCost:        bcrypt.MinCost,
	}, nil, nil)
	require.NoError(t, err)
	return svc, clk
}

func createContributor(t *testing.T, svc *identity.Service, name string, scopes ...authz.Scope) identity.Principal {
	t.Helper()
	p, err := svc.CreatePrincipal(context.Background(), identity.NewPrincipal{
		Username: name,
		Password: "correct horse",
		Role:     authz.RoleContributor,
		Scopes:   scopes,
	})
	require.NoError(t, err)
	return p
}

func login(t *testing.T, svc *identity.Service, role authz.Role, name string) identity.Issued {
	t.Helper()
	issued, err := svc.Authenticate(context.Background(), identity.LoginRequest{
		Role: role, Username: name, Password: "correct horse", RemoteAddr: "10.0.0.1:5000",
	})
	require.NoError(t, err)
	return issued
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	_, err := identity.NewService(storage.NewMemoryEngine(), nil, identity.Config{Secret: []byte("short")}, nil, nil)
	require.Error(t, err)
}

func TestAuthenticateIssuesValidSession(t *testing.T) {
	svc, _ := newService(t, nil)
	p := createContributor(t, svc, "Alice", authz.ScopeCanApprove)

	issued := login(t, svc, authz.RoleContributor, "alice")
	require.NotEmpty(t, issued.Token)
	require.NotEmpty(t, issued.CSRFToken)
	require.NotEqual(t, issued.Token, issued.CSRFToken)

	sess, err := svc.Validate(context.Background(), issued.Token, "", false)
	require.NoError(t, err)
	require.Equal(t, p.ID, sess.PrincipalID)
	require.Equal(t, authz.RoleContributor, sess.Role)
	require.Equal(t, []authz.Scope{authz.ScopeCanApprove}, sess.Scopes)

	got, err := svc.GetPrincipal(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
}

func TestAuthenticateDoesNotRevealUnknownUsers(t *testing.T) {
	svc, _ := newService(t, nil)
	createContributor(t, svc, "alice")
	ctx := context.Background()

	_, errUnknown := svc.Authenticate(ctx, identity.LoginRequest{Role: authz.RoleContributor, Username: "mallory", Password: "correct horse"})
	_, errWrong := svc.Authenticate(ctx, identity.LoginRequest{Role: authz.RoleContributor, Username: "alice", Password: "wrong password"})
	require.ErrorIs(t, errUnknown, shared.ErrInvalidCredentials)
	require.ErrorIs(t, errWrong, shared.ErrInvalidCredentials)
	require.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestAuthenticateIsScopedToRole(t *testing.T) {
	svc, _ := newService(t, nil)
	createContributor(t, svc, "alice")

	_, err := svc.Authenticate(context.Background(), identity.LoginRequest{Role: authz.RoleAdmin, Username: "alice", Password: "correct horse"})
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateEnforcesAllowlist(t *testing.T) {
	allow, err := identity.ParseIPAllowlist("192.168.1.0/24")
	require.NoError(t, err)
	svc, _ := newService(t, map[authz.Role]identity.IPAllowlist{authz.RoleContributor: allow})
	createContributor(t, svc, "alice")
	ctx := context.Background()

	_, err = svc.Authenticate(ctx, identity.LoginRequest{Role: authz.RoleContributor, Username: "alice", Password: "correct horse", RemoteAddr: "10.1.1.1:1234"})
	require.ErrorIs(t, err, shared.ErrIPNotAllowed)

	_, err = svc.Authenticate(ctx, identity.LoginRequest{Role: authz.RoleContributor, Username: "alice", Password: "correct horse", RemoteAddr: "192.168.1.20:1234"})
	require.NoError(t, err)
}

func TestDisabledAccount(t *testing.T) {
	svc, _ := newService(t, nil)
	p := createContributor(t, svc, "alice")
	issued := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	_, err := svc.SetActive(ctx, p.ID, false)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, identity.LoginRequest{Role: authz.RoleContributor, Username: "alice", Password: "correct horse"})
	require.ErrorIs(t, err, shared.ErrAccountDisabled)
	_, err = svc.Validate(ctx, issued.Token, "", false)
	require.Error(t, err)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	svc, _ := newService(t, nil)
	createContributor(t, svc, "alice")
	issued := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	id, sig, ok := strings.Cut(issued.Token, ".")
	require.True(t, ok)
	flipped := []byte(id)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}

	for _, token := range []string{
		string(flipped) + "." + sig,
		id + "." + sig + "x",
		id,
		"",
		"not-a-token",
	} {
		_, err := svc.Validate(ctx, token, "", false)
		require.ErrorIs(t, err, shared.ErrSessionInvalid, token)
	}
}

func TestValidateRejectsExpiredSessions(t *testing.T) {
	svc, clk := newService(t, nil)
	createContributor(t, svc, "alice")
	issued := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	clk.Advance(time.Hour + time.Second)
	_, err := svc.Validate(ctx, issued.Token, "", false)
	require.ErrorIs(t, err, shared.ErrSessionExpired)

	_, err = svc.Validate(ctx, issued.Token, "", false)
	require.ErrorIs(t, err, shared.ErrSessionExpired)
}

func TestActivityRefreshIsCappedByAbsoluteLifetime(t *testing.T) {
	svc, clk := newService(t, nil)
	createContributor(t, svc, "alice")
	issued := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clk.Advance(45 * time.Minute)
		sess, err := svc.Validate(ctx, issued.Token, "", false)
		if i < 3 {
			require.NoError(t, err)
			require.False(t, sess.ExpiresAt.After(sess.AbsoluteExpiry))
			continue
		}
		require.ErrorIs(t, err, shared.ErrSessionExpired)
	}
}

func TestPasswordChangeRevokesSessions(t *testing.T) {
	svc, _ := newService(t, nil)
	p := createContributor(t, svc, "alice")
	first := login(t, svc, authz.RoleContributor, "alice")
	second := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	require.NoError(t, svc.ChangePassword(ctx, p.ID, "battery staple"))

	for _, token := range []string{first.Token, second.Token} {
		_, err := svc.Validate(ctx, token, "", false)
		require.ErrorIs(t, err, shared.ErrSessionExpired)
	}
	_, err := svc.Authenticate(ctx, identity.LoginRequest{Role: authz.RoleContributor, Username: "alice", Password: "battery staple"})
	require.NoError(t, err)
}

func TestChangeOwnPasswordChecksCurrent(t *testing.T) {
	svc, _ := newService(t, nil)
	p := createContributor(t, svc, "alice")
	ctx := context.Background()

	err := svc.ChangeOwnPassword(ctx, p.ID, "nope nope", "battery staple")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	require.NoError(t, svc.ChangeOwnPassword(ctx, p.ID, "correct horse", "battery staple"))

	err = svc.ChangePassword(ctx, p.ID, "short")
	require.ErrorIs(t, err, shared.ErrBadField)
}

func TestCSRFRequiredForMutations(t *testing.T) {
	svc, _ := newService(t, nil)
	createContributor(t, svc, "alice")
	issued := login(t, svc, authz.RoleContributor, "alice")
	other := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	_, err := svc.Validate(ctx, issued.Token, "", true)
	require.ErrorIs(t, err, shared.ErrCSRFMismatch)
	_, err = svc.Validate(ctx, issued.Token, other.CSRFToken, true)
	require.ErrorIs(t, err, shared.ErrCSRFMismatch)
	_, err = svc.Validate(ctx, issued.Token, issued.CSRFToken, true)
	require.NoError(t, err)
}

func TestLogoutInvalidatesOnlyThatSession(t *testing.T) {
	svc, _ := newService(t, nil)
	p := createContributor(t, svc, "alice")
	first := login(t, svc, authz.RoleContributor, "alice")
	second := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	require.NoError(t, svc.Logout(ctx, first.Token))
	_, err := svc.Validate(ctx, first.Token, "", false)
	require.ErrorIs(t, err, shared.ErrSessionExpired)
	_, err = svc.Validate(ctx, second.Token, "", false)
	require.NoError(t, err)

	n, err := svc.InvalidatePrincipal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = svc.Validate(ctx, second.Token, "", false)
	require.ErrorIs(t, err, shared.ErrSessionExpired)
}

func TestScopesAreReadFromPrincipal(t *testing.T) {
	svc, _ := newService(t, nil)
	p := createContributor(t, svc, "alice")
	issued := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	_, err := svc.SetScopes(ctx, p.ID, []authz.Scope{authz.ScopeCanApprove})
	require.NoError(t, err)
	sess, err := svc.Validate(ctx, issued.Token, "", false)
	require.NoError(t, err)
	require.True(t, sess.Actor().Has(authz.ScopeCanApprove))
}

func TestUsernamesAreUniquePerRole(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	createContributor(t, svc, "alice")

	_, err := svc.CreatePrincipal(ctx, identity.NewPrincipal{Username: "ALICE", Password: "correct horse", Role: authz.RoleContributor})
	require.ErrorIs(t, err, shared.ErrBadField)

	_, err = svc.CreatePrincipal(ctx, identity.NewPrincipal{Username: "alice", Password: "correct horse", Role: authz.RoleAdmin})
	require.NoError(t, err)
}

func TestChangeUsernameMovesReservation(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	alice := createContributor(t, svc, "alice")
	createContributor(t, svc, "bob")

	_, err := svc.ChangeUsername(ctx, alice.ID, "bob")
	require.ErrorIs(t, err, shared.ErrBadField)

	renamed, err := svc.ChangeUsername(ctx, alice.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, "carol", renamed.Username)

	_, err = svc.FindPrincipal(ctx, authz.RoleContributor, "alice")
	require.ErrorIs(t, err, shared.ErrNotFound)
	found, err := svc.FindPrincipal(ctx, authz.RoleContributor, "carol")
	require.NoError(t, err)
	require.Equal(t, alice.ID, found.ID)

	createContributor(t, svc, "alice")
}

func TestUpdatePrincipalChecksRevision(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	p := createContributor(t, svc, "alice")

	stale := p.Revision + 5
	active := false
	_, err := svc.UpdatePrincipal(ctx, p.ID, identity.PrincipalChanges{Active: &active, ExpectedRevision: &stale})
	require.ErrorIs(t, err, shared.ErrStaleWrite)

	updated, err := svc.UpdatePrincipal(ctx, p.ID, identity.PrincipalChanges{Active: &active, ExpectedRevision: &p.Revision})
	require.NoError(t, err)
	require.False(t, updated.Active)
	require.Greater(t, updated.Revision, p.Revision)
}

func TestAdminsCarryNoScopes(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	admin, err := svc.CreatePrincipal(ctx, identity.NewPrincipal{Username: "root", Password: "correct horse", Role: authz.RoleAdmin, Scopes: []authz.Scope{authz.ScopeCanApprove}})
	require.NoError(t, err)
	require.Empty(t, admin.Scopes)

	_, err = svc.SetScopes(ctx, admin.ID, []authz.Scope{authz.ScopeCanApprove})
	require.ErrorIs(t, err, shared.ErrBadField)
}

func TestListPrincipalsByRole(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	createContributor(t, svc, "zed")
	createContributor(t, svc, "amy")
	_, err := svc.CreatePrincipal(ctx, identity.NewPrincipal{Username: "root", Password: "correct horse", Role: authz.RoleAdmin})
	require.NoError(t, err)

	contributors, err := svc.ListPrincipals(ctx, authz.RoleContributor)
	require.NoError(t, err)
	require.Len(t, contributors, 2)
	require.Equal(t, "amy", contributors[0].Username)
	require.Equal(t, "zed", contributors[1].Username)

	all, err := svc.ListPrincipals(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestSweepExpired(t *testing.T) {
	svc, clk := newService(t, nil)
	createContributor(t, svc, "alice")
	old := login(t, svc, authz.RoleContributor, "alice")
	ctx := context.Background()

	clk.Advance(2 * time.Hour)
	fresh := login(t, svc, authz.RoleContributor, "alice")

	n, err := svc.SweepExpired(ctx, clk.Now(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = svc.Validate(ctx, old.Token, "", false)
	require.ErrorIs(t, err, shared.ErrSessionExpired)
	_, err = svc.Validate(ctx, fresh.Token, "", false)
	require.NoError(t, err)
}
