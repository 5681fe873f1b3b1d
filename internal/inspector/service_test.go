package inspector_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/content"
	"github.com/appbase-cms/appbase/internal/identity"
	"github.com/appbase-cms/appbase/internal/inspector"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/settings"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

var (
	admin       = authz.Actor{ID: "admin-1", Role: authz.RoleAdmin}
	contributor = authz.Actor{ID: "c-1", Role: authz.RoleContributor, Scopes: []authz.Scope{authz.ScopeCanApprove}}
)

type fixture struct {
	inspector *inspector.Service
	content   *content.Service
	identity  *identity.Service
	settings  *settings.Service
	engine    storage.Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	engine := storage.NewMemoryEngine()
	clk := clock.Fake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	ids, err := identity.NewService(engine, clk, identity.Config{
		Secret:   []byte(strings.Repeat("s", 32)),
		HashCost: bcrypt.MinCost,
	}, nil, nil)
	require.NoError(t, err)
	cfg := settings.NewService(engine, clk, nil)
	items := content.NewService(engine, clk, nil, content.WithTagPolicy(cfg))
	insp := inspector.NewService(engine, nil, nil,
		items.InspectorAdapter(),
		ids.PrincipalAdapter(),
		ids.SessionAdapter(),
		cfg.InspectorAdapter(),
	)
	insp.ConfirmPasswordsWith(ids)
	return fixture{inspector: insp, content: items, identity: ids, settings: cfg, engine: engine}
}

func (f fixture) principal(t *testing.T) identity.Principal {
	t.Helper()
	p, err := f.identity.CreatePrincipal(context.Background(), identity.NewPrincipal{
		Username: "writer",
		Password: "correct horse",
		Role:     authz.RoleContributor,
	})
	require.NoError(t, err)
	return p
}

func TestPasswordHashWriteBlockedForEveryRole(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t)

	for _, actor := range []authz.Actor{admin, contributor, {ID: "x", Role: authz.RoleContributor}} {
		_, err := f.inspector.Write(context.Background(), actor, identity.FamilyPrincipals, p.ID, p.Revision,
			map[string]any{"password_hash": "$2a$04$forged"})
		require.ErrorIs(t, err, shared.ErrSensitiveFieldBlocked, "role %s", actor.Role)
	}

	_, err := f.inspector.Write(context.Background(), admin, identity.FamilyPrincipals, p.ID, p.Revision,
		map[string]any{"username": "renamed", "password_hash": "x", "nonsense": 1})
	require.ErrorIs(t, err, shared.ErrSensitiveFieldBlocked)
}

func TestSystemFieldsBlocked(t *testing.T) {
	f := newFixture(t)
	it, err := f.content.Create(context.Background(), contributor, content.Input{Title: "Hello"})
	require.NoError(t, err)

	for _, field := range []string{"revision", "status", "slug", "owner_id"} {
		_, err := f.inspector.Write(context.Background(), admin, content.FamilyItems, it.ID, it.Revision,
			map[string]any{field: "x"})
		require.ErrorIs(t, err, shared.ErrSensitiveFieldBlocked, field)
	}

	_, err = f.inspector.Write(context.Background(), admin, content.FamilyItems, it.ID, it.Revision,
		map[string]any{"made_up": "x"})
	require.ErrorIs(t, err, shared.ErrBadField)
}

func TestReadHidesCredentials(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t)

	row, err := f.inspector.Read(context.Background(), admin, identity.FamilyPrincipals, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "writer", row.Fields["username"])
	assert.NotContains(t, row.Fields, "password_hash")
	assert.NotContains(t, row.Fields, "credential_epoch")

	schema, err := f.inspector.ListFields(admin, identity.FamilySessions)
	require.NoError(t, err)
	secret, ok := schema.Field("csrf_secret")
	require.True(t, ok)
	assert.False(t, secret.Visible)
	assert.False(t, secret.Writable)
}

func TestContributorsCannotInspect(t *testing.T) {
	f := newFixture(t)
	_, err := f.inspector.Families(contributor)
	require.ErrorIs(t, err, shared.ErrDenied)
	_, err = f.inspector.List(context.Background(), contributor, content.FamilyItems, shared.NewPage(0, 0))
	require.ErrorIs(t, err, shared.ErrDenied)

	it, err := f.content.Create(context.Background(), contributor, content.Input{Title: "Mine"})
	require.NoError(t, err)
	_, err = f.inspector.Write(context.Background(), contributor, content.FamilyItems, it.ID, it.Revision,
		map[string]any{"title": "Edited"})
	require.ErrorIs(t, err, shared.ErrDenied)
}

func TestWriteContentKeepsPublishedIndexes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := authz.Actor{ID: "owner", Role: authz.RoleContributor}
	it, err := f.content.Create(ctx, owner, content.Input{Title: "Indexed", Tags: []string{"old"}})
	require.NoError(t, err)
	_, err = f.content.Submit(ctx, owner, it.ID, 0)
	require.NoError(t, err)
	it, err = f.content.Approve(ctx, admin, it.ID, 1, "")
	require.NoError(t, err)

	row, err := f.inspector.Write(ctx, admin, content.FamilyItems, it.ID, it.Revision,
		map[string]any{"title": "<em>Renamed</em>", "tags": []any{"New"}})
	require.NoError(t, err)
	assert.Equal(t, it.Revision+1, row.Revision)
	assert.Equal(t, "Renamed", row.Fields["title"])
	assert.Equal(t, content.StatusPublished, row.Fields["status"])

	tagged := func(tag string) int {
		n := 0
		err := storage.View(ctx, f.engine, func(txn storage.Txn) error {
			for _, err := range txn.ScanIndex(ctx, content.FamilyItems, content.IndexPublishedByTag, storage.Range{Prefix: content.TagKey(tag)}) {
				if err != nil {
					return err
				}
				n++
			}
			return nil
		})
		require.NoError(t, err)
		return n
	}
	assert.Equal(t, 1, tagged("new"))
	assert.Equal(t, 0, tagged("old"))

	_, err = f.inspector.Write(ctx, admin, content.FamilyItems, it.ID, it.Revision,
		map[string]any{"title": "Lost update"})
	require.ErrorIs(t, err, shared.ErrStaleWrite)
}

func TestDeactivateThroughInspectorRevokesSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.principal(t)
	issued, err := f.identity.Authenticate(ctx, identity.LoginRequest{
		Role: authz.RoleContributor, Username: "writer", Password: "correct horse", RemoteAddr: "127.0.0.1",
	})
	require.NoError(t, err)
	p, err = f.identity.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)

	row, err := f.inspector.Write(ctx, admin, identity.FamilyPrincipals, p.ID, p.Revision, map[string]any{"active": false})
	require.NoError(t, err)
	assert.Equal(t, false, row.Fields["active"])

	_, err = f.identity.Validate(ctx, issued.Token, "", false)
	require.Error(t, err)

	sessions, err := f.inspector.List(ctx, admin, identity.FamilySessions, shared.NewPage(0, 0))
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionsAreReadOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.principal(t)
	_, err := f.identity.Authenticate(ctx, identity.LoginRequest{
		Role: authz.RoleContributor, Username: "writer", Password: "correct horse", RemoteAddr: "127.0.0.1",
	})
	require.NoError(t, err)

	rows, err := f.inspector.List(ctx, admin, identity.FamilySessions, shared.NewPage(0, 0))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0].Fields, "csrf_secret")

	_, err = f.inspector.Write(ctx, admin, identity.FamilySessions, rows[0].Key, rows[0].Revision,
		map[string]any{"expires_at": "2099-01-01T00:00:00Z"})
	require.ErrorIs(t, err, shared.ErrSensitiveFieldBlocked)
}

func TestSettingsWriteValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.settings.Set(ctx, admin, settings.KeyRestrictTags, "true", nil)
	require.NoError(t, err)

	_, err = f.inspector.Write(ctx, admin, settings.Family, settings.KeyRestrictTags, s.Revision, map[string]any{"value": "maybe"})
	require.ErrorIs(t, err, shared.ErrBadField)

	row, err := f.inspector.Write(ctx, admin, settings.Family, settings.KeyRestrictTags, s.Revision, map[string]any{"value": "FALSE"})
	require.NoError(t, err)
	assert.Equal(t, "false", row.Fields["value"])
}

func TestUnknownFamily(t *testing.T) {
	f := newFixture(t)
	_, err := f.inspector.ListFields(admin, "nope")
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.inspector.Read(context.Background(), admin, content.FamilyItems, "missing")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func (f fixture) countRecords(t *testing.T, family string) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	err := storage.View(ctx, f.engine, func(txn storage.Txn) error {
		for _, err := range txn.ScanIndex(ctx, family, storage.PrimaryIndex, storage.Range{}) {
			if err != nil {
				return err
			}
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func (f fixture) login(t *testing.T) identity.Issued {
	t.Helper()
	issued, err := f.identity.Authenticate(context.Background(), identity.LoginRequest{
		Role: authz.RoleContributor, Username: "writer", Password: "correct horse", RemoteAddr: "127.0.0.1",
	})
	require.NoError(t, err)
	return issued
}

func TestDeleteContentReleasesSlug(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	it, err := f.content.Create(ctx, contributor, content.Input{Title: "Hello world"})
	require.NoError(t, err)

	require.ErrorIs(t, f.inspector.Delete(ctx, contributor, content.FamilyItems, it.ID, it.Revision), shared.ErrDenied)
	require.ErrorIs(t, f.inspector.Delete(ctx, admin, content.FamilyItems, it.ID, it.Revision+1), shared.ErrStaleWrite)
	require.NoError(t, f.inspector.Delete(ctx, admin, content.FamilyItems, it.ID, it.Revision))

	_, err = f.inspector.Read(ctx, admin, content.FamilyItems, it.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Zero(t, f.countRecords(t, content.FamilySlugs))

	again, err := f.content.Create(ctx, contributor, content.Input{Title: "Hello world"})
	require.NoError(t, err)
	assert.Equal(t, it.Slug, again.Slug)
}

func TestPrincipalsAreNeverDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.principal(t)

	require.ErrorIs(t, f.inspector.Delete(ctx, admin, identity.FamilyPrincipals, p.ID, p.Revision), shared.ErrDenied)
	_, err := f.identity.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)
}

func TestDeleteSessionRevokesIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.principal(t)
	issued := f.login(t)

	rows, err := f.inspector.List(ctx, admin, identity.FamilySessions, shared.NewPage(0, 0))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, f.inspector.Delete(ctx, admin, identity.FamilySessions, rows[0].Key, rows[0].Revision))

	_, err = f.identity.Validate(ctx, issued.Token, "", false)
	require.Error(t, err)
}

func TestCleanRequiresPasswordConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root, err := f.identity.CreatePrincipal(ctx, identity.NewPrincipal{
		Username: "root",
		Password: "root password",
		Role:     authz.RoleAdmin,
	})
	require.NoError(t, err)
	operator := root.Actor()
	f.principal(t)
	first := f.login(t)
	f.login(t)

	_, err = f.inspector.Clean(ctx, operator, identity.FamilySessions, "wrong password")
	require.ErrorIs(t, err, shared.ErrDenied)
	_, err = f.inspector.Clean(ctx, operator, identity.FamilySessions, "")
	require.ErrorIs(t, err, shared.ErrBadField)
	_, err = f.inspector.Clean(ctx, contributor, identity.FamilySessions, "correct horse")
	require.ErrorIs(t, err, shared.ErrDenied)
	assert.Equal(t, 2, f.countRecords(t, identity.FamilySessions))

	removed, err := f.inspector.Clean(ctx, operator, identity.FamilySessions, "root password")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Zero(t, f.countRecords(t, identity.FamilySessions))
	_, err = f.identity.Validate(ctx, first.Token, "", false)
	require.Error(t, err)
}

func TestCleanRemovesDependentsInOneTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root, err := f.identity.CreatePrincipal(ctx, identity.NewPrincipal{
		Username: "root",
		Password: "root password",
		Role:     authz.RoleAdmin,
	})
	require.NoError(t, err)
	operator := root.Actor()

	for _, title := range []string{"First", "Second", "Third"} {
		_, err := f.content.Create(ctx, contributor, content.Input{Title: title})
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.countRecords(t, content.FamilySlugs))

	removed, err := f.inspector.Clean(ctx, operator, content.FamilyItems, "root password")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Zero(t, f.countRecords(t, content.FamilyItems))
	assert.Zero(t, f.countRecords(t, content.FamilySlugs))

	// One undeletable record aborts the whole clean.
	_, err = f.inspector.Clean(ctx, operator, identity.FamilyPrincipals, "root password")
	require.ErrorIs(t, err, shared.ErrDenied)
	assert.Equal(t, 1, f.countRecords(t, identity.FamilyPrincipals))
}
