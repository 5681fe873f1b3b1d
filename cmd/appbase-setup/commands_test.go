package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appbase-cms/appbase/internal/app"
	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/identity"
	"github.com/appbase-cms/appbase/internal/storage"
)

func newSetup(t *testing.T) (*setup, *bytes.Buffer) {
	t.Helper()
	cfg := &app.Config{
		SessionSecret:            strings.Repeat("x", 32),
		AdminURLPrefix:           "admin-surface",
		AdminLoginAcceptIP:       "*",
		ContributorLoginAcceptIP: "*",
	}
	svc, err := app.NewServices(cfg, storage.NewMemoryEngine(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	return &setup{services: svc, in: strings.NewReader(""), out: out}, out
}

func exec(t *testing.T, s *setup, name string, args ...string) error {
	t.Helper()
	cmd := commands[name]
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	opts := cmd.flags(flags)
	require.NoError(t, flags.Parse(args))
	return cmd.run(context.Background(), s, opts)
}

func TestInitCreatesFirstAdminOnce(t *testing.T) {
	s, out := newSetup(t)
	require.NoError(t, exec(t, s, "init", "--username", "root", "--password", "correct horse"))
	assert.Contains(t, out.String(), "created admin root")

	out.Reset()
	require.NoError(t, exec(t, s, "init", "--username", "other", "--password", "correct horse"))
	assert.Contains(t, out.String(), "already initialised")
}

func TestPrincipalCommands(t *testing.T) {
	ctx := context.Background()
	s, out := newSetup(t)
	s.in = strings.NewReader("correct horse\n")
	require.NoError(t, exec(t, s, "create-principal", "--role", "contributor", "--username", "alice", "--password-stdin", "--scopes", "can-approve"))

	p, err := s.services.Identity.FindPrincipal(ctx, authz.RoleContributor, "alice")
	require.NoError(t, err)
	assert.Equal(t, []authz.Scope{authz.ScopeCanApprove}, p.Scopes)

	require.NoError(t, exec(t, s, "set-scopes", "--username", "alice", "--scopes", ""))
	p, err = s.services.Identity.FindPrincipal(ctx, authz.RoleContributor, "alice")
	require.NoError(t, err)
	assert.Empty(t, p.Scopes)

	require.NoError(t, exec(t, s, "set-active", "--username", "alice", "--active=false"))
	_, err = s.services.Identity.Authenticate(ctx, identity.LoginRequest{
		Role: authz.RoleContributor, Username: "alice", Password: "correct horse", RemoteAddr: "127.0.0.1",
	})
	require.Error(t, err)

	require.NoError(t, exec(t, s, "set-active", "--username", "alice", "--active=true"))
	require.NoError(t, exec(t, s, "set-password", "--username", "alice", "--password", "battery staple"))
	_, err = s.services.Identity.Authenticate(ctx, identity.LoginRequest{
		Role: authz.RoleContributor, Username: "alice", Password: "battery staple", RemoteAddr: "127.0.0.1",
	})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, exec(t, s, "list-principals"))
	assert.Contains(t, out.String(), "alice")

	require.Error(t, exec(t, s, "set-password", "--username", "nobody", "--password", "whatever123"))
	require.Error(t, exec(t, s, "create-principal", "--username", "bob"))
}

func TestSetContributorPrefix(t *testing.T) {
	s, out := newSetup(t)
	require.NoError(t, exec(t, s, "set-contributor-prefix", "--prefix", "writers"))
	assert.Contains(t, out.String(), "/management/writers/")

	prefix, err := s.services.Settings.ContributorPrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "writers", prefix)

	require.Error(t, exec(t, s, "set-contributor-prefix", "--prefix", "admin-surface"))
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"frobnicate"}, strings.NewReader(""), &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "usage: appbase-setup")
}
