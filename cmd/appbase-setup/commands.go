package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/appbase-cms/appbase/internal/app"
	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/identity"
	"github.com/appbase-cms/appbase/internal/settings"
)

// setupActor is recorded as the author of settings changed from the CLI.
var setupActor = authz.Actor{ID: "appbase-setup", Role: authz.RoleAdmin}

type options struct {
	role          string
	username      string
	password      string
	passwordStdin bool
	scopes        []string
	active        bool
	prefix        string
}

type command struct {
	summary string
	flags   func(*pflag.FlagSet) *options
	run     func(context.Context, *setup, *options) error
}

var commandOrder = []string{
	"init",
	"create-principal",
	"list-principals",
	"set-password",
	"set-scopes",
	"set-active",
	"set-contributor-prefix",
}

var commands = map[string]command{
	"init": {
		summary: "prepare storage and create the first admin",
		flags: func(f *pflag.FlagSet) *options {
			o := &options{}
			f.StringVar(&o.username, "username", "admin", "admin username")
			passwordFlags(f, o)
			return o
		},
		run: func(ctx context.Context, s *setup, o *options) error { return s.init(ctx, o) },
	},
	"create-principal": {
		summary: "create an admin or contributor account",
		flags: func(f *pflag.FlagSet) *options {
			o := &options{}
			principalFlags(f, o)
			passwordFlags(f, o)
			f.StringSliceVar(&o.scopes, "scopes", nil, "contributor scopes, e.g. can-approve")
			return o
		},
		run: func(ctx context.Context, s *setup, o *options) error { return s.createPrincipal(ctx, o) },
	},
	"list-principals": {
		summary: "list accounts of one role or all",
		flags: func(f *pflag.FlagSet) *options {
			o := &options{}
			f.StringVar(&o.role, "role", "", "admin or contributor; empty lists both")
			return o
		},
		run: func(ctx context.Context, s *setup, o *options) error { return s.listPrincipals(ctx, o) },
	},
	"set-password": {
		summary: "replace a password and revoke its sessions",
		flags: func(f *pflag.FlagSet) *options {
			o := &options{}
			principalFlags(f, o)
			passwordFlags(f, o)
			return o
		},
		run: func(ctx context.Context, s *setup, o *options) error { return s.setPassword(ctx, o) },
	},
	"set-scopes": {
		summary: "replace a contributor's scopes",
		flags: func(f *pflag.FlagSet) *options {
			o := &options{role: string(authz.RoleContributor)}
			f.StringVar(&o.username, "username", "", "contributor username")
			f.StringSliceVar(&o.scopes, "scopes", nil, "scopes to grant; empty clears them")
			return o
		},
		run: func(ctx context.Context, s *setup, o *options) error { return s.setScopes(ctx, o) },
	},
	"set-active": {
		summary: "activate or deactivate an account",
		flags: func(f *pflag.FlagSet) *options {
			o := &options{}
			principalFlags(f, o)
			f.BoolVar(&o.active, "active", true, "whether the account may log in")
			return o
		},
		run: func(ctx context.Context, s *setup, o *options) error { return s.setActive(ctx, o) },
	},
	"set-contributor-prefix": {
		summary: "change the contributor login path segment",
		flags: func(f *pflag.FlagSet) *options {
			o := &options{}
			f.StringVar(&o.prefix, "prefix", "", "new path segment")
			return o
		},
		run: func(ctx context.Context, s *setup, o *options) error { return s.setContributorPrefix(ctx, o) },
	},
}

func principalFlags(f *pflag.FlagSet, o *options) {
	f.StringVar(&o.role, "role", string(authz.RoleContributor), "admin or contributor")
	f.StringVar(&o.username, "username", "", "account username")
}

func passwordFlags(f *pflag.FlagSet, o *options) {
	f.StringVar(&o.password, "password", "", "password (prefer --password-stdin)")
	f.BoolVar(&o.passwordStdin, "password-stdin", false, "read the password from the first line of stdin")
}

type setup struct {
	services *app.Services
	in       io.Reader
	out      io.Writer
}

func (s *setup) readPassword(o *options) (string, error) {
	if !o.passwordStdin {
		if o.password == "" {
			return "", errors.New("--password or --password-stdin is required")
		}
		return o.password, nil
	}
	line, err := bufio.NewReader(s.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func (s *setup) find(ctx context.Context, o *options) (identity.Principal, error) {
	role, err := authz.ParseRole(o.role)
	if err != nil {
		return identity.Principal{}, err
	}
	if o.username == "" {
		return identity.Principal{}, errors.New("--username is required")
	}
	p, err := s.services.Identity.FindPrincipal(ctx, role, o.username)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("%s %q: %w", role, o.username, err)
	}
	return p, nil
}

func (s *setup) init(ctx context.Context, o *options) error {
	admins, err := s.services.Identity.ListPrincipals(ctx, authz.RoleAdmin)
	if err != nil {
		return err
	}
	if len(admins) > 0 {
		fmt.Fprintf(s.out, "already initialised: %d admin account(s) exist\n", len(admins))
		return nil
	}
	o.role = string(authz.RoleAdmin)
	return s.createPrincipal(ctx, o)
}

func (s *setup) createPrincipal(ctx context.Context, o *options) error {
	role, err := authz.ParseRole(o.role)
	if err != nil {
		return err
	}
	scopes, err := authz.ParseScopes(o.scopes)
	if err != nil {
		return err
	}
	password, err := s.readPassword(o)
	if err != nil {
		return err
	}
	p, err := s.services.Identity.CreatePrincipal(ctx, identity.NewPrincipal{
		Username: o.username,
		Password: password,
		Role:     role,
		Scopes:   scopes,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "created %s %s (%s)\n", p.Role, p.Username, p.ID)
	return nil
}

func (s *setup) listPrincipals(ctx context.Context, o *options) error {
	roles := []authz.Role{authz.RoleAdmin, authz.RoleContributor}
	if o.role != "" {
		role, err := authz.ParseRole(o.role)
		if err != nil {
			return err
		}
		roles = []authz.Role{role}
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tUSERNAME\tACTIVE\tSCOPES\tID")
	for _, role := range roles {
		list, err := s.services.Identity.ListPrincipals(ctx, role)
		if err != nil {
			return err
		}
		for _, p := range list {
			scopes := make([]string, len(p.Scopes))
			for i, sc := range p.Scopes {
				scopes[i] = string(sc)
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Role, p.Username, p.Active, strings.Join(scopes, ","), p.ID)
		}
	}
	return tw.Flush()
}

func (s *setup) setPassword(ctx context.Context, o *options) error {
	p, err := s.find(ctx, o)
	if err != nil {
		return err
	}
	password, err := s.readPassword(o)
	if err != nil {
		return err
	}
	if err := s.services.Identity.ChangePassword(ctx, p.ID, password); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "password changed for %s %s\n", p.Role, p.Username)
	return nil
}

func (s *setup) setScopes(ctx context.Context, o *options) error {
	p, err := s.find(ctx, o)
	if err != nil {
		return err
	}
	scopes, err := authz.ParseScopes(o.scopes)
	if err != nil {
		return err
	}
	p, err = s.services.Identity.SetScopes(ctx, p.ID, scopes)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "scopes for %s: %v\n", p.Username, p.Scopes)
	return nil
}

func (s *setup) setActive(ctx context.Context, o *options) error {
	p, err := s.find(ctx, o)
	if err != nil {
		return err
	}
	p, err = s.services.Identity.SetActive(ctx, p.ID, o.active)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s %s active=%t\n", p.Role, p.Username, p.Active)
	return nil
}

func (s *setup) setContributorPrefix(ctx context.Context, o *options) error {
	if o.prefix == "" {
		return errors.New("--prefix is required")
	}
	setting, err := s.services.Settings.Set(ctx, setupActor, settings.KeyContributorPrefix, o.prefix, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "contributor surface is now /management/%s/\n", setting.Value)
	return nil
}
