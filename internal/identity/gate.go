package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/appbase-cms/appbase/internal/authz"
)

// IPAllowlist restricts which caller addresses may use a login surface.
type IPAllowlist struct {
	all      bool
	prefixes []netip.Prefix
}

// AllowAll admits every address.
func AllowAll() IPAllowlist { return IPAllowlist{all: true} }

// ParseIPAllowlist accepts "*" or a comma separated list of addresses and CIDR prefixes.
func ParseIPAllowlist(spec string) (IPAllowlist, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "*" {
		return AllowAll(), nil
	}
	var list IPAllowlist
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			return AllowAll(), nil
		}
		if strings.Contains(part, "/") {
			prefix, err := netip.ParsePrefix(part)
			if err != nil {
				return IPAllowlist{}, fmt.Errorf("identity: allowlist entry %q: %w", part, err)
			}
			list.prefixes = append(list.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return IPAllowlist{}, fmt.Errorf("identity: allowlist entry %q: %w", part, err)
		}
		addr = addr.Unmap()
		list.prefixes = append(list.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

// Allows reports whether addr (optionally host:port) is admitted.
func (l IPAllowlist) Allows(addr string) bool {
	if l.all {
		return true
	}
	ip, err := netip.ParseAddr(hostOnly(addr))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

// ClientAddr returns the first X-Forwarded-For hop when present, else the
// connection address.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return hostOnly(r.RemoteAddr)
}

// PrefixResolver returns the secret path segment for a role's surface.
type PrefixResolver func(ctx context.Context, role authz.Role) (string, error)

type surfaceKey struct{}

// SurfaceFromContext returns the management surface role of the request.
func SurfaceFromContext(ctx context.Context) (authz.Role, bool) {
	role, ok := ctx.Value(surfaceKey{}).(authz.Role)
	return role, ok
}

// Surface resolves the {prefix} URL parameter to a role's management surface.
// Any prefix that matches no surface is answered with 404, before any
// authentication takes place.
func Surface(param string, resolve PrefixResolver, onError func(error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := chi.URLParam(r, param)
			for _, role := range []authz.Role{authz.RoleAdmin, authz.RoleContributor} {
				want, err := resolve(r.Context(), role)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if want != "" && subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1 {
					ctx := context.WithValue(r.Context(), surfaceKey{}, role)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			http.NotFound(w, r)
		})
	}
}
