// Package tenant derives the active tenant from the execution context.
//
// Resolution is pure: given the same override and host it always returns the
// same answer, and it never caches across hosts. There is deliberately no
// default tenant — silently falling back to one would serve another
// restaurant's data, so a missing tenant is a hard error the caller must
// propagate.
package tenant

import (
	"net"
	"strings"

	"github.com/tably-dev/tably-go/internal/errdefs"
)

// Resolve returns the tenant subdomain for the current context.
//
// Precedence:
//  1. a non-empty explicit override (query parameter, env var);
//  2. the first DNS label of host, unless it is "www", a loopback name,
//     an IP address, or the host has no subdomain at all;
//  3. otherwise errdefs.ErrTenantRequired.
func Resolve(override, host string) (string, error) {
	if o := strings.TrimSpace(override); o != "" {
		return strings.ToLower(o), nil
	}

	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return "", errdefs.ErrTenantRequired
	}
	// Strip a port if present ("mario.tably.app:8080").
	if withoutPort, _, err := net.SplitHostPort(h); err == nil {
		h = withoutPort
	}
	if h == "localhost" || net.ParseIP(h) != nil {
		return "", errdefs.ErrTenantRequired
	}

	labels := strings.Split(h, ".")
	// "mario.localhost" is how local development addresses a tenant.
	// Beyond that, a bare domain like "tably.app" carries no tenant label.
	if len(labels) == 2 && labels[1] != "localhost" {
		return "", errdefs.ErrTenantRequired
	}
	if len(labels) < 2 {
		return "", errdefs.ErrTenantRequired
	}
	first := labels[0]
	if first == "" || first == "www" {
		return "", errdefs.ErrTenantRequired
	}
	return first, nil
}
