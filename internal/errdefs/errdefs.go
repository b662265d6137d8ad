// Package errdefs defines the error taxonomy shared across the client.
//
// Every recoverable-vs-fatal decision in the SDK hangs off one of these
// sentinels, so callers can branch with errors.Is instead of string-matching
// whatever a transport library produced.
package errdefs

import "errors"

var (
	// ErrTenantRequired means no tenant could be resolved from the current
	// context. Fatal for the operation that needed it — there is no safe
	// default tenant to fall back to.
	ErrTenantRequired = errors.New("tenant required: no tenant resolvable from context")

	// ErrAuthExpired means the access token is expired or about to expire.
	// Recoverable: triggers a refresh, transparent to the caller when the
	// refresh succeeds.
	ErrAuthExpired = errors.New("access token expired")

	// ErrAuthInvalid means the refresh itself failed. Fatal for the session:
	// the only way forward is a fresh login.
	ErrAuthInvalid = errors.New("session invalid: refresh failed")

	// ErrTransportUnavailable means the network or realtime channel is down.
	// Recoverable via bounded retry; surfaced as a degraded connection state,
	// not thrown at individual call sites.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrRateLimited means local admission control rejected the call.
	// The caller should back off and may tell the user to slow down.
	ErrRateLimited = errors.New("rate limited")

	// ErrEnrichmentFailure means a display-metadata lookup failed.
	// Never fatal: the entity is shown with a degraded label instead.
	ErrEnrichmentFailure = errors.New("enrichment lookup failed")
)

// IsFatalAuth reports whether err means the session cannot be recovered
// without a new login.
func IsFatalAuth(err error) bool {
	return errors.Is(err, ErrAuthInvalid)
}
