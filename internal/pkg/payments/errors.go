package payments

import "errors"

// Typed errors for the payments layer. These enable HTTP status mapping at the
// controller without leaking SDK-specific error types out of this package.
var (
	// ErrProviderUnavailable indicates the upstream payment provider call itself
	// failed (network, auth, timeout). Transient; safe for the client to retry.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrSessionNotFound indicates the checkout session token does not exist at
	// the provider. Distinct from the provider being unreachable.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrSessionUnpaid indicates the session exists but was never paid.
	ErrSessionUnpaid = errors.New("checkout session not paid")
	// ErrMissingCorrelation indicates the session carries neither a client
	// reference id nor a customer email. Terminal: retrying the same session
	// can never succeed, the checkout integration itself is misconfigured.
	ErrMissingCorrelation = errors.New("checkout session has no identity correlation")
	// ErrSignatureInvalid indicates a webhook payload failed signature
	// verification and was rejected before any parsing.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrStore indicates a user-store failure.
	ErrStore = errors.New("user store error")
)

// IsInvalidSession reports whether err maps to the client-facing
// invalid-session condition (not found or unpaid).
func IsInvalidSession(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionUnpaid)
}
