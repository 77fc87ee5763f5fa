package payments

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/taskdeck/taskdeck/app/models"
)

// IdentityKind discriminates the two key spaces a user record can be looked
// up by. The synchronous success-page flow correlates via the provider
// reference id, the webhook flow via the verified customer email; neither is
// globally authoritative.
type IdentityKind string

const (
	IdentityKindProviderID IdentityKind = "provider_id"
	IdentityKindEmail      IdentityKind = "email"
)

// IdentityKey is the tagged union used to address a user record.
type IdentityKey struct {
	Kind  IdentityKind
	Value string
}

func ProviderIDKey(id string) IdentityKey {
	return IdentityKey{Kind: IdentityKindProviderID, Value: strings.TrimSpace(id)}
}

func EmailKey(email string) IdentityKey {
	return IdentityKey{Kind: IdentityKindEmail, Value: NormalizeEmail(email)}
}

func (k IdentityKey) IsZero() bool {
	return strings.TrimSpace(k.Value) == ""
}

func (k IdentityKey) String() string {
	return string(k.Kind) + ":" + k.Value
}

// ResolveIdentity maps a verified checkout session to an identity key.
// Preference order: client reference id, then resolved customer email. A
// session with neither cannot be linked to a user and fails terminally.
func ResolveIdentity(session PaymentSession) (IdentityKey, error) {
	if ref := strings.TrimSpace(session.ClientReferenceID); ref != "" {
		return ProviderIDKey(ref), nil
	}
	if email := NormalizeEmail(session.CustomerEmail); email != "" {
		return EmailKey(email), nil
	}
	return IdentityKey{}, fmt.Errorf("%w: session %s", ErrMissingCorrelation, session.ID)
}

// NormalizeEmail lowercases and trims an email address for key comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// keyDigest derives a short stable digest from an identity key, used to
// synthesize deterministic placeholder fields. Determinism keeps repeated
// reconciliations of the same key idempotent.
func keyDigest(key IdentityKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:4])
}

// placeholderEmail synthesizes a unique placeholder address for a record
// created without a verified email.
func placeholderEmail(key IdentityKey) string {
	return keyDigest(key) + "@" + models.PlaceholderEmailDomain
}

// syntheticUsername synthesizes a display handle for a record created without
// a caller-supplied one.
func syntheticUsername(key IdentityKey) string {
	return "user-" + keyDigest(key)
}
