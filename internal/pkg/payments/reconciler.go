package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/gorm"

	"github.com/taskdeck/taskdeck/app/models"
)

// ProfileFields are the caller-supplied user attributes of a reconciliation.
// Empty fields are "not supplied" and never overwrite stored values. Email
// doubles as the secondary correlator when the primary key is a reference id.
type ProfileFields struct {
	FirstName string
	LastName  string
	Username  string
	AvatarURL string
	Email     string
}

// Outcome reports what a reconciliation did to the store. Degraded means the
// record was created with synthesized identity fields because the entry path
// did not supply them; such records are flagged for later repair.
type Outcome struct {
	Created  bool
	Degraded bool
}

// Reconcile performs the idempotent create-or-update that both entry paths
// converge on.
//
// Lookup order: the primary key kind first; on a miss, a best-effort
// secondary lookup by email, so that a reference-id reconciliation and an
// email reconciliation for the same human land on one record. The write
// itself is a single conditional upsert keyed by both identity columns, so
// two reconciliations racing for the same identity cannot produce two rows.
//
// Activation is monotonic: activate=true promotes inactive records,
// activate=false changes nothing. Repeating a call with identical inputs
// leaves the record observably unchanged beyond timestamps.
func (s *Service) Reconcile(ctx context.Context, key IdentityKey, fields ProfileFields, activate bool) (*models.User, Outcome, error) {
	_ = ctx
	if key.IsZero() {
		return nil, Outcome{}, fmt.Errorf("%w: empty identity key", ErrMissingCorrelation)
	}
	fields.Email = NormalizeEmail(fields.Email)
	if key.Kind == IdentityKindEmail {
		// The key is authoritative for its own kind.
		fields.Email = key.Value
	}

	existing, err := s.lookup(key, fields.Email)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("%w: lookup %s: %v", ErrStore, key, err)
	}

	// Two-row conflict: the primary key resolved to one record while the
	// supplied email already belongs to another. Merging the email would
	// violate its unique index, so the merge proceeds without it and the
	// split identity is flagged for the operator instead of failing the
	// whole reconciliation.
	if existing != nil && fields.Email != "" && fields.Email != existing.Email {
		if other, lookupErr := s.repo.FindUserByEmail(fields.Email); lookupErr == nil && other.ID != existing.ID {
			log.Printf("ALERT: split identity: key=%s resolves to user_id=%d but email belongs to user_id=%d, email not merged", key, existing.ID, other.ID)
			fields.Email = ""
		}
	}

	candidate, merge, degraded := s.buildWrite(key, fields, activate, existing)
	if existing == nil {
		if err := candidate.Validate(); err != nil {
			return nil, Outcome{}, fmt.Errorf("invalid profile fields: %w", err)
		}
	}

	user, created, err := s.repo.UpsertUser(candidate, merge)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("%w: upsert %s: %v", ErrStore, key, err)
	}

	outcome := Outcome{Created: created, Degraded: created && degraded}
	if outcome.Degraded {
		// Operational signal: the entry path created an identity without the
		// fields the other path would have supplied.
		log.Printf("degraded identity creation: key=%s user_id=%d", key, user.ID)
	}
	return user, outcome, nil
}

// lookup resolves the identity to an existing record: primary key kind first,
// then the secondary email correlator when one is available.
func (s *Service) lookup(key IdentityKey, email string) (*models.User, error) {
	var user *models.User
	var err error
	switch key.Kind {
	case IdentityKindProviderID:
		user, err = s.repo.FindUserByExternalID(key.Value)
	default:
		user, err = s.repo.FindUserByEmail(key.Value)
	}
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if key.Kind == IdentityKindProviderID && email != "" {
		user, err = s.repo.FindUserByEmail(email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// buildWrite assembles the insert candidate and the conditional merge for the
// upsert. Synthesized values only ever appear in the insert row; the merge
// carries caller-supplied fields exclusively, so an update can never clobber
// stored data with placeholders.
func (s *Service) buildWrite(key IdentityKey, fields ProfileFields, activate bool, existing *models.User) (*models.User, UserMerge, bool) {
	merge := UserMerge{Activate: activate}
	degraded := false

	email := fields.Email
	if email != "" {
		merge.Email = &fields.Email
	} else {
		email = placeholderEmail(key)
		degraded = true
	}

	username := strings.TrimSpace(fields.Username)
	if username != "" {
		merge.Username = &username
	} else {
		username = syntheticUsername(key)
		degraded = true
	}

	if v := strings.TrimSpace(fields.FirstName); v != "" {
		merge.FirstName = &v
	}
	if v := strings.TrimSpace(fields.LastName); v != "" {
		merge.LastName = &v
	}
	if v := strings.TrimSpace(fields.AvatarURL); v != "" {
		merge.AvatarURL = &v
	}

	status := models.SUBSCRIPTION_INACTIVE
	if activate {
		status = models.SUBSCRIPTION_ACTIVE
	}
	candidate := &models.User{
		Email:              email,
		FirstName:          strings.TrimSpace(fields.FirstName),
		LastName:           strings.TrimSpace(fields.LastName),
		Username:           username,
		AvatarURL:          strings.TrimSpace(fields.AvatarURL),
		SubscriptionStatus: status,
	}
	if key.Kind == IdentityKindProviderID {
		ref := key.Value
		candidate.ExternalID = &ref
		merge.ExternalID = &ref
	}

	// Degradation is only meaningful when the write will create a record;
	// updates ignore the synthesized values entirely.
	if existing != nil {
		degraded = false
	}
	return candidate, merge, degraded
}
