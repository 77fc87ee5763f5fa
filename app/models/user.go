package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	SUBSCRIPTION_INACTIVE = "inactive"
	SUBSCRIPTION_ACTIVE   = "active"
)

// PlaceholderEmailDomain marks synthesized addresses created when a
// reconciliation had no verified email to work with. Records carrying such an
// address are degraded and expected to be repaired by a later reconciliation.
const PlaceholderEmailDomain = "pending.invalid"

// User is keyed by exactly one of external_id (payment-provider reference) or
// email. Both carry unique indexes; external_id is nullable so that
// email-created records do not collide with each other.
type User struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	ExternalID         *string        `gorm:"type:varchar(191);uniqueIndex" json:"external_id,omitempty"`
	Email              string         `gorm:"uniqueIndex;type:varchar(200);not null" json:"email" validate:"required,email,min=5,max=200"`
	FirstName          string         `gorm:"type:varchar(100)" json:"first_name" validate:"max=100"`
	LastName           string         `gorm:"type:varchar(100)" json:"last_name" validate:"max=100"`
	Username           string         `gorm:"type:varchar(150);index" json:"username" validate:"required,min=3,max=150"`
	AvatarURL          string         `gorm:"type:varchar(255);default:null" json:"avatar_url" validate:"max=255"`
	SubscriptionStatus string         `gorm:"type:varchar(20);not null;default:'inactive';index" json:"subscription_status" validate:"oneof=inactive active"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// HasActiveSubscription reports whether the subscription status is active.
func (u *User) HasActiveSubscription() bool {
	return u.SubscriptionStatus == SUBSCRIPTION_ACTIVE
}

// HasPlaceholderEmail reports whether the stored email was synthesized during
// a degraded identity creation rather than verified by the payment provider.
func (u *User) HasPlaceholderEmail() bool {
	return strings.HasSuffix(strings.ToLower(u.Email), "@"+PlaceholderEmailDomain)
}

// ExternalIDValue returns the external id or the empty string when unset.
func (u *User) ExternalIDValue() string {
	if u.ExternalID == nil {
		return ""
	}
	return *u.ExternalID
}
