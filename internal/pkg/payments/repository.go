package payments

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskdeck/taskdeck/app/models"
)

// UserMerge describes the conditional update applied when an upsert collides
// with an existing record. Nil fields keep the stored value; supplied fields
// overwrite it. The zero value updates nothing beyond the timestamp.
type UserMerge struct {
	FirstName *string
	LastName  *string
	Username  *string
	AvatarURL *string
	// Email replaces the stored address only when it is a synthesized
	// placeholder; a verified address is never overwritten by a later event.
	Email *string
	// ExternalID attaches a provider reference id only when none is stored.
	ExternalID *string
	// Activate promotes the subscription status to active. There is no
	// counterpart flag: nothing in this subsystem may downgrade a subscriber.
	Activate bool
}

// Repository provides the store operations used by the payments service. The
// user upsert must be a single atomic conditional write so that the
// synchronous path and the webhook racing on the same identity cannot create
// two records or interleave partial updates.
type Repository interface {
	FindUserByExternalID(id string) (*models.User, error)
	FindUserByEmail(email string) (*models.User, error)
	// UpsertUser inserts candidate or, on a unique-key collision with either
	// identity column, applies merge to the existing row. Returns the stored
	// record and whether a new row was created.
	UpsertUser(candidate *models.User, merge UserMerge) (*models.User, bool, error)
	CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payments repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindUserByExternalID(id string) (*models.User, error) {
	var user models.User
	err := r.db.Where("external_id = ?", id).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) FindUserByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) UpsertUser(candidate *models.User, merge UserMerge) (*models.User, bool, error) {
	assignments := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if merge.FirstName != nil {
		assignments["first_name"] = *merge.FirstName
	}
	if merge.LastName != nil {
		assignments["last_name"] = *merge.LastName
	}
	if merge.Username != nil {
		assignments["username"] = *merge.Username
	}
	if merge.AvatarURL != nil {
		assignments["avatar_url"] = *merge.AvatarURL
	}
	if merge.Email != nil {
		assignments["email"] = gorm.Expr("IF(email LIKE ?, ?, email)", "%@"+models.PlaceholderEmailDomain, *merge.Email)
	}
	if merge.ExternalID != nil {
		assignments["external_id"] = gorm.Expr("COALESCE(external_id, ?)", *merge.ExternalID)
	}
	if merge.Activate {
		assignments["subscription_status"] = models.SUBSCRIPTION_ACTIVE
	}

	// MySQL applies ON DUPLICATE KEY UPDATE on a collision with either unique
	// index, which is exactly what unifies a record addressed once by
	// external_id and once by email.
	tx := r.db.Clauses(clause.OnConflict{
		DoUpdates: clause.Assignments(assignments),
	}).Create(candidate)
	if tx.Error != nil {
		return nil, false, tx.Error
	}
	created := tx.RowsAffected == 1

	stored, err := r.findByCandidateKeys(candidate)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// findByCandidateKeys re-reads the row the upsert landed on, preferring the
// external id when the candidate carried one.
func (r *gormRepository) findByCandidateKeys(candidate *models.User) (*models.User, error) {
	if candidate.ExternalID != nil {
		user, err := r.FindUserByExternalID(*candidate.ExternalID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return r.FindUserByEmail(candidate.Email)
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
