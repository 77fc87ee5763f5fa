package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/taskdeck/taskdeck/app/models"
)

// fakeRepo is an in-memory Repository that mirrors the conditional-merge
// semantics of the MySQL upsert: a collision on either identity column updates
// the existing row, the placeholder-email and null-external-id conditions
// included.
type fakeRepo struct {
	mu      sync.Mutex
	users   []*models.User
	events  []*models.PaymentWebhookEvent
	nextID  uint
	upserts int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{nextID: 1}
}

func (r *fakeRepo) FindUserByExternalID(id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ExternalID != nil && *u.ExternalID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindUserByEmail(email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) UpsertUser(candidate *models.User, merge UserMerge) (*models.User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++

	var existing *models.User
	if candidate.ExternalID != nil {
		for _, u := range r.users {
			if u.ExternalID != nil && *u.ExternalID == *candidate.ExternalID {
				existing = u
				break
			}
		}
	}
	if existing == nil {
		for _, u := range r.users {
			if u.Email == candidate.Email {
				existing = u
				break
			}
		}
	}

	if existing == nil {
		cp := *candidate
		cp.ID = r.nextID
		r.nextID++
		cp.CreatedAt = time.Now()
		cp.UpdatedAt = cp.CreatedAt
		r.users = append(r.users, &cp)
		out := cp
		return &out, true, nil
	}

	if merge.FirstName != nil {
		existing.FirstName = *merge.FirstName
	}
	if merge.LastName != nil {
		existing.LastName = *merge.LastName
	}
	if merge.Username != nil {
		existing.Username = *merge.Username
	}
	if merge.AvatarURL != nil {
		existing.AvatarURL = *merge.AvatarURL
	}
	if merge.Email != nil && strings.HasSuffix(existing.Email, "@"+models.PlaceholderEmailDomain) {
		existing.Email = *merge.Email
	}
	if merge.ExternalID != nil && existing.ExternalID == nil {
		id := *merge.ExternalID
		existing.ExternalID = &id
	}
	if merge.Activate {
		existing.SubscriptionStatus = models.SUBSCRIPTION_ACTIVE
	}
	existing.UpdatedAt = time.Now()
	out := *existing
	return &out, false, nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			cp := *e
			return false, &cp, nil
		}
	}
	cp := *event
	cp.ID = r.nextID
	r.nextID++
	r.events = append(r.events, &cp)
	out := cp
	return true, &out, nil
}

func (r *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeRepo) userCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *fakeRepo) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// flakyRepo fails a number of user upserts before delegating, simulating
// transient store errors such as deadlocks.
type flakyRepo struct {
	*fakeRepo
	failUpserts int
}

func (r *flakyRepo) UpsertUser(candidate *models.User, merge UserMerge) (*models.User, bool, error) {
	if r.failUpserts > 0 {
		r.failUpserts--
		return nil, false, errors.New("deadlock found when trying to get lock")
	}
	return r.fakeRepo.UpsertUser(candidate, merge)
}

// fakeGateway serves canned sessions and subscription state.
type fakeGateway struct {
	sessions         map[string]PaymentSession
	retrieveErr      error
	customersByEmail map[string][]string
	activeCustomers  map[string]bool
	createdCheckouts []CheckoutInput
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions:         map[string]PaymentSession{},
		customersByEmail: map[string][]string{},
		activeCustomers:  map[string]bool{},
	}
}

func (g *fakeGateway) RetrieveSession(_ context.Context, token string) (PaymentSession, error) {
	if g.retrieveErr != nil {
		return PaymentSession{}, g.retrieveErr
	}
	sess, ok := g.sessions[token]
	if !ok {
		return PaymentSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, token)
	}
	return sess, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, in CheckoutInput) (CheckoutSession, error) {
	g.createdCheckouts = append(g.createdCheckouts, in)
	return CheckoutSession{ID: "cs_test_new", URL: "https://checkout.example/cs_test_new"}, nil
}

func (g *fakeGateway) FindCustomerIDsByEmail(_ context.Context, email string) ([]string, error) {
	return g.customersByEmail[email], nil
}

func (g *fakeGateway) HasActiveSubscription(_ context.Context, customerID string) (bool, error) {
	return g.activeCustomers[customerID], nil
}

func newTestService(repo Repository, gw Gateway) *Service {
	return NewService(repo, gw, Config{
		WebhookSecret:   "whsec_test",
		CheckoutPriceID: "price_test",
		SuccessURL:      "https://app.example/success",
		CancelURL:       "https://app.example/cancel",
	})
}
