package devserver

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

// account holds one user's businesses and products. The entity store is the
// same normalized cache the client uses, so merges behave identically on
// both sides of the wire.
type account struct {
	user  dashboard.User
	store *dashboard.Store
}

type accounts struct {
	mu         sync.Mutex
	byIdentity map[string]*account
	byID       map[string]*account
	now        func() time.Time
}

func newAccounts(now func() time.Time) *accounts {
	return &accounts{
		byIdentity: map[string]*account{},
		byID:       map[string]*account{},
		now:        now,
	}
}

// signIn returns the account for an identity, creating it with a starter
// business on first sign in.
func (a *accounts) signIn(identity, provider string) *account {
	a.mu.Lock()
	defer a.mu.Unlock()
	if acct, ok := a.byIdentity[identity]; ok {
		return acct
	}
	email := identity
	if !strings.Contains(email, "@") {
		email = identity + "@dev.adsync.local"
	}
	acct := &account{
		user: dashboard.User{
			UID:           uuid.NewString(),
			Email:         email,
			Provider:      provider,
			EmailVerified: true,
		},
		store: dashboard.NewStore(),
	}
	created := a.timestamp()
	acct.store.InsertBusiness(dashboard.Business{
		BusinessID: uuid.NewString(),
		Name:       "My Business",
		CreatedAt:  &created,
	})
	a.byIdentity[identity] = acct
	a.byID[acct.user.UID] = acct
	return acct
}

func (a *accounts) get(userID string) (*account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.byID[userID]
	return acct, ok
}

func (a *accounts) timestamp() string {
	return a.now().UTC().Format(time.RFC3339)
}

func (a *accounts) createProduct(acct *account, businessID string, input dashboard.Patch) (dashboard.Product, error) {
	if _, ok := acct.store.Business(businessID); !ok {
		return dashboard.Product{}, fmt.Errorf("%w: business %s", dashboard.ErrNotFound, businessID)
	}
	var product dashboard.Product
	if err := decodePatch(input, &product); err != nil {
		return dashboard.Product{}, err
	}
	if strings.TrimSpace(product.Name) == "" {
		return dashboard.Product{}, fmt.Errorf("%w: name is required", dashboard.ErrInvalidInput)
	}
	created := a.timestamp()
	product.ID = uuid.NewString()
	product.BusinessID = businessID
	product.Status = dashboard.StatusPending
	product.CreatedAt = &created
	product.UpdatedAt = &created
	acct.store.InsertProduct(product)
	return product, nil
}

func (a *accounts) updateProduct(acct *account, businessID, productID string, patch dashboard.Patch) (dashboard.Product, error) {
	existing, ok := acct.store.Product(productID)
	if !ok || existing.BusinessID != businessID {
		return dashboard.Product{}, fmt.Errorf("%w: product %s", dashboard.ErrNotFound, productID)
	}
	if status, present := patch.String("status"); present && !dashboard.ProductStatus(status).Valid() {
		return dashboard.Product{}, fmt.Errorf("%w: unknown status %q", dashboard.ErrInvalidInput, status)
	}
	next := patch.Clone()
	delete(next, "_id")
	delete(next, "businessId")
	next["id"], _ = json.Marshal(productID)
	next["updatedAt"], _ = json.Marshal(a.timestamp())
	merged, _, err := acct.store.MergeProduct(next)
	return merged, err
}

func (a *accounts) deleteProduct(acct *account, businessID, productID string) error {
	existing, ok := acct.store.Product(productID)
	if !ok || existing.BusinessID != businessID {
		return fmt.Errorf("%w: product %s", dashboard.ErrNotFound, productID)
	}
	acct.store.RemoveProduct(productID)
	return nil
}

func (a *accounts) createBusiness(acct *account, input dashboard.Patch) (dashboard.Business, error) {
	var business dashboard.Business
	if err := decodePatch(input, &business); err != nil {
		return dashboard.Business{}, err
	}
	if strings.TrimSpace(business.Name) == "" {
		return dashboard.Business{}, fmt.Errorf("%w: name is required", dashboard.ErrInvalidInput)
	}
	created := a.timestamp()
	business.BusinessID = uuid.NewString()
	business.CreatedAt = &created
	business.UpdatedAt = &created
	acct.store.InsertBusiness(business)
	return business, nil
}

func (a *accounts) updateBusiness(acct *account, businessID string, patch dashboard.Patch) (dashboard.Business, error) {
	if _, ok := acct.store.Business(businessID); !ok {
		return dashboard.Business{}, fmt.Errorf("%w: business %s", dashboard.ErrNotFound, businessID)
	}
	next := patch.Clone()
	next["businessId"], _ = json.Marshal(businessID)
	next["updatedAt"], _ = json.Marshal(a.timestamp())
	merged, _, err := acct.store.MergeBusiness(next)
	return merged, err
}

// deleteBusiness removes the business and returns the ids of the products
// that went with it.
func (a *accounts) deleteBusiness(acct *account, businessID string) ([]string, error) {
	if _, ok := acct.store.RemoveBusiness(businessID); !ok {
		return nil, fmt.Errorf("%w: business %s", dashboard.ErrNotFound, businessID)
	}
	var removed []string
	for _, product := range acct.store.ProductsForBusiness(businessID) {
		acct.store.RemoveProduct(product.ID)
		removed = append(removed, product.ID)
	}
	return removed, nil
}

func decodePatch(input dashboard.Patch, dst any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", dashboard.ErrInvalidInput, err)
	}
	return nil
}
