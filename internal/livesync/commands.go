package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

// CommandError reports a failed user command. Optimistic changes have been
// rolled back by the time it is returned.
type CommandError struct {
	Op  string
	ID  string
	Err error
}

func (e *CommandError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type CommandsOptions struct {
	Trigger EnrichmentTrigger
	Token   TokenSource
	// TriggerTimeout bounds the detached workflow trigger call.
	TriggerTimeout time.Duration
	Now            func() time.Time
	Logger         zerolog.Logger
	Metrics        *Metrics
}

// Commands applies user actions optimistically to the store and confirms them
// against the backend.
type Commands struct {
	store          *dashboard.Store
	remote         RemoteClient
	trigger        EnrichmentTrigger
	token          TokenSource
	triggerTimeout time.Duration
	now            func() time.Time
	logger         zerolog.Logger
	metrics        *Metrics

	wg sync.WaitGroup
}

func NewCommands(store *dashboard.Store, remote RemoteClient, opts CommandsOptions) *Commands {
	token := opts.Token
	if token == nil {
		token = StaticToken("")
	}
	triggerTimeout := opts.TriggerTimeout
	if triggerTimeout <= 0 {
		triggerTimeout = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Commands{
		store:          store,
		remote:         remote,
		trigger:        opts.Trigger,
		token:          token,
		triggerTimeout: triggerTimeout,
		now:            now,
		logger:         opts.Logger.With().Str("component", "commands").Logger(),
		metrics:        opts.Metrics,
	}
}

// Wait blocks until every detached workflow trigger has returned.
func (c *Commands) Wait() {
	c.wg.Wait()
}

func (c *Commands) finish(op, id string, err error) error {
	c.metrics.observeCommand(op, err)
	if err == nil {
		return nil
	}
	c.logger.Warn().Err(err).Str("command", op).Str("id", id).Msg("command failed")
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return err
	}
	return &CommandError{Op: op, ID: id, Err: err}
}

// Generate starts AI enrichment for a product. The product is marked
// processing immediately; the result arrives later as a product:updated
// event or through the fallback poller. A product already processing is left
// alone.
func (c *Commands) Generate(ctx context.Context, productID string) error {
	const op = "generate"
	if _, ok := c.store.Product(productID); ok && c.trigger == nil {
		return c.finish(op, productID, fmt.Errorf("%w: no workflow trigger configured", dashboard.ErrInvalidState))
	}
	product, marked, err := c.store.SetProductStatusIf(productID, dashboard.StatusProcessing, func(status dashboard.ProductStatus) bool {
		return status != dashboard.StatusProcessing
	})
	if err != nil {
		return c.finish(op, productID, err)
	}
	if !marked {
		c.logger.Debug().Str("product_id", productID).Msg("generation already in progress")
		return nil
	}
	businessID := c.businessFor(product)

	if _, err := c.remote.UpdateProduct(ctx, businessID, productID, dashboard.StatusPatch(dashboard.StatusProcessing)); err != nil {
		c.failIfProcessing(productID)
		return c.finish(op, productID, err)
	}

	product.Status = dashboard.StatusProcessing
	req := EnrichmentRequest{
		AccessToken: c.token(),
		BusinessID:  businessID,
		Product:     product,
	}
	if business, ok := c.store.Business(businessID); ok {
		req.Business = &business
	}
	triggerCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		triggerCtx, cancel := context.WithTimeout(triggerCtx, c.triggerTimeout)
		defer cancel()
		if err := c.trigger.TriggerEnrichment(triggerCtx, req); err != nil {
			c.logger.Error().Err(err).Str("product_id", productID).Msg("enrichment trigger failed")
			c.failIfProcessing(productID)
			c.metrics.observeCommand("generate_trigger", err)
			return
		}
		c.logger.Info().Str("product_id", productID).Msg("enrichment started")
	}()
	return c.finish(op, productID, nil)
}

// failIfProcessing marks a product failed unless something else already moved
// it out of processing.
func (c *Commands) failIfProcessing(productID string) {
	_, _, _ = c.store.SetProductStatusIf(productID, dashboard.StatusFailed, func(status dashboard.ProductStatus) bool {
		return status == dashboard.StatusProcessing
	})
}

func (c *Commands) businessFor(product dashboard.Product) string {
	if product.BusinessID != "" {
		return product.BusinessID
	}
	if business, ok := c.store.CurrentBusiness(); ok {
		return business.BusinessID
	}
	return ""
}

func (c *Commands) currentBusinessID() string {
	if business, ok := c.store.CurrentBusiness(); ok {
		return business.BusinessID
	}
	return ""
}

// CreateProduct creates a product in businessID, or in the current business
// when businessID is empty.
func (c *Commands) CreateProduct(ctx context.Context, businessID string, input dashboard.Patch) (dashboard.Product, error) {
	const op = "create_product"
	if businessID = strings.TrimSpace(businessID); businessID == "" {
		businessID = c.currentBusinessID()
	}
	if businessID == "" {
		return dashboard.Product{}, c.finish(op, "", fmt.Errorf("%w: no business selected", dashboard.ErrInvalidState))
	}
	created, err := c.remote.CreateProduct(ctx, businessID, input)
	if err != nil {
		return dashboard.Product{}, c.finish(op, businessID, err)
	}
	if created.BusinessID == "" {
		created.BusinessID = businessID
	}
	c.store.InsertProduct(created)
	if stored, ok := c.store.Product(created.ID); ok {
		created = stored
	}
	return created, c.finish(op, created.ID, nil)
}

func (c *Commands) UpdateProduct(ctx context.Context, productID string, patch dashboard.Patch) (dashboard.Product, error) {
	return c.updateProduct(ctx, "update_product", productID, patch)
}

func (c *Commands) updateProduct(ctx context.Context, op, productID string, patch dashboard.Patch) (dashboard.Product, error) {
	previous, ok := c.store.Product(productID)
	if !ok {
		return dashboard.Product{}, c.finish(op, productID, dashboard.ErrNotFound)
	}
	body := patch.Clone()
	delete(body, "id")
	delete(body, "_id")

	local := body.Clone()
	local["id"], _ = json.Marshal(productID)
	if _, _, err := c.store.MergeProduct(local); err != nil {
		return dashboard.Product{}, c.finish(op, productID, err)
	}

	updated, err := c.remote.UpdateProduct(ctx, c.businessFor(previous), productID, body)
	if err != nil {
		c.store.UpsertProduct(previous)
		return dashboard.Product{}, c.finish(op, productID, err)
	}
	if updated.ID != "" {
		if confirmed, err := productPatch(updated); err == nil {
			confirmed["id"], _ = json.Marshal(productID)
			_, _, _ = c.store.MergeProduct(confirmed)
		}
	}
	current, _ := c.store.Product(productID)
	return current, c.finish(op, productID, nil)
}

// DeleteProduct removes the product locally and then on the backend. A
// backend 404 counts as success.
func (c *Commands) DeleteProduct(ctx context.Context, productID string) error {
	const op = "delete_product"
	previous, ok := c.store.Product(productID)
	if !ok {
		return c.finish(op, productID, dashboard.ErrNotFound)
	}
	c.store.RemoveProduct(productID)
	err := c.remote.DeleteProduct(ctx, c.businessFor(previous), productID)
	if err != nil && !errors.Is(err, dashboard.ErrNotFound) {
		c.store.InsertProduct(previous)
		return c.finish(op, productID, err)
	}
	return c.finish(op, productID, nil)
}

// UploadProductImage uploads a source image and records its URL on the product.
func (c *Commands) UploadProductImage(ctx context.Context, productID, filename string, content io.Reader) (string, error) {
	const op = "upload_image"
	product, ok := c.store.Product(productID)
	if !ok {
		return "", c.finish(op, productID, dashboard.ErrNotFound)
	}
	imageURL, err := c.remote.UploadProductImage(ctx, c.businessFor(product), productID, filename, content)
	if err != nil {
		return "", c.finish(op, productID, err)
	}
	patch, err := dashboard.NewPatch(map[string]any{"id": productID, "imageUrl": imageURL})
	if err != nil {
		return "", c.finish(op, productID, err)
	}
	if _, _, err := c.store.MergeProduct(patch); err != nil {
		return "", c.finish(op, productID, err)
	}
	return imageURL, c.finish(op, productID, nil)
}

// MarkPosted records that an enriched advertisement was published.
func (c *Commands) MarkPosted(ctx context.Context, productID string) (dashboard.Product, error) {
	const op = "mark_posted"
	product, ok := c.store.Product(productID)
	if !ok {
		return dashboard.Product{}, c.finish(op, productID, dashboard.ErrNotFound)
	}
	if !dashboard.CanTransition(product.Status, dashboard.StatusPosted) {
		err := fmt.Errorf("%w: %s -> %s", dashboard.ErrInvalidTransition, product.Status, dashboard.StatusPosted)
		return dashboard.Product{}, c.finish(op, productID, err)
	}
	patch, err := dashboard.NewPatch(map[string]any{
		"status":   dashboard.StatusPosted,
		"postDate": c.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return dashboard.Product{}, c.finish(op, productID, err)
	}
	return c.updateProduct(ctx, op, productID, patch)
}

// CreateBusiness creates a business and selects it.
func (c *Commands) CreateBusiness(ctx context.Context, input dashboard.Patch) (dashboard.Business, error) {
	const op = "create_business"
	created, err := c.remote.CreateBusiness(ctx, input)
	if err != nil {
		return dashboard.Business{}, c.finish(op, "", err)
	}
	c.store.InsertBusiness(created)
	if err := c.store.SetCurrentBusiness(created.BusinessID); err != nil {
		return dashboard.Business{}, c.finish(op, created.BusinessID, err)
	}
	return created, c.finish(op, created.BusinessID, nil)
}

func (c *Commands) UpdateBusiness(ctx context.Context, businessID string, patch dashboard.Patch) (dashboard.Business, error) {
	const op = "update_business"
	previous, ok := c.store.Business(businessID)
	if !ok {
		return dashboard.Business{}, c.finish(op, businessID, dashboard.ErrNotFound)
	}
	body := patch.Clone()
	delete(body, "businessId")

	local := body.Clone()
	local["businessId"], _ = json.Marshal(businessID)
	if _, _, err := c.store.MergeBusiness(local); err != nil {
		return dashboard.Business{}, c.finish(op, businessID, err)
	}
	updated, err := c.remote.UpdateBusiness(ctx, businessID, body)
	if err != nil {
		c.store.UpsertBusiness(previous)
		return dashboard.Business{}, c.finish(op, businessID, err)
	}
	if updated.BusinessID == businessID {
		c.store.UpsertBusiness(updated)
	}
	current, _ := c.store.Business(businessID)
	return current, c.finish(op, businessID, nil)
}

// DeleteBusiness removes a business and, once the backend confirms, its cached
// products. On failure the business and the selection are restored.
func (c *Commands) DeleteBusiness(ctx context.Context, businessID string) error {
	const op = "delete_business"
	previous, ok := c.store.Business(businessID)
	if !ok {
		return c.finish(op, businessID, dashboard.ErrNotFound)
	}
	wasCurrent := c.currentBusinessID() == businessID
	c.store.RemoveBusiness(businessID)
	err := c.remote.DeleteBusiness(ctx, businessID)
	if err != nil && !errors.Is(err, dashboard.ErrNotFound) {
		c.store.InsertBusiness(previous)
		if wasCurrent {
			_ = c.store.SetCurrentBusiness(businessID)
		}
		return c.finish(op, businessID, err)
	}
	for _, product := range c.store.ProductsForBusiness(businessID) {
		c.store.RemoveProduct(product.ID)
	}
	return c.finish(op, businessID, nil)
}

func (c *Commands) RefreshBusinesses(ctx context.Context) ([]dashboard.Business, error) {
	const op = "list_businesses"
	businesses, err := c.remote.ListBusinesses(ctx)
	if err != nil {
		return nil, c.finish(op, "", err)
	}
	c.store.SetBusinesses(businesses)
	return c.store.Businesses(), c.finish(op, "", nil)
}

func (c *Commands) FetchBusiness(ctx context.Context, businessID string) (dashboard.Business, error) {
	const op = "fetch_business"
	business, err := c.remote.GetBusiness(ctx, businessID)
	if err != nil {
		return dashboard.Business{}, c.finish(op, businessID, err)
	}
	if business.BusinessID == "" {
		business.BusinessID = businessID
	}
	c.store.UpsertBusiness(business)
	return business, c.finish(op, businessID, nil)
}

// SwitchBusiness selects a cached business and reloads its products.
func (c *Commands) SwitchBusiness(ctx context.Context, businessID string) error {
	const op = "switch_business"
	if err := c.store.SetCurrentBusiness(businessID); err != nil {
		return c.finish(op, businessID, err)
	}
	_, err := c.RefreshProducts(ctx)
	return c.finish(op, businessID, err)
}

// RefreshProducts reloads the current business's products. An empty response
// never wipes a populated cache.
func (c *Commands) RefreshProducts(ctx context.Context) ([]dashboard.Product, error) {
	const op = "list_products"
	businessID := c.currentBusinessID()
	products, err := c.remote.ListProducts(ctx, businessID)
	if err != nil {
		return nil, c.finish(op, businessID, err)
	}
	for i := range products {
		if products[i].BusinessID == "" {
			products[i].BusinessID = businessID
		}
	}
	c.store.SetProducts(products)
	return c.store.ProductsForBusiness(businessID), c.finish(op, businessID, nil)
}
