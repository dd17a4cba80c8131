package livesync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

const (
	resultApplied  = "applied"
	resultNoop     = "noop"
	resultRejected = "rejected"
	resultIgnored  = "ignored"
)

type ReconcilerOptions struct {
	Validator *EventValidator
	Logger    zerolog.Logger
	Metrics   *Metrics
}

// Reconciler folds push events into the store. It keeps no state of its own:
// ordering comes from the caller and every operation is idempotent, so
// replays converge.
type Reconciler struct {
	store     *dashboard.Store
	validator *EventValidator
	logger    zerolog.Logger
	metrics   *Metrics
}

func NewReconciler(store *dashboard.Store, opts ReconcilerOptions) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	validator := opts.Validator
	if validator == nil {
		var err error
		validator, err = NewEventValidator()
		if err != nil {
			return nil, err
		}
	}
	return &Reconciler{
		store:     store,
		validator: validator,
		logger:    opts.Logger.With().Str("component", "reconciler").Logger(),
		metrics:   opts.Metrics,
	}, nil
}

// Attach subscribes the reconciler to every event on the connection.
func (r *Reconciler) Attach(conn *ConnectionManager) {
	conn.OnEvent("*", func(ev Event) {
		_ = r.Apply(ev)
	})
}

// Apply validates and applies one event. Rejected and unknown events are
// logged and reported but leave the store untouched.
func (r *Reconciler) Apply(ev Event) error {
	if !r.validator.Known(ev.Name) {
		r.logger.Debug().Str("event", ev.Name).Msg("ignoring unknown push event")
		r.metrics.observeEvent(ev.Name, resultIgnored)
		return nil
	}
	if err := r.validator.Validate(ev); err != nil {
		r.logger.Warn().Err(err).Str("event", ev.Name).Msg("rejecting push event")
		r.metrics.observeEvent(ev.Name, resultRejected)
		return err
	}
	patch, err := ev.Patch()
	if err != nil {
		r.logger.Warn().Err(err).Str("event", ev.Name).Msg("rejecting push event")
		r.metrics.observeEvent(ev.Name, resultRejected)
		return err
	}

	var changed bool
	switch ev.Name {
	case EventProductCreated:
		changed, err = r.productCreated(patch)
	case EventProductUpdated:
		changed, err = r.productUpdated(patch)
	case EventProductDeleted:
		changed = r.productDeleted(patch)
	case EventBusinessCreated:
		changed, err = r.businessCreated(patch)
	case EventBusinessUpdated:
		changed, err = r.businessUpdated(patch)
	case EventBusinessDeleted:
		changed = r.businessDeleted(patch)
	case EventUserUpdated:
		uid, _ := patch.String("uid")
		r.logger.Info().Str("user_id", uid).Msg("user profile updated")
	}
	switch {
	case err != nil:
		r.logger.Warn().Err(err).Str("event", ev.Name).Msg("push event could not be applied")
		r.metrics.observeEvent(ev.Name, resultRejected)
	case changed:
		r.metrics.observeEvent(ev.Name, resultApplied)
	default:
		r.metrics.observeEvent(ev.Name, resultNoop)
	}
	return err
}

// ApplyProduct routes a product fetched over REST through the same merge
// path as product:updated. Fields the backend omitted are preserved.
func (r *Reconciler) ApplyProduct(p dashboard.Product) error {
	patch, err := productPatch(p)
	if err != nil {
		return err
	}
	_, err = r.productUpdated(patch)
	return err
}

// productPatch converts a full product into a patch carrying only the
// fields the backend populated.
func productPatch(p dashboard.Product) (dashboard.Patch, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var patch dashboard.Patch
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, err
	}
	if p.Status == "" {
		delete(patch, "status")
	}
	if p.BusinessID == "" {
		delete(patch, "businessId")
	}
	if p.Name == "" {
		delete(patch, "name")
	}
	return patch, nil
}

func (r *Reconciler) productCreated(patch dashboard.Patch) (bool, error) {
	product, err := decodeProduct(patch)
	if err != nil {
		return false, err
	}
	if !r.store.InsertProduct(product) {
		r.logger.Debug().Str("product_id", product.ID).Msg("product already cached; ignoring create")
		return false, nil
	}
	return true, nil
}

func (r *Reconciler) productUpdated(patch dashboard.Patch) (bool, error) {
	id := patch.ProductID()
	if id == "" {
		r.logger.Warn().Msg("product update without id; dropping")
		return false, fmt.Errorf("%w: product update has no id", dashboard.ErrInvalidInput)
	}
	_, inserted, err := r.store.MergeProduct(patch)
	if err != nil {
		return false, err
	}
	if inserted {
		r.logger.Warn().Str("product_id", id).Msg("update for uncached product; inserted partial record")
	}
	return true, nil
}

func (r *Reconciler) productDeleted(patch dashboard.Patch) bool {
	id := patch.ProductID()
	if _, ok := r.store.RemoveProduct(id); !ok {
		r.logger.Debug().Str("product_id", id).Msg("deleted product was not cached")
		return false
	}
	return true
}

func (r *Reconciler) businessCreated(patch dashboard.Patch) (bool, error) {
	var business dashboard.Business
	if err := decodePatch(patch, &business); err != nil {
		return false, err
	}
	if !r.store.InsertBusiness(business) {
		r.logger.Debug().Str("business_id", business.BusinessID).Msg("business already cached; ignoring create")
		return false, nil
	}
	return true, nil
}

func (r *Reconciler) businessUpdated(patch dashboard.Patch) (bool, error) {
	_, inserted, err := r.store.MergeBusiness(patch)
	if err != nil {
		return false, err
	}
	if inserted {
		r.logger.Warn().Str("business_id", patch.BusinessID()).Msg("update for uncached business; inserted partial record")
	}
	return true, nil
}

func (r *Reconciler) businessDeleted(patch dashboard.Patch) bool {
	id := patch.BusinessID()
	if id == "" {
		id = patch.ProductID()
	}
	if _, ok := r.store.RemoveBusiness(id); !ok {
		r.logger.Debug().Str("business_id", id).Msg("deleted business was not cached")
		return false
	}
	return true
}

func decodeProduct(patch dashboard.Patch) (dashboard.Product, error) {
	id := patch.ProductID()
	if id == "" {
		return dashboard.Product{}, fmt.Errorf("%w: product payload has no id", dashboard.ErrInvalidInput)
	}
	normalized := patch.Clone()
	delete(normalized, "_id")
	normalized["id"], _ = json.Marshal(id)
	var product dashboard.Product
	if err := decodePatch(normalized, &product); err != nil {
		return dashboard.Product{}, err
	}
	return product, nil
}

func decodePatch(patch dashboard.Patch, out any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%w: field %s: %v", dashboard.ErrInvalidInput, typeErr.Field, err)
		}
		return fmt.Errorf("%w: %v", dashboard.ErrInvalidInput, err)
	}
	return nil
}
