package dashboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type EntityKind string

const (
	KindProduct  EntityKind = "product"
	KindBusiness EntityKind = "business"
)

type ChangeOp string

const (
	ChangeReplace ChangeOp = "replace"
	ChangeInsert  ChangeOp = "insert"
	ChangeUpdate  ChangeOp = "update"
	ChangeRemove  ChangeOp = "remove"
	ChangeSelect  ChangeOp = "select"
	ChangeClear   ChangeOp = "clear"
)

// Change describes one mutation of the store. Subscribers receive changes
// after the store lock has been released, in mutation order.
type Change struct {
	Kind EntityKind
	Op   ChangeOp
	ID   string
}

type entity interface {
	EntityID() string
}

type collection[T entity] struct {
	order []string
	items map[string]T
}

func newCollection[T entity]() collection[T] {
	return collection[T]{items: map[string]T{}}
}

func (c *collection[T]) get(id string) (T, bool) {
	item, ok := c.items[id]
	return item, ok
}

func (c *collection[T]) list() []T {
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

func (c *collection[T]) first() (T, bool) {
	var zero T
	if len(c.order) == 0 {
		return zero, false
	}
	return c.items[c.order[0]], true
}

// replace swaps the whole collection, keeping the last record for duplicate ids.
func (c *collection[T]) replace(items []T) {
	c.order = c.order[:0]
	c.items = make(map[string]T, len(items))
	for _, item := range items {
		id := item.EntityID()
		if id == "" {
			continue
		}
		if _, exists := c.items[id]; !exists {
			c.order = append(c.order, id)
		}
		c.items[id] = item
	}
}

func (c *collection[T]) insert(item T, prepend bool) bool {
	id := item.EntityID()
	if _, exists := c.items[id]; exists {
		return false
	}
	c.items[id] = item
	if prepend {
		c.order = append([]string{id}, c.order...)
	} else {
		c.order = append(c.order, id)
	}
	return true
}

func (c *collection[T]) put(item T) {
	id := item.EntityID()
	if _, exists := c.items[id]; exists {
		c.items[id] = item
		return
	}
	c.insert(item, false)
}

func (c *collection[T]) remove(id string) (T, bool) {
	item, ok := c.items[id]
	if !ok {
		return item, false
	}
	delete(c.items, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return item, true
}

func (c *collection[T]) len() int {
	return len(c.order)
}

type StoreOptions struct {
	Logger zerolog.Logger
}

// Store is the normalized client cache of businesses and products for one
// session. All mutations are serialized; reads return copies.
type Store struct {
	mu                sync.Mutex
	products          collection[Product]
	businesses        collection[Business]
	currentBusinessID string
	logger            zerolog.Logger

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{Logger: zerolog.Nop()})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	return &Store{
		products:   newCollection[Product](),
		businesses: newCollection[Business](),
		logger:     opts.Logger.With().Str("component", "store").Logger(),
		subs:       map[int]func(Change){},
	}
}

// Subscribe registers fn for every change and returns a function that removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()
	for _, change := range changes {
		for _, fn := range fns {
			fn(change)
		}
	}
}

// SetProducts replaces the product collection. An empty input never wipes a
// non-empty collection; the skip is logged and false is returned.
func (s *Store) SetProducts(items []Product) bool {
	s.mu.Lock()
	if len(items) == 0 && s.products.len() > 0 {
		existing := s.products.len()
		s.mu.Unlock()
		s.logger.Warn().Int("existing", existing).Msg("ignoring empty product list; keeping cached products")
		return false
	}
	s.products.replace(items)
	s.mu.Unlock()
	s.notify([]Change{{Kind: KindProduct, Op: ChangeReplace}})
	return true
}

// InsertProduct adds the product at the front of the collection if no product
// with the same id exists. Returns false for duplicates.
func (s *Store) InsertProduct(p Product) bool {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return false
	}
	s.mu.Lock()
	inserted := s.products.insert(p, true)
	s.mu.Unlock()
	if !inserted {
		s.logger.Debug().Str("product_id", p.ID).Msg("product already present; skipping insert")
		return false
	}
	s.notify([]Change{{Kind: KindProduct, Op: ChangeInsert, ID: p.ID}})
	return true
}

// UpsertProduct replaces the stored product wholesale, inserting it if absent.
func (s *Store) UpsertProduct(p Product) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return
	}
	s.mu.Lock()
	_, existed := s.products.get(p.ID)
	if existed {
		s.products.put(p)
	} else {
		s.products.insert(p, true)
	}
	s.mu.Unlock()
	op := ChangeUpdate
	if !existed {
		op = ChangeInsert
	}
	s.notify([]Change{{Kind: KindProduct, Op: op, ID: p.ID}})
}

// MergeProduct applies a partial product keyed by "id" or "_id". Present
// fields overwrite, absent fields are preserved. A product that is not cached
// yet is inserted from the partial payload and inserted is reported true.
func (s *Store) MergeProduct(patch Patch) (merged Product, inserted bool, err error) {
	id := patch.ProductID()
	if id == "" {
		return Product{}, false, fmt.Errorf("%w: product patch has no id", ErrInvalidInput)
	}
	normalized := patch.Clone()
	delete(normalized, "_id")
	normalized["id"], _ = json.Marshal(id)

	s.mu.Lock()
	existing, ok := s.products.get(id)
	merged, err = mergeEntity(existing, normalized)
	if err != nil {
		s.mu.Unlock()
		return Product{}, false, err
	}
	merged.ID = id
	if ok {
		s.products.put(merged)
	} else {
		s.products.insert(merged, true)
	}
	s.mu.Unlock()

	op := ChangeUpdate
	if !ok {
		op = ChangeInsert
	}
	s.notify([]Change{{Kind: KindProduct, Op: op, ID: id}})
	return merged, !ok, nil
}

// SetProductStatus changes the status of a cached product. Unknown ids are ignored.
func (s *Store) SetProductStatus(id string, status ProductStatus) bool {
	s.mu.Lock()
	existing, ok := s.products.get(id)
	if !ok {
		s.mu.Unlock()
		return false
	}
	existing.Status = status
	s.products.put(existing)
	s.mu.Unlock()
	s.notify([]Change{{Kind: KindProduct, Op: ChangeUpdate, ID: id}})
	return true
}

// SetProductStatusIf sets the status only when cond accepts the current one,
// checking and writing under one lock. It returns the product as it was
// before the call and whether the status was written.
func (s *Store) SetProductStatusIf(id string, status ProductStatus, cond func(ProductStatus) bool) (Product, bool, error) {
	s.mu.Lock()
	existing, ok := s.products.get(id)
	if !ok {
		s.mu.Unlock()
		return Product{}, false, ErrNotFound
	}
	if !cond(existing.Status) {
		s.mu.Unlock()
		return existing, false, nil
	}
	updated := existing
	updated.Status = status
	s.products.put(updated)
	s.mu.Unlock()
	s.notify([]Change{{Kind: KindProduct, Op: ChangeUpdate, ID: id}})
	return existing, true, nil
}

func (s *Store) RemoveProduct(id string) (Product, bool) {
	s.mu.Lock()
	removed, ok := s.products.remove(id)
	s.mu.Unlock()
	if !ok {
		return Product{}, false
	}
	s.notify([]Change{{Kind: KindProduct, Op: ChangeRemove, ID: id}})
	return removed, true
}

func (s *Store) Product(id string) (Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products.get(id)
}

func (s *Store) Products() []Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products.list()
}

func (s *Store) ProductsForBusiness(businessID string) []Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Product{}
	for _, product := range s.products.list() {
		if product.BusinessID == businessID {
			out = append(out, product)
		}
	}
	return out
}

// SetBusinesses replaces the business collection with the same empty-input
// guard as SetProducts.
func (s *Store) SetBusinesses(items []Business) bool {
	s.mu.Lock()
	if len(items) == 0 && s.businesses.len() > 0 {
		existing := s.businesses.len()
		s.mu.Unlock()
		s.logger.Warn().Int("existing", existing).Msg("ignoring empty business list; keeping cached businesses")
		return false
	}
	before := s.currentBusinessLocked()
	s.businesses.replace(items)
	if _, ok := s.businesses.get(s.currentBusinessID); !ok {
		s.currentBusinessID = ""
	}
	changes := []Change{{Kind: KindBusiness, Op: ChangeReplace}}
	changes = append(changes, s.selectionChangeLocked(before)...)
	s.mu.Unlock()
	s.notify(changes)
	return true
}

// InsertBusiness appends the business if absent. The current business is not changed.
func (s *Store) InsertBusiness(b Business) bool {
	b.BusinessID = strings.TrimSpace(b.BusinessID)
	if b.BusinessID == "" {
		return false
	}
	s.mu.Lock()
	before := s.currentBusinessLocked()
	inserted := s.businesses.insert(b, false)
	var changes []Change
	if inserted {
		changes = append(changes, Change{Kind: KindBusiness, Op: ChangeInsert, ID: b.BusinessID})
		changes = append(changes, s.selectionChangeLocked(before)...)
	}
	s.mu.Unlock()
	if !inserted {
		s.logger.Debug().Str("business_id", b.BusinessID).Msg("business already present; skipping insert")
		return false
	}
	s.notify(changes)
	return true
}

func (s *Store) UpsertBusiness(b Business) {
	b.BusinessID = strings.TrimSpace(b.BusinessID)
	if b.BusinessID == "" {
		return
	}
	s.mu.Lock()
	before := s.currentBusinessLocked()
	_, existed := s.businesses.get(b.BusinessID)
	s.businesses.put(b)
	op := ChangeUpdate
	if !existed {
		op = ChangeInsert
	}
	changes := []Change{{Kind: KindBusiness, Op: op, ID: b.BusinessID}}
	changes = append(changes, s.selectionChangeLocked(before)...)
	s.mu.Unlock()
	s.notify(changes)
}

// MergeBusiness applies a partial business keyed by "businessId", inserting
// on miss the same way MergeProduct does.
func (s *Store) MergeBusiness(patch Patch) (merged Business, inserted bool, err error) {
	id := patch.BusinessID()
	if id == "" {
		return Business{}, false, fmt.Errorf("%w: business patch has no businessId", ErrInvalidInput)
	}
	s.mu.Lock()
	before := s.currentBusinessLocked()
	existing, ok := s.businesses.get(id)
	merged, err = mergeEntity(existing, patch)
	if err != nil {
		s.mu.Unlock()
		return Business{}, false, err
	}
	merged.BusinessID = id
	s.businesses.put(merged)
	op := ChangeUpdate
	if !ok {
		op = ChangeInsert
	}
	changes := []Change{{Kind: KindBusiness, Op: op, ID: id}}
	changes = append(changes, s.selectionChangeLocked(before)...)
	s.mu.Unlock()
	s.notify(changes)
	return merged, !ok, nil
}

// RemoveBusiness deletes a business. When it was the current business the
// selection falls back to the first remaining business, or none.
func (s *Store) RemoveBusiness(id string) (Business, bool) {
	s.mu.Lock()
	before := s.currentBusinessLocked()
	removed, ok := s.businesses.remove(id)
	if !ok {
		s.mu.Unlock()
		return Business{}, false
	}
	if s.currentBusinessID == id {
		s.currentBusinessID = ""
	}
	changes := []Change{{Kind: KindBusiness, Op: ChangeRemove, ID: id}}
	changes = append(changes, s.selectionChangeLocked(before)...)
	s.mu.Unlock()
	s.notify(changes)
	return removed, true
}

func (s *Store) Business(id string) (Business, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.businesses.get(id)
}

func (s *Store) Businesses() []Business {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.businesses.list()
}

// CurrentBusiness returns the explicitly selected business, or the first
// business when nothing was selected.
func (s *Store) CurrentBusiness() (Business, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.currentBusinessLocked()
	if id == "" {
		return Business{}, false
	}
	return s.businesses.get(id)
}

// SetCurrentBusiness selects a cached business. An empty id resets the
// selection to the default (first business).
func (s *Store) SetCurrentBusiness(id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	if id != "" {
		if _, ok := s.businesses.get(id); !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: business %s", ErrNotFound, id)
		}
	}
	before := s.currentBusinessLocked()
	s.currentBusinessID = id
	changes := s.selectionChangeLocked(before)
	s.mu.Unlock()
	s.notify(changes)
	return nil
}

func (s *Store) currentBusinessLocked() string {
	if s.currentBusinessID != "" {
		if _, ok := s.businesses.get(s.currentBusinessID); ok {
			return s.currentBusinessID
		}
	}
	if first, ok := s.businesses.first(); ok {
		return first.BusinessID
	}
	return ""
}

func (s *Store) selectionChangeLocked(before string) []Change {
	after := s.currentBusinessLocked()
	if after == before {
		return nil
	}
	return []Change{{Kind: KindBusiness, Op: ChangeSelect, ID: after}}
}

// Clear drops every cached entity and the business selection.
func (s *Store) Clear() {
	s.mu.Lock()
	s.products = newCollection[Product]()
	s.businesses = newCollection[Business]()
	s.currentBusinessID = ""
	s.mu.Unlock()
	s.notify([]Change{
		{Kind: KindProduct, Op: ChangeClear},
		{Kind: KindBusiness, Op: ChangeClear},
	})
}

type StoreSnapshot struct {
	Businesses        []Business `json:"businesses"`
	Products          []Product  `json:"products"`
	CurrentBusinessID string     `json:"currentBusinessId,omitempty"`
}

func (s *Store) Snapshot() StoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreSnapshot{
		Businesses:        s.businesses.list(),
		Products:          s.products.list(),
		CurrentBusinessID: s.currentBusinessID,
	}
}

// Restore loads a snapshot wholesale, bypassing the empty-input guard.
func (s *Store) Restore(snapshot StoreSnapshot) {
	s.mu.Lock()
	s.businesses.replace(snapshot.Businesses)
	s.products.replace(snapshot.Products)
	s.currentBusinessID = ""
	if _, ok := s.businesses.get(snapshot.CurrentBusinessID); ok {
		s.currentBusinessID = snapshot.CurrentBusinessID
	}
	s.mu.Unlock()
	s.notify([]Change{
		{Kind: KindBusiness, Op: ChangeReplace},
		{Kind: KindProduct, Op: ChangeReplace},
	})
}

// mergeEntity overlays patch onto existing at JSON field granularity.
func mergeEntity[T any](existing T, patch Patch) (T, error) {
	var zero T
	base, err := json.Marshal(existing)
	if err != nil {
		return zero, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return zero, err
	}
	for key, value := range patch {
		fields[key] = value
	}
	combined, err := json.Marshal(fields)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(combined, &out); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}
