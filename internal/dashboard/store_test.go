package dashboard

import (
	"encoding/json"
	"errors"
	"testing"
)

func strPtr(value string) *string {
	return &value
}

func mustPatch(t *testing.T, raw string) Patch {
	t.Helper()
	var patch Patch
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		t.Fatalf("decode patch failed: %v", err)
	}
	return patch
}

func TestSetProductsSkipsEmptyPayloadWhenCacheIsPopulated(t *testing.T) {
	store := NewStore()
	if !store.SetProducts([]Product{{ID: "p1", Name: "Mug", Status: StatusPending}}) {
		t.Fatalf("expected initial set to apply")
	}
	if store.SetProducts(nil) {
		t.Fatalf("expected empty set to be skipped")
	}
	if got := len(store.Products()); got != 1 {
		t.Fatalf("expected cached product to survive empty set, got %d products", got)
	}

	empty := NewStore()
	if !empty.SetProducts(nil) {
		t.Fatalf("expected empty set on empty store to apply")
	}
}

func TestInsertProductIsIdempotentAndPrepends(t *testing.T) {
	store := NewStore()
	store.SetProducts([]Product{{ID: "p1", Name: "Mug"}})

	if !store.InsertProduct(Product{ID: "p2", Name: "Shirt"}) {
		t.Fatalf("expected first insert to succeed")
	}
	if store.InsertProduct(Product{ID: "p2", Name: "Shirt v2"}) {
		t.Fatalf("expected duplicate insert to be a no-op")
	}
	products := store.Products()
	if len(products) != 2 {
		t.Fatalf("expected 2 products, got %d", len(products))
	}
	if products[0].ID != "p2" || products[0].Name != "Shirt" {
		t.Fatalf("expected newest product first and unchanged, got %+v", products[0])
	}
}

func TestMergeProductPreservesAbsentFieldsAndAppliesNull(t *testing.T) {
	store := NewStore()
	store.SetProducts([]Product{{
		ID:                "p1",
		Name:              "Mug",
		Status:            StatusProcessing,
		AdvertisementText: strPtr("old copy"),
		ImageURL:          strPtr("https://img/1.png"),
	}})

	merged, inserted, err := store.MergeProduct(mustPatch(t, `{"id":"p1","status":"enriched","imageUrl":null}`))
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if inserted {
		t.Fatalf("expected merge into existing product")
	}
	if merged.Status != StatusEnriched {
		t.Fatalf("expected status enriched, got %s", merged.Status)
	}
	if merged.Name != "Mug" {
		t.Fatalf("expected name to be preserved, got %q", merged.Name)
	}
	if merged.AdvertisementText == nil || *merged.AdvertisementText != "old copy" {
		t.Fatalf("expected advertisement text to be preserved, got %+v", merged.AdvertisementText)
	}
	if merged.ImageURL != nil {
		t.Fatalf("expected explicit null to clear imageUrl, got %q", *merged.ImageURL)
	}
}

func TestMergeProductNormalizesUnderscoreID(t *testing.T) {
	store := NewStore()
	store.SetProducts([]Product{{ID: "p1", Name: "Mug", Status: StatusProcessing}})

	if _, _, err := store.MergeProduct(mustPatch(t, `{"_id":"p1","status":"failed"}`)); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	product, ok := store.Product("p1")
	if !ok {
		t.Fatalf("expected product p1")
	}
	if product.Status != StatusFailed {
		t.Fatalf("expected status failed, got %s", product.Status)
	}
	if len(store.Products()) != 1 {
		t.Fatalf("expected no duplicate entry, got %d", len(store.Products()))
	}
}

func TestMergeProductInsertsOnMiss(t *testing.T) {
	store := NewStore()
	merged, inserted, err := store.MergeProduct(mustPatch(t, `{"id":"ghost","status":"enriched"}`))
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !inserted {
		t.Fatalf("expected partial record to be inserted")
	}
	if merged.ID != "ghost" || merged.Status != StatusEnriched || merged.Name != "" {
		t.Fatalf("unexpected partial record %+v", merged)
	}
}

func TestMergeProductRejectsMissingID(t *testing.T) {
	store := NewStore()
	_, _, err := store.MergeProduct(mustPatch(t, `{"status":"enriched"}`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(store.Products()) != 0 {
		t.Fatalf("expected store to stay empty")
	}
}

func TestMergeProductIsIdempotent(t *testing.T) {
	store := NewStore()
	store.SetProducts([]Product{{ID: "p1", Name: "Mug", Status: StatusProcessing}})
	patch := mustPatch(t, `{"id":"p1","status":"enriched","advertisementText":"Buy now"}`)

	first, _, err := store.MergeProduct(patch)
	if err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	second, _, err := store.MergeProduct(patch)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("expected replayed merge to be a no-op: %s vs %s", a, b)
	}
}

func TestRemoveProductIgnoresUnknownID(t *testing.T) {
	store := NewStore()
	store.SetProducts([]Product{{ID: "p1"}})
	if _, ok := store.RemoveProduct("missing"); ok {
		t.Fatalf("expected unknown removal to report false")
	}
	if _, ok := store.RemoveProduct("p1"); !ok {
		t.Fatalf("expected removal of p1")
	}
	if _, ok := store.RemoveProduct("p1"); ok {
		t.Fatalf("expected second removal to be a no-op")
	}
}

func TestCurrentBusinessDefaultsToFirstAndFallsBackOnDelete(t *testing.T) {
	store := NewStore()
	if _, ok := store.CurrentBusiness(); ok {
		t.Fatalf("expected no current business on empty store")
	}
	store.SetBusinesses([]Business{{BusinessID: "b1", Name: "One"}, {BusinessID: "b2", Name: "Two"}})

	current, ok := store.CurrentBusiness()
	if !ok || current.BusinessID != "b1" {
		t.Fatalf("expected default current business b1, got %+v", current)
	}
	if err := store.SetCurrentBusiness("b2"); err != nil {
		t.Fatalf("select b2 failed: %v", err)
	}
	if current, _ := store.CurrentBusiness(); current.BusinessID != "b2" {
		t.Fatalf("expected current business b2, got %s", current.BusinessID)
	}

	store.RemoveBusiness("b2")
	if current, _ := store.CurrentBusiness(); current.BusinessID != "b1" {
		t.Fatalf("expected fallback to b1, got %s", current.BusinessID)
	}
	store.RemoveBusiness("b1")
	if _, ok := store.CurrentBusiness(); ok {
		t.Fatalf("expected no current business after removing all")
	}
}

func TestSetCurrentBusinessRejectsUnknownID(t *testing.T) {
	store := NewStore()
	store.SetBusinesses([]Business{{BusinessID: "b1"}})
	if err := store.SetCurrentBusiness("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInsertBusinessDoesNotChangeSelection(t *testing.T) {
	store := NewStore()
	store.SetBusinesses([]Business{{BusinessID: "b1"}})
	store.InsertBusiness(Business{BusinessID: "b2"})
	if current, _ := store.CurrentBusiness(); current.BusinessID != "b1" {
		t.Fatalf("expected selection to stay on b1, got %s", current.BusinessID)
	}
	if store.InsertBusiness(Business{BusinessID: "b2", Name: "dup"}) {
		t.Fatalf("expected duplicate business insert to be skipped")
	}
}

func TestSubscribeReceivesChangesOutsideLock(t *testing.T) {
	store := NewStore()
	var changes []Change
	unsubscribe := store.Subscribe(func(change Change) {
		changes = append(changes, change)
		// Reading from inside a callback must not deadlock.
		_ = store.Products()
	})
	store.SetBusinesses([]Business{{BusinessID: "b1"}})
	store.InsertProduct(Product{ID: "p1"})
	store.RemoveBusiness("b1")
	unsubscribe()
	store.InsertProduct(Product{ID: "p2"})

	want := []Change{
		{Kind: KindBusiness, Op: ChangeReplace},
		{Kind: KindBusiness, Op: ChangeSelect, ID: "b1"},
		{Kind: KindProduct, Op: ChangeInsert, ID: "p1"},
		{Kind: KindBusiness, Op: ChangeRemove, ID: "b1"},
		{Kind: KindBusiness, Op: ChangeSelect, ID: ""},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %d: %+v", len(want), len(changes), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("change %d: expected %+v, got %+v", i, want[i], changes[i])
		}
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := NewStore()
	store.SetBusinesses([]Business{{BusinessID: "b1"}, {BusinessID: "b2"}})
	store.SetProducts([]Product{{ID: "p1", BusinessID: "b2"}, {ID: "p2", BusinessID: "b1"}})
	if err := store.SetCurrentBusiness("b2"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	restored := NewStore()
	restored.Restore(store.Snapshot())
	if current, _ := restored.CurrentBusiness(); current.BusinessID != "b2" {
		t.Fatalf("expected restored selection b2, got %s", current.BusinessID)
	}
	if got := restored.ProductsForBusiness("b2"); len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("expected p1 for b2, got %+v", got)
	}

	restored.Clear()
	if len(restored.Products()) != 0 || len(restored.Businesses()) != 0 {
		t.Fatalf("expected clear to drop everything")
	}
}

func TestMergeBusinessUpdatesFields(t *testing.T) {
	store := NewStore()
	store.SetBusinesses([]Business{{BusinessID: "b1", Name: "Old", Description: strPtr("desc")}})
	merged, inserted, err := store.MergeBusiness(mustPatch(t, `{"businessId":"b1","name":"New"}`))
	if err != nil {
		t.Fatalf("merge business failed: %v", err)
	}
	if inserted {
		t.Fatalf("expected existing business to be merged")
	}
	if merged.Name != "New" || merged.Description == nil || *merged.Description != "desc" {
		t.Fatalf("unexpected merged business %+v", merged)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ProductStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusProcessing, false},
		{StatusProcessing, StatusEnriched, true},
		{StatusProcessing, StatusFailed, true},
		{StatusEnriched, StatusPosted, true},
		{StatusPending, StatusPosted, false},
		{StatusFailed, StatusProcessing, true},
		{StatusPosted, StatusProcessing, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSetProductStatusIfChecksAndWritesTogether(t *testing.T) {
	store := NewStore()
	store.SetProducts([]Product{{ID: "p1", Name: "Mug", Status: StatusPending}})
	notProcessing := func(status ProductStatus) bool { return status != StatusProcessing }

	before, changed, err := store.SetProductStatusIf("p1", StatusProcessing, notProcessing)
	if err != nil || !changed || before.Status != StatusPending {
		t.Fatalf("expected first transition to apply, got %+v, %v, %v", before, changed, err)
	}
	before, changed, err = store.SetProductStatusIf("p1", StatusProcessing, notProcessing)
	if err != nil || changed || before.Status != StatusProcessing {
		t.Fatalf("expected second transition to be refused, got %+v, %v, %v", before, changed, err)
	}
	if _, _, err := store.SetProductStatusIf("missing", StatusProcessing, notProcessing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown product, got %v", err)
	}
}
