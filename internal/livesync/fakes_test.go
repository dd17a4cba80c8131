package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

type fakeRemote struct {
	mu         sync.Mutex
	products   map[string]dashboard.Product
	businesses []dashboard.Business
	auth       dashboard.AuthResponse
	loginToken string

	listProductsErr   error
	updateProductErr  error
	deleteProductErr  error
	updateBusinessErr error
	deleteBusinessErr error
	listBusinessesErr error

	listProductsCalls int
	updates           []dashboard.Patch
	uploads           []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{products: map[string]dashboard.Product{}}
}

func (f *fakeRemote) GoogleLogin(_ context.Context, idToken string) (dashboard.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginToken = idToken
	return f.auth, nil
}

func (f *fakeRemote) EmailLogin(ctx context.Context, idToken string) (dashboard.AuthResponse, error) {
	return f.GoogleLogin(ctx, idToken)
}

func (f *fakeRemote) ListProducts(_ context.Context, businessID string) ([]dashboard.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listProductsCalls++
	if f.listProductsErr != nil {
		return nil, f.listProductsErr
	}
	out := []dashboard.Product{}
	for _, product := range f.products {
		if businessID == "" || product.BusinessID == businessID {
			out = append(out, product)
		}
	}
	return out, nil
}

func (f *fakeRemote) CreateProduct(_ context.Context, businessID string, input dashboard.Patch) (dashboard.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var product dashboard.Product
	data, _ := json.Marshal(input)
	_ = json.Unmarshal(data, &product)
	product.ID = fmt.Sprintf("prod_%d", len(f.products)+1)
	product.BusinessID = businessID
	product.Status = dashboard.StatusPending
	f.products[product.ID] = product
	return product, nil
}

func (f *fakeRemote) UpdateProduct(_ context.Context, businessID, productID string, patch dashboard.Patch) (dashboard.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, patch.Clone())
	if f.updateProductErr != nil {
		return dashboard.Product{}, f.updateProductErr
	}
	product := f.products[productID]
	product.ID = productID
	product.BusinessID = businessID
	data, _ := json.Marshal(product)
	fields := map[string]json.RawMessage{}
	_ = json.Unmarshal(data, &fields)
	for key, value := range patch {
		fields[key] = value
	}
	data, _ = json.Marshal(fields)
	var updated dashboard.Product
	_ = json.Unmarshal(data, &updated)
	f.products[productID] = updated
	return updated, nil
}

func (f *fakeRemote) DeleteProduct(_ context.Context, _, productID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteProductErr != nil {
		return f.deleteProductErr
	}
	delete(f.products, productID)
	return nil
}

func (f *fakeRemote) UploadProductImage(_ context.Context, _, productID, filename string, content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename+":"+string(data))
	return "https://cdn.example.test/" + productID + "/" + filename, nil
}

func (f *fakeRemote) ListBusinesses(context.Context) ([]dashboard.Business, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listBusinessesErr != nil {
		return nil, f.listBusinessesErr
	}
	return append([]dashboard.Business(nil), f.businesses...), nil
}

func (f *fakeRemote) GetBusiness(_ context.Context, businessID string) (dashboard.Business, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, business := range f.businesses {
		if business.BusinessID == businessID {
			return business, nil
		}
	}
	return dashboard.Business{}, &HTTPError{StatusCode: 404, Message: "business not found"}
}

func (f *fakeRemote) CreateBusiness(_ context.Context, input dashboard.Patch) (dashboard.Business, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, _ := input.String("name")
	business := dashboard.Business{BusinessID: fmt.Sprintf("biz_%d", len(f.businesses)+1), Name: name}
	f.businesses = append(f.businesses, business)
	return business, nil
}

func (f *fakeRemote) UpdateBusiness(_ context.Context, businessID string, patch dashboard.Patch) (dashboard.Business, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateBusinessErr != nil {
		return dashboard.Business{}, f.updateBusinessErr
	}
	name, _ := patch.String("name")
	return dashboard.Business{BusinessID: businessID, Name: name}, nil
}

func (f *fakeRemote) DeleteBusiness(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteBusinessErr
}

func (f *fakeRemote) setProduct(product dashboard.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[product.ID] = product
}

func (f *fakeRemote) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listProductsCalls
}

type fakeTrigger struct {
	mu       sync.Mutex
	err      error
	requests []EnrichmentRequest
	release  chan struct{}
}

func (f *fakeTrigger) TriggerEnrichment(ctx context.Context, req EnrichmentRequest) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

func (f *fakeTrigger) calls() []EnrichmentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EnrichmentRequest(nil), f.requests...)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func strPtr(value string) *string {
	return &value
}

func mustPatch(t *testing.T, fields map[string]any) dashboard.Patch {
	t.Helper()
	patch, err := dashboard.NewPatch(fields)
	if err != nil {
		t.Fatalf("build patch: %v", err)
	}
	return patch
}

func event(t *testing.T, name string, data any) Event {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	return Event{Name: name, Data: raw}
}

type fakeTransport struct {
	mu       sync.Mutex
	failOpen error
	opened   []string
	conns    []*fakeConn
}

func (f *fakeTransport) Name() string {
	return "fake"
}

func (f *fakeTransport) Open(_ context.Context, credential string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, credential)
	if f.failOpen != nil {
		return nil, f.failOpen
	}
	conn := &fakeConn{events: make(chan Event, 16), drop: make(chan error, 1), closed: make(chan struct{})}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeTransport) setFailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpen = err
}

func (f *fakeTransport) credentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *fakeTransport) latest() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	events    chan Event
	drop      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.drop:
		return Event{}, err
	case <-c.closed:
		return Event{}, &DisconnectError{Reason: ReasonClientDisconnect}
	case <-ctx.Done():
		return Event{}, &DisconnectError{Reason: ReasonClientDisconnect, Err: ctx.Err()}
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
