package livesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

type fakeIdentity struct {
	token string
	err   error
}

func (f fakeIdentity) SignInWithPassword(context.Context, string, string) (string, error) {
	return f.token, f.err
}

type agentFixture struct {
	agent     *Agent
	remote    *fakeRemote
	transport *fakeTransport
	state     *dashboard.InMemoryStateBackend
}

func newAgentFixture(t *testing.T, configure func(*AgentOptions)) *agentFixture {
	t.Helper()
	fixture := &agentFixture{
		remote:    newFakeRemote(),
		transport: &fakeTransport{},
		state:     dashboard.NewInMemoryStateBackend(),
	}
	opts := AgentOptions{
		Remote:   fixture.remote,
		Identity: fakeIdentity{token: "id_tok"},
		Trigger:  &fakeTrigger{},
		State:    fixture.state,
		Connection: ConnectionOptions{
			Transports:        []Transport{fixture.transport},
			ReconnectAttempts: 1,
			ReconnectDelay:    5 * time.Millisecond,
			ReconnectDelayMax: 5 * time.Millisecond,
		},
		Poller:      PollerOptions{GracePeriod: time.Hour},
		Persistence: dashboard.PersistenceOptions{Debounce: time.Hour},
	}
	if configure != nil {
		configure(&opts)
	}
	agent, err := NewAgent(opts)
	if err != nil {
		t.Fatalf("new agent failed: %v", err)
	}
	t.Cleanup(func() { _ = agent.Close() })
	fixture.agent = agent
	return fixture
}

func authFor(uid, token string) dashboard.AuthResponse {
	return dashboard.AuthResponse{
		Success:     true,
		User:        dashboard.User{UID: uid, Email: uid + "@example.test"},
		ServerToken: token,
		Businesses:  []dashboard.Business{{BusinessID: "b_" + uid, Name: "Shop " + uid}},
		Products: []dashboard.Product{
			{ID: "p_" + uid, BusinessID: "b_" + uid, Name: "Mug", Status: dashboard.StatusPending},
		},
	}
}

func TestAgentLoginHydratesAndAppliesPushEvents(t *testing.T) {
	fixture := newAgentFixture(t, nil)
	fixture.remote.auth = authFor("u1", "srv_tok")

	session, err := fixture.agent.LoginWithGoogle(context.Background(), "google_id_tok")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if session.Token != "srv_tok" || session.UserID() != "u1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if fixture.remote.loginToken != "google_id_tok" {
		t.Fatalf("expected id token forwarded to backend, got %q", fixture.remote.loginToken)
	}
	store := fixture.agent.Store()
	if current, ok := store.CurrentBusiness(); !ok || current.BusinessID != "b_u1" {
		t.Fatalf("expected current business b_u1, got %+v", current)
	}

	waitFor(t, 2*time.Second, "channel open", fixture.agent.Connection().Connected)
	if creds := fixture.transport.credentials(); len(creds) != 1 || creds[0] != "srv_tok" {
		t.Fatalf("expected channel opened with server token, got %v", creds)
	}

	fixture.transport.latest().events <- event(t, EventProductUpdated, map[string]any{"id": "p_u1", "status": "processing"})
	waitFor(t, 2*time.Second, "pushed status", func() bool {
		product, _ := store.Product("p_u1")
		return product.Status == dashboard.StatusProcessing
	})
	waitFor(t, time.Second, "idle watcher while connected", func() bool {
		return fixture.agent.Poller().WatchState("p_u1") == WatchIdle
	})
}

func TestAgentLoginFetchesMissingCollections(t *testing.T) {
	fixture := newAgentFixture(t, nil)
	fixture.remote.auth = dashboard.AuthResponse{Success: true, User: dashboard.User{UID: "u1"}, Token: "tok"}
	fixture.remote.businesses = []dashboard.Business{{BusinessID: "b1", Name: "Cafe"}}
	fixture.remote.setProduct(dashboard.Product{ID: "p1", BusinessID: "b1", Name: "Mug"})

	if _, err := fixture.agent.LoginWithPassword(context.Background(), "a@b.test", "secret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if fixture.remote.loginToken != "id_tok" {
		t.Fatalf("expected identity token exchanged at backend, got %q", fixture.remote.loginToken)
	}
	store := fixture.agent.Store()
	if len(store.Businesses()) != 1 || len(store.Products()) != 1 {
		t.Fatalf("expected fetched collections, got %d businesses and %d products", len(store.Businesses()), len(store.Products()))
	}
}

func TestAgentLoginWithPasswordSurfacesIdentityErrors(t *testing.T) {
	fixture := newAgentFixture(t, func(opts *AgentOptions) {
		opts.Identity = fakeIdentity{err: &IdentityError{StatusCode: 400, Message: "INVALID_PASSWORD"}}
	})
	_, err := fixture.agent.LoginWithPassword(context.Background(), "a@b.test", "wrong")
	var identityErr *IdentityError
	if !errors.As(err, &identityErr) {
		t.Fatalf("expected identity error, got %v", err)
	}
	if _, ok := fixture.agent.Sessions().Current(); ok {
		t.Fatalf("expected no session after failed sign in")
	}
}

func TestAgentUserSwitchReleasesPreviousSession(t *testing.T) {
	fixture := newAgentFixture(t, nil)
	fixture.remote.auth = authFor("u1", "tok_u1")
	if _, err := fixture.agent.LoginWithGoogle(context.Background(), "id_1"); err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	waitFor(t, 2*time.Second, "first channel", fixture.agent.Connection().Connected)
	first := fixture.transport.latest()

	fixture.remote.auth = authFor("u2", "tok_u2")
	if _, err := fixture.agent.LoginWithGoogle(context.Background(), "id_2"); err != nil {
		t.Fatalf("second login failed: %v", err)
	}
	if !first.isClosed() {
		t.Fatalf("expected first user's channel to be closed")
	}
	store := fixture.agent.Store()
	if _, ok := store.Product("p_u1"); ok {
		t.Fatalf("expected first user's products to be cleared")
	}
	if _, ok := store.Product("p_u2"); !ok {
		t.Fatalf("expected second user's products to be loaded")
	}
	waitFor(t, 2*time.Second, "second channel", func() bool {
		creds := fixture.transport.credentials()
		return len(creds) == 2 && creds[1] == "tok_u2"
	})

	second := fixture.transport.latest()
	second.events <- event(t, EventProductUpdated, map[string]any{"id": "p_u2", "name": "Cup"})
	waitFor(t, 2*time.Second, "event on new channel", func() bool {
		product, _ := store.Product("p_u2")
		return product.Name == "Cup"
	})
}

func TestAgentStartRestoresPersistedSession(t *testing.T) {
	fixture := newAgentFixture(t, nil)
	err := fixture.state.Save(&dashboard.PersistedState{
		Version: 1,
		Session: &dashboard.Session{Token: "persisted_tok", User: dashboard.User{UID: "u1"}},
		Store: dashboard.StoreSnapshot{
			Businesses: []dashboard.Business{{BusinessID: "b1", Name: "Cafe"}},
			Products:   []dashboard.Product{{ID: "p1", BusinessID: "b1", Status: dashboard.StatusProcessing}},
		},
	})
	if err != nil {
		t.Fatalf("seed state failed: %v", err)
	}

	if err := fixture.agent.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, ok := fixture.agent.Store().Product("p1"); !ok {
		t.Fatalf("expected products restored before any network call")
	}
	if current, ok := fixture.agent.Store().CurrentBusiness(); !ok || current.BusinessID != "b1" {
		t.Fatalf("expected restored business selection, got %+v", current)
	}
	waitFor(t, 2*time.Second, "restored channel", fixture.agent.Connection().Connected)
	if creds := fixture.transport.credentials(); len(creds) != 1 || creds[0] != "persisted_tok" {
		t.Fatalf("expected channel opened with persisted credential, got %v", creds)
	}
	if fixture.remote.listCalls() != 0 {
		t.Fatalf("expected no REST calls on restore")
	}
}

func TestAgentStartWithoutSessionStaysOffline(t *testing.T) {
	fixture := newAgentFixture(t, nil)
	if err := fixture.agent.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(fixture.transport.credentials()) != 0 {
		t.Fatalf("expected no channel without a session")
	}
}

func TestAgentLogoutClearsEverything(t *testing.T) {
	fixture := newAgentFixture(t, nil)
	if err := fixture.agent.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	fixture.remote.auth = authFor("u1", "tok_u1")
	if _, err := fixture.agent.LoginWithGoogle(context.Background(), "id_1"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	waitFor(t, 2*time.Second, "channel open", fixture.agent.Connection().Connected)
	if err := fixture.state.Save(&dashboard.PersistedState{Version: 1}); err != nil {
		t.Fatalf("seed state failed: %v", err)
	}

	if err := fixture.agent.Logout(); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	state := fixture.agent.Connection().State()
	if state.Connected || state.LastDisconnectReason == nil || *state.LastDisconnectReason != ReasonClientDisconnect {
		t.Fatalf("expected client disconnect after logout, got %+v", state)
	}
	if _, ok := fixture.agent.Sessions().Current(); ok {
		t.Fatalf("expected session cleared")
	}
	if len(fixture.agent.Store().Products()) != 0 || len(fixture.agent.Store().Businesses()) != 0 {
		t.Fatalf("expected store cleared")
	}
	persisted, err := fixture.state.Load()
	if err != nil || persisted != nil {
		t.Fatalf("expected persisted state purged, got %+v, %v", persisted, err)
	}
}

func TestAgentArmsPollerWhenChannelDrops(t *testing.T) {
	fixture := newAgentFixture(t, nil)
	auth := authFor("u1", "tok_u1")
	auth.Products[0].Status = dashboard.StatusProcessing
	fixture.remote.auth = auth
	if _, err := fixture.agent.LoginWithGoogle(context.Background(), "id_1"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	waitFor(t, 2*time.Second, "channel open", fixture.agent.Connection().Connected)
	waitFor(t, time.Second, "idle watcher", func() bool { return fixture.agent.Poller().WatchState("p_u1") == WatchIdle })

	fixture.transport.setFailOpen(errors.New("network unreachable"))
	fixture.transport.latest().drop <- &DisconnectError{Reason: ReasonTransportClose}
	waitFor(t, 2*time.Second, "armed watcher", func() bool { return fixture.agent.Poller().WatchState("p_u1") == WatchArmed })
}

func fastPolling(opts *AgentOptions) {
	opts.Poller = PollerOptions{GracePeriod: 20 * time.Millisecond, Interval: 10 * time.Millisecond}
}

func TestAgentPollsProcessingProductFromLoginWhileOffline(t *testing.T) {
	fixture := newAgentFixture(t, fastPolling)
	fixture.transport.setFailOpen(errors.New("network unreachable"))
	auth := authFor("u1", "tok_u1")
	auth.Products[0].Status = dashboard.StatusProcessing
	fixture.remote.auth = auth
	fixture.remote.setProduct(dashboard.Product{ID: "p_u1", BusinessID: "b_u1", Status: dashboard.StatusEnriched, AdvertisementText: strPtr("Ready")})

	if _, err := fixture.agent.LoginWithGoogle(context.Background(), "id_1"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	waitFor(t, 2*time.Second, "polled product", func() bool {
		product, _ := fixture.agent.Store().Product("p_u1")
		return product.Status == dashboard.StatusEnriched
	})
	if fixture.remote.listCalls() == 0 {
		t.Fatalf("expected the fallback poller to fetch products")
	}
	waitFor(t, time.Second, "released watcher", func() bool { return fixture.agent.Poller().WatchState("p_u1") == WatchIdle })
}

func TestAgentPollsProcessingProductFromRestoredState(t *testing.T) {
	fixture := newAgentFixture(t, fastPolling)
	fixture.transport.setFailOpen(errors.New("network unreachable"))
	err := fixture.state.Save(&dashboard.PersistedState{
		Version: 1,
		Session: &dashboard.Session{Token: "persisted_tok", User: dashboard.User{UID: "u1"}},
		Store: dashboard.StoreSnapshot{
			Businesses: []dashboard.Business{{BusinessID: "b1", Name: "Cafe"}},
			Products:   []dashboard.Product{{ID: "p1", BusinessID: "b1", Name: "Mug", Status: dashboard.StatusProcessing}},
		},
	})
	if err != nil {
		t.Fatalf("seed state failed: %v", err)
	}
	fixture.remote.setProduct(dashboard.Product{ID: "p1", BusinessID: "b1", Status: dashboard.StatusFailed})

	if err := fixture.agent.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 2*time.Second, "polled product", func() bool {
		product, _ := fixture.agent.Store().Product("p1")
		return product.Status == dashboard.StatusFailed
	})
	product, _ := fixture.agent.Store().Product("p1")
	if product.Name != "Mug" {
		t.Fatalf("expected polled status merged over restored product, got %+v", product)
	}
}

func TestAgentResyncsAfterReconnect(t *testing.T) {
	fixture := newAgentFixture(t, func(opts *AgentOptions) { opts.ResyncOnReconnect = true })
	fixture.remote.auth = authFor("u1", "tok_u1")
	if _, err := fixture.agent.LoginWithGoogle(context.Background(), "id_1"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	waitFor(t, 2*time.Second, "channel open", fixture.agent.Connection().Connected)

	fixture.remote.setProduct(dashboard.Product{ID: "p_u1", BusinessID: "b_u1", Status: dashboard.StatusEnriched, AdvertisementText: strPtr("Fresh")})
	fixture.transport.latest().drop <- &DisconnectError{Reason: ReasonTransportError}

	waitFor(t, 2*time.Second, "resynced product", func() bool {
		product, _ := fixture.agent.Store().Product("p_u1")
		return product.Status == dashboard.StatusEnriched
	})
	product, _ := fixture.agent.Store().Product("p_u1")
	if product.Name != "Mug" {
		t.Fatalf("expected resync to merge without dropping fields, got %+v", product)
	}
}
