package livesync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

// IdentityProvider exchanges email credentials for an identity token.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (string, error)
}

type AgentOptions struct {
	Store       *dashboard.Store
	Sessions    *dashboard.SessionStore
	Remote      RemoteClient
	Identity    IdentityProvider
	Trigger     EnrichmentTrigger
	State       dashboard.StateBackend
	Persistence dashboard.PersistenceOptions
	Connection  ConnectionOptions
	Poller      PollerOptions
	// ResyncOnReconnect refetches the current business's products after the
	// push channel recovers, covering events missed while it was down.
	ResyncOnReconnect bool
	HydrateTimeout    time.Duration
	Logger            zerolog.Logger
	Metrics           *Metrics
}

// Agent wires the session, store, push channel, reconciler, poller and
// commands for one dashboard user.
type Agent struct {
	store       *dashboard.Store
	sessions    *dashboard.SessionStore
	remote      RemoteClient
	identity    IdentityProvider
	conn        *ConnectionManager
	reconciler  *Reconciler
	poller      *Poller
	commands    *Commands
	persistence *dashboard.Persistence
	resync      bool
	hydrateTTL  time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	boundKey string
	wg       sync.WaitGroup
}

func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	logger := opts.Logger
	store := opts.Store
	if store == nil {
		store = dashboard.NewStoreWithOptions(dashboard.StoreOptions{Logger: logger})
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = dashboard.NewSessionStore()
	}

	connOpts := opts.Connection
	connOpts.Logger = logger
	connOpts.Metrics = opts.Metrics
	conn, err := NewConnectionManager(connOpts)
	if err != nil {
		return nil, err
	}
	reconciler, err := NewReconciler(store, ReconcilerOptions{Logger: logger, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}
	pollerOpts := opts.Poller
	pollerOpts.AutoWatch = true
	pollerOpts.Logger = logger
	pollerOpts.Metrics = opts.Metrics
	poller := NewPoller(store, opts.Remote, reconciler, pollerOpts)

	commands := NewCommands(store, opts.Remote, CommandsOptions{
		Trigger: opts.Trigger,
		Token:   sessions.Token,
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	persistOpts := opts.Persistence
	persistOpts.Logger = logger
	var persistence *dashboard.Persistence
	if opts.State != nil {
		persistence = dashboard.NewPersistence(opts.State, store, sessions, persistOpts)
	}

	hydrateTTL := opts.HydrateTimeout
	if hydrateTTL <= 0 {
		hydrateTTL = 15 * time.Second
	}
	return &Agent{
		store:       store,
		sessions:    sessions,
		remote:      opts.Remote,
		identity:    opts.Identity,
		conn:        conn,
		reconciler:  reconciler,
		poller:      poller,
		commands:    commands,
		persistence: persistence,
		resync:      opts.ResyncOnReconnect,
		hydrateTTL:  hydrateTTL,
		logger:      logger.With().Str("component", "agent").Logger(),
	}, nil
}

func (a *Agent) Store() *dashboard.Store { return a.store }

func (a *Agent) Sessions() *dashboard.SessionStore { return a.sessions }

func (a *Agent) Commands() *Commands { return a.commands }

func (a *Agent) Connection() *ConnectionManager { return a.conn }

func (a *Agent) Poller() *Poller { return a.poller }

// Start restores persisted state and, when a session survives, opens the
// push channel. Nothing touches the network before the restore completes.
func (a *Agent) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.persistence != nil {
		restored, err := a.persistence.Restore()
		if err != nil {
			a.logger.Warn().Err(err).Msg("could not restore persisted state; starting empty")
		}
		a.persistence.Start()
		if !restored {
			return nil
		}
	}
	session, ok := a.sessions.Current()
	if !ok {
		return nil
	}
	if session.Expired(time.Now()) {
		a.logger.Warn().Str("user_id", session.UserID()).Msg("persisted session expired; login required")
		return nil
	}
	return a.bindSession(session)
}

func (a *Agent) LoginWithGoogle(ctx context.Context, idToken string) (dashboard.Session, error) {
	if strings.TrimSpace(idToken) == "" {
		return dashboard.Session{}, fmt.Errorf("%w: id token is required", dashboard.ErrInvalidInput)
	}
	resp, err := a.remote.GoogleLogin(ctx, idToken)
	if err != nil {
		return dashboard.Session{}, fmt.Errorf("google login: %w", err)
	}
	return a.completeLogin(ctx, resp, "google")
}

func (a *Agent) LoginWithPassword(ctx context.Context, email, password string) (dashboard.Session, error) {
	if a.identity == nil {
		return dashboard.Session{}, fmt.Errorf("%w: no identity provider configured", dashboard.ErrInvalidState)
	}
	idToken, err := a.identity.SignInWithPassword(ctx, email, password)
	if err != nil {
		return dashboard.Session{}, fmt.Errorf("sign in: %w", err)
	}
	resp, err := a.remote.EmailLogin(ctx, idToken)
	if err != nil {
		return dashboard.Session{}, fmt.Errorf("email login: %w", err)
	}
	return a.completeLogin(ctx, resp, "password")
}

func (a *Agent) completeLogin(ctx context.Context, resp dashboard.AuthResponse, provider string) (dashboard.Session, error) {
	previousUser := a.sessions.UserID()
	session, err := a.sessions.Login(resp)
	if err != nil {
		return dashboard.Session{}, err
	}
	if previousUser != "" && previousUser != session.UserID() {
		a.logger.Info().Str("previous_user", previousUser).Str("user_id", session.UserID()).Msg("user changed; dropping previous session state")
		a.releaseChannel()
		a.store.Clear()
	}
	a.logger.Info().Str("user_id", session.UserID()).Str("provider", provider).Msg("logged in")

	a.hydrate(ctx, resp)
	if err := a.bindSession(session); err != nil {
		return session, err
	}
	return session, nil
}

// hydrate loads collections from the login payload and fetches whatever the
// payload left out. Fetch failures leave the cache as it was.
func (a *Agent) hydrate(ctx context.Context, resp dashboard.AuthResponse) {
	if len(resp.Businesses) > 0 {
		a.store.SetBusinesses(resp.Businesses)
	}
	if len(resp.Products) > 0 {
		a.store.SetProducts(resp.Products)
	}
	if len(resp.Businesses) > 0 && len(resp.Products) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, a.hydrateTTL)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if len(resp.Businesses) == 0 {
		g.Go(func() error {
			businesses, err := a.remote.ListBusinesses(gctx)
			if err != nil {
				return fmt.Errorf("list businesses: %w", err)
			}
			a.store.SetBusinesses(businesses)
			return nil
		})
	}
	if len(resp.Products) == 0 {
		businessID := ""
		if len(resp.Businesses) > 0 {
			if current, ok := a.store.CurrentBusiness(); ok {
				businessID = current.BusinessID
			}
		}
		g.Go(func() error {
			products, err := a.remote.ListProducts(gctx, businessID)
			if err != nil {
				return fmt.Errorf("list products: %w", err)
			}
			a.store.SetProducts(products)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Warn().Err(err).Msg("could not hydrate dashboard after login")
	}
}

// bindSession points the push channel, reconciler and poller at the session.
// Rebinding the same session only makes sure the channel is open.
func (a *Agent) bindSession(session dashboard.Session) error {
	key := session.UserID() + "\x00" + session.Token
	a.mu.Lock()
	defer a.mu.Unlock()
	if key == a.boundKey {
		return a.conn.Connect(session.Token, session.UserID())
	}
	a.releaseChannelLocked()
	a.reconciler.Attach(a.conn)
	a.conn.OnLifecycle(a.onLifecycle)
	a.boundKey = key
	// Products already cached in processing (login payload or restored
	// snapshot) lost their watchers in the release above.
	a.poller.Rescan()
	return a.conn.Connect(session.Token, session.UserID())
}

func (a *Agent) releaseChannel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseChannelLocked()
}

func (a *Agent) releaseChannelLocked() {
	a.conn.Disconnect()
	a.poller.StopAll()
	a.poller.SetConnected(false)
	a.boundKey = ""
}

func (a *Agent) onLifecycle(signal Lifecycle) {
	switch signal.Kind {
	case LifecycleConnect:
		a.poller.SetConnected(true)
	case LifecycleDisconnect:
		a.poller.SetConnected(false)
	case LifecycleReconnect:
		if a.resync {
			a.resyncProducts()
		}
	case LifecycleReconnectFailed:
		a.logger.Error().Msg("push channel gave up reconnecting; relying on fallback polling")
	}
}

func (a *Agent) resyncProducts() {
	businessID := ""
	if current, ok := a.store.CurrentBusiness(); ok {
		businessID = current.BusinessID
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.hydrateTTL)
		defer cancel()
		products, err := a.remote.ListProducts(ctx, businessID)
		if err != nil {
			a.logger.Warn().Err(err).Msg("resync after reconnect failed")
			return
		}
		for _, product := range products {
			if err := a.reconciler.ApplyProduct(product); err != nil {
				a.logger.Warn().Err(err).Str("product_id", product.ID).Msg("resync could not apply product")
			}
		}
		a.logger.Info().Int("products", len(products)).Msg("resynced products after reconnect")
	}()
}

// Logout closes the channel, stops every watcher, clears the session and the
// cache and removes persisted state.
func (a *Agent) Logout() error {
	a.releaseChannel()
	a.sessions.Logout()
	a.store.Clear()
	if a.persistence != nil {
		if err := a.persistence.Purge(); err != nil {
			return fmt.Errorf("purge persisted state: %w", err)
		}
	}
	a.logger.Info().Msg("logged out")
	return nil
}

// Close releases every resource the agent owns. Persisted state is flushed.
func (a *Agent) Close() error {
	a.conn.Disconnect()
	a.poller.Close()
	a.commands.Wait()
	a.wg.Wait()
	if a.persistence != nil {
		return a.persistence.Close()
	}
	return nil
}
