package livesync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

type WatchState string

const (
	WatchIdle    WatchState = "idle"
	WatchArmed   WatchState = "armed"
	WatchPolling WatchState = "polling"
)

// ProductLister is the slice of the REST client the poller needs.
type ProductLister interface {
	ListProducts(ctx context.Context, businessID string) ([]dashboard.Product, error)
}

type PollerOptions struct {
	GracePeriod    time.Duration
	Interval       time.Duration
	RequestTimeout time.Duration
	Limiter        *rate.Limiter
	// AutoWatch watches every product the store reports in processing.
	AutoWatch bool
	Logger    zerolog.Logger
	Metrics   *Metrics
}

type watcher struct {
	productID string
	state     WatchState
	gen       uint64
	timer     *time.Timer
	cancel    context.CancelFunc
}

// Poller covers processing products while the push channel is down. A
// watcher arms after the grace period and polls the product list until the
// product leaves processing, the channel reconnects, or the watch is stopped.
type Poller struct {
	store          *dashboard.Store
	lister         ProductLister
	reconciler     *Reconciler
	grace          time.Duration
	interval       time.Duration
	requestTimeout time.Duration
	limiter        *rate.Limiter
	autoWatch      bool
	logger         zerolog.Logger
	metrics        *Metrics

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	mu        sync.Mutex
	connected bool
	closed    bool
	watchers  map[string]*watcher
}

func NewPoller(store *dashboard.Store, lister ProductLister, reconciler *Reconciler, opts PollerOptions) *Poller {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = 25 * time.Second
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(2), 2)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		store:          store,
		lister:         lister,
		reconciler:     reconciler,
		grace:          grace,
		interval:       interval,
		requestTimeout: requestTimeout,
		limiter:        limiter,
		autoWatch:      opts.AutoWatch,
		logger:         opts.Logger.With().Str("component", "poller").Logger(),
		metrics:        opts.Metrics,
		ctx:            ctx,
		cancel:         cancel,
		watchers:       map[string]*watcher{},
	}
	p.unsubscribe = store.Subscribe(p.onChange)
	return p
}

// Watch starts tracking a product. Watching an already watched product is a no-op.
func (p *Poller) Watch(productID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || productID == "" {
		return
	}
	w, ok := p.watchers[productID]
	if !ok {
		w = &watcher{productID: productID, state: WatchIdle}
		p.watchers[productID] = w
	}
	p.evaluateLocked(w)
}

func (p *Poller) Unwatch(productID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.watchers[productID]; ok {
		p.releaseLocked(w)
		delete(p.watchers, productID)
	}
}

// WatchState reports the watcher state of a product; unwatched products are idle.
func (p *Poller) WatchState(productID string) WatchState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.watchers[productID]; ok {
		return w.state
	}
	return WatchIdle
}

// SetConnected records the push channel state and re-evaluates every watcher.
func (p *Poller) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == connected {
		return
	}
	p.connected = connected
	for _, w := range p.watchers {
		p.evaluateLocked(w)
	}
}

// StopAll releases every watcher and forgets them.
func (p *Poller) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.watchers {
		p.releaseLocked(w)
		delete(p.watchers, id)
	}
}

// Rescan re-evaluates every watcher against the store. With AutoWatch it
// first watches each cached product that is processing, which covers
// products loaded before the watchers were last stopped.
func (p *Poller) Rescan() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.autoWatchLocked()
	for _, w := range p.watchers {
		p.evaluateLocked(w)
	}
}

func (p *Poller) autoWatchLocked() {
	if !p.autoWatch {
		return
	}
	for _, product := range p.store.Products() {
		if product.Status != dashboard.StatusProcessing {
			continue
		}
		if _, ok := p.watchers[product.ID]; !ok {
			p.watchers[product.ID] = &watcher{productID: product.ID, state: WatchIdle}
		}
	}
}

// Close stops all watchers and waits for in-flight polls to finish.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, w := range p.watchers {
		p.releaseLocked(w)
		delete(p.watchers, id)
	}
	p.mu.Unlock()
	p.unsubscribe()
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) onChange(change dashboard.Change) {
	if change.Kind != dashboard.KindProduct {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	switch change.Op {
	case dashboard.ChangeInsert, dashboard.ChangeUpdate, dashboard.ChangeRemove:
		w, ok := p.watchers[change.ID]
		if !ok && p.autoWatch && change.Op != dashboard.ChangeRemove {
			if product, found := p.store.Product(change.ID); found && product.Status == dashboard.StatusProcessing {
				w = &watcher{productID: change.ID, state: WatchIdle}
				p.watchers[change.ID] = w
				ok = true
			}
		}
		if ok {
			p.evaluateLocked(w)
		}
	default:
		p.autoWatchLocked()
		for _, w := range p.watchers {
			p.evaluateLocked(w)
		}
	}
}

// evaluateLocked moves a watcher to the state its product and the channel
// call for. A product that is no longer cached drops its watcher.
func (p *Poller) evaluateLocked(w *watcher) {
	product, ok := p.store.Product(w.productID)
	if !ok {
		p.releaseLocked(w)
		delete(p.watchers, w.productID)
		return
	}
	degraded := product.Status == dashboard.StatusProcessing && !p.connected
	switch {
	case degraded && w.state == WatchIdle:
		w.gen++
		w.state = WatchArmed
		gen := w.gen
		id := w.productID
		w.timer = time.AfterFunc(p.grace, func() { p.startPolling(id, gen) })
		p.metrics.addWatchers(1)
		p.logger.Debug().Str("product_id", id).Dur("grace", p.grace).Msg("watcher armed")
	case !degraded && w.state != WatchIdle:
		p.releaseLocked(w)
	}
}

func (p *Poller) releaseLocked(w *watcher) {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.state != WatchIdle {
		p.metrics.addWatchers(-1)
		p.logger.Debug().Str("product_id", w.productID).Msg("watcher released")
	}
	w.state = WatchIdle
}

func (p *Poller) startPolling(productID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watchers[productID]
	if p.closed || !ok || w.gen != gen || w.state != WatchArmed {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	w.state = WatchPolling
	w.timer = nil
	w.cancel = cancel
	p.logger.Info().Str("product_id", productID).Msg("push channel still down; polling product status")
	p.wg.Add(1)
	go p.pollLoop(ctx, productID, gen)
}

func (p *Poller) pollLoop(ctx context.Context, productID string, gen uint64) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.pollOnce(ctx, productID, gen) {
				return
			}
		}
	}
}

// pollOnce fetches the product list once and reports whether the watched
// product left processing.
func (p *Poller) pollOnce(ctx context.Context, productID string, gen uint64) bool {
	if err := p.limiter.Wait(ctx); err != nil {
		return false
	}
	businessID := ""
	if product, ok := p.store.Product(productID); ok {
		businessID = product.BusinessID
	}
	if businessID == "" {
		if business, ok := p.store.CurrentBusiness(); ok {
			businessID = business.BusinessID
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	products, err := p.lister.ListProducts(reqCtx, businessID)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("product_id", productID).Msg("fallback poll failed; retrying next tick")
			p.metrics.observePoll("error")
		}
		return false
	}

	var found *dashboard.Product
	for i := range products {
		if products[i].ID == productID {
			found = &products[i]
			break
		}
	}
	switch {
	case found == nil:
		p.metrics.observePoll("missing")
		return false
	case found.Status == dashboard.StatusProcessing, found.Status == "":
		// A missing status would be dropped by the merge, leaving the
		// cached product processing.
		p.metrics.observePoll("processing")
		return false
	}

	p.mu.Lock()
	w, ok := p.watchers[productID]
	current := ok && w.gen == gen && !p.closed
	p.mu.Unlock()
	if !current {
		return true
	}
	if err := p.reconciler.ApplyProduct(*found); err != nil {
		p.logger.Warn().Err(err).Str("product_id", productID).Msg("could not apply polled product")
		p.metrics.observePoll("error")
		return false
	}
	p.logger.Info().Str("product_id", productID).Str("status", string(found.Status)).Msg("fallback poll resolved product")
	p.metrics.observePoll("resolved")
	return true
}
