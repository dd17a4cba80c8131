package dashboard

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const persistedStateVersion = 1

// PersistedState is what survives a restart: the session and the cached
// collections, so the dashboard can render before the first network call.
type PersistedState struct {
	Version int           `json:"version"`
	Session *Session      `json:"session,omitempty"`
	Store   StoreSnapshot `json:"store"`
	SavedAt time.Time     `json:"savedAt"`
}

type StateBackend interface {
	Load() (*PersistedState, error)
	Save(state *PersistedState) error
	Purge() error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*PersistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot PersistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *PersistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o600)
}

func (b *JSONFileStateBackend) Purge() error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*PersistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var clone PersistedState
	if err := json.Unmarshal(b.snapshot, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *PersistedState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return nil
}

func (b *InMemoryStateBackend) Purge() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	b.snapshot = nil
	b.mu.Unlock()
	return nil
}

type PersistenceOptions struct {
	// Debounce coalesces bursts of store changes into one save.
	Debounce time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Persistence mirrors the session and store into a StateBackend.
type Persistence struct {
	backend  StateBackend
	store    *Store
	sessions *SessionStore
	debounce time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	unsubs  []func()
}

func NewPersistence(backend StateBackend, store *Store, sessions *SessionStore, opts PersistenceOptions) *Persistence {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Persistence{
		backend:  backend,
		store:    store,
		sessions: sessions,
		debounce: debounce,
		logger:   opts.Logger.With().Str("component", "persistence").Logger(),
		now:      now,
	}
}

// Restore loads persisted state into the session and entity stores. It
// reports whether a session was restored.
func (p *Persistence) Restore() (bool, error) {
	if p == nil || p.backend == nil {
		return false, nil
	}
	state, err := p.backend.Load()
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}
	p.store.Restore(state.Store)
	if state.Session == nil {
		return false, nil
	}
	if err := p.sessions.Restore(*state.Session); err != nil {
		p.logger.Warn().Err(err).Msg("discarding unusable persisted session")
		return false, nil
	}
	p.logger.Info().
		Int("businesses", len(state.Store.Businesses)).
		Int("products", len(state.Store.Products)).
		Msg("restored persisted dashboard state")
	return true, nil
}

// Start saves on every store or session change until Close.
func (p *Persistence) Start() {
	if p == nil || p.backend == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.unsubs = append(p.unsubs,
		p.store.Subscribe(func(Change) { p.schedule() }),
		p.sessions.Subscribe(func(Session, bool) { p.schedule() }),
	)
}

func (p *Persistence) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		if err := p.Flush(); err != nil {
			p.logger.Error().Err(err).Msg("failed to persist dashboard state")
		}
	})
}

// Flush writes the current state immediately. Nothing is written while no
// session is active so a logout purge is never undone.
func (p *Persistence) Flush() error {
	if p == nil || p.backend == nil {
		return nil
	}
	session, ok := p.sessions.Current()
	if !ok {
		return nil
	}
	return p.backend.Save(&PersistedState{
		Version: persistedStateVersion,
		Session: &session,
		Store:   p.store.Snapshot(),
		SavedAt: p.now().UTC(),
	})
}

func (p *Persistence) Purge() error {
	if p == nil || p.backend == nil {
		return nil
	}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.backend.Purge()
}

// Close stops listening, flushes pending changes and releases the backend.
func (p *Persistence) Close() error {
	if p == nil || p.backend == nil {
		return nil
	}
	p.mu.Lock()
	p.started = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	flushErr := p.Flush()
	if closer, ok := p.backend.(stateBackendCloser); ok {
		if err := closer.Close(); err != nil && flushErr == nil {
			return err
		}
	}
	return flushErr
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
