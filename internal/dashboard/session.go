package dashboard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated identity the sync layer runs under.
type Session struct {
	Token     string     `json:"token"`
	User      User       `json:"user"`
	Provider  string     `json:"provider,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (s Session) UserID() string {
	if uid := strings.TrimSpace(s.User.UID); uid != "" {
		return uid
	}
	return s.Subject
}

// Expired reports whether the credential carries an expiry in the past.
// Opaque credentials without claims never expire client-side.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// NewSession builds a session from a login payload. The credential's claims
// are read without signature verification; the backend remains the authority.
func NewSession(resp AuthResponse) (Session, error) {
	token := resp.Credential()
	if token == "" {
		return Session{}, fmt.Errorf("%w: login response carries no credential", ErrInvalidInput)
	}
	session := Session{
		Token:    token,
		User:     resp.User,
		Provider: strings.TrimSpace(resp.User.Provider),
	}
	applyCredentialClaims(&session)
	if session.UserID() == "" {
		return Session{}, fmt.Errorf("%w: login response carries no user id", ErrInvalidInput)
	}
	return session, nil
}

func applyCredentialClaims(session *Session) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(session.Token, claims); err != nil {
		return
	}
	if sub, err := claims.GetSubject(); err == nil {
		session.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt := exp.Time.UTC()
		session.ExpiresAt = &expiresAt
	}
	if session.Provider != "" {
		return
	}
	if firebase, ok := claims["firebase"].(map[string]any); ok {
		if provider, ok := firebase["sign_in_provider"].(string); ok {
			session.Provider = provider
		}
	}
}

// SessionStore holds at most one session and notifies subscribers whenever
// the session starts, changes credential, or ends.
type SessionStore struct {
	mu      sync.Mutex
	current *Session

	subMu   sync.Mutex
	subs    map[int]func(Session, bool)
	nextSub int
}

func NewSessionStore() *SessionStore {
	return &SessionStore{subs: map[int]func(Session, bool){}}
}

func (s *SessionStore) Login(resp AuthResponse) (Session, error) {
	session, err := NewSession(resp)
	if err != nil {
		return Session{}, err
	}
	s.set(&session)
	return session, nil
}

// Restore installs a previously persisted session.
func (s *SessionStore) Restore(session Session) error {
	if strings.TrimSpace(session.Token) == "" || session.UserID() == "" {
		return ErrInvalidInput
	}
	s.set(&session)
	return nil
}

func (s *SessionStore) Logout() {
	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	s.mu.Unlock()
	if had {
		s.notify(Session{}, false)
	}
}

func (s *SessionStore) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

func (s *SessionStore) Token() string {
	session, _ := s.Current()
	return session.Token
}

func (s *SessionStore) UserID() string {
	session, _ := s.Current()
	return session.UserID()
}

func (s *SessionStore) Subscribe(fn func(Session, bool)) func() {
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

func (s *SessionStore) set(session *Session) {
	s.mu.Lock()
	s.current = session
	s.mu.Unlock()
	s.notify(*session, true)
}

func (s *SessionStore) notify(session Session, active bool) {
	s.subMu.Lock()
	fns := make([]func(Session, bool), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(session, active)
	}
}
