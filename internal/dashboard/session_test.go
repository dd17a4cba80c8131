package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return token
}

func TestAuthResponseCredentialFallbackOrder(t *testing.T) {
	cases := []struct {
		resp AuthResponse
		want string
	}{
		{AuthResponse{ServerToken: "server", Token: "token", AccessToken: "access", IDToken: "id"}, "server"},
		{AuthResponse{Token: "token", AccessToken: "access", IDToken: "id"}, "token"},
		{AuthResponse{AccessToken: "access", IDToken: "id"}, "access"},
		{AuthResponse{IDToken: "id"}, "id"},
		{AuthResponse{ServerToken: "   "}, ""},
	}
	for _, tc := range cases {
		if got := tc.resp.Credential(); got != tc.want {
			t.Fatalf("Credential() = %q, want %q", got, tc.want)
		}
	}
}

func TestSessionLoginReadsCredentialClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedTestToken(t, jwt.MapClaims{
		"sub":      "user-1",
		"exp":      exp.Unix(),
		"firebase": map[string]any{"sign_in_provider": "google.com"},
	})
	sessions := NewSessionStore()
	session, err := sessions.Login(AuthResponse{ServerToken: token})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if session.UserID() != "user-1" {
		t.Fatalf("expected user id from subject, got %q", session.UserID())
	}
	if session.Provider != "google.com" {
		t.Fatalf("expected provider google.com, got %q", session.Provider)
	}
	if session.ExpiresAt == nil || !session.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %s, got %v", exp, session.ExpiresAt)
	}
	if session.Expired(time.Now()) {
		t.Fatalf("expected fresh session to be valid")
	}
	if !session.Expired(exp.Add(time.Second)) {
		t.Fatalf("expected session to expire after exp")
	}
	if sessions.Token() != token {
		t.Fatalf("expected stored token")
	}
}

func TestSessionLoginAcceptsOpaqueCredential(t *testing.T) {
	sessions := NewSessionStore()
	session, err := sessions.Login(AuthResponse{Token: "opaque", User: User{UID: "u1", Provider: "password"}})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if session.ExpiresAt != nil {
		t.Fatalf("expected no expiry for opaque credential")
	}
	if sessions.UserID() != "u1" {
		t.Fatalf("expected user id u1, got %q", sessions.UserID())
	}
}

func TestSessionLoginRejectsMissingCredential(t *testing.T) {
	sessions := NewSessionStore()
	if _, err := sessions.Login(AuthResponse{User: User{UID: "u1"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, ok := sessions.Current(); ok {
		t.Fatalf("expected no session after failed login")
	}
}

func TestSessionStoreNotifiesOnLoginAndLogout(t *testing.T) {
	sessions := NewSessionStore()
	var events []bool
	sessions.Subscribe(func(_ Session, active bool) {
		events = append(events, active)
	})
	if _, err := sessions.Login(AuthResponse{ServerToken: "t", User: User{UID: "u"}}); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	sessions.Logout()
	sessions.Logout()
	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("expected [true false], got %v", events)
	}
}
