package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultIdentityURL = "https://identitytoolkit.googleapis.com"

// IdentityClient exchanges email and password for an identity token at an
// Identity Toolkit compatible endpoint.
type IdentityClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewIdentityClient(baseURL, apiKey string, httpClient *http.Client) *IdentityClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultIdentityURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &IdentityClient{baseURL: baseURL, apiKey: strings.TrimSpace(apiKey), httpClient: httpClient}
}

type IdentityError struct {
	StatusCode int
	Message    string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity provider %d: %s", e.StatusCode, e.Message)
}

func (c *IdentityClient) SignInWithPassword(ctx context.Context, email, password string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"email":             strings.TrimSpace(email),
		"password":          password,
		"returnSecureToken": true,
	})
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/accounts:signInWithPassword?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	payload, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Error.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return "", &IdentityError{StatusCode: resp.StatusCode, Message: message}
	}
	var out struct {
		IDToken string `json:"idToken"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.IDToken) == "" {
		return "", fmt.Errorf("identity provider returned no id token")
	}
	return out.IDToken, nil
}
