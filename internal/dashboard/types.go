package dashboard

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrNotImplemented    = errors.New("not implemented")
)

type ProductStatus string

const (
	StatusPending    ProductStatus = "pending"
	StatusProcessing ProductStatus = "processing"
	StatusEnriched   ProductStatus = "enriched"
	StatusFailed     ProductStatus = "failed"
	StatusPosted     ProductStatus = "posted"
)

var knownStatuses = map[ProductStatus]struct{}{
	StatusPending:    {},
	StatusProcessing: {},
	StatusEnriched:   {},
	StatusFailed:     {},
	StatusPosted:     {},
}

func (s ProductStatus) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// KnownStatuses returns the product lifecycle values in lifecycle order.
func KnownStatuses() []ProductStatus {
	return []ProductStatus{StatusPending, StatusProcessing, StatusEnriched, StatusFailed, StatusPosted}
}

// CanTransition reports whether a product may move from one status to another.
// Reaching processing is allowed from any state except processing itself, since
// generation may be retried after failure or after posting.
func CanTransition(from, to ProductStatus) bool {
	switch to {
	case StatusProcessing:
		return from != StatusProcessing
	case StatusEnriched, StatusFailed:
		return from == StatusProcessing
	case StatusPosted:
		return from == StatusEnriched
	case StatusPending:
		return from == ""
	default:
		return false
	}
}

type Business struct {
	BusinessID     string   `json:"businessId"`
	Name           string   `json:"name"`
	Description    *string  `json:"description,omitempty"`
	Email          *string  `json:"email,omitempty"`
	Phone          *string  `json:"phone,omitempty"`
	Website        *string  `json:"website,omitempty"`
	Address        *string  `json:"address,omitempty"`
	LogoURL        *string  `json:"logoUrl,omitempty"`
	BrandColors    []string `json:"brandColors,omitempty"`
	Industry       *string  `json:"industry,omitempty"`
	TargetAudience *string  `json:"targetAudience,omitempty"`
	Tone           *string  `json:"tone,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	CreatedAt      *string  `json:"createdAt,omitempty"`
	UpdatedAt      *string  `json:"updatedAt,omitempty"`
}

func (b Business) EntityID() string {
	return b.BusinessID
}

type Product struct {
	ID                string        `json:"id"`
	BusinessID        string        `json:"businessId,omitempty"`
	Name              string        `json:"name"`
	Price             *float64      `json:"price,omitempty"`
	ImageURL          *string       `json:"imageUrl,omitempty"`
	GeneratedImageURL *string       `json:"generatedImageUrl,omitempty"`
	AdvertisementText *string       `json:"advertisementText,omitempty"`
	ImagePrompt       *string       `json:"imagePrompt,omitempty"`
	Status            ProductStatus `json:"status"`
	PostDate          *string       `json:"postDate,omitempty"`
	CreatedAt         *string       `json:"createdAt,omitempty"`
	UpdatedAt         *string       `json:"updatedAt,omitempty"`
}

func (p Product) EntityID() string {
	return p.ID
}

type User struct {
	UID           string  `json:"uid"`
	Email         string  `json:"email"`
	DisplayName   *string `json:"displayName,omitempty"`
	PhotoURL      *string `json:"photoURL,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	EmailVerified bool    `json:"emailVerified,omitempty"`
}

// AuthResponse is the login payload returned by both sign-in endpoints.
type AuthResponse struct {
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	User        User       `json:"user"`
	Businesses  []Business `json:"businesses"`
	Products    []Product  `json:"products"`
	ServerToken string     `json:"serverToken,omitempty"`
	Token       string     `json:"token,omitempty"`
	AccessToken string     `json:"accessToken,omitempty"`
	IDToken     string     `json:"idToken,omitempty"`
}

// Credential returns the first non-empty token field in the order the backend
// has historically populated them.
func (r AuthResponse) Credential() string {
	for _, candidate := range []string{r.ServerToken, r.Token, r.AccessToken, r.IDToken} {
		if value := strings.TrimSpace(candidate); value != "" {
			return value
		}
	}
	return ""
}

// Patch is a partial entity keyed by JSON field name. A key that is present
// overwrites the stored field, including an explicit null; absent keys are
// left untouched.
type Patch map[string]json.RawMessage

func NewPatch(fields map[string]any) (Patch, error) {
	patch := Patch{}
	for key, value := range fields {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		patch[key] = data
	}
	return patch, nil
}

// StatusPatch builds the single-field patch used for lifecycle changes.
func StatusPatch(status ProductStatus) Patch {
	data, _ := json.Marshal(status)
	return Patch{"status": data}
}

func (p Patch) String(key string) (string, bool) {
	raw, ok := p[key]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return strings.TrimSpace(value), true
}

// ProductID resolves the product identifier of a partial payload, accepting
// the storage-layer "_id" alias when "id" is missing or empty.
func (p Patch) ProductID() string {
	if id, ok := p.String("id"); ok && id != "" {
		return id
	}
	if id, ok := p.String("_id"); ok && id != "" {
		return id
	}
	return ""
}

func (p Patch) BusinessID() string {
	id, _ := p.String("businessId")
	return id
}

// Clone copies the patch so callers may keep mutating their own map.
func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for key, value := range p {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out
}
