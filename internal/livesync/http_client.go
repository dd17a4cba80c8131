package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case dashboard.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case dashboard.ErrNotAuthenticated:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// RemoteClient is the backend REST surface the sync layer depends on.
type RemoteClient interface {
	GoogleLogin(ctx context.Context, idToken string) (dashboard.AuthResponse, error)
	EmailLogin(ctx context.Context, idToken string) (dashboard.AuthResponse, error)
	ListProducts(ctx context.Context, businessID string) ([]dashboard.Product, error)
	CreateProduct(ctx context.Context, businessID string, input dashboard.Patch) (dashboard.Product, error)
	UpdateProduct(ctx context.Context, businessID, productID string, patch dashboard.Patch) (dashboard.Product, error)
	DeleteProduct(ctx context.Context, businessID, productID string) error
	UploadProductImage(ctx context.Context, businessID, productID, filename string, content io.Reader) (string, error)
	ListBusinesses(ctx context.Context) ([]dashboard.Business, error)
	GetBusiness(ctx context.Context, businessID string) (dashboard.Business, error)
	CreateBusiness(ctx context.Context, input dashboard.Patch) (dashboard.Business, error)
	UpdateBusiness(ctx context.Context, businessID string, patch dashboard.Patch) (dashboard.Business, error)
	DeleteBusiness(ctx context.Context, businessID string) error
}

// TokenSource returns the bearer credential for the next request. An empty
// token sends the request unauthenticated.
type TokenSource func() string

func StaticToken(token string) TokenSource {
	token = strings.TrimSpace(token)
	return func() string { return token }
}

type HTTPClient struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, token TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if token == nil {
		token = StaticToken("")
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) GoogleLogin(ctx context.Context, idToken string) (dashboard.AuthResponse, error) {
	var out dashboard.AuthResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/google", map[string]string{"idToken": idToken}, &out)
	return out, err
}

func (c *HTTPClient) EmailLogin(ctx context.Context, idToken string) (dashboard.AuthResponse, error) {
	var out dashboard.AuthResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/login", map[string]string{"idToken": idToken}, &out)
	return out, err
}

func (c *HTTPClient) ListProducts(ctx context.Context, businessID string) ([]dashboard.Product, error) {
	requestPath := "/products"
	if businessID = strings.TrimSpace(businessID); businessID != "" {
		q := url.Values{}
		q.Set("businessId", businessID)
		requestPath += "?" + q.Encode()
	}
	var out struct {
		Products []dashboard.Product `json:"products"`
	}
	if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

func (c *HTTPClient) CreateProduct(ctx context.Context, businessID string, input dashboard.Patch) (dashboard.Product, error) {
	var out struct {
		Success bool              `json:"success"`
		Product dashboard.Product `json:"product"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/products/"+url.PathEscape(businessID), input, &out); err != nil {
		return dashboard.Product{}, err
	}
	if !out.Success || strings.TrimSpace(out.Product.ID) == "" {
		return dashboard.Product{}, fmt.Errorf("product creation failed: invalid response")
	}
	return out.Product, nil
}

func (c *HTTPClient) UpdateProduct(ctx context.Context, businessID, productID string, patch dashboard.Patch) (dashboard.Product, error) {
	var out struct {
		Product dashboard.Product `json:"product"`
	}
	requestPath := fmt.Sprintf("/products/update/%s/%s", url.PathEscape(businessID), url.PathEscape(productID))
	if err := c.doJSON(ctx, http.MethodPatch, requestPath, patch, &out); err != nil {
		return dashboard.Product{}, err
	}
	return out.Product, nil
}

func (c *HTTPClient) DeleteProduct(ctx context.Context, businessID, productID string) error {
	requestPath := fmt.Sprintf("/products/%s/%s", url.PathEscape(businessID), url.PathEscape(productID))
	return c.doJSON(ctx, http.MethodDelete, requestPath, nil, nil)
}

func (c *HTTPClient) UploadProductImage(ctx context.Context, businessID, productID, filename string, content io.Reader) (string, error) {
	if content == nil {
		return "", dashboard.ErrInvalidInput
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	var out struct {
		Success bool   `json:"success"`
		URL     string `json:"url"`
	}
	requestPath := fmt.Sprintf("/products/upload/%s/%s", url.PathEscape(businessID), url.PathEscape(productID))
	if err := c.do(ctx, http.MethodPost, requestPath, writer.FormDataContentType(), buf.Bytes(), &out); err != nil {
		return "", err
	}
	if !out.Success || strings.TrimSpace(out.URL) == "" {
		return "", fmt.Errorf("image upload failed: no url returned")
	}
	return out.URL, nil
}

func (c *HTTPClient) ListBusinesses(ctx context.Context) ([]dashboard.Business, error) {
	var out struct {
		Businesses []dashboard.Business `json:"businesses"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/businesses", nil, &out); err != nil {
		return nil, err
	}
	return out.Businesses, nil
}

func (c *HTTPClient) GetBusiness(ctx context.Context, businessID string) (dashboard.Business, error) {
	var out struct {
		Business dashboard.Business `json:"business"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/businesses/"+url.PathEscape(businessID), nil, &out)
	return out.Business, err
}

func (c *HTTPClient) CreateBusiness(ctx context.Context, input dashboard.Patch) (dashboard.Business, error) {
	var out struct {
		Business dashboard.Business `json:"business"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/businesses", input, &out); err != nil {
		return dashboard.Business{}, err
	}
	if strings.TrimSpace(out.Business.BusinessID) == "" {
		return dashboard.Business{}, fmt.Errorf("business creation failed: invalid response")
	}
	return out.Business, nil
}

func (c *HTTPClient) UpdateBusiness(ctx context.Context, businessID string, patch dashboard.Patch) (dashboard.Business, error) {
	var out struct {
		Business dashboard.Business `json:"business"`
	}
	err := c.doJSON(ctx, http.MethodPatch, "/businesses/"+url.PathEscape(businessID), patch, &out)
	return out.Business, err
}

func (c *HTTPClient) DeleteBusiness(ctx context.Context, businessID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/businesses/"+url.PathEscape(businessID), nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	contentType := ""
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.do(ctx, method, requestPath, contentType, bodyBytes, out)
}

func (c *HTTPClient) do(
	ctx context.Context,
	method, requestPath string,
	contentType string,
	bodyBytes []byte,
	out any,
) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = errPayload.Error
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    message,
	}
}

func correlationID() string {
	return "adsync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
