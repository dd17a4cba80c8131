package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

// EnrichmentRequest is the payload the workflow engine expects on its
// enrich-product webhook.
type EnrichmentRequest struct {
	AccessToken string              `json:"accessToken"`
	BusinessID  string              `json:"businessId"`
	Business    *dashboard.Business `json:"business"`
	Product     dashboard.Product   `json:"product"`
}

type EnrichmentTrigger interface {
	TriggerEnrichment(ctx context.Context, req EnrichmentRequest) error
}

// WorkflowClient starts AI enrichment runs. Results never come back on this
// call; they arrive later as product:updated events.
type WorkflowClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewWorkflowClient(baseURL string, httpClient *http.Client) *WorkflowClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WorkflowClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

// TriggerEnrichment posts once and does not retry: a duplicate trigger would
// start a second enrichment run for the same product.
func (c *WorkflowClient) TriggerEnrichment(ctx context.Context, req EnrichmentRequest) error {
	if c.baseURL == "" {
		return dashboard.ErrInvalidState
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/webhook/enrich-product", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-Id", correlationID())
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeHTTPError(resp.StatusCode, payload)
	}
	// Webhook responses are frequently empty or non-JSON; neither is an error.
	return readErr
}
