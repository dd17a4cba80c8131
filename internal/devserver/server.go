package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

type ServerConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	// EnrichDelay is how long a triggered enrichment takes before the
	// product flips to enriched.
	EnrichDelay time.Duration
	// FailEnrichment makes every enrichment run end in failed.
	FailEnrichment    bool
	HeartbeatInterval time.Duration
	PollWindow        time.Duration
	MaxBodyBytes      int64
	Logger            zerolog.Logger
	Now               func() time.Time
}

// Server is an in-memory development backend speaking the dashboard's REST,
// realtime and workflow contracts.
type Server struct {
	cfg      ServerConfig
	accounts *accounts
	hub      *hub
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.EnrichDelay < 0 {
		cfg.EnrichDelay = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = 20 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		accounts: newAccounts(cfg.Now),
		hub:      newHub(64, 5*time.Minute, cfg.Now),
		logger:   cfg.Logger.With().Str("component", "devserver").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close drops every realtime channel and waits for pending enrichment runs.
func (s *Server) Close() {
	s.cancel()
	s.hub.closeAll()
	s.wg.Wait()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/accounts:signInWithPassword" && r.Method == http.MethodPost {
		s.handlePasswordSignIn(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "auth" && parts[1] == "google" && r.Method == http.MethodPost:
		s.handleLogin(w, r, "google")
		return
	case len(parts) == 2 && parts[0] == "auth" && parts[1] == "login" && r.Method == http.MethodPost:
		s.handleLogin(w, r, "password")
		return
	case len(parts) == 2 && parts[0] == "webhook" && parts[1] == "enrich-product" && r.Method == http.MethodPost:
		s.handleEnrich(w, r)
		return
	}

	var route string
	switch {
	case len(parts) == 1 && parts[0] == "products" && r.Method == http.MethodGet:
		route = "list_products"
	case len(parts) == 2 && parts[0] == "products" && r.Method == http.MethodPost:
		route = "create_product"
	case len(parts) == 4 && parts[0] == "products" && parts[1] == "update" && r.Method == http.MethodPatch:
		route = "update_product"
	case len(parts) == 3 && parts[0] == "products" && r.Method == http.MethodDelete:
		route = "delete_product"
	case len(parts) == 4 && parts[0] == "products" && parts[1] == "upload" && r.Method == http.MethodPost:
		route = "upload_image"
	case len(parts) == 1 && parts[0] == "businesses" && r.Method == http.MethodGet:
		route = "list_businesses"
	case len(parts) == 1 && parts[0] == "businesses" && r.Method == http.MethodPost:
		route = "create_business"
	case len(parts) == 2 && parts[0] == "businesses" && r.Method == http.MethodGet:
		route = "get_business"
	case len(parts) == 2 && parts[0] == "businesses" && r.Method == http.MethodPatch:
		route = "update_business"
	case len(parts) == 2 && parts[0] == "businesses" && r.Method == http.MethodDelete:
		route = "delete_business"
	case len(parts) == 2 && parts[0] == "realtime" && parts[1] == "ws" && r.Method == http.MethodGet:
		route = "realtime_ws"
	case len(parts) == 3 && parts[0] == "realtime" && parts[1] == "poll" && parts[2] == "open" && r.Method == http.MethodPost:
		route = "realtime_poll_open"
	case len(parts) == 2 && parts[0] == "realtime" && parts[1] == "poll" && r.Method == http.MethodGet:
		route = "realtime_poll"
	case len(parts) == 2 && parts[0] == "realtime" && parts[1] == "kick" && r.Method == http.MethodPost:
		route = "realtime_kick"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	acct, ok := s.accounts.get(claims.Subject)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user", getCorrelationID(r))
		return
	}

	switch route {
	case "list_products":
		s.handleListProducts(w, r, acct)
	case "create_product":
		s.handleCreateProduct(w, r, acct, parts[1])
	case "update_product":
		s.handleUpdateProduct(w, r, acct, parts[2], parts[3])
	case "delete_product":
		s.handleDeleteProduct(w, r, acct, parts[1], parts[2])
	case "upload_image":
		s.handleUploadImage(w, r, acct, parts[2], parts[3])
	case "list_businesses":
		writeJSON(w, http.StatusOK, map[string]any{"businesses": acct.store.Businesses()})
	case "create_business":
		s.handleCreateBusiness(w, r, acct)
	case "get_business":
		s.handleGetBusiness(w, r, acct, parts[1])
	case "update_business":
		s.handleUpdateBusiness(w, r, acct, parts[1])
	case "delete_business":
		s.handleDeleteBusiness(w, r, acct, parts[1])
	case "realtime_ws":
		s.handleWebSocket(w, r, acct)
	case "realtime_poll_open":
		s.handlePollOpen(w, r, acct)
	case "realtime_poll":
		s.handlePoll(w, r, acct)
	case "realtime_kick":
		kicked := s.hub.kick(acct.user.UID)
		s.logger.Info().Str("user_id", acct.user.UID).Int("channels", kicked).Msg("kicked realtime channels")
		writeJSON(w, http.StatusOK, map[string]any{"kicked": kicked})
	}
}

func (s *Server) handlePasswordSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decodeJSONBody(w, r, "", &body) {
		return
	}
	if strings.TrimSpace(body.Email) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": "INVALID_EMAIL"}})
		return
	}
	if body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": "INVALID_PASSWORD"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"idToken": identityToken(body.Email), "email": body.Email})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, provider string) {
	correlationID := getCorrelationID(r)
	var body struct {
		IDToken string `json:"idToken"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	identity := identityFromIDToken(body.IDToken)
	if identity == "" {
		writeJSON(w, http.StatusUnauthorized, dashboard.AuthResponse{Success: false, Message: "id token is required"})
		return
	}
	acct := s.accounts.signIn(identity, provider)
	token, err := issueToken(s.cfg.JWTSecret, acct.user.UID, acct.user.Email, s.cfg.TokenTTL, s.cfg.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to issue token", correlationID)
		return
	}
	s.logger.Info().Str("user_id", acct.user.UID).Str("provider", provider).Msg("user signed in")
	writeJSON(w, http.StatusOK, dashboard.AuthResponse{
		Success:     true,
		Message:     "signed in",
		User:        acct.user,
		Businesses:  acct.store.Businesses(),
		Products:    acct.store.Products(),
		ServerToken: token,
	})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request, acct *account) {
	products := acct.store.Products()
	if businessID := strings.TrimSpace(r.URL.Query().Get("businessId")); businessID != "" {
		products = acct.store.ProductsForBusiness(businessID)
	}
	if products == nil {
		products = []dashboard.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request, acct *account, businessID string) {
	correlationID := getCorrelationID(r)
	var input dashboard.Patch
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	product, err := s.accounts.createProduct(acct, businessID, input)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	s.publish(acct, "product:created", product)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "product": product})
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request, acct *account, businessID, productID string) {
	correlationID := getCorrelationID(r)
	var patch dashboard.Patch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	product, err := s.accounts.updateProduct(acct, businessID, productID, patch)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	s.publish(acct, "product:updated", product)
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request, acct *account, businessID, productID string) {
	correlationID := getCorrelationID(r)
	if err := s.accounts.deleteProduct(acct, businessID, productID); err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	s.publish(acct, "product:deleted", map[string]string{"id": productID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request, acct *account, businessID, productID string) {
	correlationID := getCorrelationID(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "multipart field \"file\" is required", correlationID)
		return
	}
	defer file.Close()
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read upload", correlationID)
		return
	}
	imageURL := "https://cdn.adsync.local/" + productID + "/" + header.Filename
	patch, _ := dashboard.NewPatch(map[string]any{"imageUrl": imageURL})
	product, err := s.accounts.updateProduct(acct, businessID, productID, patch)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	s.logger.Debug().Str("product_id", productID).Int64("bytes", size).Msg("image uploaded")
	s.publish(acct, "product:updated", product)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": imageURL})
}

func (s *Server) handleCreateBusiness(w http.ResponseWriter, r *http.Request, acct *account) {
	correlationID := getCorrelationID(r)
	var input dashboard.Patch
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	business, err := s.accounts.createBusiness(acct, input)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	s.publish(acct, "business:created", business)
	writeJSON(w, http.StatusCreated, map[string]any{"business": business})
}

func (s *Server) handleGetBusiness(w http.ResponseWriter, r *http.Request, acct *account, businessID string) {
	business, ok := acct.store.Business(businessID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "business not found", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"business": business})
}

func (s *Server) handleUpdateBusiness(w http.ResponseWriter, r *http.Request, acct *account, businessID string) {
	correlationID := getCorrelationID(r)
	var patch dashboard.Patch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	business, err := s.accounts.updateBusiness(acct, businessID, patch)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	s.publish(acct, "business:updated", business)
	writeJSON(w, http.StatusOK, map[string]any{"business": business})
}

func (s *Server) handleDeleteBusiness(w http.ResponseWriter, r *http.Request, acct *account, businessID string) {
	correlationID := getCorrelationID(r)
	removed, err := s.accounts.deleteBusiness(acct, businessID)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	for _, productID := range removed {
		s.publish(acct, "product:deleted", map[string]string{"id": productID})
	}
	s.publish(acct, "business:deleted", map[string]string{"businessId": businessID})
	w.WriteHeader(http.StatusNoContent)
}

// handleEnrich accepts a workflow trigger and, after EnrichDelay, writes the
// generated content and emits product:updated. The response carries no body.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		AccessToken string            `json:"accessToken"`
		BusinessID  string            `json:"businessId"`
		Product     dashboard.Product `json:"product"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	claims, authErr := parseToken(body.AccessToken, s.cfg.JWTSecret, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	acct, ok := s.accounts.get(claims.Subject)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user", correlationID)
		return
	}
	if _, ok := acct.store.Product(body.Product.ID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "product not found", correlationID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.EnrichDelay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		s.completeEnrichment(acct, body.BusinessID, body.Product)
	}()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) completeEnrichment(acct *account, businessID string, product dashboard.Product) {
	fields := map[string]any{"status": dashboard.StatusFailed}
	if !s.cfg.FailEnrichment {
		name := product.Name
		if current, ok := acct.store.Product(product.ID); ok && current.Name != "" {
			name = current.Name
		}
		fields = map[string]any{
			"status":            dashboard.StatusEnriched,
			"advertisementText": "Meet " + name + ": made for the people who love it.",
			"imagePrompt":       "studio photo of " + name + ", soft light",
			"generatedImageUrl": "https://cdn.adsync.local/generated/" + product.ID + ".png",
		}
	}
	patch, _ := dashboard.NewPatch(fields)
	if businessID == "" {
		businessID = product.BusinessID
	}
	if current, ok := acct.store.Product(product.ID); ok {
		businessID = current.BusinessID
	}
	updated, err := s.accounts.updateProduct(acct, businessID, product.ID, patch)
	if err != nil {
		s.logger.Warn().Err(err).Str("product_id", product.ID).Msg("enrichment target disappeared")
		return
	}
	s.logger.Info().Str("product_id", updated.ID).Str("status", string(updated.Status)).Msg("enrichment finished")
	s.publish(acct, "product:updated", updated)
}

func (s *Server) publish(acct *account, name string, data any) {
	if err := s.hub.publish(acct.user.UID, name, data); err != nil {
		s.logger.Error().Err(err).Str("event", name).Msg("failed to publish event")
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, dashboard.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, dashboard.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
