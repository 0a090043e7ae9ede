package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/usecase"
	"github.com/atvirokodosprendimai/tokengate/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	timeFormat                   = "2006-01-02T15:04:05.999999999Z07:00"
	requestIDCtxKey       ctxKey = "request_id"
	maxJSONBodySize              = 1 << 20
	defaultLookupTimeout         = 2 * time.Second
	headerRequestID              = "X-Request-ID"
	upstreamRoutePattern         = "/moderate/*"
)

type Handler struct {
	tokens    *usecase.TokenService
	minter    *usecase.Minter
	gate      *usecase.Gate
	analytics *usecase.Analytics
	audit     *usecase.AuditService
	upstream  http.Handler
	logger    *slog.Logger

	lookupTimeout time.Duration
}

type Options struct {
	// Upstream receives gated /moderate/* traffic. Nil answers 502.
	Upstream      http.Handler
	LookupTimeout time.Duration
	Logger        *slog.Logger
}

func NewHandler(tokens *usecase.TokenService, minter *usecase.Minter, gate *usecase.Gate, analytics *usecase.Analytics, audit *usecase.AuditService, opts Options) *Handler {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		tokens:        tokens,
		minter:        minter,
		gate:          gate,
		analytics:     analytics,
		audit:         audit,
		upstream:      opts.Upstream,
		logger:        opts.Logger,
		lookupTimeout: opts.LookupTimeout,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(instrument)

	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireToken(false))
		pr.Get("/auth/me", h.me)
		pr.Handle(upstreamRoutePattern, http.HandlerFunc(h.forward))
	})

	r.Group(func(ar chi.Router) {
		ar.Use(h.requireToken(true))
		ar.Get("/tokens", h.listTokens)
		ar.Post("/tokens", h.createToken)
		ar.Delete("/tokens/{value}", h.revokeToken)
		ar.Get("/tokens/{value}/usage", h.tokenUsage)
		ar.Get("/usage", h.usage)
		ar.Get("/audit", h.listAudit)
	})

	return r
}

type tokenResponse struct {
	Token     string  `json:"token"`
	IsAdmin   bool    `json:"isAdmin"`
	Privilege string  `json:"privilege"`
	CreatedAt string  `json:"createdAt"`
	Revoked   bool    `json:"revoked"`
	RevokedAt *string `json:"revokedAt,omitempty"`
}

type createTokenRequest struct {
	IsAdmin      *bool `json:"isAdmin"`
	IsAdminSnake *bool `json:"is_admin"`
}

type usageResponse struct {
	TotalCalls      int64            `json:"total_calls"`
	UniqueTokens    int              `json:"unique_tokens"`
	CallsByEndpoint map[string]int64 `json:"calls_by_endpoint"`
	ActiveTokens    int              `json:"active_tokens"`
	RevokedTokens   int              `json:"revoked_tokens"`
}

type tokenUsageResponse struct {
	Token           string           `json:"token"`
	TotalCalls      int64            `json:"total_calls"`
	CallsByEndpoint map[string]int64 `json:"calls_by_endpoint"`
}

type meResponse struct {
	TokenID   string `json:"token_id"`
	Privilege string `json:"privilege"`
	IsAdmin   bool   `json:"isAdmin"`
}

func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	var filter domain.TokenFilter
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "active must be boolean")
			return
		}
		filter.ActiveOnly = active
	}

	tokens, err := h.tokens.List(r.Context(), filter)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	result := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		result = append(result, toTokenResponse(t))
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) createToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return
	}

	var req createTokenRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := validateBody(createTokenValidator, body); err != nil {
			var violation *schemaViolation
			if errors.As(err, &violation) {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", violation.Error())
				return
			}
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
			return
		}
	}
	if req.IsAdmin != nil && req.IsAdminSnake != nil && *req.IsAdmin != *req.IsAdminSnake {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "isAdmin and is_admin disagree")
		return
	}

	isAdmin := false
	switch {
	case req.IsAdmin != nil:
		isAdmin = *req.IsAdmin
	case req.IsAdminSnake != nil:
		isAdmin = *req.IsAdminSnake
	}

	token, err := h.minter.Mint(r.Context(), domain.PrivilegeFromAdmin(isAdmin), mutationMeta(r))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTokenResponse(token))
}

func (h *Handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "value")
	token, err := h.tokens.Revoke(r.Context(), value, mutationMeta(r))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(token))
}

func (h *Handler) tokenUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.analytics.TokenUsage(r.Context(), chi.URLParam(r, "value"))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenUsageResponse{
		Token:           usage.TokenValue,
		TotalCalls:      usage.TotalCalls,
		CallsByEndpoint: usage.CallsByEndpoint,
	})
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	snap, err := h.analytics.Summarize(r.Context())
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		TotalCalls:      snap.TotalCalls,
		UniqueTokens:    snap.UniqueTokens,
		CallsByEndpoint: snap.CallsByEndpoint,
		ActiveTokens:    snap.ActiveTokens,
		RevokedTokens:   snap.RevokedTokens,
	})
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		AggregateID: q.Get("token_id"),
		Action:      q.Get("action"),
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "after must be integer")
			return
		}
		filter.AfterID = after
	}

	events, err := h.audit.List(r.Context(), filter)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	p, _ := usecase.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		TokenID:   p.TokenID,
		Privilege: string(p.Privilege),
		IsAdmin:   p.IsAdmin(),
	})
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	if h.upstream == nil {
		writeError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "no upstream configured")
		return
	}
	h.upstream.ServeHTTP(w, r)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, openapiSpec())
}

// requireToken runs the auth gate. The store lookup is bounded by
// lookupTimeout; running out of time answers 503.
func (h *Handler) requireToken(requireAdmin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)

			lookupCtx, cancel := context.WithTimeout(r.Context(), h.lookupTimeout)
			principal, err := h.gate.Authorize(lookupCtx, token, endpointKey(r), requireAdmin)
			cancel()
			if err != nil {
				h.writeGateError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(usecase.WithPrincipal(r.Context(), principal)))
		})
	}
}

func (h *Handler) writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, usecase.ErrMissingToken):
		w.Header().Set("WWW-Authenticate", `Bearer realm="tokengate"`)
		writeError(w, http.StatusUnauthorized, "MISSING_TOKEN", "missing token")
	case errors.Is(err, usecase.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", `Bearer realm="tokengate", error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid token")
	case errors.Is(err, usecase.ErrRevoked):
		w.Header().Set("WWW-Authenticate", `Bearer realm="tokengate", error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "TOKEN_REVOKED", "token revoked")
	case errors.Is(err, usecase.ErrInsufficientPrivilege):
		writeError(w, http.StatusForbidden, "INSUFFICIENT_PRIVILEGE", "admin privilege required")
	case errors.Is(err, usecase.ErrStoreUnavailable):
		h.logger.Warn("token store unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "token store unavailable")
	default:
		h.logger.Error("auth gate failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

func (h *Handler) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "token not found")
	case errors.Is(err, domain.ErrInvalidPrivilege):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "token store unavailable")
	case errors.Is(err, usecase.ErrMintExhausted):
		h.logger.Error("token mint exhausted", "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

// bearerToken reads X-API-Key first, then an Authorization bearer credential.
func bearerToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if token == "" {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			token = strings.TrimSpace(auth[7:])
		}
	}
	return token
}

// endpointKey names the ledger endpoint for a request: the matched route
// pattern, or the cleaned path for catch-all routes.
func endpointKey(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return pattern
		}
	}
	return path.Clean("/" + r.URL.Path)
}

func mutationMeta(r *http.Request) domain.MutationMetadata {
	meta := domain.MutationMetadata{
		Source:    "api",
		RequestID: requestIDFromContext(r.Context()),
	}
	if p, ok := usecase.PrincipalFromContext(r.Context()); ok {
		meta.Actor = "token:" + p.TokenID
	}
	return meta
}

func toTokenResponse(t domain.Token) tokenResponse {
	resp := tokenResponse{
		Token:     t.Value,
		IsAdmin:   t.Privilege.IsAdmin(),
		Privilege: string(t.Privilege),
		CreatedAt: t.CreatedAt.UTC().Format(timeFormat),
		Revoked:   t.Revoked,
	}
	if t.RevokedAt != nil {
		at := t.RevokedAt.UTC().Format(timeFormat)
		resp.RevokedAt = &at
	}
	return resp
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("encode json response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// writeError sets both error and detail; the admin UI reads detail.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": message, "detail": message, "code": code})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDCtxKey, id)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

func openapiSpec() map[string]any {
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "tokengate",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/auth/me": map[string]any{
				"get": map[string]any{"summary": "Describe the calling token"},
			},
			"/tokens": map[string]any{
				"get":  map[string]any{"summary": "List tokens (admin)"},
				"post": map[string]any{"summary": "Mint a token (admin)"},
			},
			"/tokens/{value}": map[string]any{
				"delete": map[string]any{"summary": "Revoke a token (admin)"},
			},
			"/tokens/{value}/usage": map[string]any{
				"get": map[string]any{"summary": "Per-endpoint usage of one token (admin)"},
			},
			"/usage": map[string]any{
				"get": map[string]any{"summary": "Usage analytics (admin)"},
			},
			"/audit": map[string]any{
				"get": map[string]any{"summary": "Token lifecycle audit trail (admin)"},
			},
			upstreamRoutePattern: map[string]any{
				"summary": "Forwarded to the moderation backend",
			},
		},
	}
}
