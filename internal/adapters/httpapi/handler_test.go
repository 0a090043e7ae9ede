package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "tg_admin"
	userToken  = "tg_user"
)

type memTokenRepo struct {
	mu     sync.Mutex
	tokens []domain.Token
	getFn  func(ctx context.Context, value string) (domain.Token, error)
}

func newMemTokenRepo() *memTokenRepo {
	now := time.Now().UTC()
	return &memTokenRepo{tokens: []domain.Token{
		{ID: "id-admin", Value: adminToken, Privilege: domain.PrivilegeAdmin, CreatedAt: now},
		{ID: "id-user", Value: userToken, Privilege: domain.PrivilegeUser, CreatedAt: now},
	}}
}

func (r *memTokenRepo) Create(_ context.Context, token domain.Token, _ domain.MutationMetadata) (domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Value == token.Value {
			return domain.Token{}, domain.ErrTokenExists
		}
	}
	r.tokens = append(r.tokens, token)
	return token, nil
}

func (r *memTokenRepo) Get(ctx context.Context, value string) (domain.Token, error) {
	if r.getFn != nil {
		return r.getFn(ctx, value)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Value == value {
			return t, nil
		}
	}
	return domain.Token{}, domain.ErrNotFound
}

func (r *memTokenRepo) List(_ context.Context, filter domain.TokenFilter) ([]domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		if filter.ActiveOnly && t.Revoked {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *memTokenRepo) Revoke(_ context.Context, value string, meta domain.MutationMetadata) (domain.Token, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tokens {
		if t.Value != value {
			continue
		}
		if t.Revoked {
			return t, false, nil
		}
		at := meta.At
		r.tokens[i].Revoked = true
		r.tokens[i].RevokedAt = &at
		return r.tokens[i], true, nil
	}
	return domain.Token{}, false, domain.ErrNotFound
}

type stubAuditRepo struct {
	listFn func(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error)
}

func (s *stubAuditRepo) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

type testEnv struct {
	repo   *memTokenRepo
	ledger *usecase.UsageLedger
	audit  *stubAuditRepo
	router http.Handler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	repo := newMemTokenRepo()
	ledger := usecase.NewUsageLedger(repo, nil, time.Minute, nil)
	audit := &stubAuditRepo{}
	h := NewHandler(
		usecase.NewTokenService(repo),
		usecase.NewMinter(repo, nil),
		usecase.NewGate(repo, ledger, nil),
		usecase.NewAnalytics(repo, ledger),
		usecase.NewAuditService(audit),
		opts,
	)
	return &testEnv{repo: repo, ledger: ledger, audit: audit, router: h.Router()}
}

func (e *testEnv) do(method, target, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGateStatusCodes(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, _, err := env.repo.Revoke(context.Background(), userToken, domain.MutationMetadata{At: time.Now()})
	require.NoError(t, err)

	cases := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{name: "missing", token: "", status: http.StatusUnauthorized, code: "MISSING_TOKEN"},
		{name: "unknown", token: "tg_nope", status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "revoked", token: userToken, status: http.StatusUnauthorized, code: "TOKEN_REVOKED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/usage", tc.token, "")
			assert.Equal(t, tc.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tc.code, body["code"])
			assert.NotEmpty(t, body["detail"])
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestUserTokenForbiddenOnAdminRoutes(t *testing.T) {
	env := newTestEnv(t, Options{})
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/tokens"},
		{http.MethodPost, "/tokens"},
		{http.MethodDelete, "/tokens/" + adminToken},
		{http.MethodGet, "/usage"},
		{http.MethodGet, "/audit"},
	} {
		rec := env.do(route.method, route.path, userToken, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, route.path)
		assert.Equal(t, "INSUFFICIENT_PRIVILEGE", decodeError(t, rec)["code"])
	}

	// Rejected calls leave no side effects.
	tok, err := env.repo.Get(context.Background(), adminToken)
	require.NoError(t, err)
	assert.False(t, tok.Revoked)
	all, err := env.repo.List(context.Background(), domain.TokenFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUserTokenCanReadMe(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodGet, "/auth/me", userToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body meResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "id-user", body.TokenID)
	assert.False(t, body.IsAdmin)
}

func TestStoreTimeoutReturns503(t *testing.T) {
	env := newTestEnv(t, Options{LookupTimeout: 20 * time.Millisecond})
	env.repo.getFn = func(ctx context.Context, _ string) (domain.Token, error) {
		<-ctx.Done()
		return domain.Token{}, ctx.Err()
	}

	rec := env.do(http.MethodGet, "/usage", adminToken, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "STORE_UNAVAILABLE", decodeError(t, rec)["code"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCreateToken(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		status    int
		wantAdmin bool
	}{
		{name: "empty body mints user", body: "", status: http.StatusCreated},
		{name: "camel case admin", body: `{"isAdmin":true}`, status: http.StatusCreated, wantAdmin: true},
		{name: "snake case admin", body: `{"is_admin":true}`, status: http.StatusCreated, wantAdmin: true},
		{name: "explicit user", body: `{"isAdmin":false}`, status: http.StatusCreated},
		{name: "unknown field", body: `{"admin":true}`, status: http.StatusBadRequest},
		{name: "wrong type", body: `{"isAdmin":"yes"}`, status: http.StatusBadRequest},
		{name: "conflicting flags", body: `{"isAdmin":true,"is_admin":false}`, status: http.StatusBadRequest},
		{name: "malformed", body: `{`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			rec := env.do(http.MethodPost, "/tokens", adminToken, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.status != http.StatusCreated {
				assert.Equal(t, "BAD_REQUEST", decodeError(t, rec)["code"])
				return
			}

			var tok tokenResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
			assert.True(t, strings.HasPrefix(tok.Token, usecase.TokenPrefix))
			assert.Equal(t, tc.wantAdmin, tok.IsAdmin)
			assert.False(t, tok.Revoked)

			stored, err := env.repo.Get(context.Background(), tok.Token)
			require.NoError(t, err)
			assert.Equal(t, tc.wantAdmin, stored.Privilege.IsAdmin())
		})
	}
}

func TestListTokensActiveFilter(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodDelete, "/tokens/"+userToken, adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/tokens", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, adminToken, all[0].Token)
	assert.True(t, all[1].Revoked)
	assert.NotNil(t, all[1].RevokedAt)

	rec = env.do(http.MethodGet, "/tokens?active=true", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var active []tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, adminToken, active[0].Token)

	rec = env.do(http.MethodGet, "/tokens?active=maybe", adminToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodDelete, "/tokens/tg_missing", adminToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec)["code"])

	first := env.do(http.MethodDelete, "/tokens/"+userToken, adminToken, "")
	require.Equal(t, http.StatusOK, first.Code)
	second := env.do(http.MethodDelete, "/tokens/"+userToken, adminToken, "")
	require.Equal(t, http.StatusOK, second.Code)

	var a, b tokenResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.True(t, b.Revoked)
	assert.Equal(t, a.RevokedAt, b.RevokedAt)

	rec = env.do(http.MethodGet, "/auth/me", userToken, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_REVOKED", decodeError(t, rec)["code"])
}

func TestUsageCountsAcceptedRequestsByRoutePattern(t *testing.T) {
	env := newTestEnv(t, Options{})

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/auth/me", userToken, "").Code)
	}
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/tokens/"+userToken+"/usage", adminToken, "").Code)
	// Rejected requests are never metered.
	require.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/auth/me", "tg_bogus", "").Code)
	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/usage", userToken, "").Code)

	rec := env.do(http.MethodGet, "/usage", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var usage usageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))

	// The /usage call itself is counted before the snapshot is taken.
	assert.Equal(t, int64(5), usage.TotalCalls)
	assert.Equal(t, 2, usage.UniqueTokens)
	assert.Equal(t, int64(3), usage.CallsByEndpoint["/auth/me"])
	assert.Equal(t, int64(1), usage.CallsByEndpoint["/tokens/{value}/usage"])
	assert.Equal(t, int64(1), usage.CallsByEndpoint["/usage"])
	for endpoint := range usage.CallsByEndpoint {
		assert.NotContains(t, endpoint, userToken)
	}
	assert.Equal(t, 2, usage.ActiveTokens)
	assert.Equal(t, 0, usage.RevokedTokens)
}

func TestTokenUsage(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/auth/me", userToken, "").Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/auth/me", userToken, "").Code)

	rec := env.do(http.MethodGet, "/tokens/"+userToken+"/usage", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var usage tokenUsageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, int64(2), usage.TotalCalls)
	assert.Equal(t, map[string]int64{"/auth/me": 2}, usage.CallsByEndpoint)

	rec = env.do(http.MethodGet, "/tokens/tg_missing/usage", adminToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditQueryParams(t *testing.T) {
	env := newTestEnv(t, Options{})
	var got domain.AuditFilter
	env.audit.listFn = func(_ context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
		got = filter
		return []domain.AuditTrailEvent{{ID: 7, Action: domain.EventTokenRevoked}}, nil
	}

	rec := env.do(http.MethodGet, "/audit?action=token.revoked&after=3&limit=5000&token_id=abc", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.EventTokenRevoked, got.Action)
	assert.Equal(t, int64(3), got.AfterID)
	assert.Equal(t, "abc", got.AggregateID)
	assert.Equal(t, 1000, got.Limit)
	assert.Contains(t, rec.Body.String(), `"action":"token.revoked"`)

	rec = env.do(http.MethodGet, "/audit?limit=bad", adminToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodGet, "/audit?after=x", adminToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.audit.listFn = func(context.Context, domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
		return nil, errors.New("disk on fire")
	}
	rec = env.do(http.MethodGet, "/audit", adminToken, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestModerateForwardsToUpstream(t *testing.T) {
	var seen *http.Request
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		p, ok := usecase.PrincipalFromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-Principal", p.TokenID)
		w.WriteHeader(http.StatusAccepted)
	})
	env := newTestEnv(t, Options{Upstream: upstream})

	rec := env.do(http.MethodPost, "/moderate/text/check", userToken, `{"text":"hi"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "/moderate/text/check", seen.URL.Path)
	assert.Equal(t, "id-user", rec.Header().Get("X-Principal"))

	snap := env.ledger.TokenUsage(userToken)
	assert.Equal(t, int64(1), snap.CallsByEndpoint["/moderate/text/check"])

	rec = env.do(http.MethodPost, "/moderate/text/check", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestModerateWithoutUpstream(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodGet, "/moderate/anything", userToken, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", decodeError(t, rec)["code"])
}

func TestAPIKeyHeaderAccepted(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("X-API-Key", adminToken)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicRoutes(t *testing.T) {
	env := newTestEnv(t, Options{})
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "", "").Code)

	rec := env.do(http.MethodGet, "/openapi.json", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"/tokens/{value}"`)

	rec = env.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, env.ledger.Snapshot().CallsByEndpoint)
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-42")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(headerRequestID))

	rec = env.do(http.MethodGet, "/healthz", "", "")
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestEndpointKeyFallsBackToCleanPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/moderate/a/../b", nil)
	assert.Equal(t, "/moderate/b", endpointKey(req))
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":  "abc",
		"bearer  abc": "abc",
		"Basic abc":   "",
		"Bearer":      "",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		assert.Equal(t, want, bearerToken(req), header)
	}
}

func TestWriteJSONEncodeErrorHandled(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error\n", rec.Body.String())
}
