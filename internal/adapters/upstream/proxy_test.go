package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyReplacesCredentialWithPrincipal(t *testing.T) {
	var got http.Header
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	proxy, err := NewProxy(backend.URL, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/moderate/analyze", nil)
	req.Header.Set("Authorization", "Bearer tg_secret")
	req.Header.Set(HeaderPrivilege, "admin")
	req = req.WithContext(usecase.WithPrincipal(req.Context(), usecase.Principal{
		TokenID:   "tok-1",
		Privilege: domain.PrivilegeUser,
	}))

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "/moderate/analyze", gotPath)
	assert.Empty(t, got.Get("Authorization"))
	assert.Equal(t, "tok-1", got.Get(HeaderTokenID))
	assert.Equal(t, "user", got.Get(HeaderPrivilege))
}

func TestProxyUnreachableUpstream(t *testing.T) {
	proxy, err := NewProxy("http://127.0.0.1:1", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/moderate/health", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "UPSTREAM_UNAVAILABLE")
}

func TestNewProxyRejectsRelativeURL(t *testing.T) {
	_, err := NewProxy("moderation:8000", nil)
	assert.Error(t, err)
}
