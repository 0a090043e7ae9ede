package upstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/atvirokodosprendimai/tokengate/internal/core/usecase"
)

const (
	HeaderTokenID   = "X-Tokengate-Token-Id"
	HeaderPrivilege = "X-Tokengate-Privilege"
)

// NewProxy forwards gated requests to the moderation backend. The caller's
// credential is stripped and replaced by the principal the gate derived.
func NewProxy(target string, logger *slog.Logger) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url must be absolute: %q", target)
	}
	if logger == nil {
		logger = slog.Default()
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("X-API-Key")
			pr.Out.Header.Del(HeaderTokenID)
			pr.Out.Header.Del(HeaderPrivilege)
			if p, ok := usecase.PrincipalFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderTokenID, p.TokenID)
				pr.Out.Header.Set(HeaderPrivilege, string(p.Privilege))
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream unavailable","detail":"upstream unavailable","code":"UPSTREAM_UNAVAILABLE"}` + "\n"))
		},
	}
	return proxy, nil
}
