package guard

import (
	"encoding/json"
	"net/http"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/pkg/netutil"
)

// StatusCode maps a refusal reason to its HTTP status.
func StatusCode(r Reason) int {
	switch {
	case r.Network():
		return http.StatusForbidden
	case r.Auth():
		return http.StatusUnauthorized
	case r == ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

// Middleware admits requests through g before calling next. auth may be
// nil when the policy does not require authentication. Refusals carry a
// generic body and never describe pool state.
func Middleware(g *Guard, auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src, _ := netutil.SourceAddr(r.RemoteAddr)

		var cred Credentials
		if auth != nil {
			cred = auth.Authenticate(r)
		}

		d := g.Admit(src, cred)
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		metrics.AdmissionDenied.WithLabelValues(g.Name(), string(d.Reason)).Inc()
		logger.LogAdmissionDenied(g.Name(), r.RemoteAddr, string(d.Reason), r.URL.Path)

		status := StatusCode(d.Reason)
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api-proxy"`)
		}
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
	})
}
