package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	goRotate "github.com/MrEthical07/goRotate"
)

type accessResultContextKey struct{}

// AccessResultFromContext returns the verified access token stored by [Guard].
func AccessResultFromContext(ctx context.Context) (*goRotate.AccessResult, bool) {
	res, ok := ctx.Value(accessResultContextKey{}).(*goRotate.AccessResult)
	return res, ok
}

// Guard rejects requests without a valid bearer access token with 401. The
// client address is attached with [goRotate.WithClientIP] for downstream engine
// calls.
func Guard(engine *goRotate.Engine) func(http.Handler) http.Handler {
	return guard(engine, nil)
}

func guard(engine *goRotate.Engine, allow func(*goRotate.AccessResult) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res, err := engine.VerifyAccess(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if allow != nil && !allow(res) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), accessResultContextKey{}, res)
			if ip := clientIP(r); ip != "" {
				ctx = goRotate.WithClientIP(ctx, ip)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
