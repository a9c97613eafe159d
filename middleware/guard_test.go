package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	goRotate "github.com/MrEthical07/goRotate"
)

type staticPrincipals struct{}

func (staticPrincipals) GetPrincipal(_ context.Context, id string) (goRotate.Principal, error) {
	return goRotate.Principal{ID: id, Email: id + "@example.com", Role: "member"}, nil
}

func newGuardEngine(t *testing.T) *goRotate.Engine {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger, _ := test.NewNullLogger()

	cfg := goRotate.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.RootSecret = []byte(strings.Repeat("g", 32))

	engine, err := goRotate.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPrincipalProvider(staticPrincipals{}).
		WithLogger(logger).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return engine
}

func login(t *testing.T, engine *goRotate.Engine, role string) *goRotate.TokenPair {
	t.Helper()
	pair, err := engine.Login(context.Background(), goRotate.Principal{ID: "u1", Email: "u1@example.com", Role: role})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return pair
}

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.RemoteAddr = "198.51.100.4:5123"
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGuardAcceptsValidAccessToken(t *testing.T) {
	engine := newGuardEngine(t)
	pair := login(t, engine, "member")

	var got *goRotate.AccessResult
	h := Guard(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = AccessResultFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(h, "Bearer "+pair.AccessToken)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got == nil || got.PrincipalID != "u1" {
		t.Fatalf("access result not propagated: %+v", got)
	}
}

func TestGuardRejects(t *testing.T) {
	engine := newGuardEngine(t)
	pair := login(t, engine, "member")

	h := Guard(engine)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run")
	}))

	for name, header := range map[string]string{
		"missing":       "",
		"wrong scheme":  "Basic abc",
		"empty bearer":  "Bearer ",
		"garbage":       "Bearer not-a-jwt",
		"refresh token": "Bearer " + pair.RefreshToken,
	} {
		if rec := serve(h, header); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}

	if rec := serve(Guard(nil)(http.NotFoundHandler()), "Bearer "+pair.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Fatalf("nil engine: expected 401, got %d", rec.Code)
	}
}

func TestGuardIgnoresFamilyRevocation(t *testing.T) {
	engine := newGuardEngine(t)
	pair := login(t, engine, "member")

	if err := engine.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	h := Guard(engine)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if rec := serve(h, "Bearer "+pair.AccessToken); rec.Code != http.StatusOK {
		t.Fatalf("access token must stay valid until expiry, got %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	engine := newGuardEngine(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RequireRole(engine, "admin")(ok)

	if rec := serve(h, "Bearer "+login(t, engine, "member").AccessToken); rec.Code != http.StatusForbidden {
		t.Fatalf("member: expected 403, got %d", rec.Code)
	}
	if rec := serve(h, "Bearer "+login(t, engine, "admin").AccessToken); rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", rec.Code)
	}
}
