package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const (
	testTokenID  = "5b0c7a52-3f0e-4d8e-9a61-2c4f8e1b7d03"
	testFamilyID = "c9e2d4a1-7b35-4f60-8e12-9d3a5b6c0f47"
)

func hsKey(id string, fill byte) Key {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = fill
	}
	return Key{ID: id, Method: MethodHS256, Secret: secret}
}

func newTestProvider(t *testing.T, clock *testClock) *Provider {
	t.Helper()

	p, err := NewProvider(Config{
		Issuer: "gorotate-test",
		Now:    clock.Now,
		Access: ClassConfig{
			TTL:         15 * time.Minute,
			Current:     hsKey("a1", 1),
			GraceWindow: time.Hour,
			MaxRetired:  2,
		},
		Refresh: ClassConfig{
			TTL:         7 * 24 * time.Hour,
			Current:     hsKey("r1", 2),
			GraceWindow: time.Hour,
			MaxRetired:  2,
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestNewProviderRejectsInvalidConfig(t *testing.T) {
	clock := newTestClock()
	base := Config{
		Now:     clock.Now,
		Access:  ClassConfig{TTL: time.Minute, Current: hsKey("a1", 1)},
		Refresh: ClassConfig{TTL: time.Hour, Current: hsKey("r1", 2)},
	}

	cases := map[string]func(*Config){
		"zero ttl":       func(c *Config) { c.Access.TTL = 0 },
		"short secret":   func(c *Config) { c.Refresh.Current.Secret = []byte("short") },
		"empty kid":      func(c *Config) { c.Access.Current.ID = " " },
		"shared kid":     func(c *Config) { c.Refresh.Current.ID = "a1" },
		"bad method":     func(c *Config) { c.Access.Current.Method = "rs256" },
		"negative grace": func(c *Config) { c.Access.GraceWindow = -time.Second },
		"large leeway":   func(c *Config) { c.Leeway = time.Hour },
		"duplicate retired": func(c *Config) {
			c.Access.MaxRetired = 1
			c.Access.Retired = []Key{hsKey("a1", 9)}
		},
		"retired without time": func(c *Config) {
			c.Access.MaxRetired = 1
			c.Access.Retired = []Key{hsKey("a0", 9)}
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if _, err := NewProvider(cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestSignStampsKeyID(t *testing.T) {
	clock := newTestClock()
	p := newTestProvider(t, clock)

	tok, err := SignRefresh(p, testTokenID, testFamilyID, "u1", clock.Now(), clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign refresh: %v", err)
	}

	parsed, _, err := gjwt.NewParser().ParseUnverified(tok, &RefreshClaims{})
	if err != nil {
		t.Fatalf("parse unverified: %v", err)
	}
	if kid, _ := parsed.Header["kid"].(string); kid != "r1" {
		t.Fatalf("expected kid r1, got %q", kid)
	}
}

func TestVerifyRejectsUnknownKeyID(t *testing.T) {
	clock := newTestClock()
	p := newTestProvider(t, clock)

	claims := &AccessClaims{
		Type:        typeAccess,
		PrincipalID: "u1",
		RegisteredClaims: gjwt.RegisteredClaims{
			Issuer:    "gorotate-test",
			IssuedAt:  gjwt.NewNumericDate(clock.Now()),
			ExpiresAt: gjwt.NewNumericDate(clock.Now().Add(time.Minute)),
		},
	}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims)
	tok.Header["kid"] = "nobody"
	signed, err := tok.SignedString(hsKey("a1", 1).Secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := p.Verify(ClassAccess, signed, &AccessClaims{}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	clock := newTestClock()
	p := newTestProvider(t, clock)
	issuer, _ := NewAccessIssuer(p)

	tok, err := issuer.Mint("u1", "a@example.com", "member", time.Time{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	parts := strings.Split(tok, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	if _, err := issuer.Verify(tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	clock := newTestClock()
	p := newTestProvider(t, clock)

	for _, input := range []string{"", "not.a.jwt", "abc", "eyJhbGciOiJub25lIn0.eyJ1aWQiOiJ0ZXN0In0."} {
		err := p.Verify(ClassAccess, input, &AccessClaims{})
		if !errors.Is(err, ErrMalformedToken) && !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("input %q: expected malformed or invalid signature, got %v", input, err)
		}
	}

	if err := p.Verify(ClassAccess, "garbage", &AccessClaims{}); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	clock := newTestClock()
	p := newTestProvider(t, clock)

	refresh, err := SignRefresh(p, testTokenID, testFamilyID, "u1", clock.Now(), clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign refresh: %v", err)
	}
	if err := p.Verify(ClassAccess, refresh, &AccessClaims{}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("refresh token verified as access: %v", err)
	}

	issuer, _ := NewAccessIssuer(p)
	access, err := issuer.Mint("u1", "a@example.com", "member", time.Time{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseRefresh(p, access); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("access token verified as refresh: %v", err)
	}
}

func TestRotateKeepsRetiredKeyWithinGrace(t *testing.T) {
	clock := newTestClock()
	p := newTestProvider(t, clock)
	issuer, _ := NewAccessIssuer(p)

	old, err := issuer.Mint("u1", "a@example.com", "member", time.Time{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := p.Rotate(ClassAccess, hsKey("a2", 3)); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if got := p.CurrentKeyID(ClassAccess); got != "a2" {
		t.Fatalf("expected current a2, got %q", got)
	}

	if _, err := issuer.Verify(old); err != nil {
		t.Fatalf("retired key should verify within grace: %v", err)
	}

	fresh, err := issuer.Mint("u1", "a@example.com", "member", time.Time{})
	if err != nil {
		t.Fatalf("mint after rotate: %v", err)
	}
	if _, err := issuer.Verify(fresh); err != nil {
		t.Fatalf("new key should verify: %v", err)
	}
}

func TestRetiredKeyRejectedAfterGrace(t *testing.T) {
	clock := newTestClock()
	p, err := NewProvider(Config{
		Now: clock.Now,
		Access: ClassConfig{
			TTL:         time.Hour,
			Current:     hsKey("a1", 1),
			GraceWindow: 5 * time.Minute,
			MaxRetired:  1,
		},
		Refresh: ClassConfig{TTL: time.Hour, Current: hsKey("r1", 2)},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	issuer, _ := NewAccessIssuer(p)

	old, err := issuer.Mint("u1", "", "member", time.Time{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := p.Rotate(ClassAccess, hsKey("a2", 3)); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	clock.Advance(6 * time.Minute)
	if _, err := issuer.Verify(old); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature after grace, got %v", err)
	}
}

func TestConfiguredRetiredKeyHonoursGrace(t *testing.T) {
	clock := newTestClock()
	retired := hsKey("a0", 9)
	retired.RetiredAt = clock.Now().Add(-4 * time.Minute)

	signer, err := NewProvider(Config{
		Now:     clock.Now,
		Access:  ClassConfig{TTL: time.Hour, Current: hsKey("a0", 9)},
		Refresh: ClassConfig{TTL: time.Hour, Current: hsKey("r1", 2)},
	})
	if err != nil {
		t.Fatalf("signer provider: %v", err)
	}
	signerIssuer, _ := NewAccessIssuer(signer)
	old, err := signerIssuer.Mint("u1", "", "member", time.Time{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	p, err := NewProvider(Config{
		Now: clock.Now,
		Access: ClassConfig{
			TTL:         time.Hour,
			Current:     hsKey("a1", 1),
			Retired:     []Key{retired},
			GraceWindow: 5 * time.Minute,
			MaxRetired:  1,
		},
		Refresh: ClassConfig{TTL: time.Hour, Current: hsKey("r1", 2)},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	issuer, _ := NewAccessIssuer(p)

	if _, err := issuer.Verify(old); err != nil {
		t.Fatalf("configured retired key should verify within grace: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := issuer.Verify(old); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature after grace, got %v", err)
	}
}

func TestRetiredSetIsBounded(t *testing.T) {
	clock := newTestClock()
	p := newTestProvider(t, clock)
	issuer, _ := NewAccessIssuer(p)

	first, err := issuer.Mint("u1", "", "member", time.Time{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	for i, id := range []string{"a2", "a3", "a4"} {
		clock.Advance(time.Second)
		if err := p.Rotate(ClassAccess, hsKey(id, byte(10+i))); err != nil {
			t.Fatalf("rotate %s: %v", id, err)
		}
	}

	// MaxRetired is 2: a3 and a2 remain, a1 was evicted.
	if _, err := issuer.Verify(first); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected evicted key to be rejected, got %v", err)
	}
}

func TestEd25519Keys(t *testing.T) {
	clock := newTestClock()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	p, err := NewProvider(Config{
		Now:     clock.Now,
		Access:  ClassConfig{TTL: time.Minute, Current: Key{ID: "ed-a", Method: MethodEd25519, PrivateKey: priv, PublicKey: pub}},
		Refresh: ClassConfig{TTL: time.Hour, Current: hsKey("r1", 2)},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	issuer, _ := NewAccessIssuer(p)

	tok, err := issuer.Mint("u1", "a@example.com", "admin", time.Time{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Role != "admin" {
		t.Fatalf("unexpected role %q", claims.Role)
	}

	if _, err := NewProvider(Config{
		Now:     clock.Now,
		Access:  ClassConfig{TTL: time.Minute, Current: Key{ID: "ed-a", Method: MethodEd25519, PublicKey: pub}},
		Refresh: ClassConfig{TTL: time.Hour, Current: hsKey("r1", 2)},
	}); err == nil {
		t.Fatal("expected public-only current key to be rejected")
	}
}

func TestDeriveSecretIsPerClassAndKey(t *testing.T) {
	root := []byte("0123456789abcdef0123456789abcdef")

	a, err := DeriveSecret(root, ClassAccess, "k1")
	if err != nil {
		t.Fatalf("derive access: %v", err)
	}
	r, err := DeriveSecret(root, ClassRefresh, "k1")
	if err != nil {
		t.Fatalf("derive refresh: %v", err)
	}
	again, _ := DeriveSecret(root, ClassAccess, "k1")

	if string(a) == string(r) {
		t.Fatal("classes must derive distinct secrets")
	}
	if string(a) != string(again) {
		t.Fatal("derivation must be deterministic")
	}
	if _, err := DeriveSecret([]byte("short"), ClassAccess, "k1"); err == nil {
		t.Fatal("expected short root to be rejected")
	}
}
