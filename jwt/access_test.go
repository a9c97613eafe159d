package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	clock := newTestClock()
	issuer, err := NewAccessIssuer(newTestProvider(t, clock))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	tok, err := issuer.Mint("u1", "alice@example.com", "member", clock.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.PrincipalID != "u1" || claims.Email != "alice@example.com" || claims.Role != "member" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.Premium {
		t.Fatal("expected premium to be active")
	}
	if claims.Issuer != "gorotate-test" {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}
}

func TestPremiumFrozenAtMint(t *testing.T) {
	clock := newTestClock()
	issuer, _ := NewAccessIssuer(newTestProvider(t, clock))

	premiumUntil := clock.Now().Add(time.Minute)
	tok, err := issuer.Mint("u1", "", "member", premiumUntil)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	clock.Advance(5 * time.Minute)
	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !claims.Premium {
		t.Fatal("premium must stay as evaluated at mint time")
	}

	next, _ := issuer.Mint("u1", "", "member", premiumUntil)
	claims, _ = issuer.Verify(next)
	if claims.Premium {
		t.Fatal("premium must be re-evaluated on the next mint")
	}

	expired, _ := issuer.Mint("u1", "", "member", time.Time{})
	claims, _ = issuer.Verify(expired)
	if claims.Premium {
		t.Fatal("zero premium-until must not be premium")
	}
}

func TestAccessTokenExpiryBoundary(t *testing.T) {
	clock := newTestClock()
	issuer, _ := NewAccessIssuer(newTestProvider(t, clock))

	tok, err := issuer.Mint("u1", "", "member", time.Time{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	clock.Advance(14*time.Minute + 59*time.Second)
	if _, err := issuer.Verify(tok); err != nil {
		t.Fatalf("expected token valid at T+14m59s: %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := issuer.Verify(tok); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken at T+15m01s, got %v", err)
	}
}

func TestMintRequiresPrincipal(t *testing.T) {
	clock := newTestClock()
	issuer, _ := NewAccessIssuer(newTestProvider(t, clock))

	if _, err := issuer.Mint(" ", "", "member", time.Time{}); err == nil {
		t.Fatal("expected empty principal to be rejected")
	}
	if _, err := NewAccessIssuer(nil); err == nil {
		t.Fatal("expected nil provider to be rejected")
	}
}

func TestParseRefreshValidatesClaims(t *testing.T) {
	clock := newTestClock()
	p := newTestProvider(t, clock)

	tok, err := SignRefresh(p, testTokenID, testFamilyID, "u1", clock.Now(), clock.Now().Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseRefresh(p, tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.TokenID != testTokenID || claims.FamilyID != testFamilyID || claims.PrincipalID != "u1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := SignRefresh(p, "", testFamilyID, "u1", clock.Now(), clock.Now().Add(time.Hour)); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken for empty token id, got %v", err)
	}
	if _, err := SignRefresh(p, "t1", testFamilyID, "u1", clock.Now(), clock.Now().Add(time.Hour)); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken for non-UUID token id, got %v", err)
	}
	if _, err := SignRefresh(p, testTokenID, "f1", "u1", clock.Now(), clock.Now().Add(time.Hour)); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken for non-UUID family id, got %v", err)
	}

	clock.Advance(7*24*time.Hour + time.Second)
	if _, err := ParseRefresh(p, tok); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}
