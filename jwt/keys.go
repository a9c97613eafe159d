package jwt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// SigningMethod names the algorithm a Key signs with.
type SigningMethod string

const (
	// MethodHS256 signs with HMAC-SHA256 over a shared secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with an Ed25519 private key.
	MethodEd25519 SigningMethod = "ed25519"
)

// KeyClass selects one of the independent key sets held by a Provider.
type KeyClass uint8

const (
	// ClassAccess signs short-lived access tokens.
	ClassAccess KeyClass = iota
	// ClassRefresh signs long-lived refresh tokens.
	ClassRefresh
)

func (c KeyClass) String() string {
	switch c {
	case ClassAccess:
		return "access"
	case ClassRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformedToken is returned when a token cannot be decoded or its claims are structurally invalid.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidSignature is returned when no acceptable key verifies the token.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrExpiredToken is returned when the token's exp is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrUnknownKeyClass is returned for a KeyClass the provider does not hold.
	ErrUnknownKeyClass = errors.New("unknown key class")
)

// Key is one signing key. Secret is used by HS256; PrivateKey/PublicKey by Ed25519
// (raw bytes or PEM). A key with only a public half can verify but not sign.
type Key struct {
	ID         string
	Method     SigningMethod
	Secret     []byte
	PrivateKey []byte
	PublicKey  []byte
	RetiredAt  time.Time
}

// ClassConfig holds the key set and TTL policy for one KeyClass.
type ClassConfig struct {
	TTL         time.Duration
	Current     Key
	Retired     []Key
	GraceWindow time.Duration
	MaxRetired  int
}

// Config configures a Provider.
type Config struct {
	Issuer  string
	Leeway  time.Duration
	Access  ClassConfig
	Refresh ClassConfig
	Now     func() time.Time
}

type resolvedKey struct {
	id        string
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	retiredAt time.Time
}

type keySet struct {
	ttl        time.Duration
	grace      time.Duration
	maxRetired int
	current    resolvedKey
	retired    []resolvedKey // newest first
}

// Provider owns the key material for both token classes. It is constructed
// explicitly and passed to the issuers that need it; there is no package-level key.
type Provider struct {
	issuer string
	leeway time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	classes [2]*keySet
}

// NewProvider validates cfg and resolves every configured key.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	p := &Provider{
		issuer: strings.TrimSpace(cfg.Issuer),
		leeway: cfg.Leeway,
		now:    now,
	}

	for class, cc := range map[KeyClass]ClassConfig{ClassAccess: cfg.Access, ClassRefresh: cfg.Refresh} {
		set, err := newKeySet(cc)
		if err != nil {
			return nil, fmt.Errorf("%s keys: %w", class, err)
		}
		p.classes[class] = set
	}

	if p.classes[ClassAccess].current.id == p.classes[ClassRefresh].current.id {
		return nil, errors.New("access and refresh classes must use distinct key ids")
	}

	return p, nil
}

func newKeySet(cc ClassConfig) (*keySet, error) {
	if cc.TTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cc.GraceWindow < 0 {
		return nil, errors.New("invalid grace window")
	}
	if cc.MaxRetired < 0 {
		return nil, errors.New("invalid retired key bound")
	}

	current, err := resolveKey(cc.Current, true)
	if err != nil {
		return nil, err
	}

	set := &keySet{
		ttl:        cc.TTL,
		grace:      cc.GraceWindow,
		maxRetired: cc.MaxRetired,
		current:    current,
	}

	seen := map[string]struct{}{current.id: {}}
	for _, k := range cc.Retired {
		if k.RetiredAt.IsZero() {
			return nil, fmt.Errorf("retired key %q requires a retirement time", strings.TrimSpace(k.ID))
		}
		rk, err := resolveKey(k, false)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rk.id]; dup {
			return nil, fmt.Errorf("duplicate key id %q", rk.id)
		}
		seen[rk.id] = struct{}{}
		set.retired = append(set.retired, rk)
	}
	sortRetired(set.retired)
	set.trim()

	return set, nil
}

func resolveKey(k Key, needSign bool) (resolvedKey, error) {
	id := strings.TrimSpace(k.ID)
	if id == "" {
		return resolvedKey{}, errors.New("key id required")
	}

	out := resolvedKey{id: id, retiredAt: k.RetiredAt}
	switch k.Method {
	case MethodHS256:
		if len(k.Secret) < 32 {
			return resolvedKey{}, fmt.Errorf("hs256 key %q requires at least 32 bytes of secret", id)
		}
		secret := append([]byte(nil), k.Secret...)
		out.method = jwt.SigningMethodHS256
		out.signKey = secret
		out.verifyKey = secret
	case MethodEd25519:
		out.method = jwt.SigningMethodEdDSA
		if len(k.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(k.PrivateKey)
			if err != nil {
				return resolvedKey{}, err
			}
			out.signKey = priv
			out.verifyKey = priv.Public()
		}
		if len(k.PublicKey) > 0 {
			pub, err := parseEdPublicKey(k.PublicKey)
			if err != nil {
				return resolvedKey{}, err
			}
			out.verifyKey = pub
		}
		if out.verifyKey == nil {
			return resolvedKey{}, fmt.Errorf("ed25519 key %q requires a public or private key", id)
		}
		if needSign && out.signKey == nil {
			return resolvedKey{}, fmt.Errorf("ed25519 key %q requires a private key to sign", id)
		}
	default:
		return resolvedKey{}, fmt.Errorf("unsupported signing method %q", k.Method)
	}

	return out, nil
}

func sortRetired(keys []resolvedKey) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].retiredAt.After(keys[j-1].retiredAt); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func (s *keySet) trim() {
	if len(s.retired) > s.maxRetired {
		s.retired = s.retired[:s.maxRetired]
	}
}

// lookup returns the verifying key for kid, or false when kid is unknown or out of grace.
func (s *keySet) lookup(kid string, now time.Time) (resolvedKey, bool) {
	if kid == s.current.id {
		return s.current, true
	}
	for _, k := range s.retired {
		if k.id != kid {
			continue
		}
		if !now.Before(k.retiredAt.Add(s.grace)) {
			return resolvedKey{}, false
		}
		return k, true
	}
	return resolvedKey{}, false
}

func (p *Provider) set(class KeyClass) (*keySet, error) {
	if int(class) >= len(p.classes) || p.classes[class] == nil {
		return nil, ErrUnknownKeyClass
	}
	return p.classes[class], nil
}

// Issuer returns the issuer tag stamped on every token.
func (p *Provider) Issuer() string {
	return p.issuer
}

// Now returns the provider clock's current time.
func (p *Provider) Now() time.Time {
	return p.now()
}

// TTL returns the configured lifetime for class.
func (p *Provider) TTL(class KeyClass) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set, err := p.set(class)
	if err != nil {
		return 0
	}
	return set.ttl
}

// CurrentKeyID returns the id of the key currently used to sign class tokens.
func (p *Provider) CurrentKeyID(class KeyClass) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set, err := p.set(class)
	if err != nil {
		return ""
	}
	return set.current.id
}

// Sign serializes claims as a compact JWS using the current key of class.
// The header carries the key id.
func (p *Provider) Sign(class KeyClass, claims jwt.Claims) (string, error) {
	p.mu.RLock()
	set, err := p.set(class)
	if err != nil {
		p.mu.RUnlock()
		return "", err
	}
	key := set.current
	p.mu.RUnlock()

	token := jwt.NewWithClaims(key.method, claims)
	token.Header["kid"] = key.id
	return token.SignedString(key.signKey)
}

// Verify parses tokenStr into claims and checks signature and expiry against
// the key set of class. Failures are reported as ErrMalformedToken,
// ErrInvalidSignature, or ErrExpiredToken.
func (p *Provider) Verify(class KeyClass, tokenStr string, claims jwt.Claims) error {
	p.mu.RLock()
	set, err := p.set(class)
	p.mu.RUnlock()
	if err != nil {
		return err
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	}
	if p.leeway > 0 {
		options = append(options, jwt.WithLeeway(p.leeway))
	}
	if p.issuer != "" {
		options = append(options, jwt.WithIssuer(p.issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}

		p.mu.RLock()
		key, ok := set.lookup(kid, p.now())
		p.mu.RUnlock()
		if !ok {
			return nil, errors.New("unknown kid")
		}
		if t.Method.Alg() != key.method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return key.verifyKey, nil
	})
	if err != nil {
		return classifyParseError(err)
	}
	if !token.Valid {
		return ErrInvalidSignature
	}

	return nil
}

// Rotate retires the current key of class and installs next as the signing key.
// Tokens signed by the retired key keep verifying for the class grace window.
func (p *Provider) Rotate(class KeyClass, next Key) error {
	resolved, err := resolveKey(next, true)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set, err := p.set(class)
	if err != nil {
		return err
	}
	if resolved.id == set.current.id {
		return fmt.Errorf("key id %q is already current", resolved.id)
	}
	for _, other := range p.classes {
		if other != nil && other != set && other.current.id == resolved.id {
			return fmt.Errorf("key id %q is used by another class", resolved.id)
		}
	}

	retiring := set.current
	retiring.retiredAt = p.now()
	retired := make([]resolvedKey, 0, len(set.retired)+1)
	retired = append(retired, retiring)
	for _, k := range set.retired {
		if k.id != resolved.id {
			retired = append(retired, k)
		}
	}
	set.retired = retired
	set.trim()
	set.current = resolved

	return nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenInvalidClaims),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		// unverifiable (unknown kid, wrong alg) and signature mismatch
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

// DeriveSecret expands one root secret into an independent 32-byte HS256 secret
// per key class and key id using HKDF-SHA256.
func DeriveSecret(root []byte, class KeyClass, keyID string) ([]byte, error) {
	if len(root) < 32 {
		return nil, errors.New("root secret must be at least 32 bytes")
	}
	info := []byte("gorotate/" + class.String() + "/" + keyID)
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, nil, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
