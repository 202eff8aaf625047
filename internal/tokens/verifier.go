package tokens

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthFailed = errors.New("auth_failed")
	ErrRevoked    = errors.New("token revoked")
)

// Role and scope vocabulary. Roles imply scopes; extra scopes present on the
// credential are honored, unknown roles are ignored (no silent elevation).
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"

	ScopeRead     = "read"
	ScopeControl  = "control"
	ScopeAdminOps = "admin_ops"
)

var roleScopes = map[string][]string{
	RoleViewer:   {ScopeRead},
	RoleOperator: {ScopeRead, ScopeControl},
	RoleAdmin:    {ScopeRead, ScopeControl, ScopeAdminOps},
}

// Claims is the verified identity attached to a client session.
type Claims struct {
	Subject   string
	Roles     []string
	Scopes    map[string]bool
	IssuedAt  time.Time
	ExpiresAt time.Time
	TokenID   string
}

// Expired reports whether the credential is past its expiry. Sessions re-check
// this per request and demote themselves when it trips.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func (c *Claims) HasScope(scope string) bool {
	return c.Scopes[scope]
}

// Role returns the strongest role on the credential, for the authenticate
// response shape.
func (c *Claims) Role() string {
	best := ""
	for _, r := range c.Roles {
		switch r {
		case RoleAdmin:
			return RoleAdmin
		case RoleOperator:
			best = RoleOperator
		case RoleViewer:
			if best == "" {
				best = RoleViewer
			}
		}
	}
	return best
}

type wireClaims struct {
	Roles  []string `json:"roles"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Blacklist is the optional revocation check consulted after signature
// verification. A nil blacklist means revocation is not configured.
type Blacklist interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// KeySource resolves the verification key for a parsed token header.
type keySource interface {
	key(token *jwt.Token) (interface{}, error)
}

// Verifier validates opaque bearer credentials and produces Claims.
type Verifier struct {
	source    keySource
	method    string
	skew      time.Duration
	blacklist Blacklist
}

// NewHS256 builds a shared-secret verifier.
func NewHS256(secret string, skew time.Duration, bl Blacklist) *Verifier {
	return &Verifier{
		source:    hmacSource{secret: []byte(secret)},
		method:    "HS256",
		skew:      skew,
		blacklist: bl,
	}
}

// NewRS256 builds an asymmetric verifier against a static PEM public key.
func NewRS256(publicKeyPEM string, skew time.Duration, bl Blacklist) (*Verifier, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Verifier{
		source:    staticRSASource{pub: pub},
		method:    "RS256",
		skew:      skew,
		blacklist: bl,
	}, nil
}

// NewJWKS builds an asymmetric verifier against a key set fetched from url.
// Keys are cached and refreshed in the background every refresh interval; a
// fetch failure keeps the cached copy.
func NewJWKS(ctx context.Context, url string, refresh, skew time.Duration, bl Blacklist) *Verifier {
	src := &jwksSource{url: url, client: &http.Client{Timeout: 5 * time.Second}}
	src.refresh(ctx)
	go src.refreshLoop(ctx, refresh)
	return &Verifier{
		source:    src,
		method:    "RS256",
		skew:      skew,
		blacklist: bl,
	}
}

// Verify validates the bearer credential and maps it to Claims. Any parse,
// signature, or temporal failure is normalized to ErrAuthFailed.
func (v *Verifier) Verify(ctx context.Context, credential string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(credential, &wireClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != v.method {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.source.key(token)
	}, jwt.WithLeeway(v.skew))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	wc, ok := parsed.Claims.(*wireClaims)
	if !ok || !parsed.Valid {
		return nil, ErrAuthFailed
	}

	if v.blacklist != nil && wc.ID != "" {
		revoked, err := v.blacklist.IsRevoked(ctx, wc.ID)
		if err != nil {
			// Fail closed, same as the control-plane middleware.
			return nil, fmt.Errorf("%w: revocation check: %v", ErrAuthFailed, err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, ErrRevoked)
		}
	}

	claims := &Claims{
		Subject: wc.Subject,
		Scopes:  make(map[string]bool),
		TokenID: wc.ID,
	}
	if wc.IssuedAt != nil {
		claims.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		claims.ExpiresAt = wc.ExpiresAt.Time
	}

	roles := wc.Roles
	if len(roles) == 0 && wc.Role != "" {
		roles = []string{wc.Role}
	}
	for _, role := range roles {
		implied, known := roleScopes[role]
		if !known {
			continue
		}
		claims.Roles = append(claims.Roles, role)
		for _, s := range implied {
			claims.Scopes[s] = true
		}
	}
	for _, s := range wc.Scopes {
		switch s {
		case ScopeRead, ScopeControl, ScopeAdminOps:
			claims.Scopes[s] = true
		}
	}

	if len(claims.Roles) == 0 && len(claims.Scopes) == 0 {
		return nil, fmt.Errorf("%w: no recognized roles or scopes", ErrAuthFailed)
	}
	return claims, nil
}

type hmacSource struct {
	secret []byte
}

func (s hmacSource) key(*jwt.Token) (interface{}, error) { return s.secret, nil }

type staticRSASource struct {
	pub *rsa.PublicKey
}

func (s staticRSASource) key(*jwt.Token) (interface{}, error) { return s.pub, nil }

// jwksSource keeps a cached copy of a remote key set, keyed by kid.
type jwksSource struct {
	url    string
	client *http.Client

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

type jwksDoc struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (s *jwksSource) key(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.keys) == 0 {
		return nil, errors.New("jwks: no keys available")
	}
	if kid != "" {
		if k, ok := s.keys[kid]; ok {
			return k, nil
		}
		return nil, fmt.Errorf("jwks: unknown kid %q", kid)
	}
	// No kid on the token and exactly one key cached: use it.
	if len(s.keys) == 1 {
		for _, k := range s.keys {
			return k, nil
		}
	}
	return nil, errors.New("jwks: token missing kid")
}

func (s *jwksSource) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *jwksSource) refresh(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func rsaFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
