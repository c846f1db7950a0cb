// Package usertoken verifies the user access token issued by the external
// auth service and extracts the caller identity.
package usertoken

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer       = "digibook-auth"
	defaultAudience     = "digibook-api"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
)

var (
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid user token")
	errUnknownKey   = errors.New("unknown token key")
)

// Identity is the authenticated uploader.
type Identity struct {
	UserID   string
	Name     string
	Username string
}

// Claims adds display fields to the registered claims.
type Claims struct {
	jwt.RegisteredClaims
	Name     string `json:"name,omitempty"`
	Username string `json:"preferred_username,omitempty"`
}

// Config selects RS256 keys from a JWKS endpoint, or HS256 with a shared
// secret when JWKSURL is empty.
type Config struct {
	JWKSURL    string
	Secret     string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	secret   []byte

	jwksURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	rsaKeys    map[string]*rsa.PublicKey
	keysExpire time.Time
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{
		issuer:   orDefault(cfg.Issuer, defaultIssuer),
		audience: orDefault(cfg.Audience, defaultAudience),
		leeway:   cfg.Leeway,
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	v.jwksURL = strings.TrimSpace(cfg.JWKSURL)
	if v.jwksURL == "" {
		secret := strings.TrimSpace(cfg.Secret)
		if len(secret) < 32 {
			return nil, errors.New("token verifier requires jwksURL or a secret of at least 32 bytes")
		}
		v.secret = []byte(secret)
		return v, nil
	}
	v.httpClient = cfg.HTTPClient
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if err := v.refreshJWKS(); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates a bearer token and returns the caller.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token missing", ErrInvalidToken)
	}
	claims, err := v.parse(token)
	if err != nil && v.jwksURL != "" && (errors.Is(err, errUnknownKey) || v.keysExpired()) {
		if refreshErr := v.refreshJWKS(); refreshErr != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, refreshErr)
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return Identity{UserID: sub, Name: strings.TrimSpace(claims.Name), Username: strings.TrimSpace(claims.Username)}, nil
}

// FromRequest verifies the Authorization bearer token of r.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return Identity{}, fmt.Errorf("%w: bearer token missing", ErrInvalidToken)
	}
	return v.Verify(auth[7:])
}

func (v *Verifier) parse(token string) (Claims, error) {
	claims := Claims{}
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	var keyFunc jwt.Keyfunc
	if v.secret != nil {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		keyFunc = func(*jwt.Token) (any, error) { return v.secret, nil }
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		keys := v.copyKeys()
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			key, ok := keys[strings.TrimSpace(kid)]
			if !ok {
				return nil, errUnknownKey
			}
			return key, nil
		}
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, keyFunc, opts...)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

func (v *Verifier) copyKeys() map[string]*rsa.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]*rsa.PublicKey, len(v.rsaKeys))
	for kid, key := range v.rsaKeys {
		out[kid] = key
	}
	return out
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *Verifier) refreshJWKS() error {
	resp, err := v.httpClient.Get(v.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var payload struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		if !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue
		}
		keys[strings.TrimSpace(k.Kid)] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}
	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().UTC().Add(ttl)
	v.mu.Unlock()
	return nil
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(k.N))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(k.E))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func maxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		raw, ok := strings.CutPrefix(part, "max-age=")
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
