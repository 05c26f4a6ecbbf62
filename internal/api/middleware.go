/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer-token
 * authentication against a JWKS endpoint, tenant scope resolution, and the
 * shared-key guard for internal endpoints.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and signature validation.
 * - internal/tenant: turns verified claims into a request scope.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tickettoken/transfer-service/internal/tenant"
)

const (
	tenantClaim          = "tenant_id"
	internalAPIKeyHeader = "X-Internal-API-Key"
	defaultJWKSCacheTTL  = 10 * time.Minute

	// Unknown kids trigger at most one early refresh per interval.
	defaultJWKSMissRefresh = 30 * time.Second
)

var errKeyNotFound = errors.New("signing key not found")

// KeySource resolves a token's signing key by key id.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWKSCache fetches RSA keys from a JWKS endpoint and keeps them for a TTL.
// An unknown kid triggers one refresh so rotated keys are picked up early.
type JWKSCache struct {
	url    string
	client *http.Client
	ttl    time.Duration

	// missRefresh spaces out refreshes forced by a kid the cache lacks.
	missRefresh time.Duration

	mu         sync.Mutex
	keys       map[string]*rsa.PublicKey
	fetchedAt  time.Time
	lastForced time.Time
}

func NewJWKSCache(url string, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	return &JWKSCache{
		url:         url,
		client:      &http.Client{Timeout: 10 * time.Second},
		ttl:         ttl,
		missRefresh: defaultJWKSMissRefresh,
		keys:        map[string]*rsa.PublicKey{},
	}
}

func (c *JWKSCache) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := time.Since(c.fetchedAt) < c.ttl
	if key, ok := c.keys[kid]; ok && fresh {
		return key, nil
	}
	if fresh {
		if time.Since(c.lastForced) < c.missRefresh {
			return nil, fmt.Errorf("%w: kid %s", errKeyNotFound, kid)
		}
		c.lastForced = time.Now()
	}
	if err := c.refreshLocked(ctx); err != nil {
		if key, ok := c.keys[kid]; ok {
			log.Printf("level=warn component=auth msg=\"jwks refresh failed; using cached key\" err=%v", err)
			return key, nil
		}
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %s", errKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			log.Printf("level=warn component=auth kid=%s msg=\"skipping malformed jwk\" err=%v", key.Kid, err)
			continue
		}
		keys[key.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("invalid modulus or exponent length")
	}

	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

// AuthMiddleware validates the bearer token and attaches the caller's tenant
// scope, built from the `sub` and `tenant_id` claims. A token without a
// usable tenant is rejected; there is no default tenant.
func AuthMiddleware(keys KeySource, resolver *tenant.Resolver, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
			if issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
			}
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok || kid == "" {
					return nil, errors.New("kid not found in token header")
				}
				return keys.PublicKey(r.Context(), kid)
			}, parserOpts...)
			if err != nil || !token.Valid {
				log.Printf("level=warn component=auth path=%s msg=\"token rejected\" err=%v", r.URL.Path, err)
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			subject, _ := claims["sub"].(string)
			tenantID, _ := claims[tenantClaim].(string)
			scope, err := resolver.Resolve(tenant.Identity{UserID: subject, TenantID: tenantID})
			if err != nil {
				log.Printf("level=warn component=auth path=%s msg=\"tenant scope rejected\" err=%v", r.URL.Path, err)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(tenant.WithScope(r.Context(), scope)))
		})
	}
}

// InternalAuthMiddleware guards operator endpoints with a shared key. An
// unset key disables the endpoints rather than opening them.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	required := []byte(strings.TrimSpace(requiredKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(r.Header.Get(internalAPIKeyHeader))
			if len(required) == 0 || subtle.ConstantTimeCompare(provided, required) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
