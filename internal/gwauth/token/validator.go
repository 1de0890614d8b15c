// Package token implements the gateway's JWKS Verifier: offline JWT
// validation against the identity provider's published signing keys, with
// auto-refreshing cache and a single forced re-fetch on an unknown kid.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/vmcp-gateway/internal/gwauth"
	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
	"github.com/stacklok/vmcp-gateway/internal/logger"
)

const clockSkewTolerance = 60 * time.Second

// Config configures a Validator.
type Config struct {
	// Issuer is matched exactly against the token's iss claim.
	Issuer string
	// Audience must be present in the token's aud claim.
	Audience string
	// JWKSURL is the IdP's JWKS endpoint.
	JWKSURL string
	// AlgorithmAllowlist restricts accepted JWS algorithms; defaults to
	// {"RS256"} when empty.
	AlgorithmAllowlist []string
	// HTTPClient is used to fetch the JWKS document; defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Validator performs offline JWT validation backed by a refreshing JWKS
// cache.
type Validator struct {
	issuer    string
	audience  string
	jwksURL   string
	allowlist map[string]struct{}

	cache *jwk.Cache

	registerOnce sync.Once
	registerErr  error

	// unknownKidMu serializes the forced-refresh retry: concurrent callers
	// hitting an unknown kid refetch the JWKS one after another, each with its
	// own refetch; their refetches are not merged into one.
	unknownKidMu sync.Mutex
}

// NewValidator constructs a Validator and registers its JWKS URL with an
// auto-refreshing cache (lestrrat-go/jwx/v3 + httprc/v3).
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, gwerrors.New(gwerrors.KindInvalidArgument, "", "validator requires an issuer")
	}
	if cfg.JWKSURL == "" {
		return nil, gwerrors.New(gwerrors.KindInvalidArgument, "", "validator requires a JWKS URL")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS cache: %w", err)
	}

	allowlist := cfg.AlgorithmAllowlist
	if len(allowlist) == 0 {
		allowlist = []string{"RS256"}
	}
	allowSet := make(map[string]struct{}, len(allowlist))
	for _, a := range allowlist {
		allowSet[a] = struct{}{}
	}

	v := &Validator{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		jwksURL:   cfg.JWKSURL,
		allowlist: allowSet,
		cache:     cache,
	}

	if err := v.register(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Validator) register(ctx context.Context) error {
	v.registerOnce.Do(func() {
		registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := v.cache.Register(registerCtx, v.jwksURL); err != nil {
			v.registerErr = fmt.Errorf("registering JWKS URL: %w", err)
		}
	})
	return v.registerErr
}

// ValidateToken implements the JWKS Verifier contract: validate(raw_jwt,
// expected_audience) -> AuthenticatedPrincipal | Fail. expected_audience is
// the Validator's configured audience (set once at construction via
// Config.Audience), checked against the token's aud claim in validateClaims.
func (v *Validator) ValidateToken(ctx context.Context, rawJWT string) (*gwauth.Principal, error) {
	if rawJWT == "" {
		return nil, gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonMissingToken, "no bearer token provided")
	}

	claims, forceRefreshed, err := v.parseAndValidate(ctx, rawJWT, false)
	if err != nil && isUnknownKid(err) && !forceRefreshed {
		logger.Debugw("jwks: unknown kid, forcing refresh and retrying once")
		claims, _, err = v.parseAndValidate(ctx, rawJWT, true)
	}
	if err != nil {
		return nil, err
	}

	return claimsToPrincipal(claims, rawJWT)
}

func (v *Validator) parseAndValidate(ctx context.Context, rawJWT string, forceRefresh bool) (jwt.MapClaims, bool, error) {
	if err := v.register(ctx); err != nil {
		return nil, false, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonIdpUnavailable,
			"failed to register JWKS endpoint", err)
	}

	if forceRefresh {
		v.unknownKidMu.Lock()
		_, refreshErr := v.cache.Refresh(ctx, v.jwksURL)
		v.unknownKidMu.Unlock()
		if refreshErr != nil {
			return nil, true, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonIdpUnavailable,
				"failed to refresh JWKS", refreshErr)
		}
	}

	token, err := jwt.Parse(rawJWT, func(t *jwt.Token) (any, error) {
		return v.lookupKey(ctx, t)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, forceRefresh, gwerrors.Wrap(gwerrors.KindUnauthenticated, gwerrors.ReasonExpired, "token expired", err)
		}
		return nil, forceRefresh, gwerrors.Wrap(gwerrors.KindUnauthenticated, gwerrors.ReasonBadSignature, "token validation failed", err)
	}
	if !token.Valid {
		return nil, forceRefresh, gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonBadSignature, "token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, forceRefresh, gwerrors.New(gwerrors.KindInternal, "", "unexpected claims type")
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, forceRefresh, err
	}

	return claims, forceRefresh, nil
}

type unknownKidError struct{ kid string }

func (e *unknownKidError) Error() string { return fmt.Sprintf("key ID %s not found in JWKS", e.kid) }

func isUnknownKid(err error) bool {
	var uk *unknownKidError
	return errors.As(err, &uk)
}

func (v *Validator) lookupKey(ctx context.Context, t *jwt.Token) (any, error) {
	alg, _ := t.Header["alg"].(string)
	if _, ok := v.allowlist[alg]; !ok {
		return nil, fmt.Errorf("algorithm %q is not in the allowlist", alg)
	}

	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("looking up JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, &unknownKidError{kid: kid}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("exporting raw key: %w", err)
	}
	return rawKey, nil
}

func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonIssuerMismatch, "issuer does not match")
		}
	}

	if v.audience != "" {
		auds, err := claims.GetAudience()
		if err != nil {
			return gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonBadAudience, "missing audience claim")
		}
		found := false
		for _, a := range auds {
			if a == v.audience {
				found = true
				break
			}
		}
		if !found {
			return gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonBadAudience, "audience does not match gateway_audience")
		}
	}

	now := time.Now()
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Time.Add(clockSkewTolerance).Before(now) {
		return gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonExpired, "token expired")
	}

	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
		if nbf.Time.After(now.Add(clockSkewTolerance)) {
			return gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonBadSignature, "token not yet valid")
		}
	}

	return nil
}

// claimsToPrincipal converts validated claims into a gwauth.Principal,
// requiring the 'sub' claim per OIDC Core 1.0 §5.1.
func claimsToPrincipal(claims jwt.MapClaims, rawJWT string) (*gwauth.Principal, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonBadSignature, "missing or invalid 'sub' claim")
	}

	username := sub
	if pu, ok := claims["preferred_username"].(string); ok && pu != "" {
		username = pu
	}

	roles := make(map[string]struct{})
	for _, claimName := range []string{"roles", "realm_access"} {
		extractRoles(claims[claimName], roles)
	}
	if realmAccess, ok := claims["realm_access"].(map[string]any); ok {
		extractRoles(realmAccess["roles"], roles)
	}

	var expiresAt int64
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Unix()
	}

	return &gwauth.Principal{
		Subject:   sub,
		Username:  username,
		Roles:     roles,
		RawToken:  rawJWT,
		ExpiresAt: expiresAt,
	}, nil
}

func extractRoles(v any, into map[string]struct{}) {
	list, ok := v.([]any)
	if !ok {
		return
	}
	for _, r := range list {
		if s, ok := r.(string); ok {
			into[s] = struct{}{}
		}
	}
}
