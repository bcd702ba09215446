// Package admission gates every operation on an API key: credential
// extraction, restriction checks, rolling quotas, and usage accounting.
package admission

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/apperr"
	"github.com/mirrorkv/mirrorkv/internal/model"
)

// CountryResolver resolves an IP address to an ISO country code. The
// integration is optional; a nil resolver skips the country check.
type CountryResolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// Request is the transport-independent view of one incoming request,
// as seen by the gate.
type Request struct {
	Secret     string
	Method     string
	IsHTTPS    bool
	UserAgent  string
	Origin     string // Origin or Referer header value
	IP         string
	StorageKey string // storage key addressed by the request, if any
	UserID     string
}

// Gate validates credentials and enforces restrictions and quotas.
type Gate struct {
	Keys *KeyStore
	Geo  CountryResolver

	// JWTSecret, when set, lets clients present an HS256 bearer token
	// whose `key` claim carries the API-key secret.
	JWTSecret string

	window *userWindow
}

// NewGate creates an admission gate over the given key store.
func NewGate(keys *KeyStore) *Gate {
	return &Gate{Keys: keys, window: newUserWindow()}
}

// ExtractSecret pulls the credential from the request in priority
// order: bearer authorization header, X-API-Key header, api_key query
// parameter. Returns "" when no credential is present.
func (g *Gate) ExtractSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		tok := h[7:]
		if g.JWTSecret != "" {
			if secret, ok := g.secretFromJWT(tok); ok {
				return secret
			}
		}
		return tok
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

// secretFromJWT validates an HS256 token and returns its `key` claim.
func (g *Gate) secretFromJWT(tok string) (string, bool) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return "", jwt.ErrSignatureInvalid
		}
		return []byte(g.JWTSecret), nil
	})
	if err != nil || !t.Valid {
		return "", false
	}
	secret, ok := claims["key"].(string)
	return secret, ok && secret != ""
}

// Admit authenticates the credential, applies restriction checks and
// quotas, and records usage. It returns the admitted key, or an
// unauthenticated/forbidden error. A restriction violation increments
// the key's security-violation counter before returning.
func (g *Gate) Admit(ctx context.Context, req Request) (*model.APIKey, error) {
	if req.Secret == "" {
		return nil, apperr.New(apperr.Unauthenticated, "missing api key")
	}

	key, err := g.Keys.FindBySecret(ctx, req.Secret)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "api key lookup failed", err)
	}
	if key == nil || !key.IsActive {
		return nil, apperr.New(apperr.Unauthenticated, "unknown or inactive api key")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, apperr.New(apperr.Unauthenticated, "api key expired")
	}

	if err := g.checkRestrictions(ctx, key, req); err != nil {
		if verr := g.Keys.RecordViolation(ctx, key.ID); verr != nil {
			log.Ctx(ctx).Error().Err(verr).Str("keyId", key.ID).Msg("failed to record security violation")
		}
		log.Ctx(ctx).Warn().Err(err).Str("keyId", key.ID).Str("ip", req.IP).Msg("restriction violation")
		return nil, err
	}

	if err := checkQuota(key); err != nil {
		return nil, err
	}

	if err := g.Keys.RecordUsage(ctx, key.ID); err != nil {
		// Admission stands; accounting failures must not block traffic.
		log.Ctx(ctx).Error().Err(err).Str("keyId", key.ID).Msg("failed to record key usage")
	}

	g.window.record(req.IP, hostFromOrigin(req.Origin), req.UserID)
	return key, nil
}

// checkQuota rejects when any configured period counter has reached its
// limit, naming the period in the error.
func checkQuota(key *model.APIKey) error {
	for _, p := range []model.QuotaPeriod{model.PeriodMinute, model.PeriodHour, model.PeriodDay, model.PeriodMonth} {
		limit, usage := key.QuotaLimit(p)
		if limit != nil && usage >= *limit {
			return apperr.Newf(apperr.Forbidden, "%s quota exceeded (%d/%d)", p, usage, *limit)
		}
	}
	return nil
}
