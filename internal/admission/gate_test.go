package admission

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSecretPriority(t *testing.T) {
	g := NewGate(nil)

	r := httptest.NewRequest("GET", "/api/v1/sync-storage/items?api_key=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-bearer")
	r.Header.Set("X-API-Key", "from-header")
	assert.Equal(t, "from-bearer", g.ExtractSecret(r))

	r.Header.Del("Authorization")
	assert.Equal(t, "from-header", g.ExtractSecret(r))

	r.Header.Del("X-API-Key")
	assert.Equal(t, "from-query", g.ExtractSecret(r))

	r = httptest.NewRequest("GET", "/api/v1/sync-storage/items", nil)
	assert.Equal(t, "", g.ExtractSecret(r))
}

func TestExtractSecretJWT(t *testing.T) {
	g := NewGate(nil)
	g.JWTSecret = "test-signing-secret"

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"key": "embedded-api-key"})
	signed, err := tok.SignedString([]byte(g.JWTSecret))
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	assert.Equal(t, "embedded-api-key", g.ExtractSecret(r))

	// Wrong signature: the bearer value is treated as a raw secret.
	badTok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"key": "embedded-api-key"})
	badSigned, err := badTok.SignedString([]byte("some-other-secret"))
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+badSigned)
	assert.Equal(t, badSigned, g.ExtractSecret(r))

	// Valid token without a key claim also falls back to the raw value.
	noClaim := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	noClaimSigned, err := noClaim.SignedString([]byte(g.JWTSecret))
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+noClaimSigned)
	assert.Equal(t, noClaimSigned, g.ExtractSecret(r))

	// With no configured JWT secret tokens are never parsed.
	g.JWTSecret = ""
	r.Header.Set("Authorization", "Bearer "+signed)
	assert.Equal(t, signed, g.ExtractSecret(r))
}
