package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newHSVerifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	cfg.Alg = "HS256"
	cfg.Key = testSecret
	v, err := NewVerifier(cfg, zerolog.Nop())
	require.NoError(t, err)
	return v
}

func TestVerifyValidToken(t *testing.T) {
	v := newHSVerifier(t, Config{})
	token := signHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", Subject(claims))
}

func TestVerifyMissingToken(t *testing.T) {
	v := newHSVerifier(t, Config{})
	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifyNoKeySource(t *testing.T) {
	v, err := NewVerifier(Config{Alg: "HS256"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = v.Verify("some.token.here")
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestVerifyExpiredToken(t *testing.T) {
	v := newHSVerifier(t, Config{})
	token := signHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpiredWithinLeeway(t *testing.T) {
	v := newHSVerifier(t, Config{Leeway: 2 * time.Minute})
	token := signHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := v.Verify(token)
	assert.NoError(t, err)
}

func TestVerifyBadSignature(t *testing.T) {
	v := newHSVerifier(t, Config{})
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyIssuerAndAudience(t *testing.T) {
	v := newHSVerifier(t, Config{Issuer: "gateway", Audience: "clients"})

	good := signHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"iss": "gateway",
		"aud": "clients",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err := v.Verify(good)
	assert.NoError(t, err)

	wrongIssuer := signHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"iss": "someone-else",
		"aud": "clients",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = v.Verify(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongAlgorithm(t *testing.T) {
	// Verifier pinned to HS256 must reject HS512 tokens even when they
	// carry a valid signature under the shared secret.
	v := newHSVerifier(t, Config{})
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "user-1", Subject(jwt.MapClaims{"sub": "user-1"}))
	assert.Equal(t, "42", Subject(jwt.MapClaims{"sub": float64(42)}))
	assert.Equal(t, "", Subject(jwt.MapClaims{}))
	assert.Equal(t, "", Subject(jwt.MapClaims{"sub": true}))
}

func TestNormalizeAlgDefaults(t *testing.T) {
	assert.Equal(t, "RS256", normalizeAlg(""))
	assert.Equal(t, "RS256", normalizeAlg("none"))
	assert.Equal(t, "HS512", normalizeAlg("HS512"))
}
