package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Error taxonomy surfaced at session and replay API admission.
var (
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrConfigMissing = errors.New("jwt config missing")
)

// Config selects the signing algorithm and exactly one key source.
type Config struct {
	Alg      string // HS256/384/512 or RS256/384/512; defaults to RS256
	Issuer   string // expected iss; empty disables the check
	Audience string // expected aud; empty disables the check
	Leeway   time.Duration
	JWKSURL  string // remote key set; takes priority over the static key
	Key      string // HMAC secret for HS*, PEM public key for RS*
}

// Verifier validates bearer credentials and returns their claims.
//
// The key source is resolved once at construction: JWKS verification goes
// through a keyfunc backed by the remote key set (kid lookup included),
// static verification uses the configured secret or PEM. With neither
// source configured every call reports ErrConfigMissing.
type Verifier struct {
	cfg    Config
	kf     jwt.Keyfunc
	logger zerolog.Logger
}

// NewVerifier builds a verifier from the configuration. An unreachable
// JWKS endpoint or unparseable PEM is a startup error.
func NewVerifier(cfg Config, logger zerolog.Logger) (*Verifier, error) {
	cfg.Alg = normalizeAlg(cfg.Alg)
	v := &Verifier{
		cfg:    cfg,
		logger: logger.With().Str("component", "auth").Logger(),
	}

	switch {
	case cfg.JWKSURL != "":
		kf, err := keyfunc.NewDefault([]string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("jwks init: %w", err)
		}
		v.kf = kf.Keyfunc
	case cfg.Key != "":
		if isHMAC(cfg.Alg) {
			secret := []byte(cfg.Key)
			v.kf = func(*jwt.Token) (any, error) { return secret, nil }
		} else {
			pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.Key))
			if err != nil {
				return nil, fmt.Errorf("jwt public key: %w", err)
			}
			v.kf = func(*jwt.Token) (any, error) { return pub, nil }
		}
	}

	return v, nil
}

// Verify validates the compact token and returns its claims.
// Signature, exp and nbf (with leeway), and the optional issuer/audience
// constraints are all enforced; any validation failure maps to
// ErrInvalidToken.
func (v *Verifier) Verify(token string) (jwt.MapClaims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if v.kf == nil {
		return nil, ErrConfigMissing
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.cfg.Alg}),
	}
	if v.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.cfg.Leeway))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	parsed, err := jwt.Parse(token, v.kf, opts...)
	if err != nil || !parsed.Valid {
		v.logger.Debug().Err(err).Msg("Token rejected")
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Subject extracts the user identity from the sub claim, tolerating
// numeric subjects.
func Subject(claims jwt.MapClaims) string {
	switch sub := claims["sub"].(type) {
	case string:
		return sub
	case float64:
		return fmt.Sprintf("%.0f", sub)
	default:
		return ""
	}
}

func normalizeAlg(alg string) string {
	switch alg {
	case "HS256", "HS384", "HS512", "RS256", "RS384", "RS512":
		return alg
	default:
		return "RS256"
	}
}

func isHMAC(alg string) bool {
	switch alg {
	case "HS256", "HS384", "HS512":
		return true
	}
	return false
}
