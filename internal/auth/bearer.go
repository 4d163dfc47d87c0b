package auth

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/filedav/filedav/internal/config"
)

// bearerBackend validates OAuth2 bearer tokens. The token arrives in the
// password slot of the pipeline; the authenticated login is the token
// subject. Keys come from a cached JWKS endpoint or a shared HMAC secret.
type bearerBackend struct {
	jwksURL string
	keys    *jwk.Cache
	secret  []byte
	logger  zerolog.Logger
}

func newBearer(cfg config.AuthConfig, logger zerolog.Logger) (*bearerBackend, error) {
	b := &bearerBackend{jwksURL: cfg.BearerJWKSURL, logger: logger}
	switch {
	case cfg.BearerJWKSURL != "":
		b.keys = jwk.NewCache(context.Background())
		if err := b.keys.Register(cfg.BearerJWKSURL); err != nil {
			return nil, fmt.Errorf("auth: jwks %s: %w", cfg.BearerJWKSURL, err)
		}
	case cfg.BearerSecret != "":
		b.secret = []byte(cfg.BearerSecret)
	default:
		return nil, fmt.Errorf("auth: bearer requires bearer_jwks_url or bearer_secret")
	}
	return b, nil
}

func (b *bearerBackend) Login(_, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	var opts []jwt.ParseOption
	if b.keys != nil {
		set, err := b.keys.Get(context.Background(), b.jwksURL)
		if err != nil {
			return "", fmt.Errorf("jwks fetch: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(set))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, b.secret))
	}
	opts = append(opts, jwt.WithValidate(true))
	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		b.logger.Debug().Err(err).Msg("bearer token rejected")
		return "", nil
	}
	if tok.Subject() == "" {
		return "", nil
	}
	return tok.Subject(), nil
}
