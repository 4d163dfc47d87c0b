// Package auth verifies credentials. A Pipeline wraps one backend with
// username normalization, login-result caching and a randomized delay after
// failed attempts.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/filedav/filedav/internal/cache"
	"github.com/filedav/filedav/internal/config"
)

// Backend verifies one credential pair and returns the authenticated login,
// "" on failure. The login passed in is already normalized.
type Backend interface {
	Login(user, password string) (string, error)
}

type Pipeline struct {
	cfg     config.AuthConfig
	backend Backend
	logger  zerolog.Logger

	success *cache.Cache[string, string]
	failed  *cache.Cache[string, struct{}]
	sleep   func(time.Duration)
}

func New(cfg config.AuthConfig, logger zerolog.Logger) (*Pipeline, error) {
	var backend Backend
	var err error
	switch cfg.Type {
	case "none", "":
		logger.Warn().Msg("authentication is not configured, any user is accepted")
		backend = noneBackend{}
	case "denyall":
		backend = denyAllBackend{}
	case "htpasswd":
		backend, err = newHtpasswd(cfg)
	case "ldap":
		backend, err = newLDAP(cfg, logger)
	case "bearer":
		backend, err = newBearer(cfg, logger)
	case "remote_user", "http_x_remote_user":
		// The server resolves the login from the environment or a trusted
		// header; the backend just passes it through.
		backend = trustedBackend{}
	default:
		return nil, fmt.Errorf("auth: unknown type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		success: cache.New[string, string](cfg.CacheSuccessExpiry),
		failed:  cache.New[string, struct{}](cfg.CacheFailedExpiry),
		sleep:   time.Sleep,
	}, nil
}

// Type returns the configured backend type.
func (p *Pipeline) Type() string {
	if p.cfg.Type == "" {
		return "none"
	}
	return p.cfg.Type
}

// Login normalizes the submitted username, checks the caches and asks the
// backend. Failed attempts arm a randomized delay around the configured
// value for the next attempt with the same credentials.
func (p *Pipeline) Login(user, password string) string {
	user = p.normalize(user)
	key := credentialKey(user, password)

	if p.cfg.CacheLogins {
		if cached, ok := p.success.Get(key); ok {
			return cached
		}
		if _, ok := p.failed.Get(key); ok {
			p.delay()
			p.failed.Set(key, struct{}{})
			return ""
		}
	}

	result, err := p.backend.Login(user, password)
	if err != nil {
		p.logger.Error().Err(err).Str("user", user).Msg("login backend error")
		result = ""
	}
	if result == "" {
		if p.cfg.CacheLogins {
			p.failed.Set(key, struct{}{})
		}
		p.delay()
		return ""
	}
	if p.cfg.CacheLogins {
		p.success.Set(key, result)
	}
	return result
}

func (p *Pipeline) normalize(user string) string {
	if p.cfg.URLDecodeUsername {
		if decoded, err := url.QueryUnescape(user); err == nil {
			user = decoded
		}
	}
	if p.cfg.StripDomain {
		if at := strings.IndexByte(user, '@'); at >= 0 {
			user = user[:at]
		}
	}
	if p.cfg.LcUsername {
		user = strings.ToLower(user)
	}
	if p.cfg.UcUsername {
		user = strings.ToUpper(user)
	}
	return user
}

func (p *Pipeline) delay() {
	if p.cfg.Delay <= 0 {
		return
	}
	d := p.cfg.Delay
	jittered := d/2 + time.Duration(rand.Int63n(int64(d)))
	p.sleep(jittered)
}

// credentialKey hashes the credential pair so plain passwords never sit in
// the cache maps.
func credentialKey(user, password string) string {
	sum := sha256.Sum256([]byte(user + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

type noneBackend struct{}

func (noneBackend) Login(user, _ string) (string, error) { return user, nil }

type denyAllBackend struct{}

func (denyAllBackend) Login(string, string) (string, error) { return "", nil }

type trustedBackend struct{}

func (trustedBackend) Login(user, _ string) (string, error) { return user, nil }
