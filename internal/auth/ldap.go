package auth

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/filedav/filedav/internal/config"
)

// ldapBackend authenticates by a simple bind with a DN built from the
// configured template. A fresh connection per attempt keeps the backend
// free of reconnect state.
type ldapBackend struct {
	url        string
	dnTemplate string
	logger     zerolog.Logger
}

func newLDAP(cfg config.AuthConfig, logger zerolog.Logger) (*ldapBackend, error) {
	if cfg.LDAPURL == "" {
		return nil, fmt.Errorf("auth: ldap requires ldap_url")
	}
	if !strings.Contains(cfg.LDAPUserDNTemplate, "{user}") {
		return nil, fmt.Errorf("auth: ldap_user_dn_template must contain {user}")
	}
	return &ldapBackend{
		url:        cfg.LDAPURL,
		dnTemplate: cfg.LDAPUserDNTemplate,
		logger:     logger,
	}, nil
}

func (l *ldapBackend) Login(user, password string) (string, error) {
	if user == "" || password == "" {
		// Anonymous binds succeed on most servers; never treat one as a login.
		return "", nil
	}
	conn, err := ldap.DialURL(l.url)
	if err != nil {
		return "", fmt.Errorf("ldap dial: %w", err)
	}
	defer conn.Close()
	dn := strings.ReplaceAll(l.dnTemplate, "{user}", ldap.EscapeDN(user))
	if err := conn.Bind(dn, password); err != nil {
		l.logger.Debug().Str("dn", dn).Err(err).Msg("ldap bind rejected")
		return "", nil
	}
	return user, nil
}
