package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

type ServerConfig struct {
	Hosts            []string
	MaxConnections   int
	MaxContentLength int64
	Timeout          time.Duration
	SSL              bool
	Certificate      string
	Key              string
	CertificateAuth  string
	Protocol         string
	CipherSuite      string
	Metrics          bool
}

type EncodingConfig struct {
	Request string
	Stock   string
}

type AuthConfig struct {
	Type               string
	HtpasswdFilename   string
	HtpasswdEncryption string
	Delay              time.Duration
	Realm              string
	LcUsername         bool
	UcUsername         bool
	StripDomain        bool
	URLDecodeUsername  bool
	CacheLogins        bool
	CacheSuccessExpiry time.Duration
	CacheFailedExpiry  time.Duration

	LDAPURL            string
	LDAPUserDNTemplate string
	BearerJWKSURL      string
	BearerSecret       string
}

type RightsConfig struct {
	Type                      string
	File                      string
	PermitDeleteCollection    bool
	PermitOverwriteCollection bool
}

type StorageConfig struct {
	Type                    string
	FilesystemFolder        string
	FilesystemFsync         bool
	FilesystemCacheFolder   string
	CacheSubfolderItem      bool
	CacheSubfolderHistory   bool
	CacheSubfolderSyncToken bool
	UseMtimeAndSize         bool
	FolderUmask             os.FileMode
	MaxSyncTokenAge         time.Duration
	Hook                    string
	MaxOccurrences          int
	MaxFreeBusyOccurrences  int
}

type LoggingConfig struct {
	Level                 string
	MaskPasswords         bool
	RequestHeaderOnDebug  bool
	RequestContentOnDebug bool
	ResponseContentDebug  bool
	StorageCacheOnDebug   bool
}

type Config struct {
	Server   ServerConfig
	Encoding EncodingConfig
	Auth     AuthConfig
	Rights   RightsConfig
	Storage  StorageConfig
	Logging  LoggingConfig
	// Headers holds extra response headers from the [headers] section.
	Headers map[string]string
	// BasePath is the URL prefix the server is mounted under. Must start
	// with "/" and not end with "/". Overridden per request by
	// X-Script-Name when behind a reverse proxy.
	BasePath string
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Hosts:            []string{"localhost:5232"},
			MaxConnections:   8,
			MaxContentLength: 100 << 20,
			Timeout:          30 * time.Second,
			Protocol:         "TLSv1.2",
		},
		Encoding: EncodingConfig{Request: "utf-8", Stock: "utf-8"},
		Auth: AuthConfig{
			Type:               "none",
			HtpasswdEncryption: "autodetect",
			Delay:              time.Second,
			Realm:              "filedav - Password Required",
			CacheLogins:        true,
			CacheSuccessExpiry: 15 * time.Second,
			CacheFailedExpiry:  90 * time.Second,
		},
		Rights: RightsConfig{
			Type:                      "owner_only",
			PermitDeleteCollection:    true,
			PermitOverwriteCollection: true,
		},
		Storage: StorageConfig{
			Type:                   "multifilesystem",
			FilesystemFolder:       "/var/lib/filedav/collections",
			FilesystemFsync:        true,
			FolderUmask:            0o077,
			MaxSyncTokenAge:        30 * 24 * time.Hour,
			MaxOccurrences:         10000,
			MaxFreeBusyOccurrences: 10000,
		},
		Logging: LoggingConfig{Level: "info", MaskPasswords: true},
		Headers: map[string]string{},
		BasePath: "",
	}
}

// Load reads configuration from paths (":" or ";" separated; a "?" prefix
// marks a file as optional) and applies overrides of the form
// "section-key" -> value gathered from the command line.
func Load(paths string, overrides map[string]string) (*Config, error) {
	cfg := Default()
	for _, p := range splitPaths(paths) {
		optional := strings.HasPrefix(p, "?")
		p = strings.TrimPrefix(p, "?")
		if p == "" {
			continue
		}
		f, err := ini.Load(p)
		if err != nil {
			if optional && os.IsNotExist(underlying(err)) {
				continue
			}
			return nil, fmt.Errorf("config %s: %w", p, err)
		}
		if err := cfg.apply(f); err != nil {
			return nil, fmt.Errorf("config %s: %w", p, err)
		}
	}
	if len(overrides) > 0 {
		f := ini.Empty()
		for k, v := range overrides {
			section, key, ok := strings.Cut(k, "-")
			if !ok {
				return nil, fmt.Errorf("config override %q: want section-key", k)
			}
			f.Section(section).Key(key).SetValue(v)
		}
		if err := cfg.apply(f); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitPaths(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ';' })
	for i, p := range parts {
		optional := strings.HasPrefix(p, "?")
		trimmed := strings.TrimPrefix(p, "?")
		if strings.HasPrefix(trimmed, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				trimmed = home + trimmed[1:]
			}
		}
		if optional {
			trimmed = "?" + trimmed
		}
		parts[i] = trimmed
	}
	return parts
}

func underlying(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

func (c *Config) apply(f *ini.File) error {
	var firstErr error
	get := func(section, key string, dst func(string) error) {
		s, err := f.GetSection(section)
		if err != nil {
			return
		}
		if !s.HasKey(key) {
			return
		}
		if err := dst(s.Key(key).String()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("[%s] %s: %w", section, key, err)
		}
	}

	get("server", "hosts", func(v string) error {
		var hosts []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		c.Server.Hosts = hosts
		return nil
	})
	get("server", "max_connections", intInto(&c.Server.MaxConnections))
	get("server", "max_content_length", int64Into(&c.Server.MaxContentLength))
	get("server", "timeout", durationInto(&c.Server.Timeout))
	get("server", "ssl", boolInto(&c.Server.SSL))
	get("server", "certificate", strInto(&c.Server.Certificate))
	get("server", "key", strInto(&c.Server.Key))
	get("server", "certificate_authority", strInto(&c.Server.CertificateAuth))
	get("server", "protocol", strInto(&c.Server.Protocol))
	get("server", "ciphersuite", strInto(&c.Server.CipherSuite))
	get("server", "metrics", boolInto(&c.Server.Metrics))
	get("server", "base_prefix", strInto(&c.BasePath))

	get("encoding", "request", strInto(&c.Encoding.Request))
	get("encoding", "stock", strInto(&c.Encoding.Stock))

	get("auth", "type", strInto(&c.Auth.Type))
	get("auth", "htpasswd_filename", strInto(&c.Auth.HtpasswdFilename))
	get("auth", "htpasswd_encryption", strInto(&c.Auth.HtpasswdEncryption))
	get("auth", "delay", durationInto(&c.Auth.Delay))
	get("auth", "realm", strInto(&c.Auth.Realm))
	get("auth", "lc_username", boolInto(&c.Auth.LcUsername))
	get("auth", "uc_username", boolInto(&c.Auth.UcUsername))
	get("auth", "strip_domain", boolInto(&c.Auth.StripDomain))
	get("auth", "urldecode_username", boolInto(&c.Auth.URLDecodeUsername))
	get("auth", "cache_logins", boolInto(&c.Auth.CacheLogins))
	get("auth", "cache_successful_logins_expiry", durationInto(&c.Auth.CacheSuccessExpiry))
	get("auth", "cache_failed_logins_expiry", durationInto(&c.Auth.CacheFailedExpiry))
	get("auth", "ldap_url", strInto(&c.Auth.LDAPURL))
	get("auth", "ldap_user_dn_template", strInto(&c.Auth.LDAPUserDNTemplate))
	get("auth", "bearer_jwks_url", strInto(&c.Auth.BearerJWKSURL))
	get("auth", "bearer_secret", strInto(&c.Auth.BearerSecret))

	get("rights", "type", strInto(&c.Rights.Type))
	get("rights", "file", strInto(&c.Rights.File))
	get("rights", "permit_delete_collection", boolInto(&c.Rights.PermitDeleteCollection))
	get("rights", "permit_overwrite_collection", boolInto(&c.Rights.PermitOverwriteCollection))

	get("storage", "type", strInto(&c.Storage.Type))
	get("storage", "filesystem_folder", strInto(&c.Storage.FilesystemFolder))
	get("storage", "filesystem_fsync", boolInto(&c.Storage.FilesystemFsync))
	get("storage", "filesystem_cache_folder", strInto(&c.Storage.FilesystemCacheFolder))
	get("storage", "use_cache_subfolder_for_item", boolInto(&c.Storage.CacheSubfolderItem))
	get("storage", "use_cache_subfolder_for_history", boolInto(&c.Storage.CacheSubfolderHistory))
	get("storage", "use_cache_subfolder_for_synctoken", boolInto(&c.Storage.CacheSubfolderSyncToken))
	get("storage", "use_mtime_and_size_for_item_cache", boolInto(&c.Storage.UseMtimeAndSize))
	get("storage", "folder_umask", func(v string) error {
		n, err := strconv.ParseUint(strings.TrimPrefix(v, "0o"), 8, 32)
		if err != nil {
			return err
		}
		c.Storage.FolderUmask = os.FileMode(n)
		return nil
	})
	get("storage", "max_sync_token_age", durationInto(&c.Storage.MaxSyncTokenAge))
	get("storage", "hook", strInto(&c.Storage.Hook))
	get("storage", "max_occurrences", intInto(&c.Storage.MaxOccurrences))
	get("storage", "max_freebusy_occurrences", intInto(&c.Storage.MaxFreeBusyOccurrences))

	get("logging", "level", strInto(&c.Logging.Level))
	get("logging", "mask_passwords", boolInto(&c.Logging.MaskPasswords))
	get("logging", "request_header_on_debug", boolInto(&c.Logging.RequestHeaderOnDebug))
	get("logging", "request_content_on_debug", boolInto(&c.Logging.RequestContentOnDebug))
	get("logging", "response_content_on_debug", boolInto(&c.Logging.ResponseContentDebug))
	get("logging", "storage_cache_actions_on_debug", boolInto(&c.Logging.StorageCacheOnDebug))

	if s, err := f.GetSection("headers"); err == nil {
		for _, k := range s.Keys() {
			c.Headers[k.Name()] = k.String()
		}
	}
	return firstErr
}

func (c *Config) validate() error {
	if c.BasePath != "" {
		if !strings.HasPrefix(c.BasePath, "/") || strings.HasSuffix(c.BasePath, "/") {
			return fmt.Errorf("base prefix %q must start with '/' and not end with '/'", c.BasePath)
		}
	}
	if len(c.Server.Hosts) == 0 {
		return fmt.Errorf("[server] hosts must not be empty")
	}
	if c.Server.SSL && (c.Server.Certificate == "" || c.Server.Key == "") {
		return fmt.Errorf("[server] ssl requires certificate and key")
	}
	switch c.Storage.Type {
	case "multifilesystem":
	default:
		return fmt.Errorf("[storage] unknown type %q", c.Storage.Type)
	}
	return nil
}

func strInto(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func intInto(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Into(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func boolInto(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

// durationInto accepts plain seconds ("30") or Go duration syntax ("30s").
func durationInto(dst *time.Duration) func(string) error {
	return func(v string) error {
		v = strings.TrimSpace(v)
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(secs * float64(time.Second))
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
