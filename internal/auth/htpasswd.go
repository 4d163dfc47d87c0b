package auth

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/filedav/filedav/internal/config"
)

// htpasswdBackend verifies against an Apache htpasswd file, reloaded on
// every login attempt so edits take effect without a restart.
type htpasswdBackend struct {
	filename   string
	encryption string
}

func newHtpasswd(cfg config.AuthConfig) (*htpasswdBackend, error) {
	if cfg.HtpasswdFilename == "" {
		return nil, fmt.Errorf("auth: htpasswd requires htpasswd_filename")
	}
	switch cfg.HtpasswdEncryption {
	case "autodetect", "plain", "sha1", "ssha", "md5", "bcrypt":
	default:
		return nil, fmt.Errorf("auth: unknown htpasswd_encryption %q", cfg.HtpasswdEncryption)
	}
	if _, err := os.Stat(cfg.HtpasswdFilename); err != nil {
		return nil, fmt.Errorf("auth: htpasswd file: %w", err)
	}
	return &htpasswdBackend{
		filename:   cfg.HtpasswdFilename,
		encryption: cfg.HtpasswdEncryption,
	}, nil
}

func (h *htpasswdBackend) Login(user, password string) (string, error) {
	if user == "" {
		return "", nil
	}
	f, err := os.Open(h.filename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok || name != user {
			continue
		}
		if h.verify(hash, password) {
			return user, nil
		}
		return "", nil
	}
	return "", scanner.Err()
}

func (h *htpasswdBackend) verify(hash, password string) bool {
	enc := h.encryption
	if enc == "autodetect" {
		switch {
		case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
			enc = "bcrypt"
		case strings.HasPrefix(hash, "$apr1$"):
			enc = "md5"
		case strings.HasPrefix(hash, "{SSHA}"):
			enc = "ssha"
		case strings.HasPrefix(hash, "{SHA}"):
			enc = "sha1"
		default:
			enc = "plain"
		}
	}
	switch enc {
	case "bcrypt":
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	case "md5":
		return verifyAPR1(hash, password)
	case "ssha":
		return verifySSHA(hash, password)
	case "sha1":
		sum := sha1.Sum([]byte(password))
		expected := "{SHA}" + base64.StdEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(hash), []byte(expected)) == 1
	default:
		return subtle.ConstantTimeCompare([]byte(hash), []byte(password)) == 1
	}
}

func verifySSHA(hash, password string) bool {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hash, "{SSHA}"))
	if err != nil || len(raw) < sha1.Size {
		return false
	}
	digest, salt := raw[:sha1.Size], raw[sha1.Size:]
	sum := sha1.Sum(append([]byte(password), salt...))
	return subtle.ConstantTimeCompare(digest, sum[:]) == 1
}

const apr1Alphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// verifyAPR1 implements Apache's $apr1$ MD5 crypt scheme.
func verifyAPR1(hash, password string) bool {
	parts := strings.Split(hash, "$")
	if len(parts) != 4 || parts[1] != "apr1" {
		return false
	}
	salt := parts[2]

	inner := md5.New()
	inner.Write([]byte(password))
	inner.Write([]byte(salt))
	inner.Write([]byte(password))
	innerSum := inner.Sum(nil)

	h := md5.New()
	h.Write([]byte(password))
	h.Write([]byte("$apr1$"))
	h.Write([]byte(salt))
	for i := len(password); i > 0; i -= md5.Size {
		if i > md5.Size {
			h.Write(innerSum)
		} else {
			h.Write(innerSum[:i])
		}
	}
	for i := len(password); i > 0; i >>= 1 {
		if i&1 == 1 {
			h.Write([]byte{0})
		} else {
			h.Write([]byte(password[:1]))
		}
	}
	sum := h.Sum(nil)

	for i := 0; i < 1000; i++ {
		r := md5.New()
		if i&1 == 1 {
			r.Write([]byte(password))
		} else {
			r.Write(sum)
		}
		if i%3 != 0 {
			r.Write([]byte(salt))
		}
		if i%7 != 0 {
			r.Write([]byte(password))
		}
		if i&1 == 1 {
			r.Write(sum)
		} else {
			r.Write([]byte(password))
		}
		sum = r.Sum(nil)
	}

	var out bytes.Buffer
	for _, idx := range [][3]int{{0, 6, 12}, {1, 7, 13}, {2, 8, 14}, {3, 9, 15}, {4, 10, 5}} {
		v := uint(sum[idx[0]])<<16 | uint(sum[idx[1]])<<8 | uint(sum[idx[2]])
		for j := 0; j < 4; j++ {
			out.WriteByte(apr1Alphabet[v&0x3f])
			v >>= 6
		}
	}
	v := uint(sum[11])
	out.WriteByte(apr1Alphabet[v&0x3f])
	out.WriteByte(apr1Alphabet[(v>>6)&0x3f])

	expected := "$apr1$" + salt + "$" + out.String()
	return subtle.ConstantTimeCompare([]byte(hash), []byte(expected)) == 1
}
