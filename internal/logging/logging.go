package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
}

// MaskCredential hides a password in log output when [logging]
// mask_passwords is enabled.
func MaskCredential(mask bool, cred string) string {
	if mask && cred != "" {
		return "***"
	}
	return cred
}
