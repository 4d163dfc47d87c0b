package rights

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"
)

// fileRights evaluates rules loaded once at startup from an INI file. Each
// section carries a user regex, a collection regex and the granted
// permissions; rules are tried in file order and the first section whose
// user and collection both match decides.
type fileRights struct {
	rules  []rule
	logger zerolog.Logger
}

type rule struct {
	section     string
	user        *regexp.Regexp
	collection  string
	permissions string
}

func newFileRights(path string, logger zerolog.Logger) (*fileRights, error) {
	if path == "" {
		return nil, fmt.Errorf("rights: from_file requires the file option")
	}
	f, err := ini.LoadSources(ini.LoadOptions{}, path)
	if err != nil {
		return nil, fmt.Errorf("rights file %s: %w", path, err)
	}
	fr := &fileRights{logger: logger}
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		userPat := section.Key("user").String()
		userRe, err := regexp.Compile("\\A(?:" + userPat + ")\\z")
		if err != nil {
			return nil, fmt.Errorf("rights file %s [%s] user: %w", path, section.Name(), err)
		}
		fr.rules = append(fr.rules, rule{
			section:     section.Name(),
			user:        userRe,
			collection:  section.Key("collection").String(),
			permissions: section.Key("permission").String() + section.Key("permissions").String(),
		})
	}
	return fr, nil
}

func (fr *fileRights) Authorization(user, path string) string {
	for _, r := range fr.rules {
		m := r.user.FindStringSubmatch(user)
		if m == nil {
			continue
		}
		colPat, err := expandCollection(r.collection, user, m)
		if err != nil {
			fr.logger.Warn().Err(err).Str("section", r.section).Msg("bad collection pattern")
			continue
		}
		colRe, err := regexp.Compile("\\A(?:" + colPat + ")\\z")
		if err != nil {
			fr.logger.Warn().Err(err).Str("section", r.section).Msg("bad collection regex")
			continue
		}
		if colRe.MatchString(path) {
			fr.logger.Debug().Str("user", user).Str("path", path).
				Str("section", r.section).Str("permissions", r.permissions).
				Msg("rights rule matched")
			return r.permissions
		}
	}
	return ""
}

// expandCollection substitutes {user} and {N} placeholders with the
// regex-escaped login and the user regex's capture groups. "{{" and "}}"
// escape literal braces.
func expandCollection(pattern, user string, groups []string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '{' && i+1 < len(pattern) && pattern[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(pattern) && pattern[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unbalanced '{' in %q", pattern)
			}
			name := pattern[i+1 : i+end]
			switch {
			case name == "user":
				b.WriteString(regexp.QuoteMeta(user))
			default:
				n, err := strconv.Atoi(name)
				if err != nil || n < 0 || n >= len(groups) {
					return "", fmt.Errorf("unknown placeholder {%s} in %q", name, pattern)
				}
				b.WriteString(regexp.QuoteMeta(groups[n]))
			}
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
