// Package rights decides (user, path, permission) authorization. Backends
// are selected by the [rights] type option; permissions are the letters
// "RrWwi" plus the delete/overwrite opt-ins "DdOo". Uppercase letters apply
// to non-leaf collections, lowercase to calendars, address books and their
// items; "i" grants read of item payloads through GET only.
package rights

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/filedav/filedav/internal/config"
)

type Rights interface {
	// Authorization returns the permission letters granted to user on the
	// sanitized slash-separated path ("" is the root).
	Authorization(user, path string) string
}

func New(cfg config.RightsConfig, logger zerolog.Logger) (Rights, error) {
	switch cfg.Type {
	case "none":
		return anyoneRights{}, nil
	case "authenticated":
		return authenticatedRights{}, nil
	case "owner_only", "":
		return ownerOnlyRights{}, nil
	case "owner_write":
		return ownerWriteRights{}, nil
	case "from_file":
		return newFileRights(cfg.File, logger)
	default:
		return nil, fmt.Errorf("rights: unknown type %q", cfg.Type)
	}
}

// Granted reports whether any of the requested permission letters is
// covered by the backend's decision for this user and path.
func Granted(r Rights, user, path, requested string) bool {
	return strings.ContainsAny(r.Authorization(user, path), requested)
}

// PermitDelete decides collection deletion: the global
// permit_delete_collection default, overridable per path by the "D"/"d"
// opt-in letters.
func PermitDelete(r Rights, cfg config.RightsConfig, user, path string, leaf bool) bool {
	perms := r.Authorization(user, path)
	letter := "D"
	if leaf {
		letter = "d"
	}
	if strings.Contains(perms, letter) {
		return true
	}
	return cfg.PermitDeleteCollection
}

// PermitOverwrite decides overwriting existing resources on PUT and MOVE:
// the global permit_overwrite_collection default, overridable per path by
// the "O"/"o" opt-in letters.
func PermitOverwrite(r Rights, cfg config.RightsConfig, user, path string, leaf bool) bool {
	perms := r.Authorization(user, path)
	letter := "O"
	if leaf {
		letter = "o"
	}
	if strings.Contains(perms, letter) {
		return true
	}
	return cfg.PermitOverwriteCollection
}

const fullAccess = "RrWwi"

// hierarchyPerms grants by depth: read on the root for discovery, full
// access on a principal home and the collections directly below it.
func hierarchyPerms(path string) string {
	if path == "" {
		return "R"
	}
	switch strings.Count(path, "/") {
	case 0:
		return "RWi"
	case 1:
		return "rwi"
	}
	return "rwi"
}

// anyoneRights grants everything to everyone, anonymous included.
type anyoneRights struct{}

func (anyoneRights) Authorization(user, path string) string {
	if path == "" {
		return "R"
	}
	return fullAccess
}

// authenticatedRights grants everything to any logged-in user.
type authenticatedRights struct{}

func (authenticatedRights) Authorization(user, path string) string {
	if user == "" {
		return ""
	}
	if path == "" {
		return "R"
	}
	return fullAccess
}

// ownerOnlyRights restricts every operation to the principal's own tree.
type ownerOnlyRights struct{}

func (ownerOnlyRights) Authorization(user, path string) string {
	if user == "" {
		return ""
	}
	if path == "" {
		return "R"
	}
	if owner(path) != user {
		return ""
	}
	return hierarchyPerms(path)
}

// ownerWriteRights lets any logged-in user read everything but write only
// below their own principal home.
type ownerWriteRights struct{}

func (ownerWriteRights) Authorization(user, path string) string {
	if user == "" {
		return ""
	}
	if path == "" {
		return "R"
	}
	if owner(path) == user {
		return hierarchyPerms(path)
	}
	return "Rri"
}

func owner(path string) string {
	head, _, _ := strings.Cut(path, "/")
	return head
}
