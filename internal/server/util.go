package server

import (
	"errors"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/filedav/filedav/internal/rights"
	"github.com/filedav/filedav/internal/storage"
)

func sanitizeStoragePath(p string) string { return storage.SanitizePath(p) }

func urlUnescape(p string) (string, error) { return url.PathUnescape(p) }

func remoteUserEnv() string { return os.Getenv("REMOTE_USER") }

// target is the resolved resource of a request path: either a collection,
// or an item slot (existing or not) inside a leaf collection.
type target struct {
	// col is the collection itself, or the parent collection of an item.
	col *storage.Collection
	// itemName is set when the path addresses an item slot.
	itemName string
}

func (t *target) isItem() bool { return t.itemName != "" }

// path returns the storage path of the addressed resource.
func (t *target) path() string {
	if t.itemName == "" {
		return t.col.Path
	}
	return path.Join(t.col.Path, t.itemName)
}

// resolve maps a sanitized request path onto the collection tree. For item
// slots the item itself may not exist yet; the parent leaf collection must.
func (s *Server) resolve(p string) (*target, error) {
	if col, err := s.store.GetCollection(p); err == nil {
		return &target{col: col}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if p == "" {
		return nil, storage.ErrNotFound
	}
	parent, name := path.Dir(p), path.Base(p)
	if parent == "." {
		parent = ""
	}
	col, err := s.store.GetCollection(parent)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	if !col.Leaf() {
		return nil, storage.ErrNotFound
	}
	return &target{col: col, itemName: name}, nil
}

// permission letters for a path by leaf-ness: uppercase letters cover
// non-leaf collections, lowercase leaf collections and their items.
func readLetters(leaf bool) string {
	if leaf {
		return "ri"
	}
	return "R"
}

func writeLetters(leaf bool) string {
	if leaf {
		return "w"
	}
	return "W"
}

// checkAccess enforces rights; on denial it writes 401 for anonymous users
// and 403 otherwise, returning false.
func (s *Server) checkAccess(w http.ResponseWriter, rq *request, p, letters string) bool {
	if rights.Granted(s.rights, rq.user, p, letters) {
		return true
	}
	if rq.user == "" {
		s.unauthorized(w)
	} else {
		http.Error(w, "forbidden", http.StatusForbidden)
	}
	return false
}

// accessLeaf reports leaf-ness of the collection governing path p without
// leaking existence: a missing path is treated as leaf when its parent is.
func (s *Server) pathIsLeaf(p string) bool {
	if col, err := s.store.GetCollection(p); err == nil {
		return col.Leaf()
	}
	parent := path.Dir(p)
	if parent == "." {
		parent = ""
	}
	if col, err := s.store.GetCollection(parent); err == nil {
		return col.Leaf()
	}
	return false
}

// storageStatus maps storage layer errors onto the response taxonomy.
func storageStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) storageError(w http.ResponseWriter, err error) {
	status := storageStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("storage error")
	}
	http.Error(w, err.Error(), status)
}

// etagPreconditions evaluates If-Match / If-None-Match against the current
// etag ("" when the resource does not exist). It returns 0 when satisfied.
func etagPreconditions(r *http.Request, current string) int {
	if m := r.Header.Get("If-Match"); m != "" {
		if current == "" || (m != "*" && !etagListContains(m, current)) {
			return http.StatusPreconditionFailed
		}
	}
	if m := r.Header.Get("If-None-Match"); m != "" {
		if m == "*" && current != "" {
			return http.StatusPreconditionFailed
		}
		if m != "*" && current != "" && etagListContains(m, current) {
			return http.StatusPreconditionFailed
		}
	}
	return 0
}

func etagListContains(header, etag string) bool {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "W/")
		if part == etag {
			return true
		}
	}
	return false
}

func contentLength(n int) string { return strconv.Itoa(n) }
