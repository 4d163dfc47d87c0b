// Package storage defines the collection store contract and its error
// taxonomy. Backends are selected by the configured [storage] type through
// the factory in internal/httpserver.
package storage

import (
	"errors"
	"path"
	"strings"

	"github.com/filedav/filedav/internal/item"
)

// SanitizePath normalizes a collection path to clean slash-separated
// segments with no leading or trailing slash.
func SanitizePath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.Trim(p, "/")
}

var (
	// ErrNotFound: the collection or item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the operation collides with existing state (target
	// exists, parent missing, parent is a leaf).
	ErrConflict = errors.New("conflict")
	// ErrPrecondition: an etag or overwrite precondition failed.
	ErrPrecondition = errors.New("precondition failed")
	// ErrSyncTokenUnknown: the client's sync token has been evicted or
	// never existed.
	ErrSyncTokenUnknown = errors.New("unknown sync token")
)

// Collection is the metadata of one node in the collection tree.
type Collection struct {
	// Path is the slash-separated path below the collection root, ""
	// for the root itself.
	Path string
	Tag  item.Tag
	// Props maps qualified property names (canonical prefix form, see
	// xmlutil.Name) to their string or XML-fragment values.
	Props map[string]string
}

// Leaf reports whether the collection stores items.
func (c *Collection) Leaf() bool { return c.Tag != item.TagNone }

// ItemRef is the cached identity of a stored item, sufficient for
// listings, collection etags and sync snapshots without parsing payloads.
type ItemRef struct {
	Name string
	UID  string
	Kind item.Kind
	ETag string
}

// Storage is the collection store. Callers must hold the storage lock
// (shared for reads, exclusive for writes) across each request.
type Storage interface {
	// Lock acquires the process-wide storage lock and returns its release
	// function.
	Lock(exclusive bool) (release func(), err error)

	GetCollection(path string) (*Collection, error)
	ListCollections(path string) ([]*Collection, error)
	CreateCollection(path string, tag item.Tag, props map[string]string) (*Collection, error)
	DeleteCollection(path string) error
	MoveCollection(src, dst string, overwrite bool) error
	// SetProps applies sets and removes atomically in document order.
	SetProps(path string, set map[string]string, remove []string) error
	// Etag returns the collection etag, derived from the ordered
	// (name, etag) pairs of its items and the property file.
	Etag(path string) (string, error)

	ListItems(path string) ([]ItemRef, error)
	GetItem(path, name string) (*item.Item, error)
	PutItem(path string, it *item.Item) error
	DeleteItem(path, name string) error
	MoveItem(srcPath, srcName, dstPath, dstName string, overwrite bool) error

	// SyncToken issues (or re-issues) the token identifying the current
	// state of the collection.
	SyncToken(path string) (string, error)
	// Changes diffs the collection against the snapshot identified by
	// since ("" means everything) and issues a fresh token.
	Changes(path, since string) (changed, removed []string, token string, err error)

	// RunHook executes the configured storage hook for a completed write.
	// Failures are logged, never propagated.
	RunHook(user, path string)

	// Verify walks the store checking invariants; it returns the number
	// of problems found.
	Verify() (int, error)
	// Export writes every collection's canonical payloads below dir.
	Export(dir string) error

	Close()
}
