package multifilesystem

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/storage"
)

// propsDocument is the JSON shape of .Radicale.props.
type propsDocument struct {
	Tag   string            `json:"tag,omitempty"`
	Props map[string]string `json:"props,omitempty"`
}

func (s *Store) readProps(p string) (*propsDocument, error) {
	b, err := os.ReadFile(s.propsPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return &propsDocument{Props: map[string]string{}}, nil
		}
		return nil, err
	}
	var doc propsDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("corrupt %s for %q: %w", propsFile, p, err)
	}
	if doc.Props == nil {
		doc.Props = map[string]string{}
	}
	return &doc, nil
}

func (s *Store) writeProps(p string, doc *propsDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return s.writeFileAtomic(s.propsPath(p), b)
}

func (s *Store) GetCollection(p string) (*storage.Collection, error) {
	p = SanitizePath(p)
	if err := safePath(p); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	fi, err := os.Stat(s.collectionDir(p))
	if err != nil || !fi.IsDir() {
		return nil, storage.ErrNotFound
	}
	doc, err := s.readProps(p)
	if err != nil {
		return nil, err
	}
	return &storage.Collection{Path: p, Tag: item.Tag(doc.Tag), Props: doc.Props}, nil
}

func (s *Store) ListCollections(p string) ([]*storage.Collection, error) {
	p = SanitizePath(p)
	entries, err := os.ReadDir(s.collectionDir(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var out []*storage.Collection
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		child, err := s.GetCollection(path.Join(p, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) CreateCollection(p string, tag item.Tag, props map[string]string) (*storage.Collection, error) {
	p = SanitizePath(p)
	if p == "" {
		return nil, fmt.Errorf("%w: cannot create the root", storage.ErrConflict)
	}
	if err := safePath(p); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	if _, err := os.Stat(s.collectionDir(p)); err == nil {
		return nil, fmt.Errorf("%w: collection exists", storage.ErrConflict)
	}
	parent := path.Dir(p)
	if parent == "." {
		parent = ""
	}
	if parent != "" {
		pc, err := s.GetCollection(parent)
		if err != nil {
			return nil, fmt.Errorf("%w: parent missing", storage.ErrConflict)
		}
		if pc.Leaf() {
			return nil, fmt.Errorf("%w: parent is a calendar or address book", storage.ErrConflict)
		}
	}
	if err := os.MkdirAll(s.collectionDir(p), s.dirMode); err != nil {
		return nil, err
	}
	doc := &propsDocument{Tag: string(tag), Props: map[string]string{}}
	for k, v := range props {
		doc.Props[k] = v
	}
	if err := s.writeProps(p, doc); err != nil {
		_ = os.RemoveAll(s.collectionDir(p))
		return nil, err
	}
	return &storage.Collection{Path: p, Tag: tag, Props: doc.Props}, nil
}

func (s *Store) DeleteCollection(p string) error {
	p = SanitizePath(p)
	if p == "" {
		return fmt.Errorf("%w: cannot delete the root", storage.ErrConflict)
	}
	if _, err := s.GetCollection(p); err != nil {
		return err
	}
	if err := s.removeAtomic(s.collectionDir(p)); err != nil {
		return err
	}
	s.dropCacheTree(p)
	return nil
}

func (s *Store) MoveCollection(src, dst string, overwrite bool) error {
	src, dst = SanitizePath(src), SanitizePath(dst)
	if src == "" || dst == "" {
		return fmt.Errorf("%w: cannot move the root", storage.ErrConflict)
	}
	if err := safePath(dst); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	if src == dst || strings.HasPrefix(dst+"/", src+"/") {
		return fmt.Errorf("%w: destination inside source", storage.ErrConflict)
	}
	if _, err := s.GetCollection(src); err != nil {
		return err
	}
	parent := path.Dir(dst)
	if parent == "." {
		parent = ""
	}
	if parent != "" {
		if _, err := s.GetCollection(parent); err != nil {
			return fmt.Errorf("%w: destination parent missing", storage.ErrConflict)
		}
	}
	srcDir, dstDir := s.collectionDir(src), s.collectionDir(dst)
	if _, err := os.Stat(dstDir); err == nil {
		if !overwrite {
			return fmt.Errorf("%w: destination exists", storage.ErrPrecondition)
		}
		if err := exchangeRename(srcDir, dstDir); err == nil {
			_ = os.RemoveAll(srcDir)
		} else {
			tmp := s.tmpName(filepath.Dir(dstDir))
			if err := os.Rename(dstDir, tmp); err != nil {
				return err
			}
			if err := os.Rename(srcDir, dstDir); err != nil {
				// Put the original destination back.
				_ = os.Rename(tmp, dstDir)
				return err
			}
			_ = os.RemoveAll(tmp)
		}
	} else if err := os.Rename(srcDir, dstDir); err != nil {
		return err
	}
	s.dropCacheTree(src)
	s.dropCacheTree(dst)
	return s.syncDir(filepath.Dir(dstDir))
}

// SetProps applies property updates in order; the whole update is one
// props-file write, so either all changes land or none.
func (s *Store) SetProps(p string, set map[string]string, remove []string) error {
	p = SanitizePath(p)
	if _, err := s.GetCollection(p); err != nil {
		return err
	}
	doc, err := s.readProps(p)
	if err != nil {
		return err
	}
	for k, v := range set {
		doc.Props[k] = v
	}
	for _, k := range remove {
		delete(doc.Props, k)
	}
	return s.writeProps(p, doc)
}

// Etag hashes the ordered (name, etag) pairs of the collection's items
// together with the property document.
func (s *Store) Etag(p string) (string, error) {
	p = SanitizePath(p)
	refs, err := s.ListItems(p)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	h := sha256.New()
	for _, ref := range refs {
		fmt.Fprintf(h, "%s\x00%s\x00", ref.Name, ref.ETag)
	}
	if b, err := os.ReadFile(s.propsPath(p)); err == nil {
		h.Write(b)
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}

// dropCacheTree removes relocated cache state for a moved or deleted
// collection subtree.
func (s *Store) dropCacheTree(p string) {
	if s.cacheRoot == s.root {
		return
	}
	_ = os.RemoveAll(filepath.Join(s.cacheRoot, collectionRoot, filepath.FromSlash(p)))
}
