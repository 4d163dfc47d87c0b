package multifilesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/filedav/filedav/internal/storage"
)

// SanitizePath normalizes a collection path for this backend.
func SanitizePath(p string) string { return storage.SanitizePath(p) }

// safePath verifies every segment is usable as a file name.
func safePath(p string) error {
	if p == "" {
		return nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, internalPrefix) {
			return fmt.Errorf("unsafe path segment %q", seg)
		}
	}
	return nil
}

func safeName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." ||
		strings.HasPrefix(name, ".") {
		return fmt.Errorf("unsafe item name %q", name)
	}
	return nil
}

// collectionDir maps a sanitized collection path to its directory.
func (s *Store) collectionDir(p string) string {
	return filepath.Join(s.root, collectionRoot, filepath.FromSlash(p))
}

func (s *Store) propsPath(p string) string {
	return filepath.Join(s.collectionDir(p), propsFile)
}

// cacheSubdir returns the cache directory of kind ("item", "history" or
// "sync-token") for a collection, honoring the relocation options.
func (s *Store) cacheSubdir(p, kind string) string {
	root := s.root
	relocate := false
	switch kind {
	case "item":
		relocate = s.cfg.CacheSubfolderItem
	case "history":
		relocate = s.cfg.CacheSubfolderHistory
	case "sync-token":
		relocate = s.cfg.CacheSubfolderSyncToken
	}
	if relocate && s.cacheRoot != s.root {
		root = s.cacheRoot
	}
	return filepath.Join(root, collectionRoot, filepath.FromSlash(p), cacheDir, kind)
}

func (s *Store) tmpName(dir string) string {
	return filepath.Join(dir, tmpPrefix+uuid.NewString())
}

// writeFileAtomic writes via a temporary file in the destination
// directory, fsyncs when configured, and renames over the target.
func (s *Store) writeFileAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, s.dirMode); err != nil {
		return err
	}
	tmp := s.tmpName(dir)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.fileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if s.cfg.FilesystemFsync {
		if err := f.Sync(); err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return s.syncDir(dir)
}

func (s *Store) syncDir(dir string) error {
	if !s.cfg.FilesystemFsync {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; not fatal.
	_ = d.Sync()
	return nil
}

// removeAtomic renames the target into tmp debris first so a crash leaves
// only recognizable leftovers.
func (s *Store) removeAtomic(target string) error {
	tmp := s.tmpName(filepath.Dir(target))
	if err := os.Rename(target, tmp); err != nil {
		if os.IsNotExist(err) {
			return err
		}
		// Rename can fail across devices for relocated caches.
		return os.RemoveAll(target)
	}
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	return s.syncDir(filepath.Dir(target))
}
