package multifilesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/storage"
)

func (s *Store) ListItems(p string) ([]storage.ItemRef, error) {
	p = SanitizePath(p)
	col, err := s.GetCollection(p)
	if err != nil {
		return nil, err
	}
	if !col.Leaf() {
		return nil, nil
	}
	entries, err := os.ReadDir(s.collectionDir(p))
	if err != nil {
		return nil, err
	}
	refs := make([]storage.ItemRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ref, err := s.itemRef(p, e.Name())
		if err != nil {
			s.logger.Warn().Err(err).Str("collection", p).Str("item", e.Name()).
				Msg("skipping unreadable item")
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (s *Store) GetItem(p, name string) (*item.Item, error) {
	p = SanitizePath(p)
	if err := safeName(name); err != nil {
		return nil, storage.ErrNotFound
	}
	file := filepath.Join(s.collectionDir(p), name)
	fi, err := os.Stat(file)
	if err != nil || fi.IsDir() {
		return nil, storage.ErrNotFound
	}
	payload, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	it, err := item.Parse(payload)
	if err != nil {
		return nil, err
	}
	it.Name = name
	it.LastModified = fi.ModTime()
	// The stored form is canonical, so the on-disk bytes are the etag input.
	it.Payload = payload
	it.ETag = item.Etag(payload)
	return it, nil
}

func (s *Store) PutItem(p string, it *item.Item) error {
	p = SanitizePath(p)
	if err := safeName(it.Name); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	col, err := s.GetCollection(p)
	if err != nil {
		return err
	}
	if !col.Leaf() {
		return fmt.Errorf("%w: not a calendar or address book", storage.ErrConflict)
	}
	if it.Kind.Tag() != col.Tag {
		return fmt.Errorf("%w: %s item in %s collection", storage.ErrConflict, it.Kind, col.Tag)
	}
	file := filepath.Join(s.collectionDir(p), it.Name)
	if err := s.writeFileAtomic(file, it.Payload); err != nil {
		return err
	}
	fi, err := os.Stat(file)
	if err != nil {
		return err
	}
	s.writeCacheEntry(p, it.Name, &cacheEntry{
		Key:  s.cacheKey(fi, it.Payload),
		UID:  it.UID,
		Kind: string(it.Kind),
		ETag: it.ETag,
	})
	s.appendHistory(p, it.Name, it.ETag)
	return nil
}

func (s *Store) DeleteItem(p, name string) error {
	p = SanitizePath(p)
	if err := safeName(name); err != nil {
		return storage.ErrNotFound
	}
	file := filepath.Join(s.collectionDir(p), name)
	if _, err := os.Stat(file); err != nil {
		return storage.ErrNotFound
	}
	if err := os.Remove(file); err != nil {
		return err
	}
	s.dropCacheEntry(p, name)
	s.appendHistory(p, name, "")
	return s.syncDir(s.collectionDir(p))
}

func (s *Store) MoveItem(srcPath, srcName, dstPath, dstName string, overwrite bool) error {
	srcPath, dstPath = SanitizePath(srcPath), SanitizePath(dstPath)
	if err := safeName(srcName); err != nil {
		return storage.ErrNotFound
	}
	if err := safeName(dstName); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	srcCol, err := s.GetCollection(srcPath)
	if err != nil {
		return err
	}
	dstCol, err := s.GetCollection(dstPath)
	if err != nil {
		return fmt.Errorf("%w: destination collection missing", storage.ErrConflict)
	}
	if srcCol.Tag != dstCol.Tag {
		return fmt.Errorf("%w: collection tags differ", storage.ErrConflict)
	}
	src := filepath.Join(s.collectionDir(srcPath), srcName)
	dst := filepath.Join(s.collectionDir(dstPath), dstName)
	if _, err := os.Stat(src); err != nil {
		return storage.ErrNotFound
	}
	if _, err := os.Stat(dst); err == nil && !overwrite {
		return fmt.Errorf("%w: destination exists", storage.ErrPrecondition)
	}
	ref, err := s.itemRef(srcPath, srcName)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	s.dropCacheEntry(srcPath, srcName)
	if fi, err := os.Stat(dst); err == nil {
		key := ""
		if s.cfg.UseMtimeAndSize {
			key = fmt.Sprintf("%d:%d", fi.ModTime().UnixNano(), fi.Size())
		} else if payload, err := os.ReadFile(dst); err == nil {
			key = item.SyntheticUID(payload)
		}
		if key != "" {
			s.writeCacheEntry(dstPath, dstName, &cacheEntry{
				Key: key, UID: ref.UID, Kind: string(ref.Kind), ETag: ref.ETag,
			})
		}
	}
	s.appendHistory(srcPath, srcName, "")
	s.appendHistory(dstPath, dstName, ref.ETag)
	if err := s.syncDir(s.collectionDir(srcPath)); err != nil {
		return err
	}
	return s.syncDir(s.collectionDir(dstPath))
}
