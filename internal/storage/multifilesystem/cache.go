package multifilesystem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/storage"
)

// cacheEntry is the serialized per-item cache record. Key identifies the
// payload the entry was computed from: a sha256 hex digest, or the faster
// "<mtime_ns>:<size>" form when use_mtime_and_size_for_item_cache is on.
type cacheEntry struct {
	Key  string `json:"key"`
	UID  string `json:"uid"`
	Kind string `json:"kind"`
	ETag string `json:"etag"`
}

func (s *Store) cacheKey(fi os.FileInfo, payload []byte) string {
	if s.cfg.UseMtimeAndSize {
		return fmt.Sprintf("%d:%d", fi.ModTime().UnixNano(), fi.Size())
	}
	return item.SyntheticUID(payload)
}

func (s *Store) cacheEntryPath(p, name string) string {
	return filepath.Join(s.cacheSubdir(p, "item"), name)
}

func (s *Store) readCacheEntry(p, name string) (*cacheEntry, bool) {
	b, err := os.ReadFile(s.cacheEntryPath(p, name))
	if err != nil {
		return nil, false
	}
	var e cacheEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false
	}
	return &e, true
}

func (s *Store) writeCacheEntry(p, name string, e *cacheEntry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	// Cache writes are recoverable, failures only cost a reparse.
	if err := s.writeFileAtomic(s.cacheEntryPath(p, name), b); err != nil {
		s.logger.Debug().Err(err).Str("item", name).Msg("item cache write failed")
	}
}

func (s *Store) dropCacheEntry(p, name string) {
	_ = os.Remove(s.cacheEntryPath(p, name))
}

// itemRef resolves the cached identity of one item file, rebuilding the
// cache entry transparently when the key no longer matches the file.
func (s *Store) itemRef(p, name string) (storage.ItemRef, error) {
	file := filepath.Join(s.collectionDir(p), name)
	fi, err := os.Stat(file)
	if err != nil {
		return storage.ItemRef{}, storage.ErrNotFound
	}
	if e, ok := s.readCacheEntry(p, name); ok {
		if s.cfg.UseMtimeAndSize {
			if e.Key == fmt.Sprintf("%d:%d", fi.ModTime().UnixNano(), fi.Size()) {
				return storage.ItemRef{Name: name, UID: e.UID, Kind: item.Kind(e.Kind), ETag: e.ETag}, nil
			}
		} else if payload, err := os.ReadFile(file); err == nil {
			if e.Key == item.SyntheticUID(payload) {
				return storage.ItemRef{Name: name, UID: e.UID, Kind: item.Kind(e.Kind), ETag: e.ETag}, nil
			}
		}
	}
	payload, err := os.ReadFile(file)
	if err != nil {
		return storage.ItemRef{}, err
	}
	it, err := item.Parse(payload)
	if err != nil {
		return storage.ItemRef{}, fmt.Errorf("item %s/%s: %w", p, name, err)
	}
	etag := item.Etag(payload)
	s.writeCacheEntry(p, name, &cacheEntry{
		Key:  s.cacheKey(fi, payload),
		UID:  it.UID,
		Kind: string(it.Kind),
		ETag: etag,
	})
	s.logger.Debug().Str("item", p+"/"+name).Msg("rebuilt item cache entry")
	return storage.ItemRef{Name: name, UID: it.UID, Kind: it.Kind, ETag: etag}, nil
}
