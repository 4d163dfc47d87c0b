package multifilesystem

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/filedav/filedav/internal/storage"
)

const syncTokenPrefix = "http://radicale.org/ns/sync/"

// historyRecord is one JSONL line in the per-collection change log. An
// empty etag records a deletion.
type historyRecord struct {
	When time.Time `json:"when"`
	Name string    `json:"name"`
	ETag string    `json:"etag,omitempty"`
}

func (s *Store) appendHistory(p, name, etag string) {
	dir := s.cacheSubdir(p, "history")
	if err := os.MkdirAll(dir, s.dirMode); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "changes.jsonl"),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, s.fileMode)
	if err != nil {
		s.logger.Debug().Err(err).Str("collection", p).Msg("history append failed")
		return
	}
	defer f.Close()
	_ = json.NewEncoder(f).Encode(historyRecord{When: time.Now().UTC(), Name: name, ETag: etag})
}

// collectionState is the (name, etag) snapshot a sync token identifies.
func (s *Store) collectionState(p string) (map[string]string, error) {
	refs, err := s.ListItems(p)
	if err != nil {
		return nil, err
	}
	state := make(map[string]string, len(refs))
	for _, ref := range refs {
		state[ref.Name] = ref.ETag
	}
	return state, nil
}

// stateToken derives the token digest deterministically from the state, so
// an unchanged collection always yields the same token.
func stateToken(state map[string]string) string {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s\x00%s\x00", name, state[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) snapshotPath(p, digest string) string {
	return filepath.Join(s.cacheSubdir(p, "sync-token"), digest)
}

func (s *Store) SyncToken(p string) (string, error) {
	p = SanitizePath(p)
	state, err := s.collectionState(p)
	if err != nil {
		return "", err
	}
	digest := stateToken(state)
	if _, err := os.Stat(s.snapshotPath(p, digest)); err != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return "", err
		}
		if err := s.writeFileAtomic(s.snapshotPath(p, digest), b); err != nil {
			return "", err
		}
		s.pruneSnapshots(p, digest)
	}
	return syncTokenPrefix + digest, nil
}

func (s *Store) Changes(p, since string) (changed, removed []string, token string, err error) {
	p = SanitizePath(p)
	state, err := s.collectionState(p)
	if err != nil {
		return nil, nil, "", err
	}
	old := map[string]string{}
	if since != "" {
		digest, ok := strings.CutPrefix(since, syncTokenPrefix)
		if !ok || digest == "" || strings.ContainsAny(digest, "/\\.") {
			return nil, nil, "", storage.ErrSyncTokenUnknown
		}
		b, err := os.ReadFile(s.snapshotPath(p, digest))
		if err != nil {
			return nil, nil, "", storage.ErrSyncTokenUnknown
		}
		if err := json.Unmarshal(b, &old); err != nil {
			return nil, nil, "", storage.ErrSyncTokenUnknown
		}
	}
	for name, etag := range state {
		if old[name] != etag {
			changed = append(changed, name)
		}
	}
	for name := range old {
		if _, ok := state[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)
	token, err = s.SyncToken(p)
	if err != nil {
		return nil, nil, "", err
	}
	return changed, removed, token, nil
}

// pruneSnapshots drops snapshots older than max_sync_token_age, keeping the
// one just issued. Clients holding a pruned token get a fresh full sync.
func (s *Store) pruneSnapshots(p, keep string) {
	dir := s.cacheSubdir(p, "sync-token")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.MaxSyncTokenAge)
	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
}
