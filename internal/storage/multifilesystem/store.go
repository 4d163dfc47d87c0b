// Package multifilesystem implements storage on a POSIX filesystem: one
// file per item, JSON property files, a relocatable cache tree, snapshot
// based sync tokens and a process-wide advisory lock.
package multifilesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/filedav/filedav/internal/config"
)

const (
	internalPrefix = ".Radicale."
	propsFile      = internalPrefix + "props"
	cacheDir       = internalPrefix + "cache"
	lockFile       = internalPrefix + "lock"
	tmpPrefix      = internalPrefix + "tmp-"
	collectionRoot = "collection-root"
)

type Store struct {
	cfg    config.StorageConfig
	logger zerolog.Logger

	root      string // <filesystem_folder>
	cacheRoot string // <filesystem_cache_folder> or root

	mu      sync.RWMutex
	flkMu   sync.Mutex
	flk     *flock.Flock
	readers int
	hooks   *hookRunner

	dirMode  os.FileMode
	fileMode os.FileMode
}

func New(cfg config.StorageConfig, logger zerolog.Logger) (*Store, error) {
	if cfg.FilesystemFolder == "" {
		return nil, fmt.Errorf("storage: filesystem_folder required")
	}
	s := &Store{
		cfg:       cfg,
		logger:    logger,
		root:      cfg.FilesystemFolder,
		cacheRoot: cfg.FilesystemFolder,
		dirMode:   0o777 &^ cfg.FolderUmask,
		fileMode:  0o666 &^ cfg.FolderUmask,
	}
	if cfg.FilesystemCacheFolder != "" {
		s.cacheRoot = cfg.FilesystemCacheFolder
	}
	if err := os.MkdirAll(filepath.Join(s.root, collectionRoot), s.dirMode); err != nil {
		return nil, err
	}
	s.flk = flock.New(filepath.Join(s.root, lockFile))
	s.hooks = newHookRunner(cfg.Hook, s.root, logger)
	s.probeMtimeGranularity()
	s.removeDebris()
	return s, nil
}

func (s *Store) Close() {
	s.hooks.killAll()
}

// Lock takes the in-process rwlock plus the interprocess flock on
// .Radicale.lock. Release order is the reverse of acquisition. Readers
// share one flock handle, so it is taken by the first concurrent reader
// and released only when the last one finishes.
func (s *Store) Lock(exclusive bool) (func(), error) {
	if exclusive {
		s.mu.Lock()
		if err := s.flk.Lock(); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("storage lock: %w", err)
		}
		return func() {
			_ = s.flk.Unlock()
			s.mu.Unlock()
		}, nil
	}
	s.mu.RLock()
	s.flkMu.Lock()
	if s.readers == 0 {
		if err := s.flk.RLock(); err != nil {
			s.flkMu.Unlock()
			s.mu.RUnlock()
			return nil, fmt.Errorf("storage lock: %w", err)
		}
	}
	s.readers++
	s.flkMu.Unlock()
	return func() {
		s.flkMu.Lock()
		s.readers--
		if s.readers == 0 {
			_ = s.flk.Unlock()
		}
		s.flkMu.Unlock()
		s.mu.RUnlock()
	}, nil
}

// probeMtimeGranularity warns when the filesystem cannot give the
// sub-microsecond mtimes the (mtime, size) cache key relies on.
func (s *Store) probeMtimeGranularity() {
	if !s.cfg.UseMtimeAndSize {
		return
	}
	// A single sample can land on a millisecond boundary by chance; warn
	// only when every sample does.
	const samples = 5
	coarse := 0
	for i := 0; i < samples; i++ {
		probe, err := os.CreateTemp(s.root, tmpPrefix)
		if err != nil {
			return
		}
		fi, err := probe.Stat()
		probe.Close()
		_ = os.Remove(probe.Name())
		if err != nil {
			return
		}
		if fi.ModTime().Nanosecond()%int(time.Millisecond) == 0 {
			coarse++
		}
	}
	if coarse == samples {
		s.logger.Warn().Msg("filesystem mtime granularity is coarser than microseconds; item cache may return stale entries")
	}
}

// removeDebris clears tmp files left over by a crash.
func (s *Store) removeDebris() {
	for _, root := range []string{s.root, s.cacheRoot} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), tmpPrefix) {
				p := filepath.Join(root, e.Name())
				if err := os.RemoveAll(p); err == nil {
					s.logger.Info().Str("path", p).Msg("removed stale temporary file")
				}
			}
		}
	}
}
