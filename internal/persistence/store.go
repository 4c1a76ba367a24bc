package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Store saves cities to a database, a snapshot directory, or both. Either
// may be left unset. Saves are serialized.
type Store struct {
	DB   *DB
	Dir  string
	Keep int // Snapshot files to retain; 0 keeps all

	mu sync.Mutex
}

// Enabled reports whether the store has anywhere to save.
func (s *Store) Enabled() bool {
	return s != nil && (s.DB != nil || s.Dir != "")
}

// Save writes snap to every configured destination. It returns the snapshot
// file path, if one was written.
func (s *Store) Save(snap *Snapshot) (string, error) {
	if !s.Enabled() {
		return "", errors.New("no persistence configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.DB != nil {
		if err := s.DB.SaveSnapshot(snap); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	var path string
	if s.Dir != "" {
		path = SnapshotPath(s.Dir, snap.Header.Tick)
		if err := WriteSnapshot(path, snap); err != nil {
			errs = append(errs, fmt.Errorf("snapshot file: %w", err))
			path = ""
		} else if s.Keep > 0 {
			s.prune()
		}
	}
	return path, errors.Join(errs...)
}

// Load returns the most recent saved city across both destinations, or
// ErrNoCity.
func (s *Store) Load() (*Snapshot, error) {
	var best *Snapshot
	if s.Dir != "" {
		path, err := Latest(s.Dir)
		if err != nil {
			return nil, err
		}
		if path != "" {
			if best, err = ReadSnapshot(path); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			slog.Debug("found snapshot file", "path", path, "tick", best.Header.Tick)
		}
	}
	if s.DB != nil {
		snap, err := s.DB.LoadSnapshot()
		switch {
		case errors.Is(err, ErrNoCity):
		case err != nil:
			return nil, err
		case best == nil || snap.Header.Tick > best.Header.Tick:
			best = snap
		}
	}
	if best == nil {
		return nil, ErrNoCity
	}
	return best, nil
}

// prune removes all but the newest Keep snapshot files.
func (s *Store) prune() {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.Keep {
		return
	}
	slices.Sort(names)
	for _, name := range names[:len(names)-s.Keep] {
		if err := os.Remove(filepath.Join(s.Dir, name)); err != nil {
			slog.Warn("removing old snapshot", "file", name, "err", err)
		}
	}
}
