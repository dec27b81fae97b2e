package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LockFilename is stored next to the artifacts it describes.
const LockFilename = "artifacts.lock.json"

// LockEntry records what an artifact looked like right after it was fetched.
type LockEntry struct {
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	Source    string    `json:"source,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

type lockIndex struct {
	Entries map[string]LockEntry `json:"entries"`
}

// Lockfile is a small JSON index persisted with write-to-temp + rename.
type Lockfile struct {
	mu      sync.Mutex
	path    string
	entries map[string]LockEntry
}

func openLockfile(path string) (*Lockfile, error) {
	l := &Lockfile{path: path, entries: map[string]LockEntry{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, err
	}
	var idx lockIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		// An unreadable lockfile only loses the trust-on-first-fetch record;
		// artifacts are then judged by their spec pins alone.
		return l, nil
	}
	if idx.Entries != nil {
		l.entries = idx.Entries
	}
	return l, nil
}

func (l *Lockfile) Get(name string) (LockEntry, bool) {
	if l == nil {
		return LockEntry{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[name]
	return e, ok
}

func (l *Lockfile) Put(name string, e LockEntry) error {
	if l == nil {
		return fmt.Errorf("lockfile is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[name] = e
	return l.persistLocked()
}

func (l *Lockfile) Delete(name string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[name]; !ok {
		return nil
	}
	delete(l.entries, name)
	return l.persistLocked()
}

func (l *Lockfile) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(lockIndex{Entries: l.entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
