package safeio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrOutsideRoot is returned when a path resolves outside the bound root.
var ErrOutsideRoot = errors.New("safeio: path resolves outside root")

// SafeFS resolves relative artifact paths against a fixed root directory and
// refuses anything that would escape it.
type SafeFS struct {
	absRoot string // absolute root with symlinks resolved
}

// NewSafeFS locks all future operations to the given root directory.
// The root is created when it does not exist yet.
func NewSafeFS(root string) (*SafeFS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("safeio: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("safeio: create root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: root is not a directory")
	}
	return &SafeFS{absRoot: abs}, nil
}

// Root returns the absolute root directory bound to this SafeFS.
func (s *SafeFS) Root() string {
	if s == nil {
		return ""
	}
	return s.absRoot
}

// Path returns the absolute location of rel under the root. The target does
// not need to exist, but its parent chain must stay inside the root.
func (s *SafeFS) Path(rel string) (string, error) {
	return s.resolve(rel)
}

// Stat returns metadata for a file under the root.
func (s *SafeFS) Stat(rel string) (fs.FileInfo, error) {
	p, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// Open opens a regular file under the root for reading.
func (s *SafeFS) Open(rel string) (*os.File, error) {
	p, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.New("safeio: path is a directory")
	}
	return os.Open(p)
}

// ReadFile reads a regular file under the root.
func (s *SafeFS) ReadFile(rel string) ([]byte, error) {
	f, err := s.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// CreateTemp creates a temp file next to rel, named "<base>.*.part", so an
// interrupted write never occupies the final name.
func (s *SafeFS) CreateTemp(rel string) (*os.File, error) {
	p, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, filepath.Base(p)+".*.part")
}

// Commit atomically moves a temp file created by CreateTemp onto rel.
func (s *SafeFS) Commit(tmpPath, rel string) error {
	p, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if !hasPathPrefix(filepath.Clean(tmpPath), s.absRoot) {
		return ErrOutsideRoot
	}
	return os.Rename(tmpPath, p)
}

// Remove deletes a file under the root. Missing files are not an error.
func (s *SafeFS) Remove(rel string) error {
	p, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveStaleParts deletes "*.part" leftovers from interrupted writes and
// returns the relative names it removed.
func (s *SafeFS) RemoveStaleParts() ([]string, error) {
	if s == nil {
		return nil, errors.New("safeio: filesystem not configured")
	}
	var removed []string
	err := filepath.WalkDir(s.absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".part") {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		rel, relErr := filepath.Rel(s.absRoot, path)
		if relErr != nil {
			rel = d.Name()
		}
		removed = append(removed, filepath.ToSlash(rel))
		return nil
	})
	return removed, err
}

func (s *SafeFS) resolve(rel string) (string, error) {
	if s == nil {
		return "", errors.New("safeio: filesystem not configured")
	}
	if strings.TrimSpace(rel) == "" {
		return "", errors.New("safeio: empty path")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." {
		return "", errors.New("safeio: path names the root")
	}
	if filepath.IsAbs(clean) || (runtime.GOOS == "windows" && filepath.VolumeName(clean) != "") {
		return "", fmt.Errorf("safeio: absolute path not allowed: %s", rel)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("safeio: path traversal not allowed")
	}

	joined := filepath.Join(s.absRoot, clean)
	// The leaf may not exist yet; resolve the deepest existing ancestor so a
	// symlinked directory cannot redirect writes outside the root.
	existing := joined
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	if !hasPathPrefix(resolved, s.absRoot) {
		return "", fmt.Errorf("%w (root=%s, path=%s)", ErrOutsideRoot, s.absRoot, resolved)
	}
	suffix, err := filepath.Rel(existing, joined)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, suffix), nil
}

func hasPathPrefix(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if len(root) == 0 {
		return true
	}
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	if !strings.HasSuffix(path, sep) {
		path += sep
	}
	return strings.HasPrefix(path, root)
}
