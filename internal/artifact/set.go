package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"xrayscope/internal/safeio"
)

var (
	ErrEmptyArtifact    = errors.New("artifact is empty")
	ErrSizeMismatch     = errors.New("artifact size mismatch")
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")
)

// Status is the result of checking one spec against the local directory.
type Status struct {
	Spec    Spec
	Present bool
	// Absent means no file exists at all, as opposed to a file that fails
	// its checks and must be discarded.
	Absent bool
	Size   int64
	// Reason explains why Present is false.
	Reason string
}

// Set is a local directory that must contain every spec's file.
type Set struct {
	fsys       *safeio.SafeFS
	specs      []Spec
	lock       *Lockfile
	verifyHash bool
}

type Option func(*Set)

// WithHashVerification re-hashes present files against their pinned or
// recorded checksum on every check.
func WithHashVerification(enabled bool) Option {
	return func(s *Set) { s.verifyHash = enabled }
}

// NewSet binds specs to dir, creating dir if absent.
func NewSet(dir string, specs []Spec, opts ...Option) (*Set, error) {
	if err := ValidateSpecs(specs); err != nil {
		return nil, err
	}
	fsys, err := safeio.NewSafeFS(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	lockPath, err := fsys.Path(LockFilename)
	if err != nil {
		return nil, err
	}
	lock, err := openLockfile(lockPath)
	if err != nil {
		return nil, fmt.Errorf("open lockfile: %w", err)
	}
	s := &Set{
		fsys:  fsys,
		specs: append([]Spec(nil), specs...),
		lock:  lock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir is the absolute artifact directory.
func (s *Set) Dir() string { return s.fsys.Root() }

// Specs returns a copy of the spec list in provisioning order.
func (s *Set) Specs() []Spec { return append([]Spec(nil), s.specs...) }

// Path returns the absolute path of spec's local file.
func (s *Set) Path(spec Spec) (string, error) { return s.fsys.Path(spec.LocalFilename) }

// Check reports whether spec's file is present and intact.
func (s *Set) Check(spec Spec) Status {
	st := Status{Spec: spec}
	info, err := s.fsys.Stat(spec.LocalFilename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			st.Absent = true
			st.Reason = "absent"
		} else {
			st.Reason = err.Error()
		}
		return st
	}
	if !info.Mode().IsRegular() {
		st.Reason = "not a regular file"
		return st
	}
	st.Size = info.Size()
	if st.Size == 0 {
		st.Reason = ErrEmptyArtifact.Error()
		return st
	}
	if spec.Size > 0 && st.Size != spec.Size {
		st.Reason = fmt.Sprintf("%v: have %d bytes, want %d", ErrSizeMismatch, st.Size, spec.Size)
		return st
	}
	entry, locked := s.lock.Get(spec.Name)
	if locked && entry.Size > 0 && entry.Size != st.Size {
		st.Reason = fmt.Sprintf("%v: have %d bytes, lockfile recorded %d", ErrSizeMismatch, st.Size, entry.Size)
		return st
	}
	if s.verifyHash {
		want := strings.ToLower(strings.TrimSpace(spec.SHA256))
		if want == "" && locked {
			want = entry.SHA256
		}
		if want != "" {
			got, err := s.hashFile(spec)
			if err != nil {
				st.Reason = err.Error()
				return st
			}
			if got != want {
				st.Reason = ErrChecksumMismatch.Error()
				return st
			}
		}
	}
	st.Present = true
	return st
}

// Statuses checks every spec in order.
func (s *Set) Statuses() []Status {
	out := make([]Status, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, s.Check(spec))
	}
	return out
}

// Missing returns the specs whose files are absent or fail their checks.
func (s *Set) Missing() []Spec {
	var out []Spec
	for _, st := range s.Statuses() {
		if !st.Present {
			out = append(out, st.Spec)
		}
	}
	return out
}

// Ready reports whether every spec is present and intact.
func (s *Set) Ready() bool { return len(s.Missing()) == 0 }

// Install streams one artifact into a temp file, verifies it against the
// spec's pins, moves it into place and records it in the lockfile. A failed
// install leaves no file under the final name.
func (s *Set) Install(spec Spec, source string, write func(w io.Writer) (int64, error)) error {
	tmp, err := s.fsys.CreateTemp(spec.LocalFilename)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", spec.Name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	hasher := sha256.New()
	n, err := write(io.MultiWriter(tmp, hasher))
	if err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", spec.Name, ErrEmptyArtifact)
	}
	if spec.Size > 0 && n != spec.Size {
		return fmt.Errorf("%s: %w: got %d bytes, want %d", spec.Name, ErrSizeMismatch, n, spec.Size)
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if want := strings.ToLower(strings.TrimSpace(spec.SHA256)); want != "" && want != sum {
		return fmt.Errorf("%s: %w", spec.Name, ErrChecksumMismatch)
	}
	if err := s.fsys.Commit(tmp.Name(), spec.LocalFilename); err != nil {
		return fmt.Errorf("commit %s: %w", spec.Name, err)
	}
	committed = true
	return s.lock.Put(spec.Name, LockEntry{
		Size:      n,
		SHA256:    sum,
		Source:    source,
		FetchedAt: time.Now().UTC(),
	})
}

// Discard removes a present-but-invalid file and its lock entry so the next
// pass fetches it again.
func (s *Set) Discard(spec Spec) error {
	if err := s.fsys.Remove(spec.LocalFilename); err != nil {
		return err
	}
	return s.lock.Delete(spec.Name)
}

// CleanStaleParts removes temp files left by interrupted installs.
func (s *Set) CleanStaleParts() ([]string, error) { return s.fsys.RemoveStaleParts() }

// Lock exposes the lock entry recorded for name.
func (s *Set) Lock(name string) (LockEntry, bool) { return s.lock.Get(name) }

func (s *Set) hashFile(spec Spec) (string, error) {
	f, err := s.fsys.Open(spec.LocalFilename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
