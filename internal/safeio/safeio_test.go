package safeio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSafeFSCreatesRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	fsys, err := NewSafeFS(dir)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	info, err := os.Stat(fsys.Root())
	if err != nil || !info.IsDir() {
		t.Fatalf("root not created: info=%v err=%v", info, err)
	}
}

func TestSafeFSRejectsTraversal(t *testing.T) {
	fsys, err := NewSafeFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	for _, rel := range []string{"../escape.json", "/etc/passwd", "", "."} {
		if _, err := fsys.Path(rel); err == nil {
			t.Fatalf("expected %q to be rejected", rel)
		}
	}
}

func TestSafeFSRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	fsys, err := NewSafeFS(root)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	if _, err := fsys.Path("link/config.json"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("symlink escape: got=%v want=%v", err, ErrOutsideRoot)
	}
}

func TestSafeFSCreateTempAndCommit(t *testing.T) {
	fsys, err := NewSafeFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	tmp, err := fsys.CreateTemp("nested/config.json")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := tmp.WriteString(`{"ok":true}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := fsys.Stat("nested/config.json"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("final name visible before commit: %v", err)
	}
	if err := fsys.Commit(tmp.Name(), "nested/config.json"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	raw, err := fsys.ReadFile("nested/config.json")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("content: got=%q", raw)
	}
}

func TestSafeFSRemoveStaleParts(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "model.safetensors.123.part"), []byte("half"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fsys, err := NewSafeFS(root)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	removed, err := fsys.RemoveStaleParts()
	if err != nil {
		t.Fatalf("RemoveStaleParts: %v", err)
	}
	if len(removed) != 1 || removed[0] != "model.safetensors.123.part" {
		t.Fatalf("removed: got=%v", removed)
	}
	if _, err := fsys.Stat("config.json"); err != nil {
		t.Fatalf("config.json should survive: %v", err)
	}
}
