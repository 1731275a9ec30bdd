package files

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, root, rel string) string {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(full, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return full
}

func TestRemoveAllDeletesFiles(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "t1/a.txt")
	b := writeFile(t, root, "t2/b.txt")

	r := NewDiskRemover(root)
	if err := r.RemoveAll(context.Background(), []string{"t1/a.txt", "t2/b.txt", "t3/missing.txt"}); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	for _, p := range []string{a, b} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s still exists (err=%v)", p, err)
		}
	}
}

func TestRemoveAllRejectsEscapes(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "attachments")
	outside := writeFile(t, parent, "secret.txt")
	inside := writeFile(t, root, "ok.txt")

	r := NewDiskRemover(root)
	err := r.RemoveAll(context.Background(), []string{"../secret.txt", "ok.txt"})
	if !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("RemoveAll() error = %v, want ErrOutsideRoot", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside root was touched: %v", err)
	}
	if _, err := os.Stat(inside); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("valid path should still be removed, stat err = %v", err)
	}
}

func TestResolveRejectsAbsoluteAndEmpty(t *testing.T) {
	r := NewDiskRemover(t.TempDir())
	for _, p := range []string{"", "/etc/passwd", "a/../../b"} {
		if _, err := r.Resolve(p); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("Resolve(%q) error = %v, want ErrOutsideRoot", p, err)
		}
	}
}

func TestRemoveAllWithoutRootIsNoop(t *testing.T) {
	var r *DiskRemover
	if err := r.RemoveAll(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("nil remover error = %v", err)
	}
	if err := (&DiskRemover{}).RemoveAll(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("empty root error = %v", err)
	}
}
