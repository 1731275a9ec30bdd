package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

const defaultParallelism = 8

var ErrOutsideRoot = errors.New("path escapes attachment root")

// DiskRemover deletes stored attachment files below Root.
type DiskRemover struct {
	Root        string
	Parallelism int
}

func NewDiskRemover(root string) *DiskRemover {
	return &DiskRemover{Root: root, Parallelism: defaultParallelism}
}

// Resolve maps a stored path to an absolute file path under Root.
func (d *DiskRemover) Resolve(storagePath string) (string, error) {
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(storagePath)))
	if clean == "." || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, storagePath)
	}
	full := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, storagePath)
	}
	return full, nil
}

// RemoveAll deletes every path. Missing files are ignored; the first other
// failure is returned after all deletions have been attempted.
func (d *DiskRemover) RemoveAll(ctx context.Context, paths []string) error {
	if d == nil || d.Root == "" || len(paths) == 0 {
		return nil
	}
	limit := d.Parallelism
	if limit <= 0 {
		limit = defaultParallelism
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			full, err := d.Resolve(p)
			if err != nil {
				return err
			}
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", p, err)
			}
			return nil
		})
	}
	return g.Wait()
}
