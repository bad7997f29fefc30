package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// tmpPrefix names in-progress writes. List skips them.
const tmpPrefix = ".tmp-"

// ErrInvalidKey is returned for a key that would resolve outside the root.
var ErrInvalidKey = errors.New("invalid backend key")

// Filesystem implements Backend on a directory tree. The directory may be a
// local disk or a mounted network share.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	f, err := OpenFilesystem(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return f, nil
}

// OpenFilesystem creates a filesystem backend without creating root. It suits
// a shared mount that may be missing at startup; writes create directories
// as needed once it is reachable.
func OpenFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// resolve maps a slash separated key to a path under root.
func (f *Filesystem) resolve(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel := filepath.FromSlash(key)
	if key != "" && !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, rel), nil
}

// Write replaces the content of key. The new content is written to a temp
// file in the same directory and renamed into place.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path, err := f.resolve(ctx, key)
	if err != nil {
		return err
	}
	return writeAtomic(path, r)
}

func writeAtomic(path string, r io.Reader) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Read opens the content of key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := f.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes key. A missing key is not an error.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	path, err := f.resolve(ctx, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists reports whether key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path, err := f.resolve(ctx, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking file: %w", err)
	}
}

// List returns every key under prefix, which names a directory or a single
// file. In-progress writes are skipped.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir, err := f.resolve(ctx, strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Backup copies the current content of key to key+BackupSuffix atomically.
func (f *Filesystem) Backup(ctx context.Context, key string) error {
	path, err := f.resolve(ctx, key)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("opening file for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := writeAtomic(path+BackupSuffix, src); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	return nil
}

// Compile-time interface checks
var (
	_ Backend       = (*Filesystem)(nil)
	_ BackupBackend = (*Filesystem)(nil)
)
