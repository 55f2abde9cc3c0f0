// Package files reads source content and writes translated content. Files
// live under <root>/<sender>/<locale>/<type>/<relative path>.
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CalmProton/auto-i18n/pkg/models"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidPath = errors.New("invalid file path")
)

// Source lists and reads the files a batch translates.
type Source interface {
	List(ctx context.Context, senderID, locale string, t models.ContentType) ([]string, error)
	Read(ctx context.Context, senderID, locale string, t models.ContentType, relPath string) ([]byte, error)
}

// Sink receives translated content.
type Sink interface {
	Write(ctx context.Context, senderID, locale string, t models.ContentType, relPath string, content []byte) error
}

// FS implements Source and Sink on the local filesystem.
type FS struct {
	root string
}

func NewFS(root string) *FS {
	return &FS{root: root}
}

// List returns slash-separated paths relative to the type directory, sorted.
// A missing directory lists as empty.
func (f *FS) List(ctx context.Context, senderID, locale string, t models.ContentType) ([]string, error) {
	dir, err := f.dir(senderID, locale, t)
	if err != nil {
		return nil, err
	}

	var out []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s/%s/%s: %w", senderID, locale, t, err)
	}
	sort.Strings(out)
	return out, nil
}

func (f *FS) Read(_ context.Context, senderID, locale string, t models.ContentType, relPath string) ([]byte, error) {
	p, err := f.file(senderID, locale, t, relPath)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", relPath, err)
	}
	return b, nil
}

// Write replaces the file atomically through a temp file and rename.
func (f *FS) Write(_ context.Context, senderID, locale string, t models.ContentType, relPath string, content []byte) error {
	p, err := f.file(senderID, locale, t, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}
	return nil
}

func (f *FS) dir(senderID, locale string, t models.ContentType) (string, error) {
	for _, seg := range []string{senderID, locale, string(t)} {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
			return "", fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
		}
	}
	return filepath.Join(f.root, senderID, locale, string(t)), nil
}

func (f *FS) file(senderID, locale string, t models.ContentType, relPath string) (string, error) {
	dir, err := f.dir(senderID, locale, t)
	if err != nil {
		return "", err
	}
	clean := path.Clean("/" + filepath.ToSlash(relPath))
	if clean == "/" || relPath == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

var (
	_ Source = (*FS)(nil)
	_ Sink   = (*FS)(nil)
)
