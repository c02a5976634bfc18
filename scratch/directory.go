package scratch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-pairing/core"
)

const defaultDirPerm os.FileMode = 0o700

var (
	ErrOutsideRoot = errors.New("scratch: path resolves outside root")
	ErrInvalidName = errors.New("scratch: invalid session directory name")
)

// Root owns the base directory every session directory is created under.
// All deletes through a Root are confined to it.
type Root struct {
	path string
	perm os.FileMode
}

func NewRoot(path string) (*Root, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, core.NewDirectoryError("scratch root is required", nil)
	}
	if err := os.MkdirAll(path, defaultDirPerm); err != nil {
		return nil, core.NewDirectoryError("create scratch root", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, core.NewDirectoryError("resolve scratch root", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, core.NewDirectoryError("resolve scratch root", err)
	}
	return &Root{path: resolved, perm: defaultDirPerm}, nil
}

func (r *Root) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *Root) Create(sessionID string) (core.SessionDirectory, error) {
	if r == nil {
		return nil, core.NewDirectoryError("scratch root is not configured", nil)
	}
	if err := validateName(sessionID); err != nil {
		return nil, core.NewDirectoryError("create session directory", err)
	}
	target := filepath.Join(r.path, sessionID)
	if !within(r.path, target) {
		return nil, core.NewDirectoryError("create session directory", ErrOutsideRoot)
	}
	if err := os.MkdirAll(target, r.perm); err != nil {
		return nil, core.NewDirectoryError("create session directory", err)
	}
	return &Directory{root: r, path: target}, nil
}

// Remove deletes path recursively. A path that is already gone is not an
// error. Paths resolving outside the root, or the root itself, are refused.
func (r *Root) Remove(path string) error {
	if r == nil {
		return core.NewDirectoryError("scratch root is not configured", nil)
	}
	return RemovePath(path, r.path)
}

// RemovePath deletes target recursively. When base is non-empty the target
// must resolve strictly inside base after cleaning and symlink evaluation.
func RemovePath(target string, base string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return core.NewDirectoryError("remove session directory", ErrInvalidName)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return core.NewDirectoryError("resolve session directory", err)
	}

	if base != "" {
		baseAbs, err := resolveBase(base)
		if err != nil {
			return core.NewDirectoryError("resolve scratch root", err)
		}
		resolved, err := resolveExisting(abs)
		if err != nil {
			return core.NewDirectoryError("resolve session directory", err)
		}
		if !within(baseAbs, resolved) {
			return core.NewDirectoryError("remove session directory", fmt.Errorf("%w: %s", ErrOutsideRoot, target))
		}
	}

	if err := os.RemoveAll(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return core.NewDirectoryError("remove session directory", err)
	}
	return nil
}

type SweepOptions struct {
	OlderThan time.Duration
	Prefix    string
	Now       time.Time
}

// Sweep removes session directories left behind by a crashed process.
func (r *Root) Sweep(ctx context.Context, options SweepOptions) ([]string, error) {
	if r == nil {
		return nil, core.NewDirectoryError("scratch root is not configured", nil)
	}
	entries, err := os.ReadDir(r.path)
	if err != nil {
		return nil, core.NewDirectoryError("list scratch root", err)
	}
	now := options.Now
	if now.IsZero() {
		now = time.Now()
	}

	removed := make([]string, 0)
	var errs []error
	for _, entry := range entries {
		if ctx != nil && ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !entry.IsDir() {
			continue
		}
		if options.Prefix != "" && !strings.HasPrefix(entry.Name(), options.Prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if now.Sub(info.ModTime()) < options.OlderThan {
			continue
		}
		path := filepath.Join(r.path, entry.Name())
		if err := r.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}

type Directory struct {
	root *Root
	path string

	mu      sync.Mutex
	deleted bool
}

func (d *Directory) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

func (d *Directory) Delete() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.root.Remove(d.path); err != nil {
		return err
	}
	d.deleted = true
	return nil
}

func (d *Directory) Deleted() bool {
	if d == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "",
		name == ".",
		name == "..",
		strings.ContainsAny(name, `/\`),
		strings.ContainsRune(name, 0),
		filepath.Base(name) != name:
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func resolveBase(base string) (string, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	return resolveExisting(abs)
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-attaches the missing tail.
func resolveExisting(path string) (string, error) {
	path = filepath.Clean(path)
	var tail []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
	}
}

func within(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var (
	_ core.DirectoryProvider = (*Root)(nil)
	_ core.SessionDirectory  = (*Directory)(nil)
)
