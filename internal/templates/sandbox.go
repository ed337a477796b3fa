package templates

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Sandbox confines file lookups (markup overrides, watermark images) to a
// single directory tree. Symlinks are followed and must stay inside it.
type Sandbox struct {
	root string
}

// NewSandbox canonicalises root, which must be an existing directory.
func NewSandbox(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

func (s *Sandbox) Root() string { return s.root }

// Resolve maps name to an absolute path inside the sandbox. Missing files
// still fail the containment check first so traversal attempts are reported
// as such.
func (s *Sandbox) Resolve(name string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	candidate := filepath.Clean(name)
	if candidate == "." || candidate == "" {
		return s.root, nil
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	evaluated, err := filepath.EvalSymlinks(candidate)
	switch {
	case err == nil:
		candidate = evaluated
	case errors.Is(err, os.ErrNotExist) && s.contains(candidate):
		return "", fmt.Errorf("templates: resolve %q: %w", name, err)
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("templates: resolve %q: %w", name, err)
	}
	if !s.contains(candidate) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", name)
	}
	return candidate, nil
}

// ReadFile resolves name and reads at most limit bytes of it.
func (s *Sandbox) ReadFile(name string, limit int64) ([]byte, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("templates: open %q: %w", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("templates: %q exceeds %d bytes", name, limit)
	}
	return data, nil
}

func (s *Sandbox) contains(candidate string) bool {
	root := s.root
	if runtime.GOOS == "windows" {
		root, candidate = strings.ToLower(root), strings.ToLower(candidate)
	}
	if root == candidate {
		return true
	}
	return strings.HasPrefix(candidate, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator))
}
