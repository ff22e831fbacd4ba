package security

import (
	"fmt"
	"os"
	"path/filepath"

	"quackrelay/internal/domain"
)

// Sandbox confines blob-store file operations to one directory tree.
// Blob IDs are server-minted ULIDs, but they round-trip through message
// payloads and API paths, so the store never touches disk with a path
// the sandbox has not resolved.
type Sandbox struct {
	root string // absolute, symlink-resolved
}

// NewSandbox roots a sandbox at dir, which must exist.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root symlinks: %w", err)
	}
	if info, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("sandbox: stat root: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("sandbox: root %q is not a directory", root)
	}
	return &Sandbox{root: root}, nil
}

// Root returns the resolved sandbox root.
func (s *Sandbox) Root() string { return s.root }

// ValidatePath resolves requested (following symlinks; for a
// not-yet-created file, the parent's symlinks) and returns the resolved
// path if it stays inside the root.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	outside := func(detail string) (string, error) {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, detail)
	}

	abs, err := filepath.Abs(requested)
	if err != nil {
		return outside(err.Error())
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Not created yet: resolve the parent so a symlinked directory
		// cannot smuggle the new file out of the tree.
		parent, err2 := filepath.EvalSymlinks(filepath.Dir(abs))
		if err2 != nil {
			return outside(err2.Error())
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil || (rel != "." && !filepath.IsLocal(rel)) {
		return outside(fmt.Sprintf("%q resolves outside %q", requested, s.root))
	}
	return resolved, nil
}
