package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	dir := t.TempDir()
	sb, err := NewSandbox(dir)
	require.NoError(t, err)
	return sb, sb.Root()
}

func TestNewSandboxRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := NewSandbox(file)
	require.ErrorContains(t, err, "not a directory")

	_, err = NewSandbox(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestValidatePathInsideRoot(t *testing.T) {
	sb, root := newTestSandbox(t)

	got, err := sb.ValidatePath(filepath.Join(root, "01ABC.bin"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "01ABC.bin"), got)

	// The root itself resolves too.
	got, err = sb.ValidatePath(root)
	require.NoError(t, err)
	require.Equal(t, root, got)
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	sb, root := newTestSandbox(t)

	for _, p := range []string{
		filepath.Join(root, ".."),
		filepath.Join(root, "..", "escape.bin"),
		filepath.Join(root, "a", "..", "..", "escape.bin"),
		"/etc/passwd",
	} {
		_, err := sb.ValidatePath(p)
		require.ErrorIs(t, err, domain.ErrPathOutsideSandbox, "path %q", p)
	}
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	sb, root := newTestSandbox(t)
	outside := t.TempDir()

	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	_, err := sb.ValidatePath(filepath.Join(link, "payload.bin"))
	require.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
}

func TestValidatePathNotYetCreatedFile(t *testing.T) {
	sb, root := newTestSandbox(t)

	// New blob payloads don't exist at validation time; the parent
	// directory anchors the check.
	got, err := sb.ValidatePath(filepath.Join(root, "new.bin"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "new.bin"), got)

	_, err = sb.ValidatePath(filepath.Join(root, "missing-dir", "new.bin"))
	require.Error(t, err)
}
