package templates

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSandboxValidatesRoot(t *testing.T) {
	sb, err := NewSandbox("")
	require.Error(t, err)
	require.Nil(t, sb)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = NewSandbox(file)
	require.ErrorContains(t, err, "not a directory")

	dir := t.TempDir()
	sb, err = NewSandbox(dir)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, want, sb.Root())
}

func TestSandboxResolve(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "watermarks")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	target := filepath.Join(nested, "logo.png")
	require.NoError(t, os.WriteFile(target, []byte("png"), 0o600))

	sb, err := NewSandbox(nested)
	require.NoError(t, err)
	target = filepath.Join(sb.Root(), "logo.png")

	resolved, err := sb.Resolve("logo.png")
	require.NoError(t, err)
	require.Equal(t, target, resolved)

	resolved, err = sb.Resolve("./sub/../logo.png")
	require.NoError(t, err)
	require.Equal(t, target, resolved)

	_, err = sb.Resolve("../outside.png")
	require.ErrorContains(t, err, "escapes")

	_, err = sb.Resolve("missing.png")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSandboxResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require admin on Windows CI")
	}
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.png")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link.png")))

	sb, err := NewSandbox(root)
	require.NoError(t, err)

	_, err = sb.Resolve("link.png")
	require.ErrorContains(t, err, "escapes")
	_, err = sb.ReadFile("link.png", 1024)
	require.ErrorContains(t, err, "escapes")
}

func TestSandboxReadFileLimit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "mark.png"), []byte("0123456789"), 0o600))

	sb, err := NewSandbox(root)
	require.NoError(t, err)

	data, err := sb.ReadFile("mark.png", 10)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))

	_, err = sb.ReadFile("mark.png", 5)
	require.ErrorContains(t, err, "exceeds")
}
