package buildconf

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragment(t *testing.T) {
	f := NewFragment().
		Inherit("testexport").
		Set("TEST_SERVER_IP", "192.168.7.1").
		Append("CORE_IMAGE_EXTRA_INSTALL", "postinst-at-rootfs ").
		AppendOverride("DISTRO_FEATURES", " systemd")

	want := `INHERIT += "testexport"
TEST_SERVER_IP = "192.168.7.1"
CORE_IMAGE_EXTRA_INSTALL += "postinst-at-rootfs "
DISTRO_FEATURES_append = " systemd"
`
	assert.Equal(t, want, f.String())
	assert.Equal(t, "", NewFragment().String())

	c := f.Clone().Set("X", "1")
	assert.Len(t, f.Lines(), 4)
	assert.Len(t, c.Lines(), 5)
}

func TestFragmentQuoting(t *testing.T) {
	for _, tt := range []struct {
		value string
		want  string
	}{
		{value: "café", want: `A = "café"`},
		{value: "a\tb", want: "A = \"a\tb\""},
		{value: `say "hi"`, want: `A = "say \"hi\""`},
		{value: `C:\sdk`, want: `A = "C:\\sdk"`},
		{value: "", want: `A = ""`},
	} {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, []string{tt.want}, NewFragment().Set("A", tt.value).Lines())
		})
	}
}

func TestConfWriteAppendRemoveRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := New(dir)

	changes := 0
	c.OnChange = func() { changes++ }

	require.NoError(t, c.Write(ctx, NewFragment().Set("A", "1")))
	require.NoError(t, c.Append(ctx, NewFragment().Set("B", "2").Set("C", "3")))

	got, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, "A = \"1\"\nB = \"2\"\nC = \"3\"\n", got)

	require.NoError(t, c.Remove(ctx, NewFragment().Set("B", "2")))
	got, err = c.Read()
	require.NoError(t, err)
	assert.Equal(t, "A = \"1\"\nC = \"3\"\n", got)

	require.NoError(t, c.Write(ctx, NewFragment().Set("D", "4")))
	got, err = c.Read()
	require.NoError(t, err)
	assert.Equal(t, "D = \"4\"\n", got)

	require.NoError(t, c.Restore(ctx))
	_, err = os.Stat(c.Path())
	assert.True(t, os.IsNotExist(err), "selftest.inc should be removed when it did not exist before")
	assert.Equal(t, 5, changes)

	// Second restore is a no-op.
	require.NoError(t, c.Restore(ctx))
	assert.Equal(t, 5, changes)
}

func TestConfRestoreExisting(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := New(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf"), 0o755))
	require.NoError(t, os.WriteFile(c.Path(), []byte("KEEP = \"me\"\n"), 0o644))

	require.NoError(t, c.Write(ctx, NewFragment().Set("A", "1")))
	require.NoError(t, c.Restore(ctx))

	got, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, "KEEP = \"me\"\n", got)
}

func TestEnsure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := New(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf"), 0o755))
	require.NoError(t, os.WriteFile(c.LocalConf(), []byte(`MACHINE ??= "qemux86"`), 0o644))

	require.NoError(t, c.Ensure(ctx))
	require.NoError(t, c.Ensure(ctx))

	data, err := os.ReadFile(c.LocalConf())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "include selftest.inc"))
	assert.Equal(t, "MACHINE ??= \"qemux86\"\ninclude selftest.inc\n", string(data))

	require.NoError(t, c.Release(ctx))
	data, err = os.ReadFile(c.LocalConf())
	require.NoError(t, err)
	assert.Equal(t, `MACHINE ??= "qemux86"`, string(data))

	// Second release is a no-op.
	require.NoError(t, c.Release(ctx))
}

func TestReleaseKeepsExistingInclude(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := New(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf"), 0o755))
	const local = "include selftest.inc\nMACHINE ??= \"qemux86\"\n"
	require.NoError(t, os.WriteFile(c.LocalConf(), []byte(local), 0o644))

	require.NoError(t, c.Ensure(ctx))
	require.NoError(t, c.Release(ctx))

	data, err := os.ReadFile(c.LocalConf())
	require.NoError(t, err)
	assert.Equal(t, local, string(data))
}

func TestReleaseCreatedLocalConf(t *testing.T) {
	ctx := context.Background()
	c := New(t.TempDir())

	require.NoError(t, c.Ensure(ctx))
	assert.FileExists(t, c.LocalConf())

	require.NoError(t, c.Release(ctx))
	assert.NoFileExists(t, c.LocalConf())
}
