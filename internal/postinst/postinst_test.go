package postinst

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bootLog(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func postinstLines(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "Running postinst /etc/rpm-postinsts/" + n + "..."
	}
	return out
}

func TestOrder(t *testing.T) {
	log := bootLog(append(append([]string{"INIT: version 2.88 booting", ""},
		postinstLines("100-postinst-at-rootfs", "101-postinst-delayed-a")...),
		"  Running postinst /etc/ipk-postinsts/102-postinst-delayed-b...^M  ",
		"Running postinst /etc/rpm-postinsts/103-postinst-delayed-d...\r",
		"Running postinst without a path",
	)...)

	got, err := Order(strings.NewReader(log))
	require.NoError(t, err)
	want := []string{"100-postinst-at-rootfs", "101-postinst-delayed-a", "102-postinst-delayed-b", "103-postinst-delayed-d"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Order() mismatch (-want +got):\n%s", diff)
	}
}

func TestVerify(t *testing.T) {
	full := postinstLines(DefaultDelayed...)

	for _, tt := range []struct {
		name    string
		log     []string
		wantErr error
	}{
		{
			name: "in-order",
			log:  append(append([]string{"Starting udev"}, full...), "Poky (Yocto Project Reference Distro) qemux86 /dev/ttyS0"),
		},
		{
			name: "in-order-at-eof",
			log:  full,
		},
		{
			name: "blank-lines-inside-block",
			log:  append(append(append([]string{}, full[:3]...), "", "\r"), full[3:]...),
		},
		{
			name:    "swapped",
			log:     postinstLines("100-postinst-at-rootfs", "102-postinst-delayed-b", "101-postinst-delayed-a"),
			wantErr: ErrOrder,
		},
		{
			name:    "block-ends-early",
			log:     append(append([]string{}, full[:2]...), "login:", full[2]),
			wantErr: ErrMissing,
		},
		{
			name:    "truncated-at-eof",
			log:     full[:5],
			wantErr: ErrMissing,
		},
		{
			name:    "extra",
			log:     append(append([]string{}, full...), postinstLines("106-postinst-extra")...),
			wantErr: ErrOrder,
		},
		{
			name:    "none",
			log:     []string{"INIT: Entering runlevel: 5", "login:"},
			wantErr: ErrMissing,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(strings.NewReader(bootLog(tt.log...)), DefaultDelayed)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemu_boot_log")
	require.NoError(t, os.WriteFile(path, []byte(bootLog(postinstLines(DefaultDelayed...)...)), 0o644))
	require.NoError(t, VerifyFile(path, DefaultDelayed))

	assert.Error(t, VerifyFile(filepath.Join(t.TempDir(), "missing"), DefaultDelayed))
}

func TestVerifyLongConsoleLine(t *testing.T) {
	// A login prompt redraw with its carriage returns stripped.
	redraw := strings.Repeat("qemux86 login: ", 20000)
	log := bootLog(append([]string{redraw}, postinstLines(DefaultDelayed...)...)...)
	require.Greater(t, len(redraw), 64*1024)

	require.NoError(t, Verify(strings.NewReader(log), DefaultDelayed))

	names, err := Order(strings.NewReader(log))
	require.NoError(t, err)
	assert.Equal(t, DefaultDelayed, names)
}

func TestRecipesMatchDefaultDelayed(t *testing.T) {
	require.Len(t, Recipes, len(DefaultDelayed))
	for i, r := range Recipes {
		assert.True(t, strings.HasSuffix(DefaultDelayed[i], r), "%s does not provide %s", r, DefaultDelayed[i])
	}
}
