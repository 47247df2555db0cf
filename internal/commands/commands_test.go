package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		cmd        string
		opts       []Option
		wantStatus int
		wantOutput string
		wantErr    error
	}{
		{
			name:       "argv",
			cmd:        `echo "hello world"`,
			wantOutput: "hello world",
		},
		{
			name:       "shell",
			cmd:        "echo a; echo b >&2",
			opts:       []Option{WithShell()},
			wantOutput: "a\nb",
		},
		{
			name:       "non-zero",
			cmd:        "exit 3",
			opts:       []Option{WithShell()},
			wantStatus: 3,
			wantErr:    ErrNonZeroExit,
		},
		{
			name:       "ignore status",
			cmd:        "echo nope; exit 1",
			opts:       []Option{WithShell(), IgnoreStatus()},
			wantStatus: 1,
			wantOutput: "nope",
		},
		{
			name:       "env",
			cmd:        "echo $SELFTEST_VALUE",
			opts:       []Option{WithShell(), WithEnv(map[string]string{"SELFTEST_VALUE": "42"})},
			wantOutput: "42",
		},
		{
			name:    "empty",
			cmd:     "  ",
			wantErr: ErrEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(ctx, tt.cmd, tt.opts...)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if res == nil {
				return
			}
			assert.Equal(t, tt.wantStatus, res.Status)
			if tt.wantOutput != "" {
				assert.Equal(t, tt.wantOutput, res.Output)
			}
		})
	}
}

func TestRunDir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), "pwd", WithDir(dir))
	require.NoError(t, err)
	assert.Contains(t, res.Output, dir)
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	_, err := Run(context.Background(), "sleep 30", WithTimeout(200*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestQuote(t *testing.T) {
	res, err := Run(context.Background(), "printf '%s|' "+Quote("/etc/some file", "x"), WithShell())
	require.NoError(t, err)
	assert.Equal(t, "/etc/some file|x|", res.Output)
}
