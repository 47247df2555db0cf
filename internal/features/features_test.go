package features

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/util/wait"
)

func TestFeature(t *testing.T) {
	ctx := context.Background()

	record := func(b *bytes.Buffer, s string, err error) StepFn {
		return func(context.Context) error {
			b.WriteString(s)
			return err
		}
	}

	tests := []struct {
		name        string
		befores     func(*bytes.Buffer) []*step
		assessments func(*bytes.Buffer) []*step
		afters      func(*bytes.Buffer) []*step
		wantout     string
		wanterrs    []string
		wantSkip    bool
	}{
		{
			name: "Success",
			befores: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "write config", Fn: record(b, "before ", nil)}}
			},
			assessments: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "build image", Fn: record(b, "assessment ", nil)}}
			},
			afters: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "restore config", Fn: record(b, "after ", nil)}}
			},
			wantout: "before assessment after ",
		},
		{
			name: "ShortCircuitBeforeFailure",
			befores: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "write config", Fn: record(b, "", errors.New("before step error"))}}
			},
			assessments: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "never", Fn: record(b, "assessment ", nil)}}
			},
			afters: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "restore config", Fn: record(b, "after ", nil)}}
			},
			wantout:  "after ",
			wanterrs: []string{"before step 'write config' failed", "before step error"},
		},
		{
			name: "ShortCircuitAssessmentFailure",
			befores: func(b *bytes.Buffer) []*step {
				return []*step{}
			},
			assessments: func(b *bytes.Buffer) []*step {
				return []*step{
					{Name: "boot", Fn: record(b, "assessment ", errors.New("assessment step error"))},
					{Name: "never", Fn: record(b, "never ", nil)},
				}
			},
			afters: func(b *bytes.Buffer) []*step {
				return []*step{
					{Name: "restore config", Fn: record(b, "after ", nil)},
					{Name: "cleanall", Fn: record(b, "", errors.New("after step error"))},
					{Name: "skipped after", Fn: record(b, "never ", nil)},
				}
			},
			wantout:  "assessment after ",
			wanterrs: []string{"assessment step error", "after step error"},
		},
		{
			name: "Skip",
			befores: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "check distro", Fn: record(b, "before ", Skip("not buildable for poky-tiny"))}}
			},
			assessments: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "never", Fn: record(b, "assessment ", nil)}}
			},
			afters: func(b *bytes.Buffer) []*step {
				return []*step{{Name: "restore config", Fn: record(b, "after ", nil)}}
			},
			wantout:  "before after ",
			wanterrs: []string{"poky-tiny"},
			wantSkip: true,
		},
		{
			name: "Retry",
			befores: func(b *bytes.Buffer) []*step {
				return []*step{}
			},
			assessments: func(b *bytes.Buffer) []*step {
				return []*step{
					tstepWithRetry(&step{Name: "ssh", Fn: record(b, "foo ", errors.New("connection refused"))}, wait.Backoff{
						Steps:    3,
						Duration: 10 * time.Millisecond,
						Factor:   1.0,
					}),
				}
			},
			afters: func(b *bytes.Buffer) []*step {
				return []*step{}
			},
			wantout:  "foo foo foo ",
			wanterrs: []string{"timed out waiting for the condition", "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.name)

			var buf bytes.Buffer

			for _, s := range tt.befores(&buf) {
				f.WithBefore(s.Name, s.Fn)
			}
			for _, s := range tt.assessments(&buf) {
				f.WithAssessment(s.Name, s.Fn)
			}
			for _, s := range tt.afters(&buf) {
				f.WithAfter(s.Name, s.Fn)
			}

			err := f.Test(ctx)

			if diff := cmp.Diff(tt.wantout, buf.String()); diff != "" {
				t.Errorf("unexpected output (-want +got):\n%s", diff)
			}

			if len(tt.wanterrs) == 0 {
				assert.NoError(t, err)
				return
			}
			for _, want := range tt.wanterrs {
				assert.ErrorContains(t, err, want)
			}
			assert.Equal(t, tt.wantSkip, errors.Is(err, ErrSkip))
		})
	}
}

func TestSteps(t *testing.T) {
	f := New("steps", WithLabels(map[string]string{"size": "small"}))
	noop := func(context.Context) error { return nil }
	f.WithAfter("restore", noop)
	f.WithAssessment("boot", noop)
	f.WithBefore("config", noop)

	assert.Equal(t, []string{"before/config", "assessment/boot", "after/restore"}, f.Steps())
	assert.Equal(t, "small", f.Labels["size"])
}

func tstepWithRetry(s *step, backoff wait.Backoff) *step {
	StepWithRetry(backoff)(s)
	return s
}
