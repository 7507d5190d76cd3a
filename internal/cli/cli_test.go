package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/imagegrid/internal/app"
	"github.com/vk/imagegrid/internal/params"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name     string
		args     []string
		want     *app.Config
		wantExit bool
		wantCode int
		wantErr  string
	}{
		{
			name: "no arguments runs the built-in pipeline",
			args: nil,
			want: &app.Config{Command: app.CommandRun, LogFormat: "text", LogLevel: "info", WorkerCount: 10},
		},
		{
			name: "run with positional path and overrides",
			args: []string{"run", "--workers", "3", "--branch", "main", "--build-number=42", "--state-dir", "/tmp/state", "pipeline.hcl"},
			want: &app.Config{
				Command:      app.CommandRun,
				PipelinePath: "pipeline.hcl",
				LogFormat:    "text",
				LogLevel:     "info",
				WorkerCount:  3,
				StateDir:     "/tmp/state",
				Run:          params.Run{Branch: "main", BuildNumber: "42"},
			},
		},
		{
			name: "plan with pipeline flag and change id",
			args: []string{"plan", "-p", "a.hcl", "--tag", "1.0.0", "--change-id", "421"},
			want: &app.Config{
				Command:      app.CommandPlan,
				PipelinePath: "a.hcl",
				LogFormat:    "text",
				LogLevel:     "info",
				WorkerCount:  10,
				Run:          params.Run{Tag: "1.0.0", ChangeID: "421"},
			},
		},
		{
			name:     "pipeline flag and positional path",
			args:     []string{"plan", "-p", "a.hcl", "b.hcl"},
			wantCode: 2,
			wantErr:  "path given twice: --pipeline a.hcl and b.hcl",
		},
		{
			name: "manifests with values",
			args: []string{"manifests", "--values", "values.yaml", "--log-format", "JSON"},
			want: &app.Config{
				Command:     app.CommandManifests,
				ManifestDir: app.DefaultManifestDir,
				ValuesFile:  "values.yaml",
				LogFormat:   "json",
				LogLevel:    "info",
				WorkerCount: 10,
			},
		},
		{
			name:     "help",
			args:     []string{"--help"},
			wantExit: true,
		},
		{
			name:     "unknown flag",
			args:     []string{"--nope"},
			wantCode: 2,
			wantErr:  "unknown flag: --nope",
		},
		{
			name:     "bad log format",
			args:     []string{"--log-format", "xml"},
			wantCode: 2,
			wantErr:  "invalid log-format",
		},
		{
			name:     "bad log level",
			args:     []string{"--log-level", "trace"},
			wantCode: 2,
			wantErr:  "invalid log-level",
		},
		{
			name:     "zero workers",
			args:     []string{"--workers", "0"},
			wantCode: 2,
			wantErr:  "WorkerCount",
		},
		{
			name:     "too many paths",
			args:     []string{"run", "a.hcl", "b.hcl"},
			wantCode: 2,
			wantErr:  "unexpected arguments: b.hcl",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// --- Arrange ---
			out := &bytes.Buffer{}

			// --- Act ---
			cfg, shouldExit, err := Parse(tc.args, out)

			// --- Assert ---
			if tc.wantErr != "" {
				var exitErr *ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, tc.wantCode, exitErr.Code)
				assert.Contains(t, exitErr.Message, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantExit, shouldExit)
			if tc.wantExit {
				assert.Contains(t, out.String(), "Usage:")
				return
			}
			assert.Equal(t, tc.want, cfg)
		})
	}
}
