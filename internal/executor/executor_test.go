package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/config"
	"github.com/vk/imagegrid/internal/hcl"
	"github.com/vk/imagegrid/internal/matrix"
	"github.com/vk/imagegrid/internal/params"
	"github.com/vk/imagegrid/internal/sidetask"
	"github.com/vk/imagegrid/internal/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Primary branch runs lock under the user cache dir by default.
	cache, err := os.MkdirTemp("", "imagegrid-cache")
	if err != nil {
		panic(err)
	}
	os.Setenv("XDG_CACHE_HOME", cache)
	goleak.VerifyTestMain(m, goleak.Cleanup(func(int) { os.RemoveAll(cache) }))
}

var (
	featureRun = params.Run{Branch: "feature-x", Commit: "abc123", BuildNumber: "7"}
	mainRun    = params.Run{Branch: "main", Commit: "abc123", BuildNumber: "8"}
	tagRun     = params.Run{Tag: "1.2.3", Commit: "abc123", BuildNumber: "9"}
)

// loadDefaults returns the built-in pipeline.
func loadDefaults(t *testing.T) (*config.Model, config.Converter) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	model, conv, err := hcl.NewLoader().Load(ctx)
	require.NoError(t, err)
	return model, conv
}

func newExecutor(t *testing.T, runner command.Runner, run params.Run, opts Options) *Executor {
	t.Helper()
	model, conv := loadDefaults(t)
	e, err := New(model, conv, runner, run, opts)
	require.NoError(t, err)
	return e
}

func cellByID(t *testing.T, report *Report, id string) CellResult {
	t.Helper()
	for _, c := range report.Cells {
		if c.Cell.ID() == id {
			return c
		}
	}
	t.Fatalf("cell %s not in report", id)
	return CellResult{}
}

func TestRun_FeatureBranch(t *testing.T) {
	// --- Arrange ---
	ctx, logs := testutil.Context(t)
	runner := &testutil.FakeRunner{}
	e := newExecutor(t, runner, featureRun, Options{Workers: 4})

	// --- Act ---
	report, err := e.Run(ctx)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Result)
	assert.NotEmpty(t, report.RunID)
	assert.Len(t, report.Cells, 8)
	assert.Len(t, report.Excluded, 10)
	assert.Equal(t, 8, report.Count(StatusSuccess))
	assert.Len(t, runner.CallsMatching("packer build"), 8)
	assert.Empty(t, runner.CallsMatching("docker image push"), "untagged runs never publish")

	statuses := map[string]sidetask.Status{}
	for _, o := range report.SideTasks {
		statuses[o.Name] = o.Status
	}
	assert.Equal(t, map[string]sidetask.Status{
		"cleanup-aws":     sidetask.StatusSkipped,
		"cleanup-azure":   sidetask.StatusSkipped,
		"updatecli":       sidetask.StatusSuccess,
		"updatecli-apply": sidetask.StatusSkipped,
	}, statuses)
	assert.Len(t, runner.CallsMatching("updatecli diff"), 1)
	assert.Empty(t, runner.CallsMatching("updatecli apply"))

	progress := e.Progress()
	assert.Equal(t, Progress{Total: 8, Done: 8}, progress)
	assert.Contains(t, logs.String(), "Pipeline finished")
}

func TestRun_PublishesDockerCellsOnTag(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{}
	e := newExecutor(t, runner, tagRun, Options{Workers: 2})

	report, err := e.Run(ctx)

	require.NoError(t, err)
	pushes := runner.CallsMatching("docker image push --all-tags")
	var images []string
	for _, c := range pushes {
		images = append(images, c.Command.Args[len(c.Command.Args)-1])
	}
	sort.Strings(images)
	assert.Equal(t, []string{
		"jenkinsciinfra/jenkins-agent-ubuntu-20.04",
		"jenkinsciinfra/jenkins-agent-ubuntu-20.04",
	}, images)

	for _, c := range report.Cells {
		assert.Equal(t, c.Cell.ComputeType == "docker", c.Published, c.Cell.ID())
		assert.Equal(t, params.ChannelProd, c.Params.BuildChannel)
		assert.Equal(t, "1.2.3", c.Params.ImageVersion)
	}
}

func TestRun_PluginInitPerContext(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{}
	e := newExecutor(t, runner, featureRun, Options{Workers: 3})

	report, err := e.Run(ctx)
	require.NoError(t, err)

	inits := runner.CallsMatching("packer init ./")
	require.Len(t, inits, 2, "one shared default context and one native arm64 docker context")

	labels := []string{inits[0].Command.Label, inits[1].Command.Label}
	sort.Strings(labels)
	assert.Equal(t, []string{"arm64-docker-1", "default"}, labels)
	for _, c := range inits {
		if c.Command.Label == "arm64-docker-1" {
			assert.Contains(t, c.Command.Env, "DOCKER_DEFAULT_PLATFORM=linux/arm64")
		}
	}

	assert.Equal(t, "arm64-docker-1", cellByID(t, report, "arm64/ubuntu-20.04/docker").Node)
	assert.Equal(t, "default", cellByID(t, report, "amd64/ubuntu-20.04/docker").Node)
	assert.Equal(t, "default", cellByID(t, report, "arm64/ubuntu-20.04/amazon-ebs").Node)
}

func TestRun_CellEnvironment(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{}
	e := newExecutor(t, runner, mainRun, Options{Workers: 1})

	_, err := e.Run(ctx)
	require.NoError(t, err)

	builds := map[string]command.Command{}
	for _, c := range runner.CallsMatching("packer build") {
		builds[c.Command.Label] = c.Command
	}
	require.Len(t, builds, 8)

	arm := builds["arm64/ubuntu-20.04/docker"]
	assert.Equal(t, []string{"packer", "build", "-timestamp-ui", "-force", "-only=docker.ubuntu", "./"}, arm.Args)
	assert.Subset(t, arm.Env, []string{
		"DOCKER_DEFAULT_PLATFORM=linux/arm64",
		"PKR_VAR_agent_os_type=ubuntu",
		"PKR_VAR_agent_os_version=20.04",
		"PKR_VAR_architecture=arm64",
		"PKR_VAR_build_type=staging",
		"PKR_VAR_image_type=docker",
		"PKR_VAR_image_version=0.0.0-8",
		"PKR_VAR_scm_ref=abc123",
	})

	win := builds["amd64/windows-2019/azure-arm"]
	assert.Equal(t, "-only=azure-arm.windows", win.Args[4])
	assert.Contains(t, win.Env, "PKR_VAR_agent_os_version=2019")
	assert.NotContains(t, win.Env, "DOCKER_DEFAULT_PLATFORM=linux/arm64")
}

func TestRun_Retry(t *testing.T) {
	testCases := []struct {
		name         string
		output       []string
		wantStatus   Status
		wantAttempts int
	}{
		{
			name:         "transient failure is retried once",
			output:       []string{"read tcp: connection reset by peer"},
			wantStatus:   StatusSuccess,
			wantAttempts: 2,
		},
		{
			name:         "permanent failure is not retried",
			output:       []string{"Error: unsupported argument", "Error: unsupported argument"},
			wantStatus:   StatusFailure,
			wantAttempts: 1,
		},
		{
			name:         "attempts are bounded",
			output:       []string{"i/o timeout", "i/o timeout", "i/o timeout"},
			wantStatus:   StatusFailure,
			wantAttempts: 2,
		},
	}

	const target = "amd64/ubuntu-20.04/amazon-ebs"
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// --- Arrange ---
			ctx, _ := testutil.Context(t)
			runner := &testutil.FakeRunner{Respond: func(_ context.Context, cmd command.Command, attempt int) (command.Result, error) {
				if cmd.Label != target || cmd.Args[1] != "build" {
					return command.Result{}, nil
				}
				// A retried transient failure succeeds on the next attempt.
				if attempt > len(tc.output) || (tc.wantStatus == StatusSuccess && attempt > 1) {
					return command.Result{}, nil
				}
				return testutil.Fail(cmd, 1, tc.output[attempt-1])
			}}
			e := newExecutor(t, runner, featureRun, Options{Workers: 2})

			// --- Act ---
			report, err := e.Run(ctx)

			// --- Assert ---
			cell := cellByID(t, report, target)
			assert.Equal(t, tc.wantStatus, cell.Status)
			assert.Equal(t, tc.wantAttempts, cell.Attempts)
			assert.Len(t, runner.CallsMatching("-only=amazon-ebs.ubuntu"), tc.wantAttempts+1,
				"the arm64 amazon-ebs cell builds once as well")

			if tc.wantStatus == StatusFailure {
				require.ErrorIs(t, err, ErrRunFailed)
				assert.Equal(t, StatusFailure, report.Result)
				assert.Equal(t, 7, report.Count(StatusSuccess), "other cells are unaffected")
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRun_SignalIsRetried(t *testing.T) {
	ctx, _ := testutil.Context(t)
	const target = "amd64/windows-2019/azure-arm"
	runner := &testutil.FakeRunner{Respond: func(_ context.Context, cmd command.Command, attempt int) (command.Result, error) {
		if cmd.Label == target && attempt == 1 {
			res := command.Result{ExitCode: -1, Signaled: true}
			return res, &command.ExitError{Command: cmd.String(), Result: res}
		}
		return command.Result{}, nil
	}}
	e := newExecutor(t, runner, featureRun, Options{Workers: 2})

	report, err := e.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, cellByID(t, report, target).Attempts)
}

func TestRun_PublishFailureFailsCell(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{Respond: func(_ context.Context, cmd command.Command, _ int) (command.Result, error) {
		if cmd.Args[0] == "docker" {
			return testutil.Fail(cmd, 1, "denied: requested access to the resource is denied")
		}
		return command.Result{}, nil
	}}
	e := newExecutor(t, runner, tagRun, Options{Workers: 2})

	report, err := e.Run(ctx)

	require.ErrorIs(t, err, ErrRunFailed)
	cell := cellByID(t, report, "amd64/ubuntu-20.04/docker")
	assert.Equal(t, StatusFailure, cell.Status)
	assert.False(t, cell.Published)
	assert.ErrorContains(t, cell.Err, "publish failed")
	assert.Len(t, runner.CallsMatching("docker image push"), 2, "publishing is never retried")
}

func TestRun_SideTaskFailureIsUnstable(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{Respond: func(_ context.Context, cmd command.Command, _ int) (command.Result, error) {
		if cmd.Label == "cleanup-azure" {
			return testutil.Fail(cmd, 1, "az: not logged in")
		}
		return command.Result{}, nil
	}}
	e := newExecutor(t, runner, mainRun, Options{Workers: 4})

	report, err := e.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, StatusUnstable, report.Result)
	assert.Equal(t, 8, report.Count(StatusSuccess))
	assert.Len(t, runner.CallsMatching("updatecli diff"), 1)
	assert.Len(t, runner.CallsMatching("updatecli apply"), 1)
	assert.Len(t, runner.CallsMatching("./cleanup/aws.sh"), 1)
}

func TestRun_InitFailureSkipsMatrix(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{Respond: func(_ context.Context, cmd command.Command, _ int) (command.Result, error) {
		if len(cmd.Args) > 1 && cmd.Args[1] == "init" {
			return testutil.Fail(cmd, 1, "Failed to install plugin")
		}
		return command.Result{}, nil
	}}
	e := newExecutor(t, runner, featureRun, Options{Workers: 4})

	report, err := e.Run(ctx)

	require.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, StatusFailure, report.Result)
	assert.Equal(t, 8, report.Count(StatusSkipped))
	assert.Error(t, report.InitErr)
	assert.Empty(t, runner.CallsMatching("packer build"))
	assert.Len(t, runner.CallsMatching("updatecli diff"), 1, "side tasks still run")
}

func TestRun_Timeout(t *testing.T) {
	ctx, _ := testutil.Context(t)
	model, conv := loadDefaults(t)
	model.Pipeline.Timeout = 30 * time.Millisecond
	runner := &testutil.FakeRunner{Delay: time.Second}
	e, err := New(model, conv, runner, featureRun, Options{Workers: 4})
	require.NoError(t, err)

	start := time.Now()
	report, err := e.Run(ctx)

	require.ErrorIs(t, err, ErrRunFailed)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, StatusFailure, report.Result)
	assert.Zero(t, report.Count(StatusSuccess))
}

func TestRun_CellsRunInParallel(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{Delay: 40 * time.Millisecond}
	e := newExecutor(t, runner, featureRun, Options{Workers: 8})

	_, err := e.Run(ctx)
	require.NoError(t, err)

	builds := runner.CallsMatching("packer build")
	require.Len(t, builds, 8)
	overlap := false
	for i := range builds {
		for j := i + 1; j < len(builds); j++ {
			if builds[i].Start.Before(builds[j].End) && builds[j].Start.Before(builds[i].End) {
				overlap = true
			}
		}
	}
	assert.True(t, overlap, "builds of independent cells should overlap")
}

func TestRun_LockOnPrimaryBranch(t *testing.T) {
	ctx, _ := testutil.Context(t)
	stateDir := t.TempDir()
	e := newExecutor(t, &testutil.FakeRunner{}, mainRun, Options{Workers: 2, StateDir: stateDir})

	_, err := e.Run(ctx)
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(stateDir, "imagegrid.lock"))
	assert.NoError(t, statErr)

	// A feature branch never takes the lock.
	otherDir := t.TempDir()
	e = newExecutor(t, &testutil.FakeRunner{}, featureRun, Options{Workers: 2, StateDir: otherDir})
	_, err = e.Run(ctx)
	require.NoError(t, err)
	_, statErr = os.Stat(filepath.Join(otherDir, "imagegrid.lock"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRun_PrimaryBranchRunsDoNotOverlap(t *testing.T) {
	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{Delay: 20 * time.Millisecond}
	first := newExecutor(t, runner, mainRun, Options{Workers: 8, LockPoll: 10 * time.Millisecond})
	second := newExecutor(t, runner, mainRun, Options{Workers: 8, LockPoll: 10 * time.Millisecond})

	// --- Act ---
	errs := make(chan error, 2)
	for _, e := range []*Executor{first, second} {
		go func() {
			_, err := e.Run(ctx)
			errs <- err
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	// --- Assert ---
	calls := runner.CallsMatching("./cleanup/aws.sh")
	require.Len(t, calls, 2)
	sort.Slice(calls, func(i, j int) bool { return calls[i].Start.Before(calls[j].Start) })
	assert.False(t, calls[1].Start.Before(calls[0].End), "cleanup of the second run started before the first finished")
	_, statErr := os.Stat(filepath.Join(DefaultStateDir(), "imagegrid.lock"))
	assert.NoError(t, statErr)
}

func TestPlan_DryRun(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{}
	e := newExecutor(t, runner, tagRun, Options{})

	plan, err := e.Plan(ctx)

	require.NoError(t, err)
	assert.Empty(t, runner.Calls(), "planning runs nothing")
	assert.Len(t, plan.Jobs, 8)
	assert.Len(t, plan.SideTasks, 4)

	native := 0
	publish := 0
	for _, j := range plan.Jobs {
		if j.Native {
			native++
		}
		if j.Publish != nil {
			publish++
			assert.Equal(t, []string{"docker", "image", "push", "--all-tags", "jenkinsciinfra/jenkins-agent-ubuntu-20.04"}, j.Publish.Args)
		}
	}
	assert.Equal(t, 1, native)
	assert.Equal(t, 2, publish)
}

func TestShouldPublish(t *testing.T) {
	model, _ := loadDefaults(t)
	for _, cell := range []struct {
		compute string
		run     params.Run
		want    bool
	}{
		{"docker", tagRun, true},
		{"docker", mainRun, false},
		{"docker", featureRun, false},
		{"amazon-ebs", tagRun, false},
		{"azure-arm", tagRun, false},
	} {
		c := matrix.Cell{CPUArchitecture: "amd64", AgentType: "ubuntu-20.04", ComputeType: cell.compute}
		assert.Equal(t, cell.want, ShouldPublish(c, cell.run, model.Publish.ComputeType), "%s %+v", cell.compute, cell.run)
	}
	assert.False(t, ShouldPublish(matrix.Cell{ComputeType: "docker"}, tagRun, ""), "an empty gate publishes nothing")
}
