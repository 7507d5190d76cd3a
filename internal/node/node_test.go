package node

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/testutil"
)

func testConfig() Config {
	return Config{
		DefaultName: "default",
		Dir:         "/src",
		Native: Native{
			Name:            "arm64-docker",
			CPUArchitecture: "arm64",
			ComputeType:     "docker",
			Env:             []string{"DOCKER_DEFAULT_PLATFORM=linux/arm64"},
		},
		InitCommand: []string{"packer", "init"},
	}
}

func TestSelect(t *testing.T) {
	s := NewSelector(testConfig(), "./")

	testCases := []struct {
		compute    string
		arch       string
		wantNative bool
	}{
		{"docker", "arm64", true},
		{"docker", "amd64", false},
		{"amazon-ebs", "arm64", false},
		{"azure-arm", "amd64", false},
	}
	for _, tc := range testCases {
		t.Run(tc.compute+"/"+tc.arch, func(t *testing.T) {
			got := s.Select("./", tc.compute, tc.arch)
			assert.Equal(t, tc.wantNative, got.Native)
			if !tc.wantNative {
				assert.Same(t, s.Default(), got)
			}
		})
	}
}

func TestSelect_NativeContextsAreFresh(t *testing.T) {
	s := NewSelector(testConfig(), "./")

	a := s.Select("./", "docker", "arm64")
	b := s.Select("./", "docker", "arm64")

	require.NotSame(t, a, b)
	assert.NotEqual(t, a.Name, b.Name)
	assert.Equal(t, []string{"DOCKER_DEFAULT_PLATFORM=linux/arm64"}, a.Env)

	a.Env[0] = "mutated"
	assert.Equal(t, "DOCKER_DEFAULT_PLATFORM=linux/arm64", b.Env[0])
}

func TestInit_RunsOncePerContext(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{}
	s := NewSelector(testConfig(), "./")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Default().Init(ctx, runner))
		}()
	}
	wg.Wait()

	native := s.Select("./", "docker", "arm64")
	require.NoError(t, native.Init(ctx, runner))
	require.NoError(t, native.Init(ctx, runner))

	calls := runner.CallsMatching("packer init ./")
	require.Len(t, calls, 2)
	assert.Equal(t, "default", calls[0].Command.Label)
	assert.Equal(t, native.Name, calls[1].Command.Label)
	assert.Equal(t, []string{"DOCKER_DEFAULT_PLATFORM=linux/arm64"}, calls[1].Command.Env)
}

func TestInit_ErrorIsSticky(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{Respond: func(_ context.Context, cmd command.Command, _ int) (command.Result, error) {
		return testutil.Fail(cmd, 1, "plugin download failed")
	}}
	s := NewSelector(testConfig(), "./")

	err1 := s.Default().Init(ctx, runner)
	err2 := s.Default().Init(ctx, runner)

	require.Error(t, err1)
	assert.Equal(t, err1, err2)
	var exitErr *command.ExitError
	assert.True(t, errors.As(err1, &exitErr))
	assert.Len(t, runner.Calls(), 1)
}

func TestInit_NoCommandIsNoop(t *testing.T) {
	ctx, _ := testutil.Context(t)
	runner := &testutil.FakeRunner{}
	cfg := testConfig()
	cfg.InitCommand = nil

	require.NoError(t, NewSelector(cfg, "./").Default().Init(ctx, runner))
	assert.Empty(t, runner.Calls())
}
