package compose

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/process"
)

func newTestExecutor(t *testing.T, runner *process.MockRunner) *DefaultExecutor {
	t.Helper()
	e, err := NewExecutor(DefaultExecutorConfig(), runner)
	require.NoError(t, err)
	return e
}

// =============================================================================
// Construction
// =============================================================================

func TestNewExecutorFailsFastWithoutRuntime(t *testing.T) {
	runner := process.NewMockRunner()
	runner.Missing["docker"] = true

	_, err := NewExecutor(DefaultExecutorConfig(), runner)
	require.ErrorIs(t, err, ErrRuntimeNotFound)
}

func TestNewExecutorRequiresRunner(t *testing.T) {
	_, err := NewExecutor(DefaultExecutorConfig(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// =============================================================================
// Compose Operations
// =============================================================================

func TestUpBuildsComposeCommand(t *testing.T) {
	runner := process.NewMockRunner()
	e := newTestExecutor(t, runner)

	res, err := e.Up(context.Background(), UpOptions{
		Project:  "graphmemory",
		File:     "docker-compose.yml",
		Services: []string{"mcp"},
		NoDeps:   true,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, runner.Calls, 1)
	assert.Equal(t,
		"docker compose -p graphmemory -f docker-compose.yml up -d --no-deps mcp",
		runner.CommandLines()[0])
}

func TestUpRequiresProjectAndFile(t *testing.T) {
	e := newTestExecutor(t, process.NewMockRunner())

	_, err := e.Up(context.Background(), UpOptions{Project: "p"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = e.Up(context.Background(), UpOptions{File: "f"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStopDownRestartCommands(t *testing.T) {
	runner := process.NewMockRunner()
	e := newTestExecutor(t, runner)
	ctx := context.Background()

	_, err := e.Stop(ctx, ProjectOptions{Project: "gm", File: "dc.yml"})
	require.NoError(t, err)
	_, err = e.Down(ctx, DownOptions{Project: "gm-green", File: "green.yml", RemoveOrphans: true})
	require.NoError(t, err)
	_, err = e.Restart(ctx, ServiceOptions{Project: "gm", File: "dc.yml", Service: "mcp"})
	require.NoError(t, err)

	lines := runner.CommandLines()
	require.Len(t, lines, 3)
	assert.Equal(t, "docker compose -p gm -f dc.yml stop", lines[0])
	assert.Equal(t, "docker compose -p gm-green -f green.yml down --remove-orphans", lines[1])
	assert.Equal(t, "docker compose -p gm -f dc.yml restart mcp", lines[2])
}

func TestRunSurfacesCommandFailure(t *testing.T) {
	runner := process.NewMockRunner()
	runner.Respond("compose -p gm",
		&process.Result{ExitCode: 1, Stderr: "port is already allocated"},
		&process.CommandError{Command: "docker compose", ExitCode: 1, Stderr: "port is already allocated"})
	e := newTestExecutor(t, runner)

	res, err := e.Up(context.Background(), UpOptions{Project: "gm", File: "dc.yml"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "port is already allocated")

	var cmdErr *process.CommandError
	require.ErrorAs(t, err, &cmdErr)
}

// =============================================================================
// Listings
// =============================================================================

func TestListContainersParsesNDJSON(t *testing.T) {
	runner := process.NewMockRunner()
	runner.Respond("ps -a", &process.Result{Stdout: `
{"Names":"graphmemory-mcp","State":"running","Image":"graphmemory/mcp:1.0.0","Ports":"0.0.0.0:8080->8080/tcp","Labels":"com.docker.compose.project=graphmemory,com.docker.compose.service=mcp"}
{"Names":"graphmemory-kestra","State":"exited","Image":"graphmemory/kestra:2.4","Ports":"","Labels":"com.docker.compose.service=kestra"}
`}, nil)
	e := newTestExecutor(t, runner)

	containers, err := e.ListContainers(context.Background(), "graphmemory")
	require.NoError(t, err)
	require.Len(t, containers, 2)

	assert.Equal(t, "graphmemory-mcp", containers[0].Name)
	assert.Equal(t, "mcp", containers[0].Service)
	assert.Equal(t, "running", containers[0].State)
	assert.Equal(t, "exited", containers[1].State)

	// The listing is scoped by the project label.
	assert.Contains(t, runner.CommandLines()[0],
		"--filter label=com.docker.compose.project=graphmemory")
}

func TestListContainersRejectsBadJSON(t *testing.T) {
	runner := process.NewMockRunner()
	runner.Respond("ps -a", &process.Result{Stdout: "not-json\n"}, nil)
	e := newTestExecutor(t, runner)

	_, err := e.ListContainers(context.Background(), "graphmemory")
	require.Error(t, err)
}

func TestListImagesAndNetworks(t *testing.T) {
	runner := process.NewMockRunner()
	runner.Respond("images", &process.Result{Stdout: "graphmemory/mcp:1.0.0\ngraphmemory/kestra:2.4\n\n"}, nil)
	runner.Respond("network ls", &process.Result{Stdout: "bridge\ngraphmemory_default\n"}, nil)
	e := newTestExecutor(t, runner)

	images, err := e.ListImages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"graphmemory/mcp:1.0.0", "graphmemory/kestra:2.4"}, images)

	networks, err := e.ListNetworks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bridge", "graphmemory_default"}, networks)
}

func TestLabelValue(t *testing.T) {
	labels := "a=1,com.docker.compose.service=mcp,b=2"
	assert.Equal(t, "mcp", labelValue(labels, "com.docker.compose.service"))
	assert.Empty(t, labelValue(labels, "missing"))
}
