package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/compose"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/health"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/plan"
)

const testCompose = `services:
  mcp:
    image: graphmemory/mcp:1.0
    ports:
      - "8080:8080"
  kestra:
    image: graphmemory/kestra:2.4
    ports:
      - "8081:8080"
`

// stubChecker scripts per-project health outcomes. unhealthyProjects and
// unhealthyServices force WaitHealthy to fail for that scope.
type stubChecker struct {
	healthy bool
}

func (s *stubChecker) CheckOnce(ctx context.Context) *health.HealthReport {
	return &health.HealthReport{Healthy: s.healthy}
}

func (s *stubChecker) WaitHealthy(ctx context.Context) (*health.HealthReport, error) {
	if !s.healthy {
		return &health.HealthReport{Healthy: false}, health.ErrHealthTimeout
	}
	return &health.HealthReport{Healthy: true}, nil
}

type checkerScript struct {
	unhealthyProjects map[string]bool
	unhealthyServices map[string]bool
}

func (c *checkerScript) factory(project string, services []string) (HealthChecker, error) {
	if c.unhealthyProjects[project] {
		return &stubChecker{healthy: false}, nil
	}
	for _, svc := range services {
		if c.unhealthyServices[svc] {
			return &stubChecker{healthy: false}, nil
		}
	}
	return &stubChecker{healthy: true}, nil
}

func writeCompose(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(testCompose), 0o644))
	return path
}

func newTestUpdater(t *testing.T, exec compose.Executor, script *checkerScript) (*ComposeUpdater, string) {
	t.Helper()
	if script == nil {
		script = &checkerScript{}
	}
	file := writeCompose(t)
	cfg := UpdaterConfig{
		Project:     "graphmemory",
		ComposeFile: file,
		StagingDir:  filepath.Join(filepath.Dir(file), "staging"),
	}
	u, err := NewComposeUpdater(cfg, exec, script.factory, nil)
	require.NoError(t, err)
	return u, file
}

func bothImagesPlan() *plan.UpdatePlan {
	return &plan.UpdatePlan{
		Images: []plan.ImageRef{
			{Name: "graphmemory/mcp", Tag: "1.1", CurrentTag: "1.0"},
			{Name: "graphmemory/kestra", Tag: "2.5", CurrentTag: "2.4"},
		},
	}
}

func runningBlue(exec *compose.MockExecutor) {
	exec.SetContainers("graphmemory", []compose.Container{
		{Name: "graphmemory-mcp-1", Service: "mcp", State: "running", Image: "graphmemory/mcp:1.0"},
		{Name: "graphmemory-kestra-1", Service: "kestra", State: "running", Image: "graphmemory/kestra:2.4"},
	})
}

// =============================================================================
// Blue-Green
// =============================================================================

func TestUpdateBlueGreenHappyPath(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	u, file := newTestUpdater(t, exec, nil)

	result, err := u.UpdateBlueGreen(context.Background(), bothImagesPlan())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StrategyBlueGreen, result.Strategy)
	assert.ElementsMatch(t, []string{"mcp", "kestra"}, result.UpdatedServices)
	assert.Equal(t, "graphmemory/mcp:1.0", result.PreviousImages["mcp"])
	assert.False(t, result.RolledBack)

	// Green environment must be gone, canonical project running.
	greens, err := exec.ListContainers(context.Background(), "graphmemory-green")
	require.NoError(t, err)
	assert.Empty(t, greens, "green environment is ephemeral")

	blues, err := exec.ListContainers(context.Background(), "graphmemory")
	require.NoError(t, err)
	require.NotEmpty(t, blues)
	for _, ct := range blues {
		assert.Equal(t, "running", ct.State)
	}

	// The descriptor on disk now carries the new tags on canonical ports.
	desc, err := compose.LoadDescriptor(file)
	require.NoError(t, err)
	image, err := desc.Image("mcp")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/mcp:1.1", image)
	assert.Equal(t, []int{8080}, desc.PublishedPorts()["mcp"])
}

func TestUpdateBlueGreenDerivedDescriptor(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	u, file := newTestUpdater(t, exec, nil)

	_, err := u.UpdateBlueGreen(context.Background(), bothImagesPlan())
	require.NoError(t, err)

	greenFile := filepath.Join(filepath.Dir(file), "staging", "green.yaml")
	green, err := compose.LoadDescriptor(greenFile)
	require.NoError(t, err)

	assert.Equal(t, []int{9080}, green.PublishedPorts()["mcp"], "host ports shifted by 1000")
	assert.Equal(t, []int{9081}, green.PublishedPorts()["kestra"])
	image, err := green.Image("mcp")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/mcp:1.1", image)
}

func TestUpdateBlueGreenPullsBeforeAnyStateChange(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	exec.Fail["pull"] = errors.New("registry unreachable")
	u, file := newTestUpdater(t, exec, nil)

	_, err := u.UpdateBlueGreen(context.Background(), bothImagesPlan())
	require.ErrorIs(t, err, ErrPullFailed)

	for _, op := range exec.Ops {
		assert.NotContains(t, op, "up", "no environment may start after a failed pull")
		assert.NotContains(t, op, "stop")
	}
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, testCompose, string(data), "descriptor untouched")
}

func TestUpdateBlueGreenUnhealthyKeepsBlue(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	script := &checkerScript{unhealthyProjects: map[string]bool{"graphmemory-green": true}}
	u, file := newTestUpdater(t, exec, script)

	result, err := u.UpdateBlueGreen(context.Background(), bothImagesPlan())
	require.ErrorIs(t, err, ErrUnhealthy)
	assert.True(t, result.RolledBack)

	assert.NotContains(t, exec.Ops, "stop graphmemory", "blue must never stop for an unhealthy green")
	greens, _ := exec.ListContainers(context.Background(), "graphmemory-green")
	assert.Empty(t, greens, "unhealthy green is discarded")

	blues, _ := exec.ListContainers(context.Background(), "graphmemory")
	for _, ct := range blues {
		assert.Equal(t, "running", ct.State)
	}
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, testCompose, string(data), "descriptor untouched on rollback")
}

func TestUpdateBlueGreenCleanupAfterValidation(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	u, _ := newTestUpdater(t, exec, nil)

	_, err := u.UpdateBlueGreen(context.Background(), bothImagesPlan())
	require.NoError(t, err)

	upIdx := slices.Index(exec.Ops, "up graphmemory")
	downIdx := slices.Index(exec.Ops, "down graphmemory-green")
	require.GreaterOrEqual(t, upIdx, 0)
	require.GreaterOrEqual(t, downIdx, 0)
	assert.Less(t, upIdx, downIdx, "green is removed only after the switch")
}

// =============================================================================
// Rolling
// =============================================================================

func TestUpdateRollingHappyPath(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	u, file := newTestUpdater(t, exec, nil)

	result, err := u.UpdateRolling(context.Background(), bothImagesPlan())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StrategyRolling, result.Strategy)
	assert.Equal(t, []string{"mcp", "kestra"}, result.UpdatedServices)

	desc, err := compose.LoadDescriptor(file)
	require.NoError(t, err)
	image, err := desc.Image("kestra")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/kestra:2.5", image)

	// One targeted up per service, no full-project restart.
	var upServices [][]string
	for _, call := range exec.UpCalls {
		upServices = append(upServices, call.Services)
		assert.True(t, call.NoDeps)
	}
	assert.Equal(t, [][]string{{"mcp"}, {"kestra"}}, upServices)
}

func TestUpdateRollingFailureRestoresExactPriorImages(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	script := &checkerScript{unhealthyServices: map[string]bool{"kestra": true}}
	u, file := newTestUpdater(t, exec, script)

	result, err := u.UpdateRolling(context.Background(), bothImagesPlan())
	require.ErrorIs(t, err, ErrUnhealthy)
	assert.True(t, result.RolledBack)
	assert.Equal(t, []string{"mcp"}, result.UpdatedServices)

	// The failing service is restored too, not just the completed ones.
	work := filepath.Join(filepath.Dir(file), "staging", "rolling.yaml")
	desc, err := compose.LoadDescriptor(work)
	require.NoError(t, err)
	mcpImage, err := desc.Image("mcp")
	require.NoError(t, err)
	kestraImage, err := desc.Image("kestra")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/mcp:1.0", mcpImage)
	assert.Equal(t, "graphmemory/kestra:2.4", kestraImage)

	// The canonical descriptor never saw the aborted update.
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, testCompose, string(data))
}

func TestUpdateRollingExplicitServiceBindings(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	u, _ := newTestUpdater(t, exec, nil)

	p := bothImagesPlan()
	p.Services = []plan.ServiceRef{{Name: "mcp", Image: "graphmemory/mcp"}}
	p.Images = p.Images[:1]

	result, err := u.UpdateRolling(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp"}, result.UpdatedServices)
}

// =============================================================================
// Rollback and Status
// =============================================================================

func TestRollbackToPreviousRestoresTags(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	u, file := newTestUpdater(t, exec, nil)

	// Simulate a completed update on disk, then roll it back.
	desc, err := compose.LoadDescriptor(file)
	require.NoError(t, err)
	require.NoError(t, desc.SetImage("mcp", "graphmemory/mcp:1.1"))
	require.NoError(t, desc.WriteFile(file))

	require.NoError(t, u.RollbackToPrevious(context.Background(), bothImagesPlan()))

	restored, err := compose.LoadDescriptor(file)
	require.NoError(t, err)
	image, err := restored.Image("mcp")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/mcp:1.0", image)
}

func TestRollbackToPreviousDiscardsGreenWithStagedDescriptor(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	u, _ := newTestUpdater(t, exec, nil)

	// A crashed blue-green update left the parallel environment running
	// and its staged descriptor behind.
	staged := filepath.Join(u.cfg.StagingDir, "green.yaml")
	require.NoError(t, os.MkdirAll(u.cfg.StagingDir, 0o755))
	require.NoError(t, os.WriteFile(staged, []byte(testCompose), 0o644))
	exec.SetContainers("graphmemory-green", []compose.Container{
		{Name: "graphmemory-mcp-green-1", Service: "mcp", State: "running"},
	})

	require.NoError(t, u.RollbackToPrevious(context.Background(), bothImagesPlan()))

	require.Len(t, exec.DownCalls, 1)
	assert.Equal(t, "graphmemory-green", exec.DownCalls[0].Project)
	assert.Equal(t, staged, exec.DownCalls[0].File,
		"teardown must use the staged green descriptor, not the canonical one")

	greens, err := exec.ListContainers(context.Background(), "graphmemory-green")
	require.NoError(t, err)
	assert.Empty(t, greens)
}

func TestGetStatus(t *testing.T) {
	exec := compose.NewMockExecutor()
	runningBlue(exec)
	exec.Networks = []string{"graphmemory_default"}
	exec.Volumes = []string{"graphmemory_kuzu-data"}
	u, _ := newTestUpdater(t, exec, nil)

	status, err := u.GetStatus(context.Background())
	require.NoError(t, err)

	assert.Len(t, status.Containers, 2)
	assert.Equal(t, []string{"graphmemory_default"}, status.Networks)
	require.NotNil(t, status.Health)
	assert.True(t, status.Health.Healthy)
}
