package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/deploy"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/plan"
)

// =============================================================================
// Config Loading
// =============================================================================

func TestLoadConfigMissingDefaultPath(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "gmcli.yaml"), false)
	require.NoError(t, err)

	assert.Equal(t, "docker-compose.yml", cfg.Stack.ComposeFile)
	assert.Equal(t, "docker", cfg.Stack.Runtime)
	assert.Equal(t, "keyless", cfg.Verify.Mode)
	assert.Empty(t, cfg.Stack.Project)
}

func TestLoadConfigMissingExplicitPathErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), true)
	require.Error(t, err)
}

func TestLoadConfigParsesDocument(t *testing.T) {
	doc := `
stack:
  project: graphmemory
  composeFile: /srv/stack/docker-compose.yml
database:
  path: /srv/data/kuzu
  backupRoot: /srv/data/backups
  retention: 14
verify:
  mode: key
  keyRef: /etc/gmcli/cosign.pub
health:
  services: [mcp, kestra]
  interval: 2s
  endpoints:
    - name: mcp
      url: http://localhost:8080/health
mirror:
  bucket: graphmemory-backups
`
	path := filepath.Join(t.TempDir(), "gmcli.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := loadConfig(path, true)
	require.NoError(t, err)

	assert.Equal(t, "graphmemory", cfg.Stack.Project)
	assert.Equal(t, "/srv/stack/docker-compose.yml", cfg.Stack.ComposeFile)
	assert.Equal(t, 14, cfg.Database.Retention)
	assert.Equal(t, "key", cfg.Verify.Mode)
	assert.Equal(t, "/etc/gmcli/cosign.pub", cfg.Verify.KeyRef)
	assert.Equal(t, []string{"mcp", "kestra"}, cfg.Health.Services)
	require.Len(t, cfg.Health.Endpoints, 1)
	assert.Equal(t, "http://localhost:8080/health", cfg.Health.Endpoints[0].URL)
	assert.Equal(t, "graphmemory-backups", cfg.Mirror.Bucket)

	// Unset fields still get defaults.
	assert.Equal(t, "docker", cfg.Stack.Runtime)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gmcli.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stack: [not-a-map"), 0o644))

	_, err := loadConfig(path, true)
	require.Error(t, err)
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseDurationOr("", 5*time.Second))
	assert.Equal(t, 2*time.Minute, parseDurationOr("2m", 5*time.Second))
	assert.Equal(t, 5*time.Second, parseDurationOr("garbage", 5*time.Second))
}

// =============================================================================
// Plan Loading
// =============================================================================

func TestLoadPlanValid(t *testing.T) {
	doc := `{
  "images": [
    {"name": "graphmemory/mcp", "tag": "1.1.0", "currentTag": "1.0.0"}
  ],
  "schemaChanges": [
    {"kind": "add-property", "tableName": "Memory",
     "properties": [{"name": "score", "type": "DOUBLE"}]}
  ]
}`
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := loadPlan(path)
	require.NoError(t, err)
	require.Len(t, p.Images, 1)
	assert.Equal(t, "graphmemory/mcp:1.1.0", p.Images[0].Ref())
	assert.Equal(t, "graphmemory/mcp:1.0.0", p.Images[0].CurrentRef())
	require.Len(t, p.SchemaChanges, 1)
}

func TestLoadPlanRejectsInvalid(t *testing.T) {
	// Missing currentTag, so rollback would be impossible.
	doc := `{"images": [{"name": "graphmemory/mcp", "tag": "1.1.0"}]}`
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := loadPlan(path)
	require.ErrorIs(t, err, plan.ErrInvalidPlan)
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, err := loadPlan(filepath.Join(t.TempDir(), "plan.json"))
	require.Error(t, err)
}

// =============================================================================
// Helpers
// =============================================================================

func TestParseStrategy(t *testing.T) {
	s, err := parseStrategy("blue-green")
	require.NoError(t, err)
	assert.Equal(t, deploy.StrategyBlueGreen, s)

	s, err = parseStrategy("rolling")
	require.NoError(t, err)
	assert.Equal(t, deploy.StrategyRolling, s)

	_, err = parseStrategy("canary")
	require.Error(t, err)
}

func TestStrategyFlagOnRunAndDryRun(t *testing.T) {
	// Both commands honor --strategy; dry-run must project the same
	// steps the real run would take.
	for _, cmd := range []*cobra.Command{updateRunCmd, updateDryRunCmd} {
		flag := cmd.Flags().Lookup("strategy")
		require.NotNil(t, flag, "%s must register --strategy", cmd.Name())
		assert.Equal(t, string(deploy.StrategyBlueGreen), flag.DefValue)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KB", formatBytes(1024))
	assert.Equal(t, "1.5 MB", formatBytes(1024*1024*3/2))
}
