package compose

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCompose = `services:
  mcp:
    image: graphmemory/mcp:1.0.0
    container_name: graphmemory-mcp
    ports:
      - "8080:8080"
      - "127.0.0.1:9090:9090/tcp"
  kestra:
    image: registry.internal:5000/graphmemory/kestra:2.4
    ports:
      - target: 8080
        published: 8081
        protocol: tcp
  worker:
    image: graphmemory/worker:1.0.0
    ports:
      - "6000"
volumes:
  kuzu-data: {}
`

// =============================================================================
// Parsing
// =============================================================================

func TestParseDescriptorListsServices(t *testing.T) {
	d, err := ParseDescriptor([]byte(sampleCompose))
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp", "kestra", "worker"}, d.Services())
}

func TestParseDescriptorRejectsMalformed(t *testing.T) {
	_, err := ParseDescriptor([]byte("services: [not: a: map"))
	require.ErrorIs(t, err, ErrMalformedDescriptor)
}

func TestParseDescriptorRequiresServicesSection(t *testing.T) {
	_, err := ParseDescriptor([]byte("volumes:\n  data: {}\n"))
	require.ErrorIs(t, err, ErrMalformedDescriptor)
}

func TestLoadDescriptorMissingFile(t *testing.T) {
	_, err := LoadDescriptor(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

// =============================================================================
// Images
// =============================================================================

func TestImageAndSetImage(t *testing.T) {
	d, err := ParseDescriptor([]byte(sampleCompose))
	require.NoError(t, err)

	img, err := d.Image("mcp")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/mcp:1.0.0", img)

	require.NoError(t, d.SetImage("mcp", "graphmemory/mcp:2.0.0"))
	img, err = d.Image("mcp")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/mcp:2.0.0", img)

	_, err = d.Image("ghost")
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestSetServiceImageTagPreservesRegistryPort(t *testing.T) {
	d, err := ParseDescriptor([]byte(sampleCompose))
	require.NoError(t, err)

	// The registry host carries its own colon; only the trailing tag
	// may change.
	require.NoError(t, d.SetServiceImageTag("kestra", "2.5"))
	img, err := d.Image("kestra")
	require.NoError(t, err)
	assert.Equal(t, "registry.internal:5000/graphmemory/kestra:2.5", img)
}

func TestSetServiceImageTagAddsTagWhenAbsent(t *testing.T) {
	doc := "services:\n  mcp:\n    image: graphmemory/mcp\n"
	d, err := ParseDescriptor([]byte(doc))
	require.NoError(t, err)

	require.NoError(t, d.SetServiceImageTag("mcp", "1.1.0"))
	img, err := d.Image("mcp")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/mcp:1.1.0", img)
}

// =============================================================================
// Port Shifting
// =============================================================================

func TestShiftPublishedPortsShortAndLongSyntax(t *testing.T) {
	d, err := ParseDescriptor([]byte(sampleCompose))
	require.NoError(t, err)

	require.NoError(t, d.ShiftPublishedPorts(1000))

	ports := d.PublishedPorts()
	assert.Equal(t, []int{9080, 10090}, ports["mcp"])
	assert.Equal(t, []int{9081}, ports["kestra"])

	// Container-only short syntax publishes nothing explicit and must
	// be left alone.
	assert.NotContains(t, ports, "worker")

	// Container-side targets are untouched.
	data, err := d.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "9080:8080")
	assert.Contains(t, string(data), "127.0.0.1:10090:9090/tcp")
	assert.Contains(t, string(data), "target: 8080")
	assert.Contains(t, string(data), `- "6000"`)
}

func TestShiftPublishedPortsRejectsRanges(t *testing.T) {
	doc := `services:
  svc:
    ports:
      - target: 8000
        published: 8000-8010
`
	d, err := ParseDescriptor([]byte(doc))
	require.NoError(t, err)

	err = d.ShiftPublishedPorts(1000)
	require.ErrorIs(t, err, ErrMalformedDescriptor)
}

// =============================================================================
// Container Names
// =============================================================================

func TestSuffixContainerNames(t *testing.T) {
	d, err := ParseDescriptor([]byte(sampleCompose))
	require.NoError(t, err)

	d.SuffixContainerNames("-green")

	data, err := d.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "graphmemory-mcp-green")
	// Services without container_name are unchanged; project suffixing
	// is the caller's job.
	assert.NotContains(t, string(data), "kestra-green")
}

// =============================================================================
// Round Trip
// =============================================================================

func TestMutateAndWriteRoundTrip(t *testing.T) {
	d, err := ParseDescriptor([]byte(sampleCompose))
	require.NoError(t, err)

	require.NoError(t, d.SetServiceImageTag("mcp", "1.1.0"))
	require.NoError(t, d.ShiftPublishedPorts(1000))
	d.SuffixContainerNames("-green")

	path := filepath.Join(t.TempDir(), "green.yml")
	require.NoError(t, d.WriteFile(path))

	reloaded, err := LoadDescriptor(path)
	require.NoError(t, err)
	img, err := reloaded.Image("mcp")
	require.NoError(t, err)
	assert.Equal(t, "graphmemory/mcp:1.1.0", img)
	assert.Equal(t, []int{9080, 10090}, reloaded.PublishedPorts()["mcp"])

	// Unknown sections survive.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kuzu-data")
}
