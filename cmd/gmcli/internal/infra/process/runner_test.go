package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DefaultRunner
// =============================================================================

func TestRunCapturesOutput(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), RunOptions{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err", res.Stderr)
	assert.Zero(t, res.ExitCode)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRunWithInputPipesStdin(t *testing.T) {
	r := NewRunner()

	res, err := r.RunWithInput(context.Background(), []byte("hello stdin"), RunOptions{
		Name: "cat",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello stdin", res.Stdout)
}

func TestRunNonZeroExitYieldsCommandError(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), RunOptions{
		Name: "sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "boom")
	assert.Contains(t, cmdErr.Error(), "exit 3")
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	r := NewRunner()

	start := time.Now()
	_, err := r.Run(context.Background(), RunOptions{
		Name:    "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "process must be killed, not waited out")
}

func TestRunRequiresName(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), RunOptions{})
	require.Error(t, err)
}

func TestRunAppendsEnv(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), RunOptions{
		Name: "sh",
		Args: []string{"-c", "echo $GMCLI_TEST_VAR"},
		Env:  map[string]string{"GMCLI_TEST_VAR": "wired"},
	})
	require.NoError(t, err)
	assert.Equal(t, "wired\n", res.Stdout)
}

func TestLookPath(t *testing.T) {
	r := NewRunner()

	_, err := r.LookPath("sh")
	require.NoError(t, err)
	_, err = r.LookPath("definitely-not-a-binary-gmcli")
	require.Error(t, err)
}

// =============================================================================
// CommandError
// =============================================================================

func TestCommandErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	err := &CommandError{Command: "kuzu", ExitCode: 1, Wrapped: inner}
	require.ErrorIs(t, err, inner)
}

// =============================================================================
// MockRunner
// =============================================================================

func TestMockRunnerScriptedResponses(t *testing.T) {
	m := NewMockRunner()
	m.Respond("compose up", &Result{Stdout: "started"}, nil)
	m.Respond("compose", &Result{ExitCode: 1}, assert.AnError)

	// Registration order wins on overlapping matches.
	res, err := m.Run(context.Background(), RunOptions{Name: "docker", Args: []string{"compose", "up"}})
	require.NoError(t, err)
	assert.Equal(t, "started", res.Stdout)

	_, err = m.Run(context.Background(), RunOptions{Name: "docker", Args: []string{"compose", "down"}})
	require.ErrorIs(t, err, assert.AnError)

	// Unmatched commands succeed with empty output.
	res, err = m.Run(context.Background(), RunOptions{Name: "kuzu"})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout)

	assert.Equal(t, []string{"docker compose up", "docker compose down", "kuzu"}, m.CommandLines())
}

func TestMockRunnerRecordsInput(t *testing.T) {
	m := NewMockRunner()
	_, err := m.RunWithInput(context.Background(), []byte("RETURN 1;"), RunOptions{Name: "kuzu"})
	require.NoError(t, err)

	require.Len(t, m.Calls, 1)
	assert.Equal(t, []byte("RETURN 1;"), m.Calls[0].Input)
}

func TestMockRunnerMissingBinaries(t *testing.T) {
	m := NewMockRunner()
	m.Missing["cosign"] = true

	_, err := m.LookPath("cosign")
	require.Error(t, err)
	path, err := m.LookPath("docker")
	require.NoError(t, err)
	assert.Equal(t, "docker", path)
}
