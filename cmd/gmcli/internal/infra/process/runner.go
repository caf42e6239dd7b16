// Package process abstracts external process execution for the update core.
//
// All exec.Command calls in the update code go through the Runner interface
// so that unit tests can substitute recorded invocations for real processes.
// Every invocation carries a hard timeout; on expiry the process group is
// killed, not abandoned, and the captured output is surfaced to the caller.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrTimeout is returned when a command exceeds its deadline and is killed.
var ErrTimeout = errors.New("process timed out")

// CommandError wraps a command execution failure with stderr context.
//
// # Description
//
// Provides rich error context for command failures, including the command
// that failed, exit code, and stderr output. Supports unwrapping via
// errors.Is/As.
type CommandError struct {
	// Command is the command that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the standard error output (trimmed).
	Stderr string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns a formatted error message including exit code and stderr.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *CommandError) Unwrap() error { return e.Wrapped }

// Result contains the captured output of a completed command.
type Result struct {
	// Stdout contains standard output.
	Stdout string

	// Stderr contains standard error.
	Stderr string

	// ExitCode is the process exit code.
	ExitCode int

	// Duration is how long the command ran.
	Duration time.Duration
}

// Runner handles external process operations.
//
// # Description
//
// This interface abstracts all interaction with the operating system's
// process management, enabling testable code that doesn't require real
// process execution.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Runner interface {
	// Run executes a command and waits for completion.
	//
	// The command is killed (process group signal) if the timeout elapses
	// or the context is cancelled, and ErrTimeout is reported in that case.
	// A non-zero exit code yields a *CommandError; captured output is
	// returned in all cases.
	Run(ctx context.Context, opts RunOptions) (*Result, error)

	// RunWithInput executes a command with data piped to stdin.
	RunWithInput(ctx context.Context, input []byte, opts RunOptions) (*Result, error)

	// LookPath reports whether the named binary is available.
	LookPath(name string) (string, error)
}

// RunOptions configures a single command invocation.
type RunOptions struct {
	// Name is the executable name or path. Required.
	Name string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env contains additional environment variables appended to the
	// parent environment. Keys must be valid identifiers.
	Env map[string]string

	// Timeout is the hard deadline for the command.
	// Zero means 5 minutes.
	Timeout time.Duration
}

// DefaultRunner implements Runner using os/exec.
//
// # Thread Safety
//
// DefaultRunner is stateless and safe for concurrent use.
type DefaultRunner struct{}

// NewRunner creates the production Runner.
func NewRunner() *DefaultRunner { return &DefaultRunner{} }

// Run executes a command and waits for completion.
func (r *DefaultRunner) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	return r.run(ctx, nil, opts)
}

// RunWithInput executes a command with data piped to stdin.
func (r *DefaultRunner) RunWithInput(ctx context.Context, input []byte, opts RunOptions) (*Result, error) {
	return r.run(ctx, input, opts)
}

// LookPath reports whether the named binary is available in PATH.
func (r *DefaultRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (r *DefaultRunner) run(ctx context.Context, input []byte, opts RunOptions) (*Result, error) {
	if opts.Name == "" {
		return nil, errors.New("process: command name is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	// Place the child in its own process group so a timeout kills the
	// whole tree, not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: exitCode(cmd, err),
		Duration: time.Since(start),
	}

	cmdStr := commandString(opts)
	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%w: %s after %v", ErrTimeout, cmdStr, timeout)
	}
	if err != nil {
		return result, &CommandError{
			Command:  cmdStr,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			Wrapped:  err,
		}
	}
	return result, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func commandString(opts RunOptions) string {
	return strings.TrimSpace(opts.Name + " " + strings.Join(opts.Args, " "))
}

// =============================================================================
// Mock Runner (for tests in dependent packages)
// =============================================================================

// MockCall records a single invocation seen by MockRunner.
type MockCall struct {
	Name  string
	Args  []string
	Dir   string
	Input []byte
}

// MockResponse scripts the outcome for a matched command.
type MockResponse struct {
	Result *Result
	Err    error
}

// MockRunner implements Runner with scripted responses matched by a
// substring of the full command line. Responses are checked in
// registration order; unmatched commands succeed with empty output.
//
// # Thread Safety
//
// MockRunner is safe for concurrent use.
type MockRunner struct {
	mu        sync.Mutex
	Calls     []MockCall
	responses []scriptedResponse
	Missing   map[string]bool // binaries LookPath should report absent
}

type scriptedResponse struct {
	match string
	resp  MockResponse
}

// NewMockRunner creates an empty MockRunner.
func NewMockRunner() *MockRunner {
	return &MockRunner{Missing: make(map[string]bool)}
}

// Respond registers a scripted response for command lines containing match.
func (m *MockRunner) Respond(match string, res *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, scriptedResponse{match: match, resp: MockResponse{Result: res, Err: err}})
}

// CommandLines returns the recorded command lines in invocation order.
func (m *MockRunner) CommandLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		lines[i] = strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
	}
	return lines
}

// Run records the call and returns the scripted response, if any.
func (m *MockRunner) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	return m.RunWithInput(ctx, nil, opts)
}

// RunWithInput records the call and returns the scripted response, if any.
func (m *MockRunner) RunWithInput(ctx context.Context, input []byte, opts RunOptions) (*Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Name: opts.Name, Args: opts.Args, Dir: opts.Dir, Input: input})
	line := commandString(opts)
	var resp MockResponse
	var found bool
	for _, r := range m.responses {
		if strings.Contains(line, r.match) {
			resp, found = r.resp, true
			break
		}
	}
	m.mu.Unlock()

	if found {
		if resp.Result == nil {
			resp.Result = &Result{}
		}
		return resp.Result, resp.Err
	}
	return &Result{}, nil
}

// LookPath honors the Missing set, otherwise resolves to the bare name.
func (m *MockRunner) LookPath(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Missing[name] {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return name, nil
}

// Compile-time interface checks.
var (
	_ Runner = (*DefaultRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
