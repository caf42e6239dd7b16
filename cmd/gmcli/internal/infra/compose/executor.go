package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/process"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrRuntimeNotFound is returned when the container runtime binary is
	// not available.
	ErrRuntimeNotFound = errors.New("container runtime not found")

	// ErrInvalidConfig is returned when ExecutorConfig is invalid.
	ErrInvalidConfig = errors.New("invalid compose configuration")
)

// =============================================================================
// Interface Definition
// =============================================================================

// Executor manages container-runtime operations for a compose project.
//
// # Description
//
// This interface abstracts the shell-level boundary to the container
// runtime: pulling images, starting and stopping a named project's
// containers, and querying container/network/volume/image listings.
// The surrounding installer supplies the concrete runtime binary.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Operations that
// modify container state are serialized internally.
type Executor interface {
	// Up starts services for a project from a compose file.
	Up(ctx context.Context, opts UpOptions) (*Result, error)

	// Stop gracefully stops a project's containers.
	Stop(ctx context.Context, opts ProjectOptions) (*Result, error)

	// Down stops and removes a project's containers.
	Down(ctx context.Context, opts DownOptions) (*Result, error)

	// Restart restarts a single service in place.
	Restart(ctx context.Context, opts ServiceOptions) (*Result, error)

	// Pull fetches an image from its registry.
	Pull(ctx context.Context, image string) (*Result, error)

	// ListContainers returns containers belonging to a project.
	ListContainers(ctx context.Context, project string) ([]Container, error)

	// ListNetworks returns network names known to the runtime.
	ListNetworks(ctx context.Context) ([]string, error)

	// ListVolumes returns volume names known to the runtime.
	ListVolumes(ctx context.Context) ([]string, error)

	// ListImages returns image references present locally.
	ListImages(ctx context.Context) ([]string, error)
}

// =============================================================================
// Supporting Types
// =============================================================================

// ExecutorConfig configures the runtime boundary.
type ExecutorConfig struct {
	// Binary is the container runtime binary.
	// Default: "docker"
	Binary string

	// ComposeArgs are prepended for compose subcommands.
	// Default: ["compose"]
	ComposeArgs []string

	// DefaultTimeout bounds each runtime invocation.
	// Default: 5 minutes
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns sensible defaults for docker.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Binary:         "docker",
		ComposeArgs:    []string{"compose"},
		DefaultTimeout: 5 * time.Minute,
	}
}

// UpOptions configures the Up operation.
type UpOptions struct {
	// Project is the compose project name. Required.
	Project string

	// File is the compose file path. Required.
	File string

	// Services limits which services to start. Empty means all.
	Services []string

	// NoDeps skips starting linked services (used by rolling updates).
	NoDeps bool

	// Timeout overrides the default operation timeout.
	Timeout time.Duration
}

// ProjectOptions identifies a project for stop/status operations.
type ProjectOptions struct {
	Project string
	File    string
	Timeout time.Duration
}

// DownOptions configures the Down operation.
type DownOptions struct {
	Project string
	File    string

	// RemoveOrphans removes containers for services not in the file.
	RemoveOrphans bool

	Timeout time.Duration
}

// ServiceOptions identifies one service within a project.
type ServiceOptions struct {
	Project string
	File    string
	Service string
	Timeout time.Duration
}

// Result contains the outcome of a runtime invocation.
type Result struct {
	// Success indicates the command exited zero.
	Success bool

	// ExitCode is the exit code of the runtime command.
	ExitCode int

	// Stdout contains standard output.
	Stdout string

	// Stderr contains standard error.
	Stderr string

	// Duration is how long the operation took.
	Duration time.Duration

	// Command is the full command that was executed (for audit).
	Command string
}

// Container describes one container in a project listing.
type Container struct {
	// Name is the container name.
	Name string

	// Service is the compose service name (from labels).
	Service string

	// State is the runtime state (running, exited, ...).
	State string

	// Image is the image reference the container was created from.
	Image string

	// Ports is the raw published ports string.
	Ports string
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultExecutor implements Executor over a process.Runner.
type DefaultExecutor struct {
	config ExecutorConfig
	runner process.Runner
	mu     sync.Mutex
}

// NewExecutor creates an Executor with the given configuration.
//
// # Description
//
// Validates configuration, applies defaults, and verifies the runtime
// binary is present. An unavailable runtime is a configuration error
// surfaced here, before any operation runs.
func NewExecutor(cfg ExecutorConfig, runner process.Runner) (*DefaultExecutor, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner is required", ErrInvalidConfig)
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.ComposeArgs == nil {
		cfg.ComposeArgs = []string{"compose"}
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}

	if _, err := runner.LookPath(cfg.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeNotFound, cfg.Binary)
	}

	return &DefaultExecutor{config: cfg, runner: runner}, nil
}

// Up starts services for a project from a compose file.
func (e *DefaultExecutor) Up(ctx context.Context, opts UpOptions) (*Result, error) {
	if opts.Project == "" || opts.File == "" {
		return nil, fmt.Errorf("%w: project and file are required", ErrInvalidConfig)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.composeArgs(opts.Project, opts.File, "up", "-d")
	if opts.NoDeps {
		args = append(args, "--no-deps")
	}
	args = append(args, opts.Services...)

	return e.run(ctx, args, opts.Timeout)
}

// Stop gracefully stops a project's containers.
func (e *DefaultExecutor) Stop(ctx context.Context, opts ProjectOptions) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.composeArgs(opts.Project, opts.File, "stop")
	return e.run(ctx, args, opts.Timeout)
}

// Down stops and removes a project's containers.
func (e *DefaultExecutor) Down(ctx context.Context, opts DownOptions) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.composeArgs(opts.Project, opts.File, "down")
	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}
	return e.run(ctx, args, opts.Timeout)
}

// Restart restarts a single service in place.
func (e *DefaultExecutor) Restart(ctx context.Context, opts ServiceOptions) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.composeArgs(opts.Project, opts.File, "restart", opts.Service)
	return e.run(ctx, args, opts.Timeout)
}

// Pull fetches an image from its registry.
func (e *DefaultExecutor) Pull(ctx context.Context, image string) (*Result, error) {
	return e.run(ctx, []string{"pull", image}, 0)
}

// ListContainers returns containers belonging to a project.
//
// # Description
//
// Queries `docker ps -a` filtered by the compose project label with
// JSON output (one object per line) and parses each line. Containers
// from other projects are excluded by the filter.
func (e *DefaultExecutor) ListContainers(ctx context.Context, project string) ([]Container, error) {
	args := []string{
		"ps", "-a",
		"--filter", "label=com.docker.compose.project=" + project,
		"--format", "json",
	}
	result, err := e.run(ctx, args, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return parseContainerLines(result.Stdout)
}

// ListNetworks returns network names known to the runtime.
func (e *DefaultExecutor) ListNetworks(ctx context.Context) ([]string, error) {
	return e.listNames(ctx, "network", "ls")
}

// ListVolumes returns volume names known to the runtime.
func (e *DefaultExecutor) ListVolumes(ctx context.Context) ([]string, error) {
	return e.listNames(ctx, "volume", "ls")
}

// ListImages returns image references present locally.
func (e *DefaultExecutor) ListImages(ctx context.Context) ([]string, error) {
	args := []string{"images", "--format", "{{.Repository}}:{{.Tag}}"}
	result, err := e.run(ctx, args, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return parseLines(result.Stdout), nil
}

// =============================================================================
// Private Helpers
// =============================================================================

func (e *DefaultExecutor) composeArgs(project, file string, op ...string) []string {
	args := append([]string{}, e.config.ComposeArgs...)
	args = append(args, "-p", project, "-f", file)
	return append(args, op...)
}

func (e *DefaultExecutor) listNames(ctx context.Context, object, op string) ([]string, error) {
	args := []string{object, op, "--format", "{{.Name}}"}
	result, err := e.run(ctx, args, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to list %ss: %w", object, err)
	}
	return parseLines(result.Stdout), nil
}

func (e *DefaultExecutor) run(ctx context.Context, args []string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	start := time.Now()
	cmdStr := e.config.Binary + " " + strings.Join(args, " ")

	res, err := e.runner.Run(ctx, process.RunOptions{
		Name:    e.config.Binary,
		Args:    args,
		Timeout: timeout,
	})

	result := &Result{
		Duration: time.Since(start),
		Command:  cmdStr,
	}
	if res != nil {
		result.Success = res.ExitCode == 0 && err == nil
		result.ExitCode = res.ExitCode
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
	}

	if err != nil {
		return result, fmt.Errorf("runtime command failed: %w", err)
	}
	return result, nil
}

// parseContainerLines parses `ps --format json` output, one JSON object
// per line.
func parseContainerLines(output string) ([]Container, error) {
	var containers []Container
	for _, line := range parseLines(output) {
		var raw struct {
			Names  string `json:"Names"`
			State  string `json:"State"`
			Image  string `json:"Image"`
			Ports  string `json:"Ports"`
			Labels string `json:"Labels"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse container JSON: %w", err)
		}
		containers = append(containers, Container{
			Name:    raw.Names,
			Service: labelValue(raw.Labels, "com.docker.compose.service"),
			State:   raw.State,
			Image:   raw.Image,
			Ports:   raw.Ports,
		})
	}
	return containers, nil
}

// labelValue extracts one label from docker's comma-joined label string.
func labelValue(labels, key string) string {
	for _, pair := range strings.Split(labels, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func parseLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// Compile-time interface check.
var _ Executor = (*DefaultExecutor)(nil)
