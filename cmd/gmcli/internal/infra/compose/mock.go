package compose

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MockExecutor implements Executor with scripted state for tests.
//
// Containers are kept per project; mutating operations update that state
// the way the real runtime would (Up starts containers, Stop/Down stop or
// remove them), so tests can assert on the state a sequence of operations
// leaves behind. Individual operations can be made to fail by name.
//
// # Thread Safety
//
// MockExecutor is safe for concurrent use.
type MockExecutor struct {
	mu sync.Mutex

	// Projects maps project name to its containers.
	Projects map[string][]Container

	// Networks, Volumes, Images back the list operations.
	Networks []string
	Volumes  []string
	Images   []string

	// Fail maps an operation name (up, stop, down, restart, pull,
	// list-containers) to the error it should return.
	Fail map[string]error

	// Ops records operation invocations in order, rendered as
	// "op project" or "pull image".
	Ops []string

	// UpCalls records the full options of each Up invocation.
	UpCalls []UpOptions

	// DownCalls records the full options of each Down invocation.
	DownCalls []DownOptions
}

var _ Executor = (*MockExecutor)(nil)

// NewMockExecutor creates an empty MockExecutor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		Projects: make(map[string][]Container),
		Fail:     make(map[string]error),
	}
}

// SetContainers replaces the containers recorded for a project.
func (m *MockExecutor) SetContainers(project string, containers []Container) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Projects[project] = containers
}

// SetState sets every container in a project to the given state.
func (m *MockExecutor) SetState(project, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	containers := m.Projects[project]
	for i := range containers {
		containers[i].State = state
	}
}

func (m *MockExecutor) record(op string, err error) error {
	m.Ops = append(m.Ops, op)
	return err
}

// Up marks the project's services running, creating containers for
// services named in the options if the project is empty.
func (m *MockExecutor) Up(ctx context.Context, opts UpOptions) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpCalls = append(m.UpCalls, opts)
	if err := m.record("up "+opts.Project, m.Fail["up"]); err != nil {
		return nil, err
	}

	if len(m.Projects[opts.Project]) == 0 {
		for _, svc := range opts.Services {
			m.Projects[opts.Project] = append(m.Projects[opts.Project], Container{
				Name:    fmt.Sprintf("%s-%s-1", opts.Project, svc),
				Service: svc,
				State:   "running",
			})
		}
	}
	containers := m.Projects[opts.Project]
	for i := range containers {
		if len(opts.Services) == 0 || slices.Contains(opts.Services, containers[i].Service) {
			containers[i].State = "running"
		}
	}
	return &Result{Success: true}, nil
}

// Stop marks the project's containers exited.
func (m *MockExecutor) Stop(ctx context.Context, opts ProjectOptions) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("stop "+opts.Project, m.Fail["stop"]); err != nil {
		return nil, err
	}
	containers := m.Projects[opts.Project]
	for i := range containers {
		containers[i].State = "exited"
	}
	return &Result{Success: true}, nil
}

// Down removes the project's containers.
func (m *MockExecutor) Down(ctx context.Context, opts DownOptions) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DownCalls = append(m.DownCalls, opts)
	if err := m.record("down "+opts.Project, m.Fail["down"]); err != nil {
		return nil, err
	}
	delete(m.Projects, opts.Project)
	return &Result{Success: true}, nil
}

// Restart marks one service running again.
func (m *MockExecutor) Restart(ctx context.Context, opts ServiceOptions) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("restart "+opts.Project+"/"+opts.Service, m.Fail["restart"]); err != nil {
		return nil, err
	}
	containers := m.Projects[opts.Project]
	for i := range containers {
		if containers[i].Service == opts.Service {
			containers[i].State = "running"
		}
	}
	return &Result{Success: true}, nil
}

// Pull records the pulled image.
func (m *MockExecutor) Pull(ctx context.Context, image string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("pull "+image, m.Fail["pull"]); err != nil {
		return nil, err
	}
	m.Images = append(m.Images, image)
	return &Result{Success: true}, nil
}

// ListContainers returns the project's containers.
func (m *MockExecutor) ListContainers(ctx context.Context, project string) ([]Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Fail["list-containers"]; err != nil {
		return nil, err
	}
	out := make([]Container, len(m.Projects[project]))
	copy(out, m.Projects[project])
	return out, nil
}

// ListNetworks returns the scripted network names.
func (m *MockExecutor) ListNetworks(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Networks...), nil
}

// ListVolumes returns the scripted volume names.
func (m *MockExecutor) ListVolumes(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Volumes...), nil
}

// ListImages returns the scripted image references.
func (m *MockExecutor) ListImages(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Images...), nil
}
