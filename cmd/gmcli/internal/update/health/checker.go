// Package health probes the three layers an update depends on: container
// states within a compose project, HTTP endpoints, and database
// accessibility.
//
// A single probe is cheap and point-in-time; WaitHealthy polls until the
// stack is healthy or an overall deadline passes, and keeps every
// observation so a caller can see how the stack behaved over the window,
// not just the final answer.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/compose"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrHealthTimeout is returned when the stack never becomes healthy
	// within the observation window.
	ErrHealthTimeout = errors.New("health check timed out")

	// ErrInvalidConfig is returned when CheckerConfig is invalid.
	ErrInvalidConfig = errors.New("invalid health checker configuration")
)

// =============================================================================
// Types
// =============================================================================

// Pinger answers whether the database responds to a trivial query.
// Satisfied by the database migrator.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Endpoint describes one HTTP probe target.
type Endpoint struct {
	// Name identifies the endpoint in reports.
	Name string

	// URL is probed with a GET request.
	URL string

	// ExpectStatus is the status code treated as healthy.
	// Default: 200
	ExpectStatus int
}

// CheckerConfig configures stack health probing.
type CheckerConfig struct {
	// Project is the compose project whose containers are checked.
	// Required.
	Project string

	// Services lists the services that must be running. Empty means
	// every container in the project listing must be running, and the
	// listing must not be empty.
	Services []string

	// Endpoints are the HTTP probe targets. May be empty.
	Endpoints []Endpoint

	// Interval is the polling cadence for WaitHealthy.
	// Default: 5 seconds
	Interval time.Duration

	// OverallTimeout bounds the whole WaitHealthy observation window.
	// Default: 2 minutes
	OverallTimeout time.Duration

	// ProbeTimeout bounds each individual HTTP probe.
	// Default: 10 seconds
	ProbeTimeout time.Duration
}

// DefaultCheckerConfig returns defaults for everything but the project.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		Interval:       5 * time.Second,
		OverallTimeout: 2 * time.Minute,
		ProbeTimeout:   10 * time.Second,
	}
}

// EndpointResult is the outcome of one HTTP probe.
type EndpointResult struct {
	// StatusCode is the HTTP status received, zero on transport failure.
	StatusCode int `json:"statusCode"`

	// Latency is the probe round-trip time.
	Latency time.Duration `json:"latency"`

	// Error holds the failure message, empty when healthy.
	Error string `json:"error,omitempty"`
}

// Observation is one point-in-time health snapshot within a polling
// window.
type Observation struct {
	// At is when the probe ran.
	At time.Time `json:"at"`

	// Healthy is the overall verdict of this probe.
	Healthy bool `json:"healthy"`

	// Failures names what was unhealthy, empty when Healthy.
	Failures []string `json:"failures,omitempty"`
}

// HealthReport is the full outcome of a health check.
type HealthReport struct {
	// Healthy is the overall verdict.
	Healthy bool `json:"healthy"`

	// Containers maps service name to container state.
	Containers map[string]string `json:"containers"`

	// Endpoints maps endpoint name to its probe result.
	Endpoints map[string]EndpointResult `json:"endpoints,omitempty"`

	// DatabaseAccessible reports the database probe, when configured.
	DatabaseAccessible bool `json:"databaseAccessible"`

	// DatabaseError holds the database probe failure, if any.
	DatabaseError string `json:"databaseError,omitempty"`

	// Observations is the full polling history, oldest first. A single
	// probe yields one entry.
	Observations []Observation `json:"observations,omitempty"`

	// DurationObserved is how long the stack was watched.
	DurationObserved time.Duration `json:"durationObserved"`

	// Error summarizes why the report is unhealthy.
	Error string `json:"error,omitempty"`
}

// =============================================================================
// Checker
// =============================================================================

// Checker probes stack health.
type Checker struct {
	cfg      CheckerConfig
	executor compose.Executor
	pinger   Pinger
	client   *http.Client
	log      *logging.Logger

	nowFunc func() time.Time
}

// NewChecker creates a health checker. The pinger may be nil when no
// database probe is wanted.
func NewChecker(cfg CheckerConfig, executor compose.Executor, pinger Pinger, log *logging.Logger) (*Checker, error) {
	def := DefaultCheckerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = def.OverallTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("%w: Project is required", ErrInvalidConfig)
	}
	if executor == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidConfig)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Checker{
		cfg:      cfg,
		executor: executor,
		pinger:   pinger,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		log:      log,
		nowFunc:  time.Now,
	}, nil
}

// CheckOnce runs a single probe of all three layers and reports the
// point-in-time result. It never returns an error; failures are part of
// the report.
func (c *Checker) CheckOnce(ctx context.Context) *HealthReport {
	start := c.nowFunc()
	report := &HealthReport{
		Containers: make(map[string]string),
		Endpoints:  make(map[string]EndpointResult),
	}

	var failures []string
	failures = append(failures, c.probeContainers(ctx, report)...)
	failures = append(failures, c.probeEndpoints(ctx, report)...)
	failures = append(failures, c.probeDatabase(ctx, report)...)

	report.Healthy = len(failures) == 0
	if !report.Healthy {
		report.Error = strings.Join(failures, "; ")
	}
	report.Observations = []Observation{{
		At:       start,
		Healthy:  report.Healthy,
		Failures: failures,
	}}
	report.DurationObserved = c.nowFunc().Sub(start)
	return report
}

// WaitHealthy polls until the stack is healthy or the overall timeout
// passes. The returned report is the last probe taken, carrying the full
// observation history; on timeout it is returned together with
// ErrHealthTimeout.
func (c *Checker) WaitHealthy(ctx context.Context) (*HealthReport, error) {
	start := c.nowFunc()
	deadline, cancel := context.WithTimeout(ctx, c.cfg.OverallTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(c.cfg.Interval), 1)
	var history []Observation

	var lastReport *HealthReport
	for {
		// The limiter's initial token admits the first probe
		// immediately; later probes are spaced by Interval.
		if err := limiter.Wait(deadline); err != nil {
			msg := "no probe completed"
			if lastReport != nil {
				msg = lastReport.Error
			}
			report := lastReport
			if report == nil {
				report = &HealthReport{}
			}
			report.Error = fmt.Sprintf("stack did not become healthy within %v: %s",
				c.cfg.OverallTimeout, msg)
			return report, fmt.Errorf("%w: %s", ErrHealthTimeout, report.Error)
		}

		report := c.CheckOnce(ctx)
		history = append(history, report.Observations...)
		report.Observations = history
		report.DurationObserved = c.nowFunc().Sub(start)

		if report.Healthy {
			c.log.Debug("stack healthy", "project", c.cfg.Project,
				"observations", len(history))
			return report, nil
		}
		c.log.Debug("stack not yet healthy", "project", c.cfg.Project,
			"failures", report.Error)
		lastReport = report
	}
}

// =============================================================================
// Probes
// =============================================================================

func (c *Checker) probeContainers(ctx context.Context, report *HealthReport) []string {
	containers, err := c.executor.ListContainers(ctx, c.cfg.Project)
	if err != nil {
		return []string{fmt.Sprintf("list containers: %v", err)}
	}

	states := make(map[string]string, len(containers))
	for _, ct := range containers {
		name := ct.Service
		if name == "" {
			name = ct.Name
		}
		states[name] = ct.State
		report.Containers[name] = ct.State
	}

	var failures []string
	if len(c.cfg.Services) > 0 {
		for _, svc := range c.cfg.Services {
			state, ok := states[svc]
			switch {
			case !ok:
				failures = append(failures, fmt.Sprintf("service %s: no container", svc))
			case state != "running":
				failures = append(failures, fmt.Sprintf("service %s: %s", svc, state))
			}
		}
		return failures
	}

	if len(containers) == 0 {
		return []string{"no containers in project"}
	}
	for name, state := range states {
		if state != "running" {
			failures = append(failures, fmt.Sprintf("service %s: %s", name, state))
		}
	}
	return failures
}

func (c *Checker) probeEndpoints(ctx context.Context, report *HealthReport) []string {
	var failures []string
	for _, ep := range c.cfg.Endpoints {
		result := c.probeEndpoint(ctx, ep)
		report.Endpoints[ep.Name] = result
		if result.Error != "" {
			failures = append(failures, fmt.Sprintf("endpoint %s: %s", ep.Name, result.Error))
		}
	}
	return failures
}

func (c *Checker) probeEndpoint(ctx context.Context, ep Endpoint) EndpointResult {
	expect := ep.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}

	start := c.nowFunc()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return EndpointResult{Error: err.Error()}
	}

	resp, err := c.client.Do(req)
	latency := c.nowFunc().Sub(start)
	if err != nil {
		return EndpointResult{Latency: latency, Error: err.Error()}
	}
	resp.Body.Close()

	result := EndpointResult{StatusCode: resp.StatusCode, Latency: latency}
	if resp.StatusCode != expect {
		result.Error = fmt.Sprintf("status %d, want %d", resp.StatusCode, expect)
	}
	return result
}

func (c *Checker) probeDatabase(ctx context.Context, report *HealthReport) []string {
	if c.pinger == nil {
		report.DatabaseAccessible = true
		return nil
	}
	if err := c.pinger.Ping(ctx); err != nil {
		report.DatabaseError = err.Error()
		return []string{fmt.Sprintf("database: %v", err)}
	}
	report.DatabaseAccessible = true
	return nil
}
