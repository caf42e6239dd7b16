// Package deploy applies a plan's image changes to the running compose
// stack, either blue-green or service-by-service.
//
// Blue-green stands up a complete parallel environment (ports shifted,
// names suffixed, new images) next to the running one, health-checks it,
// and only then switches traffic by recreating the canonical project from
// the promoted descriptor. Rolling updates one service at a time and
// restores every touched service in reverse order on failure, so the
// batch is all-or-nothing either way.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/compose"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/health"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/plan"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrPullFailed is returned when an image pull fails. Pulls happen
	// before any container state changes, so this error means the stack
	// is untouched.
	ErrPullFailed = errors.New("image pull failed")

	// ErrDeployFailed is returned when starting or switching an
	// environment fails.
	ErrDeployFailed = errors.New("deployment failed")

	// ErrUnhealthy is returned when an updated environment never becomes
	// healthy within the observation window.
	ErrUnhealthy = errors.New("updated deployment unhealthy")

	// ErrRollbackFailed is returned when restoring the previous
	// deployment fails. It is reported alongside the triggering error,
	// never instead of it.
	ErrRollbackFailed = errors.New("container rollback failed")

	// ErrInvalidConfig is returned when UpdaterConfig is invalid.
	ErrInvalidConfig = errors.New("invalid updater configuration")
)

// =============================================================================
// Types
// =============================================================================

// Strategy selects how containers are updated.
type Strategy string

const (
	// StrategyBlueGreen stands up a parallel environment and switches.
	StrategyBlueGreen Strategy = "blue-green"

	// StrategyRolling updates services one at a time in place.
	StrategyRolling Strategy = "rolling"
)

// greenFileName is the staged green descriptor written during blue-green
// deploys.
const greenFileName = "green.yaml"

// UpdaterConfig configures container updates.
type UpdaterConfig struct {
	// Project is the compose project name of the running stack.
	// Required.
	Project string

	// ComposeFile is the canonical compose descriptor path. Required.
	ComposeFile string

	// GreenSuffix is appended to the project and container names of the
	// parallel environment.
	// Default: "-green"
	GreenSuffix string

	// PortOffset shifts the parallel environment's published ports.
	// Default: 1000
	PortOffset int

	// PullConcurrency bounds parallel image pulls.
	// Default: 3
	PullConcurrency int

	// StagingDir holds derived descriptors. Empty means a fresh
	// temporary directory per update.
	StagingDir string
}

// DefaultUpdaterConfig returns defaults for everything but the project
// and compose file.
func DefaultUpdaterConfig() UpdaterConfig {
	return UpdaterConfig{
		GreenSuffix:     "-green",
		PortOffset:      1000,
		PullConcurrency: 3,
	}
}

// UpdateResult summarizes a container update.
type UpdateResult struct {
	// Strategy is how the update was applied.
	Strategy Strategy `json:"strategy"`

	// Success indicates the stack runs the plan's images.
	Success bool `json:"success"`

	// UpdatedServices lists the services whose image changed, in the
	// order they were (or would have been) applied.
	UpdatedServices []string `json:"updatedServices"`

	// PreviousImages maps each updated service to the image it ran
	// before the update, for rollback.
	PreviousImages map[string]string `json:"previousImages"`

	// RolledBack indicates the previous deployment was restored after
	// a failure.
	RolledBack bool `json:"rolledBack"`

	// Health is the final health report observed.
	Health *health.HealthReport `json:"health,omitempty"`

	// Duration is the total update time.
	Duration time.Duration `json:"duration"`
}

// DeploymentStatus is a snapshot of the runtime state of the stack.
type DeploymentStatus struct {
	Containers []compose.Container  `json:"containers"`
	Networks   []string             `json:"networks"`
	Volumes    []string             `json:"volumes"`
	Images     []string             `json:"images"`
	Health     *health.HealthReport `json:"health,omitempty"`
}

// HealthChecker is the probe surface the updater needs. Satisfied by
// *health.Checker.
type HealthChecker interface {
	CheckOnce(ctx context.Context) *health.HealthReport
	WaitHealthy(ctx context.Context) (*health.HealthReport, error)
}

// CheckerFactory builds a health checker scoped to one project, limited
// to the named services when the list is non-empty.
type CheckerFactory func(project string, services []string) (HealthChecker, error)

// Updater applies plan image changes to the running stack.
//
// # Thread Safety
//
// Implementations are not safe for concurrent mutation. The caller holds
// the update lock for the duration of any mutating operation.
type Updater interface {
	// UpdateBlueGreen applies the plan through a parallel environment.
	UpdateBlueGreen(ctx context.Context, p *plan.UpdatePlan) (*UpdateResult, error)

	// UpdateRolling applies the plan one service at a time.
	UpdateRolling(ctx context.Context, p *plan.UpdatePlan) (*UpdateResult, error)

	// RollbackToPrevious restores every service named by the plan to its
	// pre-update image.
	RollbackToPrevious(ctx context.Context, p *plan.UpdatePlan) error

	// GetStatus reports containers, networks, volumes, images, and a
	// point-in-time health probe.
	GetStatus(ctx context.Context) (*DeploymentStatus, error)
}

// =============================================================================
// ComposeUpdater
// =============================================================================

// ComposeUpdater implements Updater on top of the compose executor.
type ComposeUpdater struct {
	cfg        UpdaterConfig
	executor   compose.Executor
	newChecker CheckerFactory
	log        *logging.Logger
}

var _ Updater = (*ComposeUpdater)(nil)

// NewComposeUpdater creates an updater after validating the configuration.
func NewComposeUpdater(cfg UpdaterConfig, executor compose.Executor, newChecker CheckerFactory, log *logging.Logger) (*ComposeUpdater, error) {
	def := DefaultUpdaterConfig()
	if cfg.GreenSuffix == "" {
		cfg.GreenSuffix = def.GreenSuffix
	}
	if cfg.PortOffset <= 0 {
		cfg.PortOffset = def.PortOffset
	}
	if cfg.PullConcurrency <= 0 {
		cfg.PullConcurrency = def.PullConcurrency
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("%w: Project is required", ErrInvalidConfig)
	}
	if cfg.ComposeFile == "" {
		return nil, fmt.Errorf("%w: ComposeFile is required", ErrInvalidConfig)
	}
	if executor == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidConfig)
	}
	if newChecker == nil {
		return nil, fmt.Errorf("%w: checker factory is required", ErrInvalidConfig)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &ComposeUpdater{cfg: cfg, executor: executor, newChecker: newChecker, log: log}, nil
}

// =============================================================================
// Blue-Green
// =============================================================================

// UpdateBlueGreen runs the blue-green sequence:
//
//  1. capture the running (blue) descriptor
//  2. derive the green descriptor: plan images substituted, published
//     ports shifted, container names suffixed
//  3. pull every target image (nothing has changed yet on failure)
//  4. start the green project and wait for it to become healthy
//  5. switch: stop blue, recreate the canonical project from the
//     promoted descriptor, confirm at least one container is running
//  6. tear down the green project and persist the promoted descriptor
//
// An unhealthy green environment is torn down and blue is left running
// untouched. A failure during the switch restores blue from the original
// descriptor.
func (u *ComposeUpdater) UpdateBlueGreen(ctx context.Context, p *plan.UpdatePlan) (*UpdateResult, error) {
	start := time.Now()
	result := &UpdateResult{Strategy: StrategyBlueGreen}

	blue, err := compose.LoadDescriptor(u.cfg.ComposeFile)
	if err != nil {
		return result, err
	}
	originalData, err := blue.Marshal()
	if err != nil {
		return result, err
	}

	// Promoted descriptor: new images, canonical ports, canonical names.
	promoted, err := compose.ParseDescriptor(originalData)
	if err != nil {
		return result, err
	}
	updated, previous, err := applyPlanImages(promoted, p)
	if err != nil {
		return result, err
	}
	result.UpdatedServices = updated
	result.PreviousImages = previous

	// Green descriptor: promoted plus port shift and name suffix.
	promotedData, err := promoted.Marshal()
	if err != nil {
		return result, err
	}
	green, err := compose.ParseDescriptor(promotedData)
	if err != nil {
		return result, err
	}
	if err := green.ShiftPublishedPorts(u.cfg.PortOffset); err != nil {
		return result, err
	}
	green.SuffixContainerNames(u.cfg.GreenSuffix)

	staging, cleanupStaging, err := u.stagingDir()
	if err != nil {
		return result, err
	}
	defer cleanupStaging()

	greenFile := filepath.Join(staging, greenFileName)
	if err := green.WriteFile(greenFile); err != nil {
		return result, err
	}
	promotedFile := filepath.Join(staging, "promoted.yaml")
	if err := os.WriteFile(promotedFile, promotedData, 0o644); err != nil {
		return result, err
	}

	if err := u.pullImages(ctx, p); err != nil {
		return result, err
	}

	greenProject := u.cfg.Project + u.cfg.GreenSuffix
	u.log.Info("starting green environment", "project", greenProject, "portOffset", u.cfg.PortOffset)
	if _, err := u.executor.Up(ctx, compose.UpOptions{
		Project:  greenProject,
		File:     greenFile,
		Services: green.Services(),
	}); err != nil {
		u.discardGreen(ctx, greenProject, greenFile)
		return result, fmt.Errorf("%w: start green environment: %v", ErrDeployFailed, err)
	}

	checker, err := u.newChecker(greenProject, nil)
	if err != nil {
		u.discardGreen(ctx, greenProject, greenFile)
		return result, err
	}
	report, err := checker.WaitHealthy(ctx)
	result.Health = report
	if err != nil {
		u.log.Warn("green environment unhealthy, keeping blue", "project", greenProject, "error", err)
		u.discardGreen(ctx, greenProject, greenFile)
		result.RolledBack = true
		result.Duration = time.Since(start)
		return result, fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}

	if err := u.switchTraffic(ctx, promotedFile, greenProject, greenFile); err != nil {
		result.RolledBack = u.restoreBlue(ctx, greenProject, greenFile) == nil
		result.Duration = time.Since(start)
		return result, err
	}

	// The stack now runs the plan's images on canonical ports; make the
	// descriptor on disk agree with it.
	if err := os.WriteFile(u.cfg.ComposeFile, promotedData, 0o644); err != nil {
		return result, fmt.Errorf("persist promoted descriptor: %w", err)
	}

	result.Success = true
	result.Duration = time.Since(start)
	u.log.Info("blue-green update complete", "services", strings.Join(updated, ","))
	return result, nil
}

// switchTraffic stops the blue containers, recreates the canonical
// project from the promoted descriptor, and removes the green project
// only after the switch is validated.
func (u *ComposeUpdater) switchTraffic(ctx context.Context, promotedFile, greenProject, greenFile string) error {
	if _, err := u.executor.Stop(ctx, compose.ProjectOptions{Project: u.cfg.Project, File: u.cfg.ComposeFile}); err != nil {
		return fmt.Errorf("%w: stop blue: %v", ErrDeployFailed, err)
	}

	if _, err := u.executor.Up(ctx, compose.UpOptions{Project: u.cfg.Project, File: promotedFile}); err != nil {
		return fmt.Errorf("%w: recreate canonical project: %v", ErrDeployFailed, err)
	}

	containers, err := u.executor.ListContainers(ctx, u.cfg.Project)
	if err != nil {
		return fmt.Errorf("%w: validate switch: %v", ErrDeployFailed, err)
	}
	running := 0
	for _, ct := range containers {
		if ct.State == "running" {
			running++
		}
	}
	if running == 0 {
		return fmt.Errorf("%w: no container running after traffic switch", ErrDeployFailed)
	}

	u.discardGreen(ctx, greenProject, greenFile)
	return nil
}

// discardGreen tears down the parallel environment. Best-effort: the
// worst outcome is leftover stopped containers, never a broken blue.
func (u *ComposeUpdater) discardGreen(ctx context.Context, greenProject, greenFile string) {
	if _, err := u.executor.Down(ctx, compose.DownOptions{Project: greenProject, File: greenFile, RemoveOrphans: true}); err != nil {
		u.log.Warn("failed to remove green environment", "project", greenProject, "error", err)
	}
}

// restoreBlue brings the original stack back after a failed switch.
func (u *ComposeUpdater) restoreBlue(ctx context.Context, greenProject, greenFile string) error {
	u.discardGreen(ctx, greenProject, greenFile)
	if _, err := u.executor.Up(ctx, compose.UpOptions{Project: u.cfg.Project, File: u.cfg.ComposeFile}); err != nil {
		u.log.Error("failed to restore blue environment", "project", u.cfg.Project, "error", err)
		return fmt.Errorf("%w: restore blue: %v", ErrRollbackFailed, err)
	}
	return nil
}

// =============================================================================
// Rolling
// =============================================================================

// UpdateRolling applies the plan one service at a time, in plan order.
// Each service must become healthy before the next one is touched; a
// failure restores every touched service in reverse order, so the stack
// ends on either all new images or all prior ones.
func (u *ComposeUpdater) UpdateRolling(ctx context.Context, p *plan.UpdatePlan) (*UpdateResult, error) {
	start := time.Now()
	result := &UpdateResult{Strategy: StrategyRolling, PreviousImages: make(map[string]string)}

	desc, err := compose.LoadDescriptor(u.cfg.ComposeFile)
	if err != nil {
		return result, err
	}
	targets, err := planTargets(desc, p)
	if err != nil {
		return result, err
	}

	if err := u.pullImages(ctx, p); err != nil {
		return result, err
	}

	staging, cleanupStaging, err := u.stagingDir()
	if err != nil {
		return result, err
	}
	defer cleanupStaging()
	workFile := filepath.Join(staging, "rolling.yaml")

	// touched covers every service whose image was applied, including
	// the one that failed; rollback must restore all of them so the
	// stack ends on the exact prior image set.
	var touched []string
	for _, target := range targets {
		result.PreviousImages[target.service] = target.previousImage
		touched = append(touched, target.service)

		u.log.Info("updating service", "service", target.service, "image", target.image)
		if err := u.applyServiceImage(ctx, desc, workFile, target.service, target.image); err != nil {
			return u.rollbackRolling(ctx, result, desc, workFile, touched, start, err)
		}

		checker, err := u.newChecker(u.cfg.Project, []string{target.service})
		if err != nil {
			return u.rollbackRolling(ctx, result, desc, workFile, touched, start, err)
		}
		report, err := checker.WaitHealthy(ctx)
		result.Health = report
		if err != nil {
			unhealthy := fmt.Errorf("%w: service %s: %v", ErrUnhealthy, target.service, err)
			return u.rollbackRolling(ctx, result, desc, workFile, touched, start, unhealthy)
		}

		result.UpdatedServices = append(result.UpdatedServices, target.service)
	}

	// All services healthy on new images; persist the descriptor.
	if err := desc.WriteFile(u.cfg.ComposeFile); err != nil {
		return result, fmt.Errorf("persist updated descriptor: %w", err)
	}

	result.Success = true
	result.Duration = time.Since(start)
	return result, nil
}

// applyServiceImage rewrites one service's image in the working
// descriptor and recreates just that container.
func (u *ComposeUpdater) applyServiceImage(ctx context.Context, desc *compose.Descriptor, workFile, service, image string) error {
	if err := desc.SetImage(service, image); err != nil {
		return err
	}
	if err := desc.WriteFile(workFile); err != nil {
		return err
	}
	if _, err := u.executor.Up(ctx, compose.UpOptions{
		Project:  u.cfg.Project,
		File:     workFile,
		Services: []string{service},
		NoDeps:   true,
	}); err != nil {
		return fmt.Errorf("%w: update service %s: %v", ErrDeployFailed, service, err)
	}
	return nil
}

// rollbackRolling restores every touched service in reverse order and
// reports the triggering error, joined with a rollback error when the
// restore itself fails.
func (u *ComposeUpdater) rollbackRolling(ctx context.Context, result *UpdateResult, desc *compose.Descriptor, workFile string, touched []string, start time.Time, cause error) (*UpdateResult, error) {
	u.log.Warn("rolling update failed, restoring prior images",
		"touched", strings.Join(touched, ","), "error", cause)

	var rollbackErrs []error
	for i := len(touched) - 1; i >= 0; i-- {
		service := touched[i]
		prior := result.PreviousImages[service]
		if err := u.applyServiceImage(ctx, desc, workFile, service, prior); err != nil {
			rollbackErrs = append(rollbackErrs, fmt.Errorf("%w: service %s: %v", ErrRollbackFailed, service, err))
		}
	}

	result.Duration = time.Since(start)
	if len(rollbackErrs) > 0 {
		return result, errors.Join(append([]error{cause}, rollbackErrs...)...)
	}
	result.RolledBack = true
	return result, cause
}

// =============================================================================
// Rollback and Status
// =============================================================================

// RollbackToPrevious restores every plan image to its pre-update tag and
// recreates the affected services. Any leftover green environment is
// removed first.
func (u *ComposeUpdater) RollbackToPrevious(ctx context.Context, p *plan.UpdatePlan) error {
	greenProject := u.cfg.Project + u.cfg.GreenSuffix
	if containers, err := u.executor.ListContainers(ctx, greenProject); err == nil && len(containers) > 0 {
		u.discardGreen(ctx, greenProject, u.greenDescriptorPath())
	}

	desc, err := compose.LoadDescriptor(u.cfg.ComposeFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	restored := false
	for _, svc := range desc.Services() {
		image, err := desc.Image(svc)
		if err != nil {
			continue
		}
		for _, ref := range p.Images {
			if imageName(image) != ref.Name {
				continue
			}
			if err := desc.SetImage(svc, ref.CurrentRef()); err != nil {
				return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
			}
			restored = true
		}
	}
	if !restored {
		return nil
	}

	if err := desc.WriteFile(u.cfg.ComposeFile); err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	if _, err := u.executor.Up(ctx, compose.UpOptions{Project: u.cfg.Project, File: u.cfg.ComposeFile}); err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	u.log.Info("containers rolled back to previous images", "project", u.cfg.Project)
	return nil
}

// GetStatus reports the runtime state of the canonical project.
func (u *ComposeUpdater) GetStatus(ctx context.Context) (*DeploymentStatus, error) {
	containers, err := u.executor.ListContainers(ctx, u.cfg.Project)
	if err != nil {
		return nil, err
	}
	networks, err := u.executor.ListNetworks(ctx)
	if err != nil {
		return nil, err
	}
	volumes, err := u.executor.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	images, err := u.executor.ListImages(ctx)
	if err != nil {
		return nil, err
	}

	status := &DeploymentStatus{
		Containers: containers,
		Networks:   networks,
		Volumes:    volumes,
		Images:     images,
	}
	if checker, err := u.newChecker(u.cfg.Project, nil); err == nil {
		status.Health = checker.CheckOnce(ctx)
	}
	return status, nil
}

// =============================================================================
// Helpers
// =============================================================================

// pullImages fetches every target image with a bounded window. Failures
// abort before any container state changes.
func (u *ComposeUpdater) pullImages(ctx context.Context, p *plan.UpdatePlan) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.PullConcurrency)
	for _, ref := range p.Images {
		g.Go(func() error {
			if _, err := u.executor.Pull(ctx, ref.Ref()); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrPullFailed, ref.Ref(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// greenDescriptorPath returns the staged green descriptor left behind by
// the last blue-green deploy, when it still exists. The canonical
// descriptor is the fallback for the per-update temp dir case, where the
// staged file is already gone; teardown is project-scoped, so compose
// only needs a loadable file.
func (u *ComposeUpdater) greenDescriptorPath() string {
	if u.cfg.StagingDir != "" {
		staged := filepath.Join(u.cfg.StagingDir, greenFileName)
		if _, err := os.Stat(staged); err == nil {
			return staged
		}
	}
	return u.cfg.ComposeFile
}

func (u *ComposeUpdater) stagingDir() (string, func(), error) {
	if u.cfg.StagingDir != "" {
		if err := os.MkdirAll(u.cfg.StagingDir, 0o755); err != nil {
			return "", nil, err
		}
		return u.cfg.StagingDir, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "gmcli-deploy-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// serviceTarget is one service to update, with its prior image recorded
// for rollback.
type serviceTarget struct {
	service       string
	image         string
	previousImage string
}

// planTargets resolves the plan to concrete per-service image changes.
// Explicit service bindings take precedence; otherwise services are
// matched to plan images by repository name.
func planTargets(desc *compose.Descriptor, p *plan.UpdatePlan) ([]serviceTarget, error) {
	byImage := make(map[string]plan.ImageRef, len(p.Images))
	for _, ref := range p.Images {
		byImage[ref.Name] = ref
	}

	var targets []serviceTarget
	if len(p.Services) > 0 {
		for _, svc := range p.Services {
			previous, err := desc.Image(svc.Name)
			if err != nil {
				return nil, err
			}
			ref, ok := byImage[svc.Image]
			if !ok {
				return nil, fmt.Errorf("service %s references image %s not present in plan", svc.Name, svc.Image)
			}
			targets = append(targets, serviceTarget{service: svc.Name, image: ref.Ref(), previousImage: previous})
		}
		return targets, nil
	}

	for _, svc := range desc.Services() {
		image, err := desc.Image(svc)
		if err != nil {
			continue // service without an image (build-only), skip
		}
		if ref, ok := byImage[imageName(image)]; ok {
			targets = append(targets, serviceTarget{service: svc, image: ref.Ref(), previousImage: image})
		}
	}
	if len(targets) == 0 {
		return nil, errors.New("no service in the compose descriptor runs any plan image")
	}
	return targets, nil
}

// applyPlanImages substitutes the plan's images into the descriptor and
// returns the updated service names with their prior images.
func applyPlanImages(desc *compose.Descriptor, p *plan.UpdatePlan) ([]string, map[string]string, error) {
	targets, err := planTargets(desc, p)
	if err != nil {
		return nil, nil, err
	}
	var updated []string
	previous := make(map[string]string, len(targets))
	for _, target := range targets {
		if err := desc.SetImage(target.service, target.image); err != nil {
			return nil, nil, err
		}
		updated = append(updated, target.service)
		previous[target.service] = target.previousImage
	}
	return updated, previous, nil
}

// imageName strips the tag from an image reference, preserving
// registry ports (localhost:5000/app).
func imageName(image string) string {
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon > slash {
		return image[:colon]
	}
	return image
}
