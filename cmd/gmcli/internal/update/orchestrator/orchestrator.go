// Package orchestrator drives a complete update through three persisted
// phases: validation, execution, and post-validation.
//
// The orchestrator is the only component callers touch. It owns the
// update lock and the state document; every other component receives the
// plan by value and reports a result back. Phases run as linear step
// lists with a cancellation check between steps, and rollback is decided
// purely from what is recorded in state (a container update result, a
// backup id), never from control flow buried in the failure path.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/deploy"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/health"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/migrate"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/plan"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/remote"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/state"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/verify"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrCancelled is returned when Cancel interrupts a run between
	// steps. A cancelled run completes its rollback before returning.
	ErrCancelled = errors.New("update cancelled")

	// ErrUnhealthyBeforeUpdate is returned when the running stack fails
	// its health check before anything has changed. A broken system is
	// never upgraded.
	ErrUnhealthyBeforeUpdate = errors.New("deployment unhealthy before update")

	// ErrInvalidConfig is returned when the orchestrator is assembled
	// without a required component.
	ErrInvalidConfig = errors.New("invalid orchestrator configuration")
)

// =============================================================================
// Types
// =============================================================================

// Verifier is the signature-check surface the orchestrator needs.
// Satisfied by *verify.CosignVerifier.
type Verifier interface {
	VerifyMany(ctx context.Context, images []string) map[string]verify.Result
}

// Config configures update execution.
type Config struct {
	// Strategy selects the container update strategy.
	// Default: deploy.StrategyBlueGreen
	Strategy deploy.Strategy
}

// Result is the outcome of Execute, returned alongside any error so the
// caller always learns which phase failed and how rollback went.
type Result struct {
	// Success indicates the update completed and validated.
	Success bool `json:"success"`

	// Strategy is the container strategy that was applied.
	Strategy deploy.Strategy `json:"strategy"`

	// Phase is the phase the run ended in: completed, or the phase the
	// failure surfaced from.
	Phase state.Phase `json:"phase"`

	// BackupID is the pre-update database backup, when one was taken.
	BackupID string `json:"backupId,omitempty"`

	// Update is the container update result, when execution got there.
	Update *deploy.UpdateResult `json:"update,omitempty"`

	// Health is the last health report observed.
	Health *health.HealthReport `json:"health,omitempty"`

	// RollbackAttempted and RollbackSucceeded describe the rollback
	// path, meaningful only on failure.
	RollbackAttempted bool `json:"rollbackAttempted"`
	RollbackSucceeded bool `json:"rollbackSucceeded"`

	// Duration is the total run time.
	Duration time.Duration `json:"duration"`
}

// Projection describes what Execute would do, without doing any of it.
type Projection struct {
	// Strategy is the container strategy that would be used.
	Strategy deploy.Strategy `json:"strategy"`

	// Steps lists every side-effecting step in execution order.
	Steps []ProjectedStep `json:"steps"`
}

// ProjectedStep is one would-be action of a dry run.
type ProjectedStep struct {
	Phase       state.Phase `json:"phase"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
}

// ProgressInfo reports where an update stands, read from persisted state
// so it works across processes.
type ProgressInfo struct {
	Phase     state.Phase `json:"phase"`
	Progress  int         `json:"progress"`
	BackupID  string      `json:"backupId,omitempty"`
	StartedAt time.Time   `json:"startedAt,omitempty"`
}

// CancellationResult acknowledges a cancellation request and reports
// the phase the run was in when it arrived.
type CancellationResult struct {
	Acknowledged bool        `json:"acknowledged"`
	Phase        state.Phase `json:"phase"`
}

// step is one unit of a phase's linear driver.
type step struct {
	name string
	run  func(ctx context.Context) error
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator composes the verifier, state store, migrator, and
// container updater into the phased update workflow.
//
// # Thread Safety
//
// Execute must not be called concurrently from the same process; the
// on-disk lock rejects concurrent runs across processes. Cancel and
// GetProgress are safe to call from other goroutines while Execute runs.
type Orchestrator struct {
	cfg      Config
	store    state.Store
	verifier Verifier
	migrator migrate.Migrator
	updater  deploy.Updater
	checker  deploy.HealthChecker
	mirror   remote.Mirror
	metrics  *Metrics
	log      *logging.Logger
	tracer   trace.Tracer

	cancelled atomic.Bool
}

// New assembles an orchestrator. The mirror may be nil; metrics may be
// nil for an unregistered default.
func New(cfg Config, store state.Store, verifier Verifier, migrator migrate.Migrator, updater deploy.Updater, checker deploy.HealthChecker, mirror remote.Mirror, metrics *Metrics, log *logging.Logger) (*Orchestrator, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = deploy.StrategyBlueGreen
	}
	if store == nil || verifier == nil || migrator == nil || updater == nil || checker == nil {
		return nil, fmt.Errorf("%w: store, verifier, migrator, updater, and checker are required", ErrInvalidConfig)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		migrator: migrator,
		updater:  updater,
		checker:  checker,
		mirror:   mirror,
		metrics:  metrics,
		log:      log,
		tracer:   otel.Tracer("gmcli/update"),
	}, nil
}

// =============================================================================
// Execute
// =============================================================================

// Execute runs the full update workflow for one plan.
//
// Phase 1 (validation) verifies every image signature, confirms the
// running stack is healthy, and takes the pre-update database backup.
// Failures here abort before any destructive action. Phase 2 (execution)
// applies the schema migration and the container update. Phase 3
// (post-validation) re-checks health and runs a functional database
// probe. Any failure in phase 2 or 3 triggers rollback of containers
// first, then the database, with the reason recorded in state.
//
// The lock is released on every path, including panic.
func (o *Orchestrator) Execute(ctx context.Context, p *plan.UpdatePlan) (*Result, error) {
	start := time.Now()
	o.cancelled.Store(false)

	result := &Result{Strategy: o.cfg.Strategy, Phase: state.PhaseIdle}

	if err := p.Validate(); err != nil {
		return result, err
	}

	handle, err := o.store.AcquireLock(ctx)
	if err != nil {
		return result, err
	}
	defer func() {
		// Runs on success, failure, and panic alike; an update must
		// never leave the lock held.
		if relErr := o.store.ReleaseLock(handle); relErr != nil {
			o.log.Error("failed to release update lock", "error", relErr)
		}
	}()

	ctx, span := o.tracer.Start(ctx, "update.execute",
		trace.WithAttributes(attribute.String("strategy", string(o.cfg.Strategy))))
	defer span.End()

	st := state.DefaultState()
	st.StartedAt = start.UTC()

	// Phase 1: nothing durable has changed yet, so failures abort
	// without rollback.
	if err := o.runPhase(ctx, &st, handle, state.PhaseValidation, 10, o.validationSteps(p, &st, result)); err != nil {
		result.Phase = state.PhaseValidation
		result.Duration = time.Since(start)
		o.metrics.countUpdate("failed")
		o.failState(&st, handle, err)
		return result, err
	}

	if err := o.runPhase(ctx, &st, handle, state.PhaseExecution, 40, o.executionSteps(p, &st, handle, result)); err != nil {
		return o.rollback(ctx, p, &st, handle, result, err, start)
	}

	if err := o.runPhase(ctx, &st, handle, state.PhasePostValidation, 90, o.postValidationSteps(result)); err != nil {
		return o.rollback(ctx, p, &st, handle, result, err, start)
	}

	now := time.Now().UTC()
	st.CurrentPhase = state.PhaseCompleted
	st.Progress = 100
	st.CompletedAt = &now
	if err := o.store.SaveState(st, handle); err != nil {
		return result, err
	}

	result.Success = true
	result.Phase = state.PhaseCompleted
	result.Duration = time.Since(start)
	o.metrics.countUpdate("success")
	o.log.Info("update completed", "strategy", string(o.cfg.Strategy),
		"backupId", result.BackupID, "duration", result.Duration)
	return result, nil
}

// runPhase persists the phase boundary, then drives the steps linearly
// with a cancellation check before each one.
func (o *Orchestrator) runPhase(ctx context.Context, st *state.UpdateState, handle *state.LockHandle, phase state.Phase, progress int, steps []step) error {
	phaseStart := time.Now()
	ctx, span := o.tracer.Start(ctx, "update."+string(phase))
	defer span.End()
	defer func() { o.metrics.observePhase(string(phase), time.Since(phaseStart)) }()

	st.CurrentPhase = phase
	st.Progress = progress
	if err := o.store.SaveState(*st, handle); err != nil {
		return err
	}

	for _, s := range steps {
		if o.cancelled.Load() {
			return fmt.Errorf("%w: before step %s", ErrCancelled, s.name)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: before step %s", ErrCancelled, s.name)
		}
		o.log.Debug("running step", "phase", string(phase), "step", s.name)
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("step %s: %w", s.name, err)
		}
	}
	return nil
}

// =============================================================================
// Phase step lists
// =============================================================================

func (o *Orchestrator) validationSteps(p *plan.UpdatePlan, st *state.UpdateState, result *Result) []step {
	return []step{
		{name: "verify-signatures", run: func(ctx context.Context) error {
			return o.verifyImages(ctx, p)
		}},
		{name: "check-current-health", run: func(ctx context.Context) error {
			report := o.checker.CheckOnce(ctx)
			result.Health = report
			if !report.Healthy {
				return fmt.Errorf("%w: %s", ErrUnhealthyBeforeUpdate, report.Error)
			}
			return nil
		}},
		{name: "backup-database", run: func(ctx context.Context) error {
			rec, err := o.migrator.CreateBackup(ctx)
			if err != nil {
				return err
			}
			st.BackupID = rec.BackupID
			result.BackupID = rec.BackupID
			o.mirrorBackup(ctx, rec)
			return nil
		}},
	}
}

func (o *Orchestrator) executionSteps(p *plan.UpdatePlan, st *state.UpdateState, handle *state.LockHandle, result *Result) []step {
	return []step{
		{name: "migrate-schema", run: func(ctx context.Context) error {
			if len(p.SchemaChanges) == 0 {
				return nil
			}
			_, err := o.migrator.MigrateSchema(ctx, p)
			return err
		}},
		{name: "update-containers", run: func(ctx context.Context) error {
			var update *deploy.UpdateResult
			var err error
			switch o.cfg.Strategy {
			case deploy.StrategyRolling:
				update, err = o.updater.UpdateRolling(ctx, p)
			default:
				update, err = o.updater.UpdateBlueGreen(ctx, p)
			}
			if update != nil {
				result.Update = update
				if update.Health != nil {
					result.Health = update.Health
				}
				if raw, mErr := json.Marshal(update); mErr == nil {
					st.UpdateResult = raw
					// Persist the update result before the error is
					// acted on, so rollback can be decided from state.
					if sErr := o.store.SaveState(*st, handle); sErr != nil && err == nil {
						err = sErr
					}
				}
			}
			return err
		}},
	}
}

func (o *Orchestrator) postValidationSteps(result *Result) []step {
	return []step{
		{name: "revalidate-health", run: func(ctx context.Context) error {
			report, err := o.checker.WaitHealthy(ctx)
			result.Health = report
			return err
		}},
		{name: "functional-probe", run: func(ctx context.Context) error {
			return o.migrator.Ping(ctx)
		}},
	}
}

func (o *Orchestrator) verifyImages(ctx context.Context, p *plan.UpdatePlan) error {
	images := make([]string, len(p.Images))
	for i, ref := range p.Images {
		images[i] = ref.Ref()
	}
	results := o.verifier.VerifyMany(ctx, images)
	var failed []string
	for _, image := range images {
		if !results[image].Verified {
			failed = append(failed, image)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %v", verify.ErrVerificationFailed, failed)
	}
	return nil
}

func (o *Orchestrator) mirrorBackup(ctx context.Context, rec *migrate.BackupRecord) {
	if o.mirror == nil {
		return
	}
	if err := o.mirror.MirrorBackup(ctx, rec.BackupID, rec.Path); err != nil {
		o.log.Warn("backup mirroring failed", "backupId", rec.BackupID, "error", err)
	}
}

// =============================================================================
// Rollback
// =============================================================================

// rollback undoes a failed execution or post-validation phase. What to
// undo is read from state: a recorded container update result means
// containers changed, a recorded backup id means the database may have.
// Containers are restored first, then the database. A rollback failure
// is joined with the triggering error, never swallowed.
func (o *Orchestrator) rollback(ctx context.Context, p *plan.UpdatePlan, st *state.UpdateState, handle *state.LockHandle, result *Result, cause error, start time.Time) (*Result, error) {
	result.Phase = st.CurrentPhase
	result.RollbackAttempted = true
	o.log.Warn("update failed, rolling back", "phase", string(st.CurrentPhase), "error", cause)

	ctx, span := o.tracer.Start(ctx, "update.rollback")
	defer span.End()

	var rollbackErrs []error

	if len(st.UpdateResult) > 0 {
		var update deploy.UpdateResult
		// A result that cannot be decoded still proves containers were
		// touched; restore unconditionally.
		_ = json.Unmarshal(st.UpdateResult, &update)
		if !update.RolledBack {
			if err := o.updater.RollbackToPrevious(ctx, p); err != nil {
				rollbackErrs = append(rollbackErrs, err)
			}
		}
	}

	if st.BackupID != "" {
		if err := o.migrator.RollbackTo(ctx, st.BackupID); err != nil {
			rollbackErrs = append(rollbackErrs, err)
		}
	}

	st.CurrentPhase = state.PhaseRolledBack
	st.RollbackReason = cause.Error()
	if err := o.store.SaveState(*st, handle); err != nil {
		rollbackErrs = append(rollbackErrs, err)
	}

	result.Duration = time.Since(start)
	o.metrics.countUpdate("rolled-back")
	if len(rollbackErrs) > 0 {
		o.metrics.countRollback("failed")
		return result, errors.Join(append([]error{cause}, rollbackErrs...)...)
	}
	result.RollbackSucceeded = true
	o.metrics.countRollback("success")
	o.log.Info("rollback completed", "backupId", st.BackupID)
	return result, cause
}

// failState records a phase-1 failure. Nothing durable changed, so the
// state goes back to idle rather than rolled-back.
func (o *Orchestrator) failState(st *state.UpdateState, handle *state.LockHandle, cause error) {
	st.CurrentPhase = state.PhaseIdle
	st.RollbackReason = cause.Error()
	if err := o.store.SaveState(*st, handle); err != nil {
		o.log.Error("failed to persist aborted state", "error", err)
	}
}

// =============================================================================
// DryRun, Progress, Cancel
// =============================================================================

// DryRun reports what Execute would do for the plan. No lock is taken,
// no state is written, and no component is invoked.
func (o *Orchestrator) DryRun(p *plan.UpdatePlan) (*Projection, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	proj := &Projection{Strategy: o.cfg.Strategy}
	add := func(phase state.Phase, name, desc string) {
		proj.Steps = append(proj.Steps, ProjectedStep{Phase: phase, Name: name, Description: desc})
	}

	images := make([]string, len(p.Images))
	for i, ref := range p.Images {
		images[i] = ref.Ref()
	}
	add(state.PhaseValidation, "verify-signatures",
		fmt.Sprintf("verify signatures for %v", images))
	add(state.PhaseValidation, "check-current-health",
		"confirm the running stack is healthy")
	add(state.PhaseValidation, "backup-database",
		"export the database to a fresh timestamped backup")

	if len(p.SchemaChanges) > 0 {
		add(state.PhaseExecution, "migrate-schema",
			fmt.Sprintf("apply %d schema change(s) via export, patch, validate, import", len(p.SchemaChanges)))
	}
	add(state.PhaseExecution, "update-containers",
		fmt.Sprintf("apply image updates with the %s strategy", o.cfg.Strategy))

	add(state.PhasePostValidation, "revalidate-health",
		"poll the updated stack until healthy")
	add(state.PhasePostValidation, "functional-probe",
		"run a minimal query against the updated database")
	return proj, nil
}

// GetProgress reads the persisted state, so it reflects a run in another
// process too.
func (o *Orchestrator) GetProgress() (*ProgressInfo, error) {
	st, err := o.store.LoadState()
	if err != nil {
		return nil, err
	}
	return &ProgressInfo{
		Phase:     st.CurrentPhase,
		Progress:  st.Progress,
		BackupID:  st.BackupID,
		StartedAt: st.StartedAt,
	}, nil
}

// Cancel requests that the in-flight run stop at the next step boundary.
// The run then takes the normal rollback path; no step is interrupted
// mid-operation. The result reports the phase last durably recorded when
// the request landed.
func (o *Orchestrator) Cancel() CancellationResult {
	o.cancelled.Store(true)

	result := CancellationResult{Acknowledged: true, Phase: state.PhaseIdle}
	if st, err := o.store.LoadState(); err == nil {
		result.Phase = st.CurrentPhase
	}
	return result
}
