package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/deploy"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/orchestrator"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/plan"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/state"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	updateStrategy   string // Container update strategy
	updateJSONOutput bool   // Output result as JSON
	statusJSONOutput bool   // Output status as JSON
	rollbackBackupID string // Explicit backup to restore
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Manage stack updates",
	Long: `Update the GraphMemory stack from a signed update plan.

An update plan is a JSON document naming the target images (with their
current tags for rollback), optional service bindings, and optional
graph schema changes:

  {
    "images": [
      {"name": "graphmemory/mcp", "tag": "1.1.0", "currentTag": "1.0.0"}
    ],
    "schemaChanges": [
      {"kind": "add-property", "tableName": "Memory",
       "properties": [{"name": "score", "type": "DOUBLE"}]}
    ]
  }`,
}

// updateRunCmd executes a full update.
//
// # Description
//
// Runs the three-phase update pipeline: signature verification, health
// precheck and database backup; schema migration and container update;
// post-update health validation. Any failure after the backup rolls the
// stack back automatically.
//
// # Examples
//
//	gmcli update run plan.json
//	gmcli update run plan.json --strategy rolling
//	gmcli update run plan.json --json
var updateRunCmd = &cobra.Command{
	Use:   "run <plan.json>",
	Short: "Execute an update plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdateCommand,
}

var updateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show update progress and stack health",
	Args:  cobra.NoArgs,
	RunE:  runStatusCommand,
}

// updateRollbackCmd manually restores the previous deployment.
//
// # Description
//
// Restores every service named by the plan to its pre-update image and
// restores the database from a backup (the newest one unless --backup
// names another). Useful when a completed update turns out bad after
// its health window passed.
var updateRollbackCmd = &cobra.Command{
	Use:   "rollback <plan.json>",
	Short: "Roll back to the pre-update deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollbackCommand,
}

var updateDryRunCmd = &cobra.Command{
	Use:   "dry-run <plan.json>",
	Short: "Show what an update would do without doing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDryRunCommand,
}

func init() {
	updateRunCmd.Flags().StringVar(&updateStrategy, "strategy", string(deploy.StrategyBlueGreen),
		"Container update strategy: blue-green or rolling")
	updateRunCmd.Flags().BoolVar(&updateJSONOutput, "json", false,
		"Output the update result as JSON")
	updateDryRunCmd.Flags().StringVar(&updateStrategy, "strategy", string(deploy.StrategyBlueGreen),
		"Container update strategy: blue-green or rolling")
	updateStatusCmd.Flags().BoolVar(&statusJSONOutput, "json", false,
		"Output status as JSON")
	updateRollbackCmd.Flags().StringVar(&rollbackBackupID, "backup", "",
		"Backup to restore (default: newest)")

	updateCmd.AddCommand(updateRunCmd)
	updateCmd.AddCommand(updateStatusCmd)
	updateCmd.AddCommand(updateRollbackCmd)
	updateCmd.AddCommand(updateDryRunCmd)
}

// =============================================================================
// PLAN LOADING
// =============================================================================

// loadPlan reads, parses, and validates an update plan file.
func loadPlan(path string) (*plan.UpdatePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	var p plan.UpdatePlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func parseStrategy(s string) (deploy.Strategy, error) {
	switch deploy.Strategy(s) {
	case deploy.StrategyBlueGreen, deploy.StrategyRolling:
		return deploy.Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want blue-green or rolling)", s)
	}
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runUpdateCommand(cmd *cobra.Command, args []string) error {
	p, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	strategy, err := parseStrategy(updateStrategy)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	c, err := buildComponents(ctx, strategy)
	if err != nil {
		return err
	}
	defer c.Close()

	// First signal requests a graceful stop at the next step boundary;
	// a second one aborts outright.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			ack := c.orch.Cancel()
			fmt.Fprintf(os.Stderr, "cancellation requested during %s phase, stopping at the next step boundary (interrupt again to abort)\n", ack.Phase)
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, runErr := c.orch.Execute(ctx, p)

	if updateJSONOutput {
		if result != nil {
			printJSON(result)
		}
		return runErr
	}
	if result != nil {
		printUpdateResult(result)
	}
	return runErr
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, deploy.StrategyBlueGreen)
	if err != nil {
		return err
	}
	defer c.Close()

	progress, err := c.orch.GetProgress()
	if err != nil {
		return err
	}
	status, err := c.updater.GetStatus(ctx)
	if err != nil {
		return err
	}
	dbHealth, err := c.migrator.HealthStatus(ctx)
	if err != nil {
		return err
	}

	if statusJSONOutput {
		printJSON(map[string]any{
			"update":     progress,
			"deployment": status,
			"database":   dbHealth,
		})
		return nil
	}

	fmt.Printf("Update phase:   %s (%d%%)\n", progress.Phase, progress.Progress)
	if progress.BackupID != "" {
		fmt.Printf("Last backup:    %s\n", progress.BackupID)
	}
	if !progress.StartedAt.IsZero() {
		fmt.Printf("Started:        %s\n", progress.StartedAt.Format(time.RFC3339))
	}
	fmt.Println()

	fmt.Printf("Containers (%d):\n", len(status.Containers))
	for _, ct := range status.Containers {
		fmt.Printf("  %-30s %-12s %s\n", ct.Name, ct.State, ct.Image)
	}
	if status.Health != nil {
		fmt.Printf("Stack healthy:  %v\n", status.Health.Healthy)
	}
	fmt.Println()

	fmt.Printf("Database:       accessible=%v size=%s free=%s\n",
		dbHealth.Accessible,
		formatBytes(dbHealth.DatabaseSizeBytes),
		formatBytes(dbHealth.DiskFreeBytes))
	if dbHealth.LastBackup != nil {
		fmt.Printf("Newest backup:  %s (%s)\n",
			dbHealth.LastBackup.BackupID,
			dbHealth.LastBackup.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runRollbackCommand(cmd *cobra.Command, args []string) error {
	p, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := buildComponents(ctx, deploy.StrategyBlueGreen)
	if err != nil {
		return err
	}
	defer c.Close()

	backupID := rollbackBackupID
	if backupID == "" {
		backups, err := c.migrator.ListBackups()
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			return errors.New("no backups available to restore")
		}
		backupID = backups[0].BackupID
	}

	// Manual rollback competes with concurrent updates for the same
	// lock, so it goes through the store like any other run.
	handle, err := c.store.AcquireLock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.store.ReleaseLock(handle) }()

	fmt.Printf("Rolling back containers to previous images...\n")
	if err := c.updater.RollbackToPrevious(ctx, p); err != nil {
		return err
	}
	fmt.Printf("Restoring database from %s...\n", backupID)
	if err := c.migrator.RollbackTo(ctx, backupID); err != nil {
		return err
	}

	st, err := c.store.LoadState()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	st.CurrentPhase = state.PhaseRolledBack
	st.RollbackReason = "manual rollback via gmcli update rollback"
	st.CompletedAt = &now
	if err := c.store.SaveState(st, handle); err != nil {
		return err
	}

	fmt.Println("Rollback complete.")
	return nil
}

func runDryRunCommand(cmd *cobra.Command, args []string) error {
	p, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	strategy, err := parseStrategy(updateStrategy)
	if err != nil {
		return err
	}
	c, err := buildComponents(cmd.Context(), strategy)
	if err != nil {
		return err
	}
	defer c.Close()

	proj, err := c.orch.DryRun(p)
	if err != nil {
		return err
	}

	fmt.Printf("Strategy: %s\n\n", proj.Strategy)
	currentPhase := state.Phase("")
	for _, s := range proj.Steps {
		if s.Phase != currentPhase {
			fmt.Printf("%s:\n", s.Phase)
			currentPhase = s.Phase
		}
		fmt.Printf("  %-24s %s\n", s.Name, s.Description)
	}
	return nil
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

func printUpdateResult(r *orchestrator.Result) {
	if r.Success {
		fmt.Printf("Update completed in %s (strategy: %s)\n", r.Duration.Round(time.Second), r.Strategy)
	} else {
		fmt.Printf("Update FAILED in phase %s after %s\n", r.Phase, r.Duration.Round(time.Second))
		if r.RollbackAttempted {
			if r.RollbackSucceeded {
				fmt.Println("Rollback succeeded; the previous deployment is restored.")
			} else {
				fmt.Println("Rollback FAILED; manual intervention required.")
			}
		}
	}
	if r.BackupID != "" {
		fmt.Printf("Backup: %s\n", r.BackupID)
	}
	if r.Update != nil && len(r.Update.UpdatedServices) > 0 {
		fmt.Printf("Services updated: %v\n", r.Update.UpdatedServices)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
