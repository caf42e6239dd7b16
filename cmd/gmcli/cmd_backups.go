package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/deploy"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/migrate"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var backupsJSONOutput bool // Output as JSON

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Manage database backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List database backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupsListCommand,
}

var backupsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a database backup now",
	Args:  cobra.NoArgs,
	RunE:  runBackupsCreateCommand,
}

// backupsMirrorCmd pushes one backup archive to the configured bucket.
// Updates mirror their pre-update backup automatically; this exists for
// backfilling older backups.
var backupsMirrorCmd = &cobra.Command{
	Use:   "mirror <backup-id>",
	Short: "Upload a backup archive to the configured bucket",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupsMirrorCommand,
}

func init() {
	backupsListCmd.Flags().BoolVar(&backupsJSONOutput, "json", false,
		"Output as JSON")

	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsCreateCmd)
	backupsCmd.AddCommand(backupsMirrorCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runBackupsListCommand(cmd *cobra.Command, args []string) error {
	c, err := buildComponents(cmd.Context(), deploy.StrategyBlueGreen)
	if err != nil {
		return err
	}
	defer c.Close()

	backups, err := c.migrator.ListBackups()
	if err != nil {
		return err
	}

	if backupsJSONOutput {
		printJSON(backups)
		return nil
	}
	if len(backups) == 0 {
		fmt.Println("No backups found.")
		return nil
	}
	fmt.Printf("%-40s %-22s %-10s %s\n", "BACKUP", "CREATED", "SIZE", "SCHEMA")
	for _, b := range backups {
		schema := b.SchemaVersion
		if schema == "" {
			schema = "-"
		}
		fmt.Printf("%-40s %-22s %-10s %s\n",
			b.BackupID,
			b.CreatedAt.Format(time.RFC3339),
			formatBytes(b.SizeBytes),
			schema)
	}
	return nil
}

func runBackupsCreateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, deploy.StrategyBlueGreen)
	if err != nil {
		return err
	}
	defer c.Close()

	rec, err := c.migrator.CreateBackup(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s (%s) at %s\n", rec.BackupID, formatBytes(rec.SizeBytes), rec.Path)
	return nil
}

func runBackupsMirrorCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, deploy.StrategyBlueGreen)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.mirror == nil {
		return errors.New("no mirror bucket configured (set mirror.bucket in the config file)")
	}

	rec, err := findBackup(c.migrator, args[0])
	if err != nil {
		return err
	}
	if err := c.mirror.MirrorBackup(ctx, rec.BackupID, rec.Path); err != nil {
		return err
	}
	fmt.Printf("Mirrored %s to gs://%s\n", rec.BackupID, config.Mirror.Bucket)
	return nil
}

func findBackup(m migrate.Migrator, backupID string) (*migrate.BackupRecord, error) {
	backups, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	for i := range backups {
		if backups[i].BackupID == backupID {
			return &backups[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", migrate.ErrBackupNotFound, backupID)
}
