// Package migrate manages the Kuzu database side of an update: timestamped
// backups, schema migration through export/patch/import, and rollback to a
// previous backup.
//
// The database is only ever touched through the kuzu shell binary. A backup
// is a directory under the backup root holding a full `EXPORT DATABASE`
// snapshot plus a metadata.json sidecar; migration re-exports the live
// database into a staging directory, patches the exported schema.cypher
// structurally, validates the patched text, and imports it into a fresh
// database directory. The previous database directory is kept aside until
// the import is verified, so a failed import never destroys the original.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/process"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/plan"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrBackupFailed is returned when a database backup cannot be created.
	ErrBackupFailed = errors.New("database backup failed")

	// ErrSchemaValidation is returned when a schema change cannot be
	// applied to the exported schema, or the patched schema fails its
	// structural check before import.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrImportFailed is returned when importing a patched or restored
	// snapshot into the database fails.
	ErrImportFailed = errors.New("database import failed")

	// ErrRollbackFailed is returned when restoring a previous backup
	// fails. This is the worst case: the caller must surface it, never
	// swallow it.
	ErrRollbackFailed = errors.New("database rollback failed")

	// ErrBackupNotFound is returned when the requested backup id does not
	// exist under the backup root.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrMigratorUnavailable is returned when the kuzu binary is not
	// installed.
	ErrMigratorUnavailable = errors.New("database shell binary not available")

	// ErrInvalidConfig is returned when MigratorConfig is invalid.
	ErrInvalidConfig = errors.New("invalid migrator configuration")
)

// =============================================================================
// Types
// =============================================================================

const (
	metadataFile = "metadata.json"
	exportDir    = "export"
	schemaFile   = "schema.cypher"

	backupIDPrefix   = "backup-"
	backupTimeLayout = "20060102T150405"
)

// MigratorConfig configures database backup and migration behavior.
type MigratorConfig struct {
	// Binary is the kuzu shell binary name or path.
	// Default: "kuzu"
	Binary string

	// DatabasePath is the Kuzu database directory. Required.
	DatabasePath string

	// BackupRoot is the directory holding backup snapshots. Required.
	BackupRoot string

	// Retention is the number of backups kept after pruning.
	// Default: 7
	Retention int

	// Timeout bounds each shell invocation (export, import, query).
	// Default: 10 minutes
	Timeout time.Duration
}

// DefaultMigratorConfig returns defaults for everything but the paths,
// which the caller must supply.
func DefaultMigratorConfig() MigratorConfig {
	return MigratorConfig{
		Binary:    "kuzu",
		Retention: 7,
		Timeout:   10 * time.Minute,
	}
}

// BackupRecord describes one backup snapshot. It is persisted verbatim as
// the metadata.json sidecar inside the backup directory.
type BackupRecord struct {
	// BackupID is the unique backup identifier
	// (backup-<UTC timestamp>-<short uuid>).
	BackupID string `json:"backupId"`

	// Path is the backup directory.
	Path string `json:"path"`

	// DatabasePath is the database the snapshot was taken from.
	DatabasePath string `json:"databasePath"`

	// SchemaVersion is the schema version at backup time, when known.
	SchemaVersion string `json:"schemaVersion,omitempty"`

	// SizeBytes is the total size of the exported snapshot.
	SizeBytes int64 `json:"sizeBytes"`

	// CreatedAt is the backup creation time (UTC).
	CreatedAt time.Time `json:"createdAt"`
}

// MigrationResult summarizes a completed (or rolled back) schema migration.
type MigrationResult struct {
	// BackupID is the pre-migration backup taken before any change.
	BackupID string `json:"backupId"`

	// AppliedChanges is the number of schema changes applied.
	AppliedChanges int `json:"appliedChanges"`

	// SchemaVersion is the target schema version after migration.
	SchemaVersion string `json:"schemaVersion,omitempty"`

	// RolledBack indicates the migration failed and the pre-migration
	// backup was restored.
	RolledBack bool `json:"rolledBack"`

	// Duration is the total migration time.
	Duration time.Duration `json:"duration"`
}

// DatabaseHealth is a snapshot of database accessibility and capacity.
type DatabaseHealth struct {
	// Accessible indicates the database answered a trivial query.
	Accessible bool `json:"accessible"`

	// ResponseTime is how long the probe query took.
	ResponseTime time.Duration `json:"responseTime"`

	// DatabaseSizeBytes is the on-disk size of the database directory.
	DatabaseSizeBytes int64 `json:"databaseSizeBytes"`

	// DiskTotalBytes and DiskFreeBytes describe the filesystem holding
	// the backup root.
	DiskTotalBytes int64 `json:"diskTotalBytes"`
	DiskFreeBytes  int64 `json:"diskFreeBytes"`

	// LastBackup is the newest backup, if any exist.
	LastBackup *BackupRecord `json:"lastBackup,omitempty"`

	// Error holds the probe failure message when Accessible is false.
	Error string `json:"error,omitempty"`
}

// Migrator handles database backup, schema migration, and rollback.
//
// # Description
//
// All operations run against a single Kuzu database directory. Migration
// always takes a fresh backup first, regardless of how recent the last
// backup is; a backup from before the surrounding update began does not
// capture writes made since.
//
// # Thread Safety
//
// Implementations are not safe for concurrent mutation. The caller holds
// the update lock for the duration of any mutating operation.
type Migrator interface {
	// CreateBackup exports the database into a new timestamped backup
	// directory and prunes old backups past the retention limit.
	CreateBackup(ctx context.Context) (*BackupRecord, error)

	// MigrateSchema applies the plan's schema changes. On any failure
	// after the database has been touched, the pre-migration backup is
	// restored automatically and the result reports RolledBack.
	MigrateSchema(ctx context.Context, p *plan.UpdatePlan) (*MigrationResult, error)

	// RollbackTo restores the database from the named backup.
	RollbackTo(ctx context.Context, backupID string) error

	// ListBackups returns all backups under the backup root, newest
	// first.
	ListBackups() ([]BackupRecord, error)

	// Ping answers whether the database responds to a trivial read-only
	// query.
	Ping(ctx context.Context) error

	// HealthStatus reports accessibility, size, disk capacity, and the
	// newest backup.
	HealthStatus(ctx context.Context) (*DatabaseHealth, error)
}

// =============================================================================
// KuzuMigrator
// =============================================================================

// KuzuMigrator implements Migrator by shelling out to the kuzu binary.
type KuzuMigrator struct {
	cfg    MigratorConfig
	runner process.Runner
	log    *logging.Logger

	nowFunc func() time.Time
	newID   func() string
}

var _ Migrator = (*KuzuMigrator)(nil)

// NewKuzuMigrator creates a migrator after validating the configuration
// and confirming the kuzu binary is available.
func NewKuzuMigrator(cfg MigratorConfig, runner process.Runner, log *logging.Logger) (*KuzuMigrator, error) {
	applyMigratorDefaults(&cfg)
	if err := validateMigratorConfig(cfg); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = process.NewRunner()
	}
	if log == nil {
		log = logging.NewNop()
	}
	if _, err := runner.LookPath(cfg.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrMigratorUnavailable, cfg.Binary)
	}
	return &KuzuMigrator{
		cfg:     cfg,
		runner:  runner,
		log:     log,
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}, nil
}

func applyMigratorDefaults(cfg *MigratorConfig) {
	def := DefaultMigratorConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
}

func validateMigratorConfig(cfg MigratorConfig) error {
	if cfg.DatabasePath == "" {
		return fmt.Errorf("%w: DatabasePath is required", ErrInvalidConfig)
	}
	if cfg.BackupRoot == "" {
		return fmt.Errorf("%w: BackupRoot is required", ErrInvalidConfig)
	}
	return nil
}

// =============================================================================
// Backups
// =============================================================================

// CreateBackup exports the database into
// <backupRoot>/<backupId>/export and writes the metadata sidecar.
func (m *KuzuMigrator) CreateBackup(ctx context.Context) (*BackupRecord, error) {
	return m.createBackup(ctx)
}

// createBackup is CreateBackup with an escape hatch: backups named in
// protected survive the retention pruning this backup triggers. Rollback
// uses it so the safety backup can never prune the restore target.
func (m *KuzuMigrator) createBackup(ctx context.Context, protected ...string) (*BackupRecord, error) {
	now := m.nowFunc().UTC()
	id := backupIDPrefix + now.Format(backupTimeLayout) + "-" + m.newID()[:8]
	dir := filepath.Join(m.cfg.BackupRoot, id)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create backup directory: %v", ErrBackupFailed, err)
	}

	if err := m.exportDatabase(ctx, filepath.Join(dir, exportDir)); err != nil {
		// Leave nothing half-written behind.
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	rec := &BackupRecord{
		BackupID:     id,
		Path:         dir,
		DatabasePath: m.cfg.DatabasePath,
		SizeBytes:    dirSize(dir),
		CreatedAt:    now,
	}
	if err := writeMetadata(dir, rec); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: write metadata: %v", ErrBackupFailed, err)
	}

	m.log.Info("database backup created", "backupId", id, "sizeBytes", rec.SizeBytes)
	m.pruneBackups(protected...)
	return rec, nil
}

// ListBackups reads metadata sidecars under the backup root. Directories
// without a readable sidecar are skipped. Newest first.
func (m *KuzuMigrator) ListBackups() ([]BackupRecord, error) {
	entries, err := os.ReadDir(m.cfg.BackupRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup root: %w", err)
	}

	var records []BackupRecord
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), backupIDPrefix) {
			continue
		}
		rec, err := readMetadata(filepath.Join(m.cfg.BackupRoot, e.Name()))
		if err != nil {
			m.log.Warn("skipping backup with unreadable metadata", "dir", e.Name(), "error", err)
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// pruneBackups removes the oldest backups past the retention limit,
// except those named in protected. Pruning is best-effort: a failure
// never fails the backup that triggered it.
func (m *KuzuMigrator) pruneBackups(protected ...string) {
	records, err := m.ListBackups()
	if err != nil {
		m.log.Warn("backup pruning skipped", "error", err)
		return
	}
	for _, rec := range records[min(len(records), m.cfg.Retention):] {
		if slices.Contains(protected, rec.BackupID) {
			continue
		}
		if err := os.RemoveAll(rec.Path); err != nil {
			m.log.Warn("failed to prune backup", "backupId", rec.BackupID, "error", err)
			continue
		}
		m.log.Info("pruned old backup", "backupId", rec.BackupID)
	}
}

func (m *KuzuMigrator) findBackup(backupID string) (*BackupRecord, error) {
	records, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].BackupID == backupID {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
}

// =============================================================================
// Migration
// =============================================================================

// MigrateSchema runs the full migration sequence:
//
//  1. fresh backup (always, even if one was just taken)
//  2. export the live database into a staging directory
//  3. patch the exported schema.cypher structurally
//  4. validate every change against the patched text
//  5. import the staging directory into a fresh database
//  6. verify the new database answers a trivial query
//
// Any failure in steps 3-6 restores the step-1 backup; the restore
// error, if any, is joined with the original failure.
func (m *KuzuMigrator) MigrateSchema(ctx context.Context, p *plan.UpdatePlan) (*MigrationResult, error) {
	start := m.nowFunc()

	backup, err := m.CreateBackup(ctx)
	if err != nil {
		return nil, err
	}
	result := &MigrationResult{
		BackupID:      backup.BackupID,
		SchemaVersion: p.TargetSchemaVersion,
	}

	if len(p.SchemaChanges) == 0 {
		result.Duration = m.nowFunc().Sub(start)
		return result, nil
	}

	staging, err := os.MkdirTemp(m.cfg.BackupRoot, "staging-")
	if err != nil {
		return result, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)
	stagingExport := filepath.Join(staging, exportDir)

	if err := m.exportDatabase(ctx, stagingExport); err != nil {
		return result, fmt.Errorf("%w: staging export: %v", ErrBackupFailed, err)
	}

	if err := m.patchSchema(stagingExport, p.SchemaChanges); err != nil {
		result.Duration = m.nowFunc().Sub(start)
		return result, m.rollbackAfterFailure(ctx, backup.BackupID, err, result)
	}

	if err := m.importDatabase(ctx, stagingExport); err != nil {
		result.Duration = m.nowFunc().Sub(start)
		return result, m.rollbackAfterFailure(ctx, backup.BackupID, err, result)
	}

	if err := m.Ping(ctx); err != nil {
		result.Duration = m.nowFunc().Sub(start)
		verifyErr := fmt.Errorf("%w: post-import verification: %v", ErrImportFailed, err)
		return result, m.rollbackAfterFailure(ctx, backup.BackupID, verifyErr, result)
	}

	result.AppliedChanges = len(p.SchemaChanges)
	result.Duration = m.nowFunc().Sub(start)
	m.log.Info("schema migration completed",
		"backupId", backup.BackupID,
		"changes", result.AppliedChanges,
		"schemaVersion", result.SchemaVersion)
	return result, nil
}

// patchSchema applies and validates the plan's schema changes against the
// exported schema.cypher in dir.
func (m *KuzuMigrator) patchSchema(dir string, changes []plan.SchemaChange) error {
	path := filepath.Join(dir, schemaFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read exported schema: %v", ErrSchemaValidation, err)
	}

	doc := parseSchema(string(raw))
	for _, change := range changes {
		if err := doc.apply(change); err != nil {
			return err
		}
	}
	for _, change := range changes {
		if err := doc.validate(change); err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, []byte(doc.render()), 0o644); err != nil {
		return fmt.Errorf("%w: write patched schema: %v", ErrSchemaValidation, err)
	}
	return nil
}

// rollbackAfterFailure restores the given backup, marks the result as
// rolled back when the restore succeeds, and reports both errors when the
// restore itself also fails.
func (m *KuzuMigrator) rollbackAfterFailure(ctx context.Context, backupID string, cause error, result *MigrationResult) error {
	m.log.Warn("migration failed, restoring pre-migration backup",
		"backupId", backupID, "error", cause)
	if rbErr := m.RollbackTo(ctx, backupID); rbErr != nil {
		return errors.Join(cause, rbErr)
	}
	result.RolledBack = true
	return cause
}

// =============================================================================
// Rollback
// =============================================================================

// RollbackTo restores the database from the named backup.
//
// A safety backup of the current state is attempted first so the
// pre-rollback state is not lost; since the database may already be
// broken at this point, a failed safety backup is logged and rollback
// proceeds anyway.
func (m *KuzuMigrator) RollbackTo(ctx context.Context, backupID string) error {
	rec, err := m.findBackup(backupID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	if safety, err := m.createBackup(ctx, rec.BackupID); err != nil {
		m.log.Warn("safety backup before rollback failed", "error", err)
	} else {
		m.log.Info("safety backup created before rollback", "backupId", safety.BackupID)
	}

	if err := m.importDatabase(ctx, filepath.Join(rec.Path, exportDir)); err != nil {
		return fmt.Errorf("%w: restore %s: %v", ErrRollbackFailed, backupID, err)
	}
	if err := m.Ping(ctx); err != nil {
		return fmt.Errorf("%w: restored database not accessible: %v", ErrRollbackFailed, err)
	}

	m.log.Info("database rolled back", "backupId", backupID)
	return nil
}

// =============================================================================
// Health
// =============================================================================

// Ping runs a trivial read-only query through the kuzu shell.
func (m *KuzuMigrator) Ping(ctx context.Context) error {
	res, err := m.runShell(ctx, "RETURN 1;")
	if err != nil {
		return err
	}
	// The shell exits zero even for some query errors; they surface on
	// stdout instead.
	if strings.Contains(res.Stdout, "Error") {
		return fmt.Errorf("database probe query failed: %s", strings.TrimSpace(res.Stdout))
	}
	return nil
}

// HealthStatus reports accessibility, database size, and backup-root disk
// capacity. A failed probe is reported in the result, not as an error;
// the error return is reserved for being unable to gather status at all.
func (m *KuzuMigrator) HealthStatus(ctx context.Context) (*DatabaseHealth, error) {
	health := &DatabaseHealth{
		DatabaseSizeBytes: dirSize(m.cfg.DatabasePath),
	}

	probeStart := m.nowFunc()
	if err := m.Ping(ctx); err != nil {
		health.Error = err.Error()
	} else {
		health.Accessible = true
	}
	health.ResponseTime = m.nowFunc().Sub(probeStart)

	var stat unix.Statfs_t
	if err := unix.Statfs(m.cfg.BackupRoot, &stat); err == nil {
		health.DiskTotalBytes = int64(stat.Blocks) * int64(stat.Bsize)
		health.DiskFreeBytes = int64(stat.Bavail) * int64(stat.Bsize)
	}

	records, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		health.LastBackup = &records[0]
	}
	return health, nil
}

// =============================================================================
// Kuzu shell plumbing
// =============================================================================

// exportDatabase writes a full snapshot of the live database into dir.
// Kuzu requires the target directory to not exist.
func (m *KuzuMigrator) exportDatabase(ctx context.Context, dir string) error {
	stmt := fmt.Sprintf("EXPORT DATABASE '%s';", dir)
	res, err := m.runShell(ctx, stmt)
	if err != nil {
		return fmt.Errorf("export database: %w", err)
	}
	if strings.Contains(res.Stdout, "Error") {
		return fmt.Errorf("export database: %s", strings.TrimSpace(res.Stdout))
	}
	if _, err := os.Stat(filepath.Join(dir, schemaFile)); err != nil {
		return fmt.Errorf("export produced no %s: %w", schemaFile, err)
	}
	return nil
}

// importDatabase replaces the live database with the snapshot in dir.
//
// IMPORT DATABASE needs an empty database, so the current directory is
// moved aside first and only removed after the import succeeds. A failed
// import moves the original back.
func (m *KuzuMigrator) importDatabase(ctx context.Context, dir string) error {
	aside := m.cfg.DatabasePath + ".importing"
	moved := false
	if _, err := os.Stat(m.cfg.DatabasePath); err == nil {
		os.RemoveAll(aside)
		if err := os.Rename(m.cfg.DatabasePath, aside); err != nil {
			return fmt.Errorf("%w: set aside current database: %v", ErrImportFailed, err)
		}
		moved = true
	}

	stmt := fmt.Sprintf("IMPORT DATABASE '%s';", dir)
	res, err := m.runShell(ctx, stmt)
	if err == nil && strings.Contains(res.Stdout, "Error") {
		err = fmt.Errorf("%s", strings.TrimSpace(res.Stdout))
	}
	if err != nil {
		os.RemoveAll(m.cfg.DatabasePath)
		if moved {
			if restoreErr := os.Rename(aside, m.cfg.DatabasePath); restoreErr != nil {
				return errors.Join(
					fmt.Errorf("%w: %v", ErrImportFailed, err),
					fmt.Errorf("%w: restore original database: %v", ErrRollbackFailed, restoreErr),
				)
			}
		}
		return fmt.Errorf("%w: %v", ErrImportFailed, err)
	}

	if moved {
		os.RemoveAll(aside)
	}
	return nil
}

// runShell pipes a statement to the kuzu shell on stdin.
func (m *KuzuMigrator) runShell(ctx context.Context, stmt string) (*process.Result, error) {
	return m.runner.RunWithInput(ctx, []byte(stmt+"\n"), process.RunOptions{
		Name:    m.cfg.Binary,
		Args:    []string{m.cfg.DatabasePath},
		Timeout: m.cfg.Timeout,
	})
}

// =============================================================================
// Helpers
// =============================================================================

func writeMetadata(dir string, rec *BackupRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFile), data, 0o644)
}

func readMetadata(dir string) (*BackupRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var rec BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// dirSize totals file sizes under root; zero on any error.
func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
