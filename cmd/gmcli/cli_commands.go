package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/compose"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/process"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/deploy"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/health"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/migrate"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/orchestrator"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/remote"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/state"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/verify"
	"github.com/elementalcollision/GraphMemory-IDE-sub006/pkg/logging"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

var (
	flagConfigPath string // Path to gmcli.yaml
	flagProject    string // Compose project override
	flagVerbose    bool   // Debug-level logging
	flagQuiet      bool   // Suppress stderr logging
	flagJSONLogs   bool   // Force JSON log output
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// StackConfig identifies the running compose stack.
type StackConfig struct {
	Project     string `yaml:"project"`
	ComposeFile string `yaml:"composeFile"`
	Runtime     string `yaml:"runtime"`
}

// DatabaseConfig locates the Kuzu database and its backups.
type DatabaseConfig struct {
	Path       string `yaml:"path"`
	BackupRoot string `yaml:"backupRoot"`
	Binary     string `yaml:"binary"`
	Retention  int    `yaml:"retention"`
}

// VerifyConfig configures image signature verification.
type VerifyConfig struct {
	Mode           string   `yaml:"mode"`
	IdentityRegexp string   `yaml:"identityRegexp"`
	OIDCIssuer     string   `yaml:"oidcIssuer"`
	KeyRef         string   `yaml:"keyRef"`
	TrustedSigners []string `yaml:"trustedSigners"`
}

// HealthEndpoint is one HTTP probe target in the config file.
type HealthEndpoint struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	ExpectStatus int    `yaml:"expectStatus"`
}

// HealthConfig configures stack health probing. Durations are
// time.ParseDuration strings ("5s", "2m").
type HealthConfig struct {
	Services       []string         `yaml:"services"`
	Endpoints      []HealthEndpoint `yaml:"endpoints"`
	Interval       string           `yaml:"interval"`
	OverallTimeout string           `yaml:"overallTimeout"`
}

// MirrorConfig configures optional off-site backup mirroring.
type MirrorConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config is the gmcli.yaml document. Every field has a usable default;
// only the stack project and compose file are genuinely required to run
// an update.
type Config struct {
	Stack    StackConfig    `yaml:"stack"`
	Database DatabaseConfig `yaml:"database"`
	StateDir string         `yaml:"stateDir"`
	Verify   VerifyConfig   `yaml:"verify"`
	Health   HealthConfig   `yaml:"health"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	LogDir   string         `yaml:"logDir"`
}

var (
	config Config
	logger = logging.NewNop()
)

// loadConfig reads and parses the YAML config file. A missing file at
// the default path is not an error; defaults apply and flags can fill
// the rest. An explicitly passed path must exist.
func loadConfig(path string, explicit bool) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			applyConfigDefaults(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	return cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Stack.ComposeFile == "" {
		cfg.Stack.ComposeFile = "docker-compose.yml"
	}
	if cfg.Stack.Runtime == "" {
		cfg.Stack.Runtime = "docker"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/kuzu"
	}
	if cfg.Database.BackupRoot == "" {
		cfg.Database.BackupRoot = "./data/backups"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "./data/update"
	}
	if cfg.Verify.Mode == "" {
		cfg.Verify.Mode = string(verify.ModeKeyless)
	}
}

// parseDurationOr returns the parsed duration, or fallback when the
// config value is empty or malformed.
func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// =============================================================================
// COMPONENT WIRING
// =============================================================================

// components holds every constructed update component so commands can
// pick what they need.
type components struct {
	store    *state.FileStore
	verifier *verify.CosignVerifier
	migrator *migrate.KuzuMigrator
	updater  *deploy.ComposeUpdater
	checker  *health.Checker
	mirror   *remote.GCSMirror
	orch     *orchestrator.Orchestrator
}

// buildComponents wires the full update stack from the loaded config.
// The GCS mirror is only constructed when a bucket is configured.
func buildComponents(ctx context.Context, strategy deploy.Strategy) (*components, error) {
	if config.Stack.Project == "" {
		return nil, fmt.Errorf("stack.project is required (set it in %s or via --project)", flagConfigPath)
	}

	runner := process.NewRunner()

	execCfg := compose.DefaultExecutorConfig()
	execCfg.Binary = config.Stack.Runtime
	executor, err := compose.NewExecutor(execCfg, runner)
	if err != nil {
		return nil, err
	}

	storeCfg := state.DefaultStoreConfig(config.StateDir)
	store, err := state.NewFileStore(storeCfg)
	if err != nil {
		return nil, err
	}

	verifyCfg := verify.DefaultVerifierConfig()
	verifyCfg.Mode = verify.Mode(config.Verify.Mode)
	verifyCfg.IdentityRegexp = config.Verify.IdentityRegexp
	verifyCfg.OIDCIssuer = config.Verify.OIDCIssuer
	verifyCfg.KeyRef = config.Verify.KeyRef
	verifyCfg.TrustedSigners = config.Verify.TrustedSigners
	verifier, err := verify.NewCosignVerifier(verifyCfg, runner)
	if err != nil {
		return nil, err
	}

	migCfg := migrate.DefaultMigratorConfig()
	migCfg.DatabasePath = config.Database.Path
	migCfg.BackupRoot = config.Database.BackupRoot
	if config.Database.Binary != "" {
		migCfg.Binary = config.Database.Binary
	}
	if config.Database.Retention > 0 {
		migCfg.Retention = config.Database.Retention
	}
	migrator, err := migrate.NewKuzuMigrator(migCfg, runner, logger)
	if err != nil {
		return nil, err
	}

	endpoints := make([]health.Endpoint, 0, len(config.Health.Endpoints))
	for _, e := range config.Health.Endpoints {
		endpoints = append(endpoints, health.Endpoint{
			Name:         e.Name,
			URL:          e.URL,
			ExpectStatus: e.ExpectStatus,
		})
	}

	newChecker := func(project string, services []string) (deploy.HealthChecker, error) {
		cfg := health.DefaultCheckerConfig()
		cfg.Project = project
		cfg.Services = services
		cfg.Interval = parseDurationOr(config.Health.Interval, cfg.Interval)
		cfg.OverallTimeout = parseDurationOr(config.Health.OverallTimeout, cfg.OverallTimeout)
		if project == config.Stack.Project {
			cfg.Endpoints = endpoints
		}
		return health.NewChecker(cfg, executor, migrator, logger)
	}

	updCfg := deploy.DefaultUpdaterConfig()
	updCfg.Project = config.Stack.Project
	updCfg.ComposeFile = config.Stack.ComposeFile
	updater, err := deploy.NewComposeUpdater(updCfg, executor, newChecker, logger)
	if err != nil {
		return nil, err
	}

	checkerCfg := health.DefaultCheckerConfig()
	checkerCfg.Project = config.Stack.Project
	checkerCfg.Services = config.Health.Services
	checkerCfg.Endpoints = endpoints
	checkerCfg.Interval = parseDurationOr(config.Health.Interval, checkerCfg.Interval)
	checkerCfg.OverallTimeout = parseDurationOr(config.Health.OverallTimeout, checkerCfg.OverallTimeout)
	checker, err := health.NewChecker(checkerCfg, executor, migrator, logger)
	if err != nil {
		return nil, err
	}

	c := &components{
		store:    store,
		verifier: verifier,
		migrator: migrator,
		updater:  updater,
		checker:  checker,
	}

	var mirror remote.Mirror
	if config.Mirror.Bucket != "" {
		mirrorCfg := remote.DefaultMirrorConfig()
		mirrorCfg.Bucket = config.Mirror.Bucket
		if config.Mirror.Prefix != "" {
			mirrorCfg.Prefix = config.Mirror.Prefix
		}
		gcs, err := remote.NewGCSMirror(ctx, mirrorCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring backup mirror: %w", err)
		}
		c.mirror = gcs
		mirror = gcs
	}

	metrics := orchestrator.NewMetrics(prometheus.DefaultRegisterer)
	orch, err := orchestrator.New(
		orchestrator.Config{Strategy: strategy},
		store, verifier, migrator, updater, checker, mirror, metrics, logger,
	)
	if err != nil {
		return nil, err
	}
	c.orch = orch
	return c, nil
}

// Close releases resources held by long-lived components.
func (c *components) Close() {
	if c.mirror != nil {
		_ = c.mirror.Close()
	}
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "gmcli",
	Short: "GraphMemory stack management",
	Long: `gmcli manages the GraphMemory container stack.

The update command group drives safe stack updates: signature
verification, database backup and schema migration, blue-green or
rolling container replacement, and health validation with automatic
rollback on failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		explicit := cmd.Flags().Changed("config")
		cfg, err := loadConfig(flagConfigPath, explicit)
		if err != nil {
			return err
		}
		config = cfg
		if flagProject != "" {
			config.Stack.Project = flagProject
		}

		level := logging.LevelInfo
		if flagVerbose {
			level = logging.LevelDebug
		}
		log, err := logging.New(logging.Config{
			Level:   level,
			Service: "gmcli",
			LogDir:  config.LogDir,
			JSON:    flagJSONLogs,
			Quiet:   flagQuiet,
		})
		if err != nil {
			return err
		}
		logger = log
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "gmcli.yaml",
		"Path to the gmcli config file")
	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "",
		"Compose project name (overrides stack.project)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false,
		"Suppress stderr logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false,
		"Force JSON log output")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(backupsCmd)
}
