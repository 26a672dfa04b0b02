// Package cli builds the command line of a mesh node: run, shardmap, lock, healthcheck, config and
// version subcommands over the shared configuration loader.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/shardmesh/pkg/config"
	"github.com/nimburion/shardmesh/pkg/lock"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/shardworker"
	"github.com/nimburion/shardmesh/pkg/version"
)

const defaultEnvPrefix = "SHARDMESH"

// NodeCommandOptions defines the node-specific parts of the command line.
type NodeCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: the shard task run by "run". Without it the node only joins the mesh.
	Task shardworker.Task

	// Optional: adjusts the worker configuration derived from config.
	ConfigureWorker func(cfg *config.Config, workerCfg *shardworker.Config) error

	// Optional: custom config validation (runs after the built-in validation)
	ValidateConfig func(cfg *config.Config) error

	// Optional: override lock backend construction (useful for tests/custom adapters).
	BackendFactory BackendFactory

	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

// NewNodeCommand creates the node CLI with run, shardmap, lock, healthcheck, config and version
// subcommands. Running the root command is the same as "run".
func NewNodeCommand(opts NodeCommandOptions) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = defaultEnvPrefix
	}
	if opts.BackendFactory == nil {
		opts.BackendFactory = lock.NewBackend
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	var secretFilePath string
	var serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", fmt.Sprintf("path to secrets file (sets %s_SECRETS_FILE)", resolveEnvPrefix(opts.EnvPrefix)))
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("worker-role", "", "sharding role served by the shard worker")

	loader := func(flags *pflag.FlagSet) *config.ViperLoader {
		return config.NewViperLoader(cfgPath, opts.EnvPrefix).
			WithServiceNameDefault(opts.Name).
			WithFlags(flags)
	}
	loadConfig := func(flags *pflag.FlagSet) (*config.Config, *config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(loader(flags), opts.EnvPrefix, secretFilePath, opts.ValidateConfig, opts.Name, serviceNameOverride)
	}

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	})

	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Join the mesh and run the shards owned by this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer syncLogger(log)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			node, err := NewNode(ctx, cfg, log, NodeOptions{
				Task:            opts.Task,
				ConfigureWorker: opts.ConfigureWorker,
				BackendFactory:  opts.BackendFactory,
			})
			if err != nil {
				return err
			}
			return node.Run(ctx)
		},
	}
	rootCmd.AddCommand(runCmd)
	rootCmd.RunE = runCmd.RunE

	// healthcheck command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the lock backend and membership store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer syncLogger(log)
			return runHealthcheck(cmd.Context(), cmd.OutOrStdout(), cfg, log, opts.BackendFactory)
		},
	})

	rootCmd.AddCommand(newShardMapCommand(loadConfig))
	rootCmd.AddCommand(newLockCommand(loadConfig, opts.BackendFactory))
	rootCmd.AddCommand(newConfigCommand(loadConfig))

	// Add custom node-specific commands
	for _, customCmd := range opts.CustomCommands {
		rootCmd.AddCommand(customCmd)
	}

	return rootCmd
}

// configLoaderFunc loads the effective configuration, its secrets and a logger.
type configLoaderFunc func(flags *pflag.FlagSet) (*config.Config, *config.Config, logger.Logger, error)

func newConfigCommand(loadConfig configLoaderFunc) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, _, err := loadConfig(cmd.Flags()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, _, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if showSecrets {
				secrets = nil
			}
			formatted, err := formatYAML(cfg.RedactedMap(secrets))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)

	return configCmd
}

// LoadConfigAndLogger loads configuration with secrets through loader, applies the service name
// override, generates a node id when none is configured and creates the logger.
func LoadConfigAndLogger(
	loader *config.ViperLoader,
	envPrefix,
	secretFilePath string,
	customValidator func(*config.Config) error,
	defaultServiceName string,
	serviceNameOverride string,
) (*config.Config, *config.Config, logger.Logger, error) {
	if loader == nil {
		return nil, nil, nil, errors.New("config loader is required")
	}
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, nil, err
	}
	cfg, secrets, err := loader.LoadWithSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
	if strings.TrimSpace(cfg.Service.NodeID) == "" {
		cfg.Service.NodeID = generateNodeID()
	}

	if customValidator != nil {
		if err := customValidator(cfg); err != nil {
			return nil, nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Log.Level),
		Format: logger.LogFormat(cfg.Log.Format),
		Output: os.Stderr,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg, secrets)
	return cfg, secrets, log, nil
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func formatYAML(v any) (string, error) {
	if v == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal yaml: %w", err)
	}
	return string(data), nil
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config, secrets *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Log.Level, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", cfg.Redacted(secrets))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "shardmesh"
}

func syncLogger(log logger.Logger) {
	if syncer, ok := log.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}
