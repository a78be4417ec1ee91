package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hive/internal/config"
	"hive/internal/log"
	"hive/internal/manager"
	"hive/internal/presentation"
	"hive/internal/task"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "hive [task description]",
	Short:   "A multi-agent task coordinator",
	Long: `Hive routes free-text tasks to capability-matched worker agents,
collects their spec artifacts, and consolidates finished work into a single
ledger document. Submitting a task blocks until it completes or fails.`,
	Version: version,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runSubmit,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .hive/config.yaml)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "",
		"workspace directory for state, registry, and logs")
	rootCmd.PersistentFlags().String("roster", "",
		"agent roster YAML file")

	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("roster_path", rootCmd.PersistentFlags().Lookup("roster"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("workspace", defaults.Workspace)
	viper.SetDefault("registry", defaults.Registry)
	viper.SetDefault("delegation_timeout", defaults.DelegationTimeout)
	viper.SetDefault("watch_roster", defaults.WatchRoster)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if file, searchDir := configLookup(cfgFile); file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.AddConfigPath(searchDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if os.IsNotExist(err) || isConfigNotFound(err) {
			// First run: write the commented default config and continue
			defaultPath := ".hive/config.yaml"
			if cfgFile == "" {
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// configLookup decides where config comes from. Lookup order:
// 1. the explicit --config file
// 2. .hive/config.yaml (current directory)
// 3. ~/.config/hive/config.yaml (user config)
// It returns either an explicit file or a directory to search for config.yaml.
func configLookup(explicit string) (file, searchDir string) {
	if explicit != "" {
		return explicit, ""
	}
	if _, err := os.Stat(".hive/config.yaml"); err == nil {
		return ".hive/config.yaml", ""
	}
	home, _ := os.UserHomeDir()
	return "", filepath.Join(home, ".config", "hive")
}

func isConfigNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

// newManager boots the system with logging initialized under the workspace.
func newManager(ctx context.Context) (*manager.Manager, func(), error) {
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create workspace: %w", err)
	}

	closeLog, err := log.Init(cfg.LogPath())
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	if os.Getenv("HIVE_DEBUG") == "" {
		log.SetMinLevel(log.LevelInfo)
	} else {
		log.SetMinLevel(log.LevelDebug)
	}

	m, err := manager.New(cfg)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	if err := m.Start(ctx); err != nil {
		closeLog()
		return nil, nil, err
	}

	cleanup := func() {
		_ = m.Shutdown(ctx)
		closeLog()
	}
	return m, cleanup, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	payload := strings.Join(args, " ")

	m, cleanup, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	created, err := m.SubmitTask(ctx, payload)
	if err != nil {
		return err
	}

	final, err := m.AwaitTerminal(ctx, created.ID)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), presentation.RenderTask(final))

	if final.State != task.StateCompleted {
		return fmt.Errorf("task %s %s", final.ID, final.State)
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
