package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinelsec/sentinel/pkg/daemon"
	"github.com/sentinelsec/sentinel/pkg/sentinel/config"
	"github.com/sentinelsec/sentinel/pkg/sentinel/logging"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "sentineld",
		Short: "Endpoint security daemon with on-access scanning",
		Long: `Sentineld watches configured directory trees, submits new and
modified files to clamd, quarantines detected threats, and serves events
to the local GUI over a unix socket.

It must run as root to monitor other users' files and to protect the
quarantine area.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/sentinel/config.yaml)")
	rootCmd.Flags().StringSliceP("watch", "w", nil, "directory trees to monitor (can be repeated)")
	rootCmd.Flags().String("socket", "", "control socket path")
	rootCmd.Flags().String("clamd-socket", "", "clamd socket path")
	rootCmd.Flags().String("quarantine-root", "", "quarantine directory")
	rootCmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolP("foreground", "f", false, "log to stderr as well as the log file")

	_ = viper.BindPFlag("roots", rootCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("control.socket", rootCmd.Flags().Lookup("socket"))
	_ = viper.BindPFlag("scanner.socket", rootCmd.Flags().Lookup("clamd-socket"))
	_ = viper.BindPFlag("quarantine_root", rootCmd.Flags().Lookup("quarantine-root"))
	_ = viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
}

// initConfig reads in the config file and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/sentinel")
		if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
			viper.AddConfigPath(filepath.Join(xdgConfigHome, "sentinel"))
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(homeDir, ".config", "sentinel"))
		}
	}

	viper.SetEnvPrefix("SENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	config.SetDefaults(viper.GetViper())

	_ = viper.ReadInConfig()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		return err
	}

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Path:         cfg.Logging.Path,
		ConsoleLevel: cfg.Logging.ConsoleLevel,
		Components:   cfg.Logging.Components,
		Rotation: logging.RotationConfig{
			MaxAge:     cfg.Logging.Rotation.MaxAge,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			Daily:      cfg.Logging.Rotation.Daily,
		},
	}
	if cfg.Logging.Rotation.MaxSize != "" {
		if n, err := humanize.ParseBytes(cfg.Logging.Rotation.MaxSize); err == nil {
			logCfg.Rotation.MaxSize = int64(n)
		}
	}
	if foreground, _ := cmd.Flags().GetBool("foreground"); foreground && logCfg.ConsoleLevel == "" {
		logCfg.ConsoleLevel = logCfg.Level
	}
	if err := logging.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: failed to initialise logging: %v\n", err)
		return err
	}
	defer func() { _ = logging.Close() }()

	logger := logging.Get("daemon")
	logger.Info("sentinel daemon starting",
		"roots", cfg.Roots, "workers", cfg.Workers, "socket", cfg.Control.Socket)

	pidPath := cfg.PIDPath
	if pidPath == "" {
		pidPath = daemon.DefaultPIDPath()
	}
	if daemon.IsRunning(pidPath) {
		fmt.Fprintln(os.Stderr, "sentineld is already running")
		return daemon.ErrAlreadyRunning
	}

	d, err := daemon.New(cfg)
	if err != nil {
		logger.Error("initialisation failed", "error", err)
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		return err
	}

	if err := daemon.WritePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer func() {
			if err := daemon.RemovePIDFile(pidPath); err != nil {
				logger.Warn("failed to remove PID file", "path", pidPath, "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
