package cmd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/syncfs"
	"github.com/aweris/syncfs/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "syncfs",
	Short: "Cached remote filesystem CLI",
	Long:  "CLI for browsing and editing a cloud storage server through the syncfs cache core.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/syncfs/config.yaml)")
	rootCmd.PersistentFlags().String("server", "", "server URL (default: http://localhost:8000)")
	rootCmd.PersistentFlags().String("spool-dir", "", "spool directory (default: ~/.cache/syncfs)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (default: warn)")

	viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("spool_dir", rootCmd.PersistentFlags().Lookup("spool-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SYNCFS")
	viper.AutomaticEnv()
	viper.SetDefault("server_url", "http://localhost:8000")
	viper.SetDefault("spool_dir", defaultSpoolDir())
	viper.SetDefault("chunk_size", 256*1024)
	viper.SetDefault("idle_threshold", "5m")
	viper.SetDefault("retries", 3)
	viper.SetDefault("workers", 4)
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("log_file", "")

	viper.ReadInConfig()
}

// mount builds the FS from the resolved configuration.
func mount() (*syncfs.FS, error) {
	logger, err := logging.New(logging.Options{
		Level:      viper.GetString("log_level"),
		FilePath:   viper.GetString("log_file"),
		MaxSizeMB:  50,
		MaxBackups: 3,
	})
	if err != nil {
		return nil, err
	}

	idle, err := time.ParseDuration(viper.GetString("idle_threshold"))
	if err != nil {
		idle = 5 * time.Minute
	}

	return syncfs.MountURL(viper.GetString("server_url"),
		syncfs.WithSpoolDir(viper.GetString("spool_dir")),
		syncfs.WithChunkSize(viper.GetInt("chunk_size")),
		syncfs.WithIdleThreshold(idle),
		syncfs.WithRetry(viper.GetInt("retries"), 0, 0),
		syncfs.WithWorkers(viper.GetInt("workers")),
		syncfs.WithLogger(logger),
	)
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "syncfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "syncfs")
	}
	return ".syncfs"
}

func defaultSpoolDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "syncfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "syncfs")
	}
	return ".syncfs"
}
