package main

import (
	"fmt"
	"os"

	"github.com/ngoyal88/promptrelay/pkg/cache"
	"github.com/ngoyal88/promptrelay/pkg/config"
	"github.com/ngoyal88/promptrelay/pkg/logging"
	"github.com/ngoyal88/promptrelay/pkg/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "relay-admin",
	Short: "Operator tool for promptrelay",
	Long: `relay-admin manages a promptrelay deployment: it generates the admin key
and inspects or replays usage records held in the Redis fallback store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.Config{Level: "warn", Format: "console"})
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "relay config file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the relay config, falling back to defaults when the file
// does not exist.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.LoadFile(configPath)
}

func openFallback(cfg *config.Config) (*storage.RedisStore, *cache.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil, fmt.Errorf("redis is not enabled in config")
	}
	rdb, err := cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewRedisStore(rdb, cfg.Capture.FallbackTTL), rdb, nil
}
