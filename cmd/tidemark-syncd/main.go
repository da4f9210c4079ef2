package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelagiclabs/tidemark/internal/config"
	"github.com/pelagiclabs/tidemark/internal/database"
	"github.com/pelagiclabs/tidemark/internal/journal"
	"github.com/pelagiclabs/tidemark/internal/localstore"
	"github.com/pelagiclabs/tidemark/internal/logging"
	"github.com/pelagiclabs/tidemark/internal/remote"
	"github.com/pelagiclabs/tidemark/internal/syncengine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tidemark-syncd",
		Short: "Tidemark device-side sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite mirror path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote backend base URL")
	cmd.PersistentFlags().String("access-token", "", "Session access token (overrides env)")
	cmd.PersistentFlags().String("user-id", "", "Account identifier the mirror belongs to")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("sync.debounce_ms"), "Realtime debounce window in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.access_token", "access-token")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "sync.debounce_ms", "debounce-ms")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// alwaysOnline suits a daemon that is only launched while networked; request
// failures still degrade to per-item errors and the next cycle retries.
type alwaysOnline struct{}

func (alwaysOnline) Online(context.Context) bool { return true }

type staticSession struct{ token string }

func (s staticSession) Authenticated(context.Context) bool { return s.token != "" }

func runDaemon(ctx context.Context) error {
	syncdConfig, err := config.LoadSyncd(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(syncdConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(syncdConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := localstore.NewStore(localstore.StoreConfig{
		Database:   db,
		UserID:     syncdConfig.UserID,
		Clock:      time.Now,
		IDProvider: journal.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	remoteStore, err := remote.NewHTTPStore(remote.HTTPStoreConfig{
		BaseURL:     syncdConfig.RemoteBaseURL,
		AccessToken: syncdConfig.AccessToken,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := syncengine.NewCoordinator(syncengine.CoordinatorConfig{
		Store:          store,
		Remote:         remoteStore,
		Binary:         remoteStore,
		Connectivity:   alwaysOnline{},
		Session:        staticSession{token: syncdConfig.AccessToken},
		Logger:         logger,
		Clock:          time.Now,
		DebounceWindow: syncdConfig.DebounceWindow,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator.Start(signalCtx)
	defer coordinator.Destroy()

	result := coordinator.FullSync(signalCtx)
	total := result.Push.Total()
	logger.Info("initial sync finished",
		zap.Bool("ran", result.Ran),
		zap.Int("pushed", total.Success),
		zap.Int("push_errors", total.Errors),
		zap.Int("pulled", result.Pull.Streams.Total()+result.Pull.Locations.Total()+
			result.Pull.Entries.Total()+result.Pull.Attachments.Total()))

	<-signalCtx.Done()
	logger.Info("shutting down")
	return nil
}
