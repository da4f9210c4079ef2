package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelagiclabs/tidemark/internal/auth"
	"github.com/pelagiclabs/tidemark/internal/config"
	"github.com/pelagiclabs/tidemark/internal/hub"
	"github.com/pelagiclabs/tidemark/internal/journal"
	"github.com/pelagiclabs/tidemark/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tidemark-hub",
		Short: "Tidemark reference sync backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("hub.http_address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("hub.database_path"), "SQLite database path")
	cmd.PersistentFlags().String("asset-dir", defaults.GetString("hub.asset_dir"), "Directory for uploaded assets")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "hub.http_address", "http-address")
	bindFlag(cmd, "hub.database_path", "database-path")
	bindFlag(cmd, "hub.asset_dir", "asset-dir")
	bindFlag(cmd, "hub.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	hubConfig, err := config.LoadHub(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(hubConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := hub.OpenDatabase(hubConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(hubConfig.SigningSecret),
		Issuer:        "tidemark-hub",
		Audience:      "tidemark-sync",
	})

	service, err := hub.NewService(hub.ServiceConfig{
		Database:   db,
		AssetDir:   hubConfig.AssetDir,
		IDProvider: journal.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := hub.NewHTTPHandler(hub.Dependencies{
		Tokens:  tokenManager,
		Service: service,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    hubConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub starting", zap.String("address", hubConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
