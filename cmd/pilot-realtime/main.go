package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pilot-collab/pilot/backend/internal/auth"
	"github.com/pilot-collab/pilot/backend/internal/config"
	"github.com/pilot-collab/pilot/backend/internal/content"
	"github.com/pilot-collab/pilot/backend/internal/database"
	"github.com/pilot-collab/pilot/backend/internal/logging"
	"github.com/pilot-collab/pilot/backend/internal/notify"
	"github.com/pilot-collab/pilot/backend/internal/realtime"
	"github.com/pilot-collab/pilot/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pilot-realtime",
		Short: "Pilot realtime collaboration server",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().Bool("fast", defaults.GetBool("realtime.fast"), "Shorten session-break and liveness windows for development")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.fast", "fast")
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
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "pilot-auth",
		Audience:      "pilot-realtime",
	})
	if err != nil {
		return err
	}

	sharingService, err := auth.NewSharingService(auth.SharingServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	notifier := notify.NewService(notify.ServiceConfig{Logger: logger})

	updater, err := content.NewUpdater(content.UpdaterConfig{
		Database:     db,
		Clock:        time.Now,
		IDProvider:   content.NewUUIDProvider(),
		Schemas:      content.NewStaticSchemaProvider(defaultSchemas()),
		Notifier:     notifier,
		Logger:       logger,
		SessionBreak: appConfig.SessionBreak,
	})
	if err != nil {
		return err
	}

	store, err := realtime.NewStore(realtime.StoreConfig{
		LivenessWindow: appConfig.LivenessWindow,
		Clock:          time.Now,
	})
	if err != nil {
		return err
	}
	hub := realtime.NewHub()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		TokenMinter:    tokenIssuer,
		ExchangeSecret: []byte(appConfig.ExchangeSecret),
		Updater:        updater,
		Sharing:        sharingService,
		Store:          store,
		Hub:            hub,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := realtime.NewSweeper(realtime.SweeperConfig{
		Store:  store,
		Hub:    hub,
		Logger: logger,
	})
	go sweeper.Run(signalCtx)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

// defaultSchemas registers the built-in item schemas. Deployments with
// custom item types extend this registry from their own configuration.
func defaultSchemas() map[string]content.Schema {
	return map[string]content.Schema{
		"": {
			"title": {Name: "title", Kind: content.FieldKindPlainText},
			"body":  {Name: "body", Kind: content.FieldKindRichText},
			"state": {Name: "state", Kind: content.FieldKindChoice},
			"cover": {Name: "cover", Kind: content.FieldKindAsset},
			"photo": {Name: "photo", Kind: content.FieldKindElastic, ElasticKind: content.FieldKindAsset},
		},
	}
}
