package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/partnerboard/backend/internal/accounts"
	"github.com/partnerboard/backend/internal/auth"
	"github.com/partnerboard/backend/internal/config"
	"github.com/partnerboard/backend/internal/logging"
	"github.com/partnerboard/backend/internal/partnerships"
	"github.com/partnerboard/backend/internal/presence"
	"github.com/partnerboard/backend/internal/realtime"
	"github.com/partnerboard/backend/internal/server"
	"github.com/partnerboard/backend/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "partnerboard-api",
		Short: "Partnership board backend service",
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
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory for JSON collection files")
	cmd.PersistentFlags().String("storage-driver", defaults.GetString("storage.driver"), "Storage driver (json or sqlite)")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("storage.sqlite_path"), "SQLite database path")
	cmd.PersistentFlags().Duration("flush-interval", defaults.GetDuration("storage.flush_interval"), "Periodic persistence flush interval")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")
	cmd.PersistentFlags().String("admin-email", "", "Bootstrap admin email (seeds the allowlist on first run)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "storage.sqlite_path", "sqlite-path")
	bindFlag(cmd, "storage.flush_interval", "flush-interval")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "auth.admin_email", "admin-email")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func openBackend(appConfig config.AppConfig, logger *zap.Logger) (storage.Backend, io.Closer, error) {
	switch appConfig.StorageDriver {
	case config.StorageDriverSQLite:
		backend, err := storage.OpenSQLite(appConfig.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, backend, nil
	default:
		backend, err := storage.NewJSONFileBackend(appConfig.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return backend, nil, nil
	}
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

	backend, closer, err := openBackend(appConfig, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	var records []partnerships.Record
	if _, err := backend.Load(storage.CollectionPartnerships, &records); err != nil {
		return fmt.Errorf("load partnerships: %w", err)
	}
	var users []accounts.User
	if _, err := backend.Load(storage.CollectionUsers, &users); err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	var allowedEmails []accounts.AllowedEmail
	allowlistFound, err := backend.Load(storage.CollectionAllowedEmails, &allowedEmails)
	if err != nil {
		return fmt.Errorf("load allowed emails: %w", err)
	}
	if !allowlistFound {
		allowedEmails = accounts.BootstrapAllowlist(appConfig.AdminEmail, time.Now())
		if err := backend.Save(storage.CollectionAllowedEmails, allowedEmails); err != nil {
			return fmt.Errorf("seed allowlist: %w", err)
		}
		logger.Info("seeded bootstrap allowlist", zap.String("admin_email", allowedEmails[0].Email))
	}

	flusher, err := storage.NewFlusher(storage.FlusherConfig{
		Backend:  backend,
		Interval: appConfig.FlushInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	recordStore, err := partnerships.NewStore(partnerships.StoreConfig{
		IDProvider: partnerships.NewUUIDProvider(),
		Saver:      flusher.Saver(storage.CollectionPartnerships),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	recordStore.Replace(records)

	accountsService, err := accounts.NewService(accounts.ServiceConfig{
		Users:          users,
		AllowedEmails:  allowedEmails,
		IDProvider:     accounts.NewUUIDProvider(),
		UsersSaver:     flusher.Saver(storage.CollectionUsers),
		AllowlistSaver: flusher.Saver(storage.CollectionAllowedEmails),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	flusher.Register(storage.CollectionPartnerships, func() any { return recordStore.List() })
	flusher.Register(storage.CollectionUsers, func() any { return accountsService.SnapshotUsers() })
	flusher.Register(storage.CollectionAllowedEmails, func() any { return accountsService.SnapshotAllowlist() })

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "partnerboard-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	registry := presence.NewRegistry(nil)
	hub, err := realtime.NewHub(realtime.HubConfig{
		Records:  recordStore,
		Presence: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	recordStore.SetEventSink(hub)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Records:  recordStore,
		Accounts: accountsService,
		Tokens:   tokenIssuer,
		Presence: registry,
		Channel:  hub,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	flusher.Start()
	defer flusher.Close()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("storage_driver", appConfig.StorageDriver))
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
