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

	"github.com/kumpul-app/kumpul-backend/internal/auth"
	"github.com/kumpul-app/kumpul-backend/internal/chat"
	"github.com/kumpul-app/kumpul-backend/internal/config"
	"github.com/kumpul-app/kumpul-backend/internal/database"
	"github.com/kumpul-app/kumpul-backend/internal/groups"
	"github.com/kumpul-app/kumpul-backend/internal/ident"
	"github.com/kumpul-app/kumpul-backend/internal/logging"
	"github.com/kumpul-app/kumpul-backend/internal/notes"
	"github.com/kumpul-app/kumpul-backend/internal/profiles"
	"github.com/kumpul-app/kumpul-backend/internal/realtime"
	"github.com/kumpul-app/kumpul-backend/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kumpul-api",
		Short: "Kumpul group chat and notes backend service",
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
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token TTL")
	cmd.PersistentFlags().Duration("otp-ttl", defaults.GetDuration("auth.otp_ttl"), "One-time code TTL")
	cmd.PersistentFlags().Bool("whatsapp-enabled", defaults.GetBool("auth.whatsapp_enabled"), "Allow WhatsApp OTP delivery")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "auth.otp_ttl", "otp-ttl")
	bindFlag(cmd, "auth.whatsapp_enabled", "whatsapp-enabled")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "kumpul-auth",
		Audience:      "kumpul-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	otpService, err := auth.NewOTPService(auth.OTPServiceConfig{
		Sender:          &auth.LogSender{Logger: logger},
		CodeTTL:         appConfig.OTPTTL,
		WhatsAppEnabled: appConfig.WhatsAppEnabled,
	})
	if err != nil {
		return err
	}

	idProvider := ident.NewUUIDProvider()

	profileService, err := profiles.NewService(profiles.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	groupService, err := groups.NewService(groups.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Guard:      groupService,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	noteService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Guard:      groupService,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		OTP:            otpService,
		Sessions:       sessions,
		Profiles:       profileService,
		Groups:         groupService,
		Chat:           chatService,
		Notes:          noteService,
		Dispatcher:     realtime.NewDispatcher(),
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
