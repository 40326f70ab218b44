package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/config"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/database"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/fortune"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/journal"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/pairing"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/server"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/session"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/visitors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kiosk-api",
		Short: "Kiosk pairing and session backend",
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
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("public-base-url", defaults.GetString("public.base_url"), "Public address of this backend")
	cmd.PersistentFlags().String("device-base-url", defaults.GetString("device.base_url"), "Device web app URL embedded in pairing codes")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("flow-variant", defaults.GetString("flow.variant"), "Flow variant (kiosk or mobile)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("pairing.token_ttl"), "Pairing token expiry")
	cmd.PersistentFlags().Duration("unused-ttl", defaults.GetDuration("pairing.unused_ttl"), "Pairing token unused deadline")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("pairing.sweep_interval"), "Pairing sweeper period")
	cmd.PersistentFlags().String("signing-secret", "", "Visitor token signing secret (overrides env)")
	cmd.PersistentFlags().String("fortune-url", defaults.GetString("fortune.url"), "Remote message generator endpoint")
	cmd.PersistentFlags().String("amqp-url", defaults.GetString("amqp.url"), "AMQP broker for the milestone journal")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "public.base_url", "public-base-url")
	bindFlag(cmd, "device.base_url", "device-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "flow.variant", "flow-variant")
	bindFlag(cmd, "pairing.token_ttl", "token-ttl")
	bindFlag(cmd, "pairing.unused_ttl", "unused-ttl")
	bindFlag(cmd, "pairing.sweep_interval", "sweep-interval")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "fortune.url", "fortune-url")
	bindFlag(cmd, "amqp.url", "amqp-url")
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

	measurementService, err := measurements.NewService(measurements.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: measurements.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	visitorService, err := visitors.NewService(visitors.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "kiosk-auth",
		Audience:      "kiosk-api",
		TokenTTL:      appConfig.VisitorTokenTTL,
	})
	if err != nil {
		return err
	}

	otpService := auth.NewOTPService(auth.OTPConfig{
		TTL:         appConfig.OTPTTL,
		MaxAttempts: appConfig.OTPMaxAttempts,
		Sender:      auth.LogSender{Logger: logger},
		Logger:      logger,
	})

	tokens, err := pairing.NewManager(pairing.ManagerConfig{
		TokenTTL:  appConfig.TokenTTL,
		UnusedTTL: appConfig.UnusedTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(presence.RegistryConfig{Logger: logger})

	var generator fortune.Generator = fortune.NewLocalGenerator()
	if appConfig.FortuneURL != "" {
		remote, err := fortune.NewRemoteGenerator(fortune.RemoteGeneratorConfig{
			Endpoint: appConfig.FortuneURL,
			Timeout:  appConfig.FortuneTimeout,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		generator = remote
	}

	var recorder journal.Recorder = journal.Nop{}
	if appConfig.AMQPURL != "" {
		transport, err := journal.NewAMQPTransport(appConfig.AMQPURL, appConfig.AMQPExchange)
		if err != nil {
			return err
		}
		publisher := journal.NewPublisher(journal.PublisherConfig{Transport: transport, Logger: logger})
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("milestone journal close failed", zap.Error(err))
			}
		}()
		recorder = publisher
	}

	orchestrator, err := session.NewOrchestrator(session.Config{
		Measurements:         measurementService,
		Tokens:               tokens,
		Presence:             registry,
		Fortune:              generator,
		Journal:              recorder,
		DeviceBaseURL:        appConfig.DeviceBaseURL,
		PublicBaseURL:        appConfig.PublicBaseURL,
		KioskDisplaysResults: appConfig.KioskDisplaysResults(),
		Clock:                time.Now,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       orchestrator,
		Presence:       registry,
		OTP:            otpService,
		Visitors:       visitorService,
		TokenManager:   tokenIssuer,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts derive from the signal context so open presence
	// streams end when shutdown begins.
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	var background sync.WaitGroup
	sweeperCtx, stopSweeper := context.WithCancel(signalCtx)
	defer func() {
		stopSweeper()
		background.Wait()
	}()
	sweeper := pairing.NewSweeper(tokens, appConfig.SweepInterval, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		sweeper.Run(sweeperCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("flow_variant", appConfig.FlowVariant))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
