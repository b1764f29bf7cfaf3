package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/resonance/internal/auth"
	"github.com/Tyrowin/resonance/internal/events"
	"github.com/Tyrowin/resonance/internal/history"
	"github.com/Tyrowin/resonance/internal/logging"
	"github.com/Tyrowin/resonance/internal/server"
)

func main() {
	config := server.NewConfigFromEnv()

	logger := logging.New(config.Log.Level, config.Log.Format)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(config, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(config *server.Config, logger *zap.Logger) error {
	if config.Auth.Secret == "" {
		return errors.New("JWT_SECRET must be set")
	}

	verifier, err := auth.NewJWTVerifier(auth.Options{
		Secret:    []byte(config.Auth.Secret),
		Algorithm: config.Auth.Algorithm,
		Issuer:    config.Auth.Issuer,
	})
	if err != nil {
		return err
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := history.Open(openCtx, config.History.Backend, config.History.DSN)
	cancelOpen()
	if err != nil {
		return errors.Wrap(err, "open history store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close history store", zap.Error(err))
		}
	}()
	logger.Info("history store ready", zap.String("backend", config.History.Backend))

	var publisher events.Publisher = events.NopPublisher{}
	if config.NATS.URL != "" {
		nats, err := events.NewNATSPublisher(events.NATSConfig{
			Servers: []string{config.NATS.URL},
			Subject: config.NATS.Subject,
		}, logger.Named("nats"))
		if err != nil {
			return errors.Wrap(err, "connect nats")
		}
		publisher = nats
		logger.Info("publishing messages to nats", zap.String("subject", nats.Subject()))
	}
	defer func() { _ = publisher.Close() }()

	gateway, err := server.NewGateway(server.GatewayOptions{
		Verifier:  verifier,
		Store:     store,
		Publisher: publisher,
		Logger:    logger.Named("gateway"),
		Config:    *config,
	})
	if err != nil {
		return err
	}
	go gateway.Run()

	gin.SetMode(gin.ReleaseMode)
	router := server.SetupRoutes(gateway)
	httpServer := server.CreateServer(config.Port, router)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer, config.MaxConnections, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout, logger); err != nil {
		logger.Warn("http server did not shut down cleanly", zap.Error(err))
	}
	if err := gateway.Shutdown(config.ShutdownTimeout); err != nil {
		logger.Warn("gateway did not shut down cleanly", zap.Error(err))
	}
	return nil
}
