package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it stops. When
// maxConns is positive at most that many connections are accepted at once.
// A graceful shutdown is not reported as an error.
func StartServer(server *http.Server, maxConns int, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", server.Addr)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	logger.Info("server listening", zap.String("addr", ln.Addr().String()), zap.Int("max_connections", maxConns))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("http server shutdown completed")
	return nil
}
