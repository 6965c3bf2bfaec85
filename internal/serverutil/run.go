// Package serverutil runs an http.Server until its context ends and then
// drains it.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"vidhub/internal/observability/logging"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server *http.Server
	// Listener is used instead of listening on Server.Addr when set.
	Listener        net.Listener
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener accepts connections.
	Ready  chan<- struct{}
	Logger *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or serving fails, then shuts the server
// down within ShutdownTimeout. In-flight streams that outlive the timeout
// are cut off and reported as the shutdown error.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	serveCtx, stop := context.WithCancel(groupCtx)
	defer stop()

	group.Go(func() error {
		defer stop()
		if err := cfg.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-serveCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		logger.Info("shutting down http server", "timeout", timeout)
		if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
			_ = cfg.Server.Close()
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func listen(cfg Config) (net.Listener, error) {
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return nil, err
		}
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
