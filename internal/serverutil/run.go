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
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Ready           chan<- struct{}

	// Logger, when non-nil, receives lifecycle events (listener bound,
	// graceful shutdown starting/finished) so an operator watching
	// templatepipe's logs can correlate a deploy or SIGTERM with the
	// in-flight render jobs it interrupted.
	Logger *slog.Logger

	// ActiveJobs, when non-nil, is sampled once graceful shutdown begins
	// and logged alongside the shutdown-starting message. It is wired to
	// the pipeline orchestrator's in-flight job gauge so shutdown logs
	// show whether any POST /pipeline/v2/process calls were still
	// running when the signal arrived.
	ActiveJobs func() int64
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts the provided HTTP server and blocks until it stops. If TLS
// certificate and key files are provided, the server will listen with TLS.
// When the context is cancelled, Run attempts a graceful shutdown bounded by
// ShutdownTimeout.
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

	listenConfig := cfg.Server
	ln, err := net.Listen("tcp", listenConfig.Addr)
	if err != nil {
		return err
	}

	var serve func(net.Listener) error
	tlsEnabled := cfg.TLS.CertFile != ""
	if tlsEnabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return err
		}

		tlsCfg := cfg.Server.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		cfg.Server.TLSConfig = tlsCfg
		serve = cfg.Server.Serve
		ln = tls.NewListener(ln, tlsCfg)
	} else {
		serve = cfg.Server.Serve
	}

	cfg.logListening(ln.Addr().String(), tlsEnabled)

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	cfg.logShutdownStarting(timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	var result error
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			result = err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			result = shutdownErr
		} else {
			result = shutdownCtx.Err()
		}
	}
	if result == nil {
		result = shutdownErr
	}

	cfg.logShutdownFinished(result)
	return result
}

func (cfg Config) logListening(addr string, tlsEnabled bool) {
	if cfg.Logger == nil {
		return
	}
	cfg.Logger.Info("pipeline http listener bound", "addr", addr, "tls", tlsEnabled)
}

func (cfg Config) logShutdownStarting(timeout time.Duration) {
	if cfg.Logger == nil {
		return
	}
	args := []any{"shutdown_timeout_ms", timeout.Milliseconds()}
	if cfg.ActiveJobs != nil {
		args = append(args, "active_jobs", cfg.ActiveJobs())
	}
	cfg.Logger.Info("pipeline http server shutting down", args...)
}

func (cfg Config) logShutdownFinished(err error) {
	if cfg.Logger == nil {
		return
	}
	if err != nil {
		cfg.Logger.Warn("pipeline http server shutdown did not complete cleanly", "error", err)
		return
	}
	cfg.Logger.Info("pipeline http server shutdown complete")
}
