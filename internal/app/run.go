package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unkn0wn-root/cacheaside"
	"github.com/unkn0wn-root/cacheaside/internal/config"
	zaplog "github.com/unkn0wn-root/cacheaside/log/zap"
)

// Run loads configuration, builds the stack and blocks until SIGINT or
// SIGTERM.
func Run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := zaplog.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	a, err := New(ctx, cfg, Deps{Logger: logger, Registry: reg})
	if err != nil {
		logger.Error("startup failed", cacheaside.Fields{"err": err})
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", cacheaside.Fields{"err": err})
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, a.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}
