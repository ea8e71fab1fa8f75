package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/BusterWarn/WebSockets-Workshop/internal/logging"
	"github.com/BusterWarn/WebSockets-Workshop/internal/server"
)

func main() {
	container, err := buildContainer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat server: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(run); err != nil {
		fmt.Fprintf(os.Stderr, "chat server: %v\n", dig.RootCause(err))
		os.Exit(1)
	}
}

func buildContainer() (*dig.Container, error) {
	c := dig.New()

	constructors := []any{
		server.LoadConfig,
		newLogger,
		newMetricsRegistry,
		newMetrics,
		server.NewRegistry,
		server.NewAPI,
		newRouter,
		server.CreateServer,
	}
	for _, constructor := range constructors {
		if err := c.Provide(constructor); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newLogger(cfg server.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel)
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *server.Metrics {
	return server.NewMetrics(reg)
}

type routerParams struct {
	dig.In

	API      *server.API
	Registry *prometheus.Registry
}

func newRouter(p routerParams) http.Handler {
	return server.SetupRoutes(p.API, p.Registry)
}

func run(cfg server.Config, log *zap.Logger, rooms *server.Registry, httpServer *http.Server) error {
	defer func() { _ = log.Sync() }()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, log)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server stopped", zap.Error(err))
			return err
		}
		return nil
	case sig := <-stop:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := rooms.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("room shutdown incomplete", zap.Error(err))
	}
	return nil
}
