// Command corrserve hosts a nlon Server over TCP: a thin process wiring
// configuration, logging, metrics, and graceful shutdown around the
// library, the way the teacher's own daemon binary wires its API server.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/elementbound/nlon/correspondence"
	"github.com/elementbound/nlon/internal/config"
	"github.com/elementbound/nlon/server"
	"github.com/elementbound/nlon/transport"
	"github.com/elementbound/nlon/wirelog"
)

var cli struct {
	ConfigFile string `default:"corrserve.yaml" env:"CORRSERVE_CONFIG" help:"path to the YAML configuration file"`
	Address    string `default:"" env:"CORRSERVE_ADDRESS" help:"listen address, overrides the config file"`
	Debug      bool   `default:"false" env:"CORRSERVE_DEBUG" help:"enable debug logging to stdout"`
}

func main() {
	kong.Parse(&cli)

	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		cfg = config.Default()
	}
	if cli.Address != "" {
		cfg.Address = cli.Address
	}
	if cli.Debug {
		cfg.Debug = true
	}

	fileLogger := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
	defer fileLogger.Close()

	var out io.Writer = io.MultiWriter(fileLogger, os.Stdout)
	logger := wirelog.New(out, cfg.Debug)

	metrics := server.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	srv := server.New(
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithCorrespondenceBufferSize(cfg.CorrespondenceBuffer),
		server.WithHandlerTimeout(time.Duration(cfg.HandlerTimeoutSeconds)*time.Second),
	)
	registerHandlers(srv)

	listener, err := transport.Listen(cfg.Address)
	if err != nil {
		logger.Fatal().Err(err).Str("address", cfg.Address).Msg("failed to listen")
	}

	admin := newAdminServer(cfg.MetricsAddr, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return acceptLoop(gctx, listener, srv, logger)
	})
	group.Go(func() error {
		return runAdminServer(gctx, admin, logger)
	})
	group.Go(func() error {
		return logServerEvents(gctx, srv, logger)
	})

	<-gctx.Done()
	logger.Info().Msg("shutdown signal received, draining peers")

	_ = listener.Close()
	for _, p := range srv.Peers() {
		p.Disconnect()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		logger.Error().Err(err).Msg("service exited with error")
	}
}

// registerHandlers installs the built-in subjects a bare corrserve
// instance understands. Embedding applications register their own
// subjects on the *server.Server returned by server.New before calling
// Connect, directly or through the Configure hook.
func registerHandlers(srv *server.Server) {
	srv.Handle("ping", func(ctx context.Context, corr *correspondence.Correspondence) error {
		return corr.Finish("pong")
	})
}

func acceptLoop(ctx context.Context, listener *transport.Listener, srv *server.Server, logger zerolog.Logger) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		stream, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		srv.Connect(stream)
	}
}

func logServerEvents(ctx context.Context, srv *server.Server, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-srv.Connections():
			logger.Info().Str("peer", p.ID()).Msg("peer connected")
		case p := <-srv.Disconnections():
			logger.Info().Str("peer", p.ID()).Msg("peer disconnected")
		case err := <-srv.Errors():
			logger.Warn().Err(err).Msg("server error")
		}
	}
}

func newAdminServer(addr string, registry *prometheus.Registry) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: router}
}

func runAdminServer(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server failed")
			return err
		}
		return nil
	}
}
