package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ChuLiYu/mapprint/internal/auth"
	"github.com/ChuLiYu/mapprint/internal/controller"
	"github.com/ChuLiYu/mapprint/internal/fetch"
	"github.com/ChuLiYu/mapprint/internal/metrics"
	"github.com/ChuLiYu/mapprint/internal/printer"
	"github.com/ChuLiYu/mapprint/internal/registry"
	"github.com/ChuLiYu/mapprint/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// closer is the part of a registry backend needed at shutdown
type closer interface {
	Close() error
}

// service holds every long-lived component of a running print server.
type service struct {
	cfg        *Config
	log        *zap.Logger
	gatherer   prometheus.Gatherer
	factory    *fetch.Factory
	backend    closer
	sql        *registry.SQL
	controller *controller.Controller
	server     *server.Server
	grpc       *grpc.Server
	stopPurge  chan struct{}
}

// buildService wires fetch factory, printer, registry, controller and gRPC
// server from cfg. Nothing is started yet.
func buildService(ctx context.Context, cfg *Config, log *zap.Logger) (_ *service, err error) {
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)
	svc := &service{cfg: cfg, log: log, gatherer: promReg, stopPurge: make(chan struct{})}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()

	fetchCfg := cfg.Fetch
	if cfg.Printer.AssetDir != "" {
		fetchCfg.Assets = os.DirFS(cfg.Printer.AssetDir)
	}
	svc.factory, err = fetch.NewFactory(fetchCfg, fetch.WithMetrics(collector), fetch.WithLogger(log.Named("fetch")))
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch factory: %w", err)
	}

	p, err := printer.New(printer.Config{
		TaskRoot:    cfg.Printer.TaskRoot,
		OutputDir:   cfg.Printer.OutputDir,
		Parallelism: cfg.Printer.Parallelism,
		MaxTiles:    cfg.Printer.MaxTiles,
	}, svc.factory, printer.WithMetrics(collector), printer.WithLogger(log.Named("printer")))
	if err != nil {
		return nil, fmt.Errorf("failed to create printer: %w", err)
	}

	reg, err := svc.openRegistry(ctx)
	if err != nil {
		return nil, err
	}

	svc.controller = controller.NewController(controller.Config{
		MaxRunning:       cfg.Controller.MaxRunning,
		MaxWaiting:       cfg.Controller.MaxWaiting,
		Timeout:          cfg.Controller.Timeout,
		AbandonedTimeout: cfg.Controller.AbandonedTimeout,
		SweepInterval:    cfg.Controller.SweepInterval,
		PollInterval:     cfg.Controller.PollInterval,
	}, p, reg, controller.WithMetrics(collector), controller.WithLogger(log.Named("controller")))

	opts := []server.Option{server.WithValidator(p), server.WithLogger(log.Named("grpc"))}
	if cfg.Server.AuthSecret != "" {
		authn, err := auth.NewAuthenticator([]byte(cfg.Server.AuthSecret), cfg.Server.AuthIssuer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithAuthenticator(authn))
	}
	svc.server = server.NewServer(svc.controller, opts...)
	svc.grpc = svc.server.NewGRPCServer()
	return svc, nil
}

func (s *service) openRegistry(ctx context.Context) (registry.Registry, error) {
	rc := s.cfg.Registry
	var backend registry.Registry

	switch rc.Driver {
	case "memory":
		m, err := registry.NewMemory(rc.Size, rc.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory registry: %w", err)
		}
		s.backend, backend = m, m
	case "file":
		f, err := registry.NewFile(rc.DSN, rc.TTL, registry.WithSyncWrites(rc.SyncWrites))
		if err != nil {
			return nil, fmt.Errorf("failed to open file registry: %w", err)
		}
		s.backend, backend = f, f
	default:
		db, err := registry.NewSQL(ctx, rc.Driver, rc.DSN, rc.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s registry: %w", rc.Driver, err)
		}
		s.backend, s.sql, backend = db, db, db
	}

	return registry.WithRetry(backend, rc.RetryAttempts, rc.RetryInterval, s.log.Named("registry")), nil
}

// start launches the controller, the metrics endpoint and the SQL purge loop.
func (s *service) start() error {
	if err := s.controller.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if s.cfg.Metrics.Enabled {
		go func() {
			s.log.Info("starting metrics server", zap.Int("port", s.cfg.Metrics.Port))
			if err := metrics.StartServer(s.cfg.Metrics.Port, s.gatherer); err != nil {
				s.log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	if s.sql != nil {
		go s.purgeLoop()
	}
	return nil
}

func (s *service) purgeLoop() {
	ticker := time.NewTicker(s.cfg.Registry.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPurge:
			return
		case <-ticker.C:
			n, err := s.sql.Purge(context.Background())
			if err != nil {
				s.log.Warn("registry purge failed", zap.Error(err))
				continue
			}
			s.log.Debug("registry purged", zap.Int64("rows", n))
		}
	}
}

// serve blocks serving gRPC on lis until shutdown.
func (s *service) serve(lis net.Listener) error {
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// shutdown stops accepting calls, cancels running jobs and releases resources.
func (s *service) shutdown() {
	s.server.Shutdown()
	s.grpc.GracefulStop()
	s.controller.Stop()
	close(s.stopPurge)
	s.close()
}

func (s *service) close() {
	if s.factory != nil {
		if err := s.factory.Close(); err != nil {
			s.log.Warn("failed to close fetch factory", zap.Error(err))
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.log.Warn("failed to close registry", zap.Error(err))
		}
	}
}
