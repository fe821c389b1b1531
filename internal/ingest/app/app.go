package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	grpcHandler "github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/inbound/grpc"
	httpHandler "github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/inbound/http"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/service"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/gossip"
	"github.com/anthanhphan/gosdk/logger"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	cfg        *config.Config
	service    *service.IngestionServiceImpl
	httpServer *httpHandler.Server
	grpcServer *grpcHandler.Server
	membership *gossip.Membership
	closers    []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func New(configPath string) (*App, error) {
	// 1. Load Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Initialize Logger
	logger.InitLogger(&cfg.Logger)

	a := &App{cfg: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.App.StoreTimeout()*4)
	defer cancel()

	// 3. Outbound adapters
	deps, err := a.buildDependencies(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	// 4. Service
	a.service = service.NewIngestionService(cfg, deps)

	// 5. Inbound servers
	a.httpServer = httpHandler.NewServer(cfg, a.service)
	a.grpcServer = grpcHandler.NewServer(cfg, a.service)

	return a, nil
}

// Run serves HTTP and gRPC and drives background work until SIGINT or
// SIGTERM, then shuts everything down in reverse order.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infow("Ingest HTTP server starting", "addr", a.cfg.Server.Addr)
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.grpcServer.Start(gctx); err != nil {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.service.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("Shutdown signal received")
		}
		return a.shutdown()
	})

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Errorw("Ingest service exited unexpectedly", "error", runErr.Error())
	} else {
		runErr = nil
	}

	a.close()
	logger.Info("Ingest service stopped")
	return runErr
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("Shutting down ingest servers")
	var errs []error
	if err := a.httpServer.Stop(ctx); err != nil {
		logger.Errorw("HTTP shutdown error", "error", err.Error())
		errs = append(errs, err)
	}
	if err := a.grpcServer.Stop(ctx); err != nil {
		logger.Errorw("gRPC shutdown error", "error", err.Error())
		errs = append(errs, err)
	}
	if a.membership != nil {
		if err := a.membership.Leave(); err != nil {
			logger.Warnw("Failed to leave ingest cluster", "error", err.Error())
		}
	}
	return errors.Join(errs...)
}

// close releases outbound resources, last opened first.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			logger.Warnw("Failed to close resource", "resource", c.name, "error", err.Error())
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}
