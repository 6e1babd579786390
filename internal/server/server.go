// Package server runs the HTTP API and the pipeline worker pool on top of
// an initialized app.App.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/feedback-pipeline/internal/api"
	"github.com/JakeFAU/feedback-pipeline/internal/app"
	"github.com/JakeFAU/feedback-pipeline/internal/dispatcher"
	idgen "github.com/JakeFAU/feedback-pipeline/internal/id/uuid"
	"github.com/JakeFAU/feedback-pipeline/internal/worker"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server owns the API handler and the dispatcher feeding the workers.
type Server struct {
	app      *app.App
	api      *api.Server
	dispatch *dispatcher.Dispatcher
	logger   *zap.Logger
}

// New wires the API and one worker per configured slot around a.
func New(a *app.App) *Server {
	cfg := a.Config
	workers := make([]*worker.Worker, 0, cfg.Queue.Workers)
	for i := range cfg.Queue.Workers {
		workers = append(workers, worker.New(
			i+1,
			a.Queue,
			a.Orchestrator,
			worker.Config{ErrorBackoff: cfg.Queue.ErrorBackoff},
			a.Logger,
		))
	}
	dispatch := dispatcher.New(a.Queue, workers)

	apiServer := api.NewServer(
		a.Owners,
		a.Ledger,
		a.Records,
		dispatch,
		idgen.New(),
		a.Clock,
		cfg,
		a.Logger.Named("api"),
	)
	return &Server{
		app:      a,
		api:      apiServer,
		dispatch: dispatch,
		logger:   a.Logger,
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.api.Handler()
}

// Run listens on the configured port and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.app.Config.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the dispatcher. When ctx is
// canceled the HTTP server drains, the workers stop, and the app's
// resources are released.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("dispatcher started", zap.Int("workers", s.app.Config.Queue.Workers))
		s.dispatch.Run(gctx)
		s.logger.Info("dispatcher stopped")
		return nil
	})
	g.Go(func() error {
		s.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.app.Close(closeCtx); err != nil {
		s.logger.Warn("app close failed", zap.Error(err))
	}
	_ = s.logger.Sync()
	return runErr
}
