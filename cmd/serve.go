package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mwa-demo/calfit/internal/api"
	"github.com/mwa-demo/calfit/internal/pipeline"
	"github.com/mwa-demo/calfit/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for fit runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)

		opts := cfg.PipelineOptions()
		if opts.PhaseDiff, err = loadPhaseDiff(cfg.Fit.PhaseDiffPath); err != nil {
			return err
		}

		runner := newFitRunner(ctx, st, opts)
		handler := api.NewServer(st, runner, api.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			FitsPerMinute:  cfg.Server.FitsPerMinute,
		}).Routes()
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		shutdownDone := make(chan struct{})
		go func() {
			defer close(shutdownDone)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// ListenAndServe returns as soon as Shutdown starts; handlers may
		// still be calling StartFit until it finishes draining.
		<-shutdownDone
		runner.Wait()
		return nil
	},
}

// fitRunner loads inputs on the request goroutine and fits in the
// background.
type fitRunner struct {
	ctx   context.Context
	store store.Store
	opts  pipeline.Options
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newFitRunner(ctx context.Context, st store.Store, opts pipeline.Options) *fitRunner {
	return &fitRunner{ctx: ctx, store: st, opts: opts}
}

// StartFit implements api.Runner. It returns api.ErrShuttingDown once Wait
// has been called.
func (r *fitRunner) StartFit(req api.FitRequest) error {
	if r.isClosed() {
		return api.ErrShuttingDown
	}
	group, err := loadGroup(req.Metafits, req.Solutions)
	if err != nil {
		return err
	}

	opts := r.opts
	opts.RefAnt = req.RefAnt
	opts.Name = req.Name
	opts.FitIono = opts.FitIono || req.FitIono
	if err := opts.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ErrShuttingDown
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		summary, err := pipeline.New(r.store, opts).Run(r.ctx, group)
		if err != nil {
			zap.L().Error("serve: fit run failed", zap.Error(err))
			return
		}
		zap.L().Info("serve: fit run complete",
			zap.String("run_id", summary.RunID),
			zap.String("title", summary.Title),
			zap.Int("fits", summary.Result.FitsTotal),
		)
	}()
	return nil
}

func (r *fitRunner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Wait stops new fits from starting and blocks until every background fit
// has returned.
func (r *fitRunner) Wait() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
