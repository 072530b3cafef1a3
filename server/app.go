// Package server wires the session/auth, group, message, friendship, and
// transport subsystems into one running instance, and owns its graceful
// shutdown. This is the central orchestrator the teacher's hub played for
// topic routing: here there is no topic fan-out, so its job collapses to
// starting the command and push listeners, the broker consumer, and the
// session-cleanup ticker, then tearing all of it down in order on signal
// or caller cancellation.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/doroteaMonaco/ruggine-server/server/auth"
	"github.com/doroteaMonaco/ruggine-server/server/broker"
	"github.com/doroteaMonaco/ruggine-server/server/command"
	"github.com/doroteaMonaco/ruggine-server/server/config"
	"github.com/doroteaMonaco/ruggine-server/server/friends"
	"github.com/doroteaMonaco/ruggine-server/server/groups"
	"github.com/doroteaMonaco/ruggine-server/server/messages"
	"github.com/doroteaMonaco/ruggine-server/server/metrics"
	"github.com/doroteaMonaco/ruggine-server/server/presence"
	"github.com/doroteaMonaco/ruggine-server/server/push"
	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
)

// sessionCleanupInterval is how often expired session rows are reaped.
const sessionCleanupInterval = 10 * time.Minute

// App holds every wired subsystem for one running server instance.
type App struct {
	Store    adapter.Adapter
	Auth     *auth.Service
	Groups   *groups.Service
	Messages *messages.Service
	Friends  *friends.Service
	Presence *presence.Registry
	Broker   broker.Handler
	Metrics  *metrics.Metrics
	Log      zerolog.Logger

	cfg *config.Config

	command *command.Server
	push    *push.Server
}

// New constructs an App from cfg and an already-open store. The broker is
// optional: pass nil to run single-instance, or a Handler whose Init has
// already been attempted (a failed Init just means IsReady() is false).
func New(cfg *config.Config, store adapter.Adapter, brk broker.Handler, met *metrics.Metrics, log zerolog.Logger) *App {
	reg := presence.NewRegistry()
	authSvc := auth.NewService(store, log, cfg.SessionTTL)
	groupSvc := groups.NewService(store, log)
	msgSvc := messages.NewService(store, log, cfg.MasterKey, cfg.EnableEncryption, cfg.MaxMessageLength)
	friendSvc := friends.NewService(store, log)

	app := &App{
		Store: store, Auth: authSvc, Groups: groupSvc, Messages: msgSvc, Friends: friendSvc,
		Presence: reg, Broker: brk, Metrics: met, Log: log, cfg: cfg,
	}
	app.command = command.NewServer(authSvc, groupSvc, msgSvc, friendSvc, store, reg, met, log)
	app.push = push.NewServer(authSvc, msgSvc, store, reg, brk, log)
	return app
}

// Run starts every listener and background task, blocking until ctx is
// cancelled (including by an OS termination signal registered by the
// caller via WithSignalCancel), then waits for a clean shutdown of each.
func (a *App) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.Log.Info().Str("addr", a.cfg.CommandAddr).Msg("command channel listening")
		var err error
		if a.cfg.TLSCertPath != "" && a.cfg.TLSKeyPath != "" {
			err = a.command.ListenAndServeTLS(gctx, a.cfg.CommandAddr, a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
		} else {
			err = a.command.ListenAndServe(gctx, a.cfg.CommandAddr)
		}
		if gctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("command channel: %w", err)
	})

	group.Go(func() error {
		httpSrv := &http.Server{Addr: a.cfg.PushAddr, Handler: a.push}
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
		a.Log.Info().Str("addr", a.cfg.PushAddr).Msg("push channel listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("push channel: %w", err)
		}
		return nil
	})

	if a.cfg.MetricsAddr != "" {
		group.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsSrv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
			go func() {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				metricsSrv.Shutdown(shutdownCtx)
			}()
			a.Log.Info().Str("addr", a.cfg.MetricsAddr).Msg("metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}

	if a.Broker != nil {
		group.Go(func() error {
			a.push.ConsumeBroker(gctx)
			return nil
		})
	}

	group.Go(func() error {
		a.runSessionCleanup(gctx)
		return nil
	})

	return group.Wait()
}

// runSessionCleanup reaps expired session rows on a fixed tick until ctx
// is cancelled.
func (a *App) runSessionCleanup(ctx context.Context) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Auth.CleanupExpiredSessions(ctx)
			if err != nil {
				a.Log.Error().Err(err).Msg("session cleanup failed")
				continue
			}
			if n > 0 {
				a.Log.Info().Int64("count", n).Msg("expired sessions reaped")
			}
		}
	}
}

// WithSignalCancel returns a context cancelled on SIGINT, SIGTERM, or
// SIGHUP, and a function to release the underlying signal.Notify
// registration. Mirrors the teacher's dedicated signal-handling
// goroutine, expressed as context cancellation instead of a bool channel
// so it composes with errgroup.
func WithSignalCancel(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
