package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wsagent/internal/config"
	"wsagent/internal/engine"
	"wsagent/internal/hub"
	"wsagent/internal/journal"
	"wsagent/internal/logger"
	"wsagent/internal/protocol"
	"wsagent/internal/worker"
)

const metricsShutdownTimeout = 5 * time.Second

// agent owns the assembled engine, worker, hub and journal for one process.
type agent struct {
	cfg     *config.Config
	opts    *rootOptions
	worker  *worker.Worker
	hub     *hub.Hub
	journal *journal.Journal
}

func newAgent(cfg *config.Config, opts *rootOptions) (*agent, error) {
	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return nil, err
	}

	a := &agent{cfg: cfg, opts: opts}

	hubOpts := []hub.Option{
		hub.WithCommandQueueSize(cfg.Worker.CommandQueueSize),
		hub.WithEventQueueSize(cfg.Worker.EventQueueSize),
	}
	if cfg.Journal.Enabled {
		j, err := journal.New(cfg.Journal)
		if err != nil {
			return nil, err
		}
		a.journal = j
		hubOpts = append(hubOpts, hub.WithRecorder(j))
	}

	// The worker publishes into the hub, which is built right after it.
	var h *hub.Hub
	a.worker = worker.New(eng, func(ev protocol.Event) { h.Publish(ev) },
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithMaxPayload(cfg.Worker.MaxPayloadBytes),
		worker.WithOutboxSize(cfg.Worker.OutboxSize),
	)
	h = hub.New(a.worker, hubOpts...)
	a.hub = h

	return a, nil
}

// run is the service body: it starts the hub, optional metrics endpoint,
// watchers and console, then blocks until ctx is cancelled.
func (a *agent) run(ctx context.Context) error {
	log := logger.WithComponent("main")

	if err := a.hub.Start(ctx); err != nil {
		return err
	}
	defer func() {
		log.Info().Msg("Stopping hub")
		a.hub.Stop()
	}()

	if addr := a.cfg.Metrics.ListenAddress; addr != "" {
		srv := startMetricsServer(addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	if a.cfg.Connection.Address != "" {
		a.hub.SetParameters(a.cfg.Connection.Parameters())
		if a.cfg.Connection.AutoStart {
			log.Info().Str("target", a.cfg.Connection.Parameters().String()).Msg("Auto-starting worker")
			a.hub.StartWorker()
		}
	}

	cleanupWatchers := setupWatchers(a.hub, a.cfg.Connection, a.opts.configPath, a.opts.loggingPath)
	defer cleanupWatchers()

	if a.opts.console {
		go func() {
			if err := runConsole(ctx, os.Stdin, os.Stdout, a.hub); err != nil {
				log.Warn().Err(err).Msg("Console stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal")
	return nil
}

// close releases resources that outlive run.
func (a *agent) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log := logger.WithComponent("main")
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}
}

func startMetricsServer(addr string) *http.Server {
	log := logger.WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

// setupWatchers creates hot-reload watchers for Agent.json and Logging.json.
// Returns a cleanup function that stops all started watchers.
func setupWatchers(h *hub.Hub, initial config.ConnectionConfig, configPath, loggingPath string) func() {
	log := logger.WithComponent("main")
	var watcherMu sync.Mutex
	var cleanups []func()

	// Agent.json watcher. The hub rejects new parameters while the worker is
	// active, so an edit during a session applies to the next Start.
	connWatcher, err := config.NewConnectionWatcher(configPath, initial, func(c config.ConnectionConfig) {
		watcherMu.Lock()
		defer watcherMu.Unlock()

		params := c.Parameters()
		log.Info().Str("target", params.String()).Msg("Applying connection configuration changes")
		h.SetParameters(params)
	})

	if err != nil {
		log.Warn().Err(err).Msg("Failed to create connection watcher, hot reload disabled")
	} else {
		if err := connWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start connection watcher")
		} else {
			cleanups = append(cleanups, func() {
				log.Info().Msg("Stopping connection watcher")
				if err := connWatcher.Stop(); err != nil {
					log.Error().Err(err).Msg("Error stopping connection watcher")
				}
			})
		}
	}

	// Logging.json watcher
	loggingWatcher, err := config.NewLoggingWatcher(loggingPath, func(newLC *logger.Config) {
		watcherMu.Lock()
		defer watcherMu.Unlock()

		log.Info().Msg("Applying logging configuration changes")

		if err := logger.Init(*newLC); err != nil {
			log.Error().Err(err).Msg("Failed to update logging configuration")
			return
		}

		log.Info().Msg("Logging configuration updated")
	})

	if err != nil {
		log.Warn().Err(err).Msg("Failed to create logging watcher, hot reload disabled")
	} else {
		if err := loggingWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start logging watcher")
		} else {
			cleanups = append(cleanups, func() {
				log.Info().Msg("Stopping logging watcher")
				if err := loggingWatcher.Stop(); err != nil {
					log.Error().Err(err).Msg("Error stopping logging watcher")
				}
			})
		}
	}

	return func() {
		// Stop in reverse order
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
}
