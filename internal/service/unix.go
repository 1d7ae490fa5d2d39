//go:build !windows

package service

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"wsagent/internal/logger"
)

// UnixService runs the agent in the foreground. SIGINT and SIGTERM stop it;
// SIGUSR1 suspends and SIGUSR2 resumes the worker when a Pauser is set.
type UnixService struct {
	runFunc RunFunc
	pauser  Pauser
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
}

// NewService creates a new platform-specific service. pauser may be nil.
func NewService(runFunc RunFunc, pauser Pauser) Service {
	return &UnixService{
		runFunc: runFunc,
		pauser:  pauser,
	}
}

// Run starts runFunc and handles signals until it returns.
func (s *UnixService) Run(ctx context.Context) error {
	log := logger.WithComponent("unix-service")

	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopChan)

	pauseChan := make(chan os.Signal, 1)
	if s.pauser != nil {
		signal.Notify(pauseChan, syscall.SIGUSR1, syscall.SIGUSR2)
		defer signal.Stop(pauseChan)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.runFunc(ctx)
	}()

	log.Info().Int("pid", os.Getpid()).Msg("Service started")

	for {
		select {
		case sig := <-pauseChan:
			if sig == syscall.SIGUSR1 {
				log.Info().Msg("Received SIGUSR1, suspending worker")
				s.pauser.Suspend()
			} else {
				log.Info().Msg("Received SIGUSR2, resuming worker")
				s.pauser.Resume()
			}

		case sig := <-stopChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			s.Stop()

			select {
			case err := <-done:
				return err
			case sig := <-stopChan:
				log.Warn().Str("signal", sig.String()).Msg("Received second signal, forcing exit")
				return nil
			}

		case err := <-done:
			return err
		}
	}
}

// Stop requests the service to stop.
func (s *UnixService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil && !s.stopped {
		s.stopped = true
		s.cancel()
	}
	return nil
}

// IsService reports whether stdin is not a terminal, which is the case under
// systemd and similar supervisors.
func (s *UnixService) IsService() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) == 0
}
