//go:build windows

package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/windows/svc"

	"wsagent/internal/logger"
)

const stopTimeout = 30 * time.Second

// WindowsService implements svc.Handler. SCM Pause and Continue map to the
// worker's suspend and resume when a Pauser is set.
type WindowsService struct {
	runFunc RunFunc
	pauser  Pauser
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
}

// NewService creates a new platform-specific service. pauser may be nil.
func NewService(runFunc RunFunc, pauser Pauser) Service {
	return &WindowsService{
		runFunc: runFunc,
		pauser:  pauser,
	}
}

// Run starts the service, interactively or under the SCM.
func (s *WindowsService) Run(ctx context.Context) error {
	if !s.IsService() {
		s.mu.Lock()
		ctx, s.cancel = context.WithCancel(ctx)
		s.mu.Unlock()
		return s.runFunc(ctx)
	}
	return svc.Run(Name, s)
}

// Stop requests the service to stop.
func (s *WindowsService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil && !s.stopped {
		s.stopped = true
		s.cancel()
	}
	return nil
}

// IsService returns true if running as a Windows service.
func (s *WindowsService) IsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// Execute implements the svc.Handler interface.
func (s *WindowsService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (svcSpecificEC bool, exitCode uint32) {
	log := logger.WithComponent("windows-service")

	accepted := svc.AcceptStop | svc.AcceptShutdown
	if s.pauser != nil {
		accepted |= svc.AcceptPauseAndContinue
	}

	changes <- svc.Status{State: svc.StartPending}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.runFunc(s.ctx)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info().Msg("Windows service started")

	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
				// The SCM expects the status twice.
				time.Sleep(100 * time.Millisecond)
				changes <- c.CurrentStatus

			case svc.Pause:
				log.Info().Msg("Received pause from service control, suspending worker")
				s.pauser.Suspend()
				changes <- svc.Status{State: svc.Paused, Accepts: accepted}

			case svc.Continue:
				log.Info().Msg("Received continue from service control, resuming worker")
				s.pauser.Resume()
				changes <- svc.Status{State: svc.Running, Accepts: accepted}

			case svc.Stop, svc.Shutdown:
				log.Info().Msg("Received stop signal from Windows service control")
				changes <- svc.Status{State: svc.StopPending}
				s.Stop()

				select {
				case <-done:
				case <-time.After(stopTimeout):
					log.Warn().Dur("timeout", stopTimeout).Msg("Timeout waiting for service to stop")
				}

				changes <- svc.Status{State: svc.Stopped}
				return false, 0

			default:
				log.Warn().Int("cmd", int(c.Cmd)).Msg("Unexpected service control command")
			}

		case err := <-done:
			changes <- svc.Status{State: svc.Stopped}
			if err != nil {
				log.Error().Err(err).Msg("Service run function exited with error")
				return true, 1
			}
			return false, 0
		}
	}
}
