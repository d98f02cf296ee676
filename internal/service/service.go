//go:build windows

// Package service provides Windows Service integration.
// When running as a Windows service, the daemon enters the SCM control loop.
// When running from a terminal, it runs in foreground.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
)

const serviceName = "antikoerper"

// stopTimeout bounds how long a stop request waits for the daemon to drain.
const stopTimeout = 30 * time.Second

// DaemonService implements the Windows service interface (svc.Handler).
type DaemonService struct {
	logger *zap.Logger
	runFn  func(ctx context.Context) error
	ctx    context.Context
	err    error
}

// New creates a new Windows service wrapper. runFn must block until its
// context is cancelled and the daemon has drained.
func New(logger *zap.Logger, runFn func(ctx context.Context) error) *DaemonService {
	return &DaemonService{
		logger: logger.Named("service"),
		runFn:  runFn,
	}
}

// IsWindowsService checks if the process is running as a Windows service.
func IsWindowsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// Run starts the Windows service control loop. The SCM owns the lifecycle,
// so ctx is only used as the parent of the daemon's context.
func (s *DaemonService) Run(ctx context.Context) error {
	s.ctx = ctx
	if err := svc.Run(serviceName, s); err != nil {
		return err
	}
	return s.err
}

// Execute implements the svc.Handler interface for Windows SCM integration.
// It manages the service lifecycle: start, running, stop/shutdown.
func (s *DaemonService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.runFn(ctx) }()

	changes <- svc.Status{
		State:   svc.Running,
		Accepts: svc.AcceptStop | svc.AcceptShutdown,
	}
	s.logger.Info("Windows service started")

	for {
		select {
		case err := <-done:
			s.err = err
			if err != nil {
				s.logger.Error("Daemon exited", zap.Error(err))
				return true, 1
			}
			return false, 0
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.logger.Info("Windows service stopping")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case s.err = <-done:
				case <-time.After(stopTimeout):
					s.logger.Warn("Daemon did not drain in time")
				}
				return false, 0
			default:
				s.logger.Warn("Unexpected service control request",
					zap.Uint32("cmd", uint32(c.Cmd)))
			}
		}
	}
}

// Install provides instructions for installing the service.
func Install(exePath string) error {
	return fmt.Errorf("use 'sc create %s binPath= \"%s\"' to install", serviceName, exePath)
}
