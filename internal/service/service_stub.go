//go:build !windows

// Package service provides a stub implementation for non-Windows platforms.
// On Linux and macOS the daemon runs as a foreground process under the init
// system; the Windows service wrapper is not needed.
package service

import (
	"context"

	"go.uber.org/zap"
)

// DaemonService is a pass-through service wrapper for non-Windows platforms.
type DaemonService struct {
	logger *zap.Logger
	runFn  func(ctx context.Context) error
}

// New creates a stub service wrapper for non-Windows platforms.
func New(logger *zap.Logger, runFn func(ctx context.Context) error) *DaemonService {
	return &DaemonService{
		logger: logger.Named("service"),
		runFn:  runFn,
	}
}

// IsWindowsService always returns false on non-Windows platforms.
func IsWindowsService() bool {
	return false
}

// Run executes the daemon directly until ctx is cancelled.
func (s *DaemonService) Run(ctx context.Context) error {
	s.logger.Debug("Running in foreground")
	return s.runFn(ctx)
}
