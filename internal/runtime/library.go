package runtime

import (
	"context"
	"errors"

	"github.com/lifeops/agentd/internal/common/logger"
	"go.uber.org/zap"
)

// ErrLibraryUnavailable reports that the in-process agent library cannot
// serve requests (not installed, incompatible version, failed probe). It is
// the signal to fall back to the subprocess runner.
var ErrLibraryUnavailable = errors.New("agent library unavailable")

// Library is the in-process agent integration point. Implementations wrap a
// vendored agent SDK; Probe is called once per start to detect availability.
type Library interface {
	// Probe reports whether the library can execute requests right now.
	Probe(ctx context.Context) error
	// Run starts an execution. Only called after a successful Probe.
	Run(ctx context.Context, req Request) (Execution, error)
}

// LibraryRunner runs agents through an in-process library client.
type LibraryRunner struct {
	lib    Library
	logger *logger.Logger
}

// NewLibraryRunner creates a runner backed by lib. lib may be nil, in which
// case every Start fails with ErrLibraryUnavailable.
func NewLibraryRunner(lib Library, log *logger.Logger) *LibraryRunner {
	return &LibraryRunner{
		lib:    lib,
		logger: log.WithFields(zap.String("component", "library-runner")),
	}
}

// Start implements Runner.
func (r *LibraryRunner) Start(ctx context.Context, req Request) (Execution, error) {
	if r.lib == nil {
		return nil, ErrLibraryUnavailable
	}
	if err := r.lib.Probe(ctx); err != nil {
		r.logger.Warn("library probe failed", zap.Error(err))
		return nil, errors.Join(ErrLibraryUnavailable, err)
	}
	return r.lib.Run(ctx, req)
}

// FallbackRunner tries the library path first and falls back to the
// subprocess path when the library is unavailable. Any other library error is
// surfaced as-is: only detectable unavailability selects the fallback.
type FallbackRunner struct {
	primary  Runner
	fallback Runner
	logger   *logger.Logger
}

// NewFallbackRunner creates a runner that prefers primary.
func NewFallbackRunner(primary, fallback Runner, log *logger.Logger) *FallbackRunner {
	return &FallbackRunner{
		primary:  primary,
		fallback: fallback,
		logger:   log.WithFields(zap.String("component", "fallback-runner")),
	}
}

// Start implements Runner.
func (r *FallbackRunner) Start(ctx context.Context, req Request) (Execution, error) {
	exec, err := r.primary.Start(ctx, req)
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, ErrLibraryUnavailable) {
		return nil, err
	}
	r.logger.Info("library runner unavailable, using subprocess",
		zap.String("session_id", req.SessionID))
	return r.fallback.Start(ctx, req)
}
