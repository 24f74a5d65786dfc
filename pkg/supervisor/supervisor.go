package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/metrics"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Supervisor keeps at most one instance of the bundle running and forwards
// its messages. It never decides to roll back; that is the caller's job.
type Supervisor struct {
	fabric Fabric
	spec   Spec
	logger zerolog.Logger

	mu      sync.Mutex
	handle  Handle
	running bool
}

// New creates a supervisor launching spec through fabric
func New(fabric Fabric, spec Spec) *Supervisor {
	return &Supervisor{
		fabric: fabric,
		spec:   spec,
		logger: log.WithComponent("supervisor"),
	}
}

// Start launches the bundle unless it is already running. Every message the
// bundle sends is passed to onMessage. A failed spawn leaves the supervisor
// stopped.
func (s *Supervisor) Start(ctx context.Context, onMessage func(types.CrashPacket)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	h, err := s.fabric.Start(ctx, s.spec)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", s.spec.Name, err)
	}

	forward := func(pkt types.CrashPacket) {
		if pkt.Crashed() {
			metrics.CrashesTotal.Inc()
		} else {
			s.logger.Debug().Msg("Informational message from application")
		}
		if onMessage != nil {
			onMessage(pkt)
		}
	}
	if err := s.fabric.Subscribe(h, forward); err != nil {
		stopErr := s.fabric.Stop(ctx, h)
		return multierr.Append(fmt.Errorf("failed to subscribe to %s: %w", s.spec.Name, err), stopErr)
	}

	s.handle = h
	s.running = true
	metrics.AppStartsTotal.Inc()
	metrics.SetBool(metrics.AppRunning, true)
	s.logger.Info().Str("name", s.spec.Name).Msg("Application started")
	return nil
}

// Stop terminates the bundle and blocks until teardown completes. Stopping a
// stopped supervisor does nothing.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.fabric.Stop(ctx, s.handle)
	s.handle = ""
	s.running = false
	metrics.SetBool(metrics.AppRunning, false)

	if err != nil {
		return fmt.Errorf("failed to stop %s: %w", s.spec.Name, err)
	}
	s.logger.Info().Str("name", s.spec.Name).Msg("Application stopped")
	return nil
}

// Running reports whether the bundle was started and not stopped since
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown stops the bundle and releases the fabric. Used on host shutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return multierr.Append(s.Stop(ctx), s.fabric.Close())
}
