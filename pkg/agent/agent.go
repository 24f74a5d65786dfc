package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/kioskd/pkg/bundle"
	"github.com/cuemby/kioskd/pkg/config"
	"github.com/cuemby/kioskd/pkg/fleet"
	"github.com/cuemby/kioskd/pkg/identity"
	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/metrics"
	"github.com/cuemby/kioskd/pkg/telemetry"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrCrashHandler is returned by Run when recovering from an application crash
// failed. The state of the application can no longer be trusted.
var ErrCrashHandler = errors.New("crash handler failed")

// Revert reasons, journaled and used as metric labels
const (
	ReasonCrash      = "crash"
	ReasonValidation = "validation"
)

// crashQueueSize bounds crash packets waiting for the control loop
const crashQueueSize = 32

// Fleet is the subset of the fleet backend client used by the control loop
type Fleet interface {
	SetBaseURL(baseURL string)
	SetIdentity(identity *types.DeviceIdentity)
	SetStatus(ctx context.Context, status types.DeviceStatus) error
	ClearStatus(ctx context.Context) error
	ValidateDeviceID(ctx context.Context) error
	StartupInfo(ctx context.Context) (*types.StartupInfo, error)
	SubmitCrashReport(ctx context.Context, report *types.CrashReport) error
}

// Engine applies and rolls back bundle updates
type Engine interface {
	Exists() bool
	CurrentVersion() (string, error)
	Download(ctx context.Context, version string) error
	Install() error
	Revert() error
	Validate() error
}

// Process controls the supervised application
type Process interface {
	Start(ctx context.Context, onMessage func(types.CrashPacket)) error
	Stop(ctx context.Context) error
	Running() bool
}

// IdentityLoader reads the persisted device identity
type IdentityLoader interface {
	Load() (*types.DeviceIdentity, error)
}

// Recovery provisions a device without a usable identity. Run blocks until a
// new identity has been persisted or ctx is done.
type Recovery interface {
	Run(ctx context.Context) (*types.DeviceIdentity, error)
}

// Journal is the durable record of pending crash reports and past reverts
type Journal interface {
	QueueCrashReport(report *types.CrashReport) error
	PendingCrashReports() ([]*types.CrashReport, error)
	DeleteCrashReport(id string) error
	RecordRevert(record *types.RevertRecord) error
	RevertsSince(t time.Time) ([]*types.RevertRecord, error)
	PruneReverts(before time.Time) (int, error)
}

// Options wires the agent to its collaborators
type Options struct {
	Paths    config.Paths
	Fleet    Fleet
	Engine   Engine
	Process  Process
	Identity IdentityLoader
	Recovery Recovery
	Journal  Journal
	Events   *telemetry.Aggregator

	RefreshInterval time.Duration
	RetryBackoff    time.Duration
	FlushInterval   time.Duration

	// MaxReverts crash-triggered reverts are allowed per RevertWindow.
	// Zero disables the breaker. Once it trips the application stays stopped
	// until the next iteration, which starts no later than RevertWindow after
	// the trip.
	MaxReverts   int
	RevertWindow time.Duration
}

// Agent is the device control loop
type Agent struct {
	opts    Options
	events  *telemetry.Aggregator
	logger  zerolog.Logger
	now     func() time.Time
	crashes chan crashEvent

	// flushes tracks background telemetry pushes
	flushes sync.WaitGroup

	mu    sync.Mutex
	state State
}

type crashEvent struct {
	gen uint64
	pkt types.CrashPacket
}

// New creates an agent. Every collaborator except Journal is required.
func New(opts Options) (*Agent, error) {
	switch {
	case opts.Fleet == nil:
		return nil, errors.New("agent requires a fleet client")
	case opts.Engine == nil:
		return nil, errors.New("agent requires an update engine")
	case opts.Process == nil:
		return nil, errors.New("agent requires a supervisor")
	case opts.Identity == nil:
		return nil, errors.New("agent requires an identity store")
	case opts.Recovery == nil:
		return nil, errors.New("agent requires a recovery server")
	case opts.Events == nil:
		return nil, errors.New("agent requires a log aggregator")
	}

	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = config.DefaultRefreshInterval
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = config.DefaultRetryBackoff
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = config.DefaultFlushInterval
	}
	if opts.RevertWindow <= 0 {
		opts.RevertWindow = time.Hour
	}

	return &Agent{
		opts:    opts,
		events:  opts.Events,
		logger:  log.WithComponent("agent"),
		now:     time.Now,
		crashes: make(chan crashEvent, crashQueueSize),
		state:   State{Online: true},
	}, nil
}

// Run executes the control loop until ctx is done. It returns nil on
// cancellation and an error wrapping ErrCrashHandler if crash recovery failed.
func (a *Agent) Run(ctx context.Context) error {
	defer a.flushes.Wait()

	counter := backoff.Counter{Strategy: backoff.Constant(a.opts.RetryBackoff)}
	var prev string

	for {
		err := a.iterate(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrCrashHandler) {
			return err
		}
		if err == nil {
			counter.Reset()
			prev = ""
			continue
		}

		metrics.IterationsTotal.WithLabelValues("failed").Inc()
		a.update(func(s *State) {
			s.LastErr = err.Error()
			s.LastErrAt = a.now()
		})
		// Repeated failures are reported once
		if err.Error() != prev {
			a.events.Error("Control loop iteration failed", err)
		}
		prev = err.Error()

		if err := counter.Sleep(ctx, err); err != nil {
			return nil
		}
	}
}

// iterate runs one pass of the control loop, including the idle wait that
// follows it. A nil return starts the next pass immediately.
func (a *Agent) iterate(ctx context.Context) error {
	timer := metrics.NewTimer()
	a.update(func(s *State) { s.Iteration++ })

	if err := a.opts.Paths.Prepare(); err != nil {
		return err
	}

	id, err := a.opts.Identity.Load()
	if errors.Is(err, identity.ErrMissing) {
		a.events.Force("Device identity not found, running recovery server", false)
		return a.recover(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if id.APIURL != "" {
		a.opts.Fleet.SetBaseURL(id.APIURL)
	}
	a.opts.Fleet.SetIdentity(id)
	a.logger.Debug().Str("device_id", id.DeviceID).Msg("Identity loaded")

	a.setStatus(ctx, types.DeviceStatusBooting)

	if err := a.opts.Fleet.ValidateDeviceID(ctx); err != nil {
		if errors.Is(err, fleet.ErrIdentityInvalid) {
			a.events.Force("Device ID was determined invalid by server, running recovery server", true)
			return a.recover(ctx)
		}
		a.events.Error("Failed to validate device ID", err)
	}

	if err := a.checkForUpdate(ctx); err != nil {
		return err
	}

	if err := a.opts.Engine.Validate(); err != nil {
		a.events.Error("App failed validation, reverting to backup", err)
		if err := a.opts.Process.Stop(ctx); err != nil {
			return err
		}
		if err := a.revert(ReasonValidation); err != nil {
			return err
		}
		if err := a.opts.Engine.Validate(); err != nil {
			return fmt.Errorf("reverted bundle is not valid: %w", err)
		}
	}

	a.drainCrashReports(ctx)
	if err := a.opts.Fleet.ClearStatus(ctx); err != nil {
		a.events.Error("Failed to clear device status", err)
	}

	if err := a.ensureRunning(ctx); err != nil {
		return err
	}

	a.flushAsync(ctx)
	timer.ObserveDuration(metrics.IterationDuration)
	metrics.IterationsTotal.WithLabelValues("ok").Inc()

	return a.idle(ctx)
}

// recover blocks on the recovery server and returns once an identity exists
func (a *Agent) recover(ctx context.Context) error {
	id, err := a.opts.Recovery.Run(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if id == nil {
		return errors.New("recovery ended without an identity")
	}
	a.events.Force(fmt.Sprintf("Device %s registered", id.DeviceID), false)
	return nil
}

// checkForUpdate stages and installs the latest bundle if it differs from the
// installed one. Backend and download failures are retried on the next pass.
func (a *Agent) checkForUpdate(ctx context.Context) error {
	info, err := a.opts.Fleet.StartupInfo(ctx)
	if err != nil {
		return a.updateFailure("Failed to check for updates", err)
	}
	a.setOnline(true)

	if info.Location != nil {
		if err := os.WriteFile(a.opts.Paths.LocationFile, info.Location, 0644); err != nil {
			a.events.Error("Failed to save location", err)
		}
	}

	latest := info.LatestVersion
	if latest == "" {
		a.events.Record("Server did not report a latest version", false)
		return nil
	}
	a.events.Recordf(false, "Latest update is %s", latest)

	current, err := a.opts.Engine.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read installed version: %w", err)
	}
	if a.opts.Engine.Exists() && !bundle.NeedsUpdate(current, latest) {
		a.events.Record("App is up to date", false)
		return nil
	}

	a.events.Recordf(false, "Downloading update %s", latest)
	a.setStatus(ctx, types.DeviceStatusUpdating)

	if err := a.opts.Engine.Download(ctx, latest); err != nil {
		metrics.UpdatesTotal.WithLabelValues("failed").Inc()
		return a.updateFailure("Failed to download update", err)
	}

	if err := a.opts.Process.Stop(ctx); err != nil {
		return err
	}
	if err := a.opts.Engine.Install(); err != nil {
		metrics.UpdatesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to install update %s: %w", latest, err)
	}

	metrics.UpdatesTotal.WithLabelValues("ok").Inc()
	a.events.Force(fmt.Sprintf("Updated to %s", latest), false)
	return nil
}

// updateFailure records a failed update check or download. Network failures
// and failed downloads mark the device offline. A request the backend answered
// and refused leaves the device online. In both cases the pass continues
// without the update; any other error is returned to the caller.
func (a *Agent) updateFailure(msg string, err error) error {
	a.events.Error(msg, err)

	var apiErr *fleet.APIError
	switch {
	case fleet.IsNetwork(err), errors.Is(err, bundle.ErrDownloadFailed):
		a.setOnline(false)
	case errors.As(err, &apiErr):
		a.setOnline(true)
	default:
		return err
	}
	return nil
}

func (a *Agent) setOnline(online bool) {
	a.update(func(s *State) { s.Online = online })
	metrics.SetBool(metrics.Online, online)
	if online {
		metrics.UpdateComponent(metrics.ComponentFleet, true, "")
	} else {
		metrics.UpdateComponent(metrics.ComponentFleet, false, "backend unreachable")
	}
}

// setStatus reports status to the backend. Failures are logged only.
func (a *Agent) setStatus(ctx context.Context, status types.DeviceStatus) {
	if err := a.opts.Fleet.SetStatus(ctx, status); err != nil {
		a.events.Error(fmt.Sprintf("Failed to set device status to %q", status), err)
	}
}

// revert restores the backup and journals the attempt. ErrBackupMissing is
// returned unchanged.
func (a *Agent) revert(reason string) error {
	from, _ := a.opts.Engine.CurrentVersion()
	err := a.opts.Engine.Revert()

	record := &types.RevertRecord{
		At:          a.now(),
		FromVersion: from,
		Reason:      reason,
	}
	if err == nil {
		record.ToVersion, _ = a.opts.Engine.CurrentVersion()
		metrics.RevertsTotal.WithLabelValues(reason).Inc()
		a.events.Force(fmt.Sprintf("Reverted from %s to %s", from, record.ToVersion), false)
	}

	// Crash-triggered attempts count against the breaker even without a backup
	if err == nil || reason == ReasonCrash {
		if a.opts.Journal != nil {
			if jerr := a.opts.Journal.RecordRevert(record); jerr != nil {
				a.logger.Warn().Err(jerr).Msg("Failed to journal revert")
			}
		}
	}

	if errors.Is(err, bundle.ErrBackupMissing) {
		a.events.Force("Cannot revert the update because backup is missing", true)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to revert: %w", err)
	}
	return nil
}

// ensureRunning starts the application if it is not running, tagging its
// crash packets with a fresh generation
func (a *Agent) ensureRunning(ctx context.Context) error {
	if a.opts.Process.Running() {
		return nil
	}
	gen := a.generation() + 1
	if err := a.opts.Process.Start(ctx, a.onMessage(ctx, gen)); err != nil {
		return err
	}
	a.update(func(s *State) {
		s.Generation = gen
		s.Tripped = false
	})
	return nil
}

// onMessage hands crash packets to the control loop. It runs on the fabric's
// goroutine and never blocks it.
func (a *Agent) onMessage(ctx context.Context, gen uint64) func(types.CrashPacket) {
	return func(pkt types.CrashPacket) {
		if !pkt.Crashed() {
			return
		}
		select {
		case a.crashes <- crashEvent{gen: gen, pkt: pkt}:
		case <-ctx.Done():
		default:
			a.logger.Warn().Str("error", *pkt.Error).Msg("Crash queue full, dropping packet")
		}
	}
}

// idle waits out the refresh interval, pushing telemetry periodically and
// handling crash packets as they arrive
func (a *Agent) idle(ctx context.Context) error {
	deadline := time.Now().Add(a.opts.RefreshInterval)
	refresh := time.NewTimer(a.opts.RefreshInterval)
	defer refresh.Stop()
	flush := time.NewTicker(a.opts.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			return nil
		case <-flush.C:
			a.flushAsync(ctx)
		case ev := <-a.crashes:
			if ev.gen != a.generation() {
				// The instance that sent it has already been replaced
				a.logger.Debug().Uint64("generation", ev.gen).Msg("Ignoring stale crash packet")
				continue
			}
			if err := a.handleCrash(ctx, ev.pkt); err != nil {
				return err
			}
			if a.tripped() && a.opts.RevertWindow < time.Until(deadline) {
				// Older reverts will have left the window by then
				refresh.Reset(a.opts.RevertWindow)
				deadline = time.Now().Add(a.opts.RevertWindow)
			}
		}
	}
}

// handleCrash runs stop, revert and start in that order. Any failure is fatal
// to the agent.
func (a *Agent) handleCrash(ctx context.Context, pkt types.CrashPacket) error {
	msg := *pkt.Error
	a.events.Force("Runtime error has been encountered, restoring backup: "+msg, true)
	a.reportCrash(ctx, msg)

	if err := a.opts.Process.Stop(ctx); err != nil {
		return a.crashFailure(ctx, err)
	}

	if n, tripped := a.breakerTripped(); tripped {
		a.update(func(s *State) { s.Tripped = true })
		a.events.Force(fmt.Sprintf("Reverted %d times within %s, leaving application stopped", n, a.opts.RevertWindow), true)
		a.events.Flush(ctx, true)
		return nil
	}

	if err := a.revert(ReasonCrash); err != nil && !errors.Is(err, bundle.ErrBackupMissing) {
		return a.crashFailure(ctx, err)
	}
	if err := a.ensureRunning(ctx); err != nil {
		return a.crashFailure(ctx, err)
	}

	a.events.Flush(ctx, true)
	return nil
}

func (a *Agent) crashFailure(ctx context.Context, err error) error {
	err = fmt.Errorf("%w: %w", ErrCrashHandler, err)
	a.events.Error("Failed to recover from application crash", err)
	a.events.Flush(ctx, true)
	return err
}

// breakerTripped reports whether the crash-triggered reverts within the
// window have reached the limit
func (a *Agent) breakerTripped() (int, bool) {
	if a.opts.MaxReverts <= 0 || a.opts.Journal == nil {
		return 0, false
	}
	records, err := a.opts.Journal.RevertsSince(a.now().Add(-a.opts.RevertWindow))
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to read revert history")
		return 0, false
	}
	n := 0
	for _, r := range records {
		if r.Reason == ReasonCrash {
			n++
		}
	}
	return n, n >= a.opts.MaxReverts
}

// reportCrash submits a crash report, queueing it in the journal when the
// backend cannot be reached
func (a *Agent) reportCrash(ctx context.Context, msg string) {
	version, _ := a.opts.Engine.CurrentVersion()
	report := &types.CrashReport{
		ID:        uuid.NewString(),
		Message:   msg,
		Timestamp: a.now(),
		Version:   version,
	}

	err := a.opts.Fleet.SubmitCrashReport(ctx, report)
	if err == nil {
		return
	}
	a.events.Error("Failed to submit crash report", err)
	if a.opts.Journal == nil {
		return
	}
	if err := a.opts.Journal.QueueCrashReport(report); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to queue crash report")
	}
}

// drainCrashReports resubmits queued reports, oldest first, and prunes revert
// history that has left the breaker window
func (a *Agent) drainCrashReports(ctx context.Context) {
	if a.opts.Journal == nil {
		return
	}

	reports, err := a.opts.Journal.PendingCrashReports()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Some queued crash reports could not be read")
	}
	for _, report := range reports {
		if err := a.opts.Fleet.SubmitCrashReport(ctx, report); err != nil {
			a.events.Error("Failed to submit queued crash report", err)
			break
		}
		if err := a.opts.Journal.DeleteCrashReport(report.ID); err != nil {
			a.logger.Warn().Err(err).Str("id", report.ID).Msg("Failed to remove sent crash report")
		}
	}

	if _, err := a.opts.Journal.PruneReverts(a.now().Add(-a.opts.RevertWindow)); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to prune revert history")
	}
}

func (a *Agent) flushAsync(ctx context.Context) {
	a.flushes.Add(1)
	go func() {
		defer a.flushes.Done()
		a.events.Flush(ctx, false)
	}()
}
