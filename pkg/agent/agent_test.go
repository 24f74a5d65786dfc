package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/kioskd/pkg/bundle"
	"github.com/cuemby/kioskd/pkg/config"
	"github.com/cuemby/kioskd/pkg/fleet"
	"github.com/cuemby/kioskd/pkg/identity"
	"github.com/cuemby/kioskd/pkg/metrics"
	"github.com/cuemby/kioskd/pkg/storage"
	"github.com/cuemby/kioskd/pkg/telemetry"
	"github.com/cuemby/kioskd/pkg/types"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the order of side effects across fakes
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeFleet struct {
	mu          sync.Mutex
	statuses    []types.DeviceStatus
	cleared     int
	validateErr []error // consumed one per call
	info        *types.StartupInfo
	infoErr     error
	crashErr    error
	reports     []*types.CrashReport
	baseURL     string
}

func (f *fakeFleet) SetBaseURL(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseURL = u
}

func (f *fakeFleet) SetIdentity(*types.DeviceIdentity) {}

func (f *fakeFleet) SetStatus(_ context.Context, s types.DeviceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
	return nil
}

func (f *fakeFleet) ClearStatus(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeFleet) ValidateDeviceID(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.validateErr) == 0 {
		return nil
	}
	err := f.validateErr[0]
	f.validateErr = f.validateErr[1:]
	return err
}

func (f *fakeFleet) StartupInfo(context.Context) (*types.StartupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	if f.info == nil {
		return &types.StartupInfo{}, nil
	}
	return f.info, nil
}

func (f *fakeFleet) SubmitCrashReport(_ context.Context, r *types.CrashReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.crashErr != nil {
		return f.crashErr
	}
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeFleet) setCrashErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashErr = err
}

func (f *fakeFleet) submitted() []*types.CrashReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.CrashReport(nil), f.reports...)
}

type fakeEngine struct {
	rec *recorder

	mu          sync.Mutex
	exists      bool
	version     string
	backup      string
	validateErr error
	revertErr   error
	downloadErr error
}

func (e *fakeEngine) Exists() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exists
}

func (e *fakeEngine) CurrentVersion() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version, nil
}

func (e *fakeEngine) Download(_ context.Context, version string) error {
	e.rec.add("download " + version)
	return e.downloadErr
}

func (e *fakeEngine) Install() error {
	e.rec.add("install")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backup, e.version, e.exists = e.version, "2.0.0", true
	return nil
}

func (e *fakeEngine) Revert() error {
	e.rec.add("revert")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.revertErr != nil {
		return e.revertErr
	}
	if e.backup != "" {
		e.version = e.backup
	}
	return nil
}

func (e *fakeEngine) Validate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validateErr
}

type fakeProcess struct {
	rec *recorder

	mu      sync.Mutex
	running bool
	handler func(types.CrashPacket)
}

func (p *fakeProcess) Start(_ context.Context, fn func(types.CrashPacket)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.rec.add("start")
	p.running = true
	p.handler = fn
	return nil
}

func (p *fakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.rec.add("stop")
	p.running = false
	return nil
}

func (p *fakeProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// crash delivers a crash packet as the fabric would
func (p *fakeProcess) crash(msg string) {
	p.mu.Lock()
	fn := p.handler
	p.mu.Unlock()
	fn(types.NewCrashPacket(msg))
}

type fakeIdentity struct {
	mu      sync.Mutex
	missing int     // Load reports ErrMissing this many times
	errs    []error // consumed one per call after missing, nil succeeds
	calls   int
}

func (f *fakeIdentity) Load() (*types.DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.missing > 0 {
		f.missing--
		return nil, identity.ErrMissing
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &types.DeviceIdentity{DeviceID: "dev-1", PrivateKey: "key", APIURL: "http://fleet.local"}, nil
}

type fakeRecovery struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRecovery) Run(context.Context) (*types.DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &types.DeviceIdentity{DeviceID: "dev-1", PrivateKey: "key"}, nil
}

func (f *fakeRecovery) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sink struct {
	mu      sync.Mutex
	batches [][]types.LogEvent
}

func (s *sink) SubmitLogs(_ context.Context, events []types.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// repeats sums the repeat counts of events containing substr across every
// flushed batch and the events still buffered
func repeats(a *Agent, s *sink, substr string) int {
	s.mu.Lock()
	events := a.events.Snapshot()
	for _, batch := range s.batches {
		events = append(events, batch...)
	}
	s.mu.Unlock()

	n := 0
	for _, ev := range events {
		if strings.Contains(ev.Message, substr) {
			n += ev.RepeatCount
		}
	}
	return n
}

func downloadSamples(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.DownloadDuration.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

type harness struct {
	agent    *Agent
	rec      *recorder
	fleet    *fakeFleet
	engine   *fakeEngine
	process  *fakeProcess
	identity *fakeIdentity
	recovery *fakeRecovery
	journal  *storage.BoltStore
	sink     *sink
	paths    config.Paths
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &recorder{}
	root := t.TempDir()
	paths := config.NewPaths(root, "")

	journal, err := storage.NewBoltStore(filepath.Join(root, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	h := &harness{
		rec:      rec,
		fleet:    &fakeFleet{info: &types.StartupInfo{LatestVersion: "1.0.0"}},
		engine:   &fakeEngine{rec: rec, exists: true, version: "1.0.0", backup: "0.9.0"},
		process:  &fakeProcess{rec: rec},
		identity: &fakeIdentity{},
		recovery: &fakeRecovery{},
		journal:  journal,
		sink:     &sink{},
		paths:    paths,
	}

	a, err := New(Options{
		Paths:           paths,
		Fleet:           h.fleet,
		Engine:          h.engine,
		Process:         h.process,
		Identity:        h.identity,
		Recovery:        h.recovery,
		Journal:         journal,
		Events:          telemetry.NewAggregator(h.sink, 0),
		RefreshInterval: time.Hour,
		RetryBackoff:    10 * time.Millisecond,
		FlushInterval:   time.Hour,
		MaxReverts:      5,
		RevertWindow:    time.Hour,
	})
	require.NoError(t, err)
	h.agent = a
	return h
}

// run starts the agent and returns a function that cancels it and returns
// the result of Run
func (h *harness) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

func hasEvent(a *Agent, substr string) bool {
	for _, ev := range a.events.Snapshot() {
		if strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRun_UpToDateStartsApplication(t *testing.T) {
	h := newHarness(t)
	stop := h.run(t)

	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, []string{"start"}, h.rec.list())
	assert.Equal(t, []types.DeviceStatus{types.DeviceStatusBooting}, h.fleet.statuses)
	assert.Equal(t, 1, h.fleet.cleared)
	assert.Equal(t, "http://fleet.local", h.fleet.baseURL)

	state := h.agent.Snapshot()
	assert.True(t, state.Online)
	assert.Equal(t, uint64(1), state.Generation)
	assert.Equal(t, uint64(1), state.Iteration)
	assert.True(t, hasEvent(h.agent, "App is up to date"))
}

func TestRun_InstallsNewVersion(t *testing.T) {
	h := newHarness(t)
	samples := downloadSamples(t)
	h.fleet.info = &types.StartupInfo{LatestVersion: "2.0.0", Location: []byte(`{"city":"Quito"}`)}
	// An application left running must be stopped before the install
	h.process.running = true

	stop := h.run(t)
	require.Eventually(t, func() bool {
		return len(h.rec.list()) == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, []string{"download 2.0.0", "stop", "install", "start"}, h.rec.list())
	assert.Equal(t, samples, downloadSamples(t), "download time is observed by the fleet client only")
	assert.Equal(t, []types.DeviceStatus{types.DeviceStatusBooting, types.DeviceStatusUpdating}, h.fleet.statuses)

	location, err := os.ReadFile(h.paths.LocationFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"city":"Quito"}`, string(location))
}

func TestRun_InstallsWhenBundleAbsent(t *testing.T) {
	h := newHarness(t)
	h.engine.exists = false
	h.engine.version = types.DefaultVersion
	h.fleet.info = &types.StartupInfo{LatestVersion: types.DefaultVersion}

	stop := h.run(t)
	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, []string{"download 0.0.0", "install", "start"}, h.rec.list())
}

func TestRun_OfflineStillStartsApplication(t *testing.T) {
	h := newHarness(t)
	h.fleet.infoErr = fmt.Errorf("%w: connection refused", fleet.ErrUnavailable)

	stop := h.run(t)
	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.False(t, h.agent.Snapshot().Online)
	assert.True(t, hasEvent(h.agent, "Failed to check for updates"))
}

func TestRun_RefusedUpdateCheck(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		online bool
	}{
		{name: "client error keeps device online", err: &fleet.APIError{Operation: "startup", Status: http.StatusNotFound}, online: true},
		{name: "server error marks device offline", err: &fleet.APIError{Operation: "startup", Status: http.StatusBadGateway}, online: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fleet.info = &types.StartupInfo{LatestVersion: "2.0.0"}
			h.fleet.infoErr = tt.err

			stop := h.run(t)
			require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
			assert.NoError(t, stop())

			assert.Equal(t, []string{"start"}, h.rec.list(), "no download without startup info")
			assert.Equal(t, tt.online, h.agent.Snapshot().Online)
			assert.True(t, hasEvent(h.agent, "Failed to check for updates"))
		})
	}
}

func TestRun_DownloadFailureIsRetriedLater(t *testing.T) {
	h := newHarness(t)
	h.fleet.info = &types.StartupInfo{LatestVersion: "2.0.0"}
	h.engine.downloadErr = fmt.Errorf("%w: version 2.0.0: truncated", bundle.ErrDownloadFailed)

	stop := h.run(t)
	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, []string{"download 2.0.0", "start"}, h.rec.list())
	assert.False(t, h.agent.Snapshot().Online)
}

func TestRun_RepeatedFailureReportedAgainAfterCleanPass(t *testing.T) {
	h := newHarness(t)
	h.agent.opts.RefreshInterval = 20 * time.Millisecond
	diskErr := errors.New("read stats/id: input/output error")
	h.identity.errs = []error{diskErr, diskErr, nil, diskErr}

	stop := h.run(t)
	// Two consecutive failures are reported once, the one after the clean
	// pass is reported again
	require.Eventually(t, func() bool {
		return repeats(h.agent, h.sink, "Control loop iteration failed") == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		h.identity.mu.Lock()
		defer h.identity.mu.Unlock()
		return h.identity.calls >= 5
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, 2, repeats(h.agent, h.sink, "Control loop iteration failed"))
}

func TestRun_MissingIdentityRunsRecovery(t *testing.T) {
	h := newHarness(t)
	h.identity.missing = 1

	stop := h.run(t)
	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, 1, h.recovery.count())
	assert.Equal(t, uint64(2), h.agent.Snapshot().Iteration)
}

func TestRun_InvalidIdentityRunsRecovery(t *testing.T) {
	h := newHarness(t)
	h.fleet.validateErr = []error{fmt.Errorf("validate: %w", fleet.ErrIdentityInvalid)}

	stop := h.run(t)
	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, 1, h.recovery.count())
}

func TestRun_ValidationFailureReverts(t *testing.T) {
	h := newHarness(t)
	h.engine.validateErr = bundle.ErrNotReady

	// The fake keeps failing validation until it is cleared below
	stop := h.run(t)
	require.Eventually(t, func() bool {
		for _, c := range h.rec.list() {
			if c == "revert" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	h.engine.mu.Lock()
	h.engine.validateErr = nil
	h.engine.mu.Unlock()

	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	records, err := h.journal.RevertsSince(time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, ReasonValidation, records[0].Reason)
}

func TestRun_BackupMissingEscapesAndRetries(t *testing.T) {
	h := newHarness(t)
	h.engine.validateErr = bundle.ErrNotReady
	h.engine.revertErr = bundle.ErrBackupMissing

	stop := h.run(t)
	require.Eventually(t, func() bool {
		return h.agent.Snapshot().Iteration >= 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.False(t, h.process.Running())
	state := h.agent.Snapshot()
	assert.Contains(t, state.LastErr, bundle.ErrBackupMissing.Error())

	// Identical failures are recorded once
	for _, ev := range h.agent.events.Snapshot() {
		if strings.HasPrefix(ev.Message, "Control loop iteration failed") {
			assert.Equal(t, 1, ev.RepeatCount)
		}
	}
}

func TestRun_CrashStopsRevertsStarts(t *testing.T) {
	h := newHarness(t)
	stop := h.run(t)
	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)

	h.process.crash("boom")

	require.Eventually(t, func() bool {
		return len(h.rec.list()) == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, []string{"start", "stop", "revert", "start"}, h.rec.list())
	assert.Equal(t, uint64(2), h.agent.Snapshot().Generation)

	reports := h.fleet.submitted()
	require.Len(t, reports, 1)
	assert.Equal(t, "boom", reports[0].Message)
	assert.Equal(t, "1.0.0", reports[0].Version)
	assert.NotEmpty(t, reports[0].ID)

	// The crash forces a synchronous flush
	assert.GreaterOrEqual(t, h.sink.count(), 1)
}

func TestHandleCrash_BackupMissingStillRestarts(t *testing.T) {
	h := newHarness(t)
	h.engine.revertErr = bundle.ErrBackupMissing
	ctx := context.Background()
	require.NoError(t, h.agent.ensureRunning(ctx))

	require.NoError(t, h.agent.handleCrash(ctx, types.NewCrashPacket("boom")))
	assert.Equal(t, []string{"start", "stop", "revert", "start"}, h.rec.list())

	// The attempt still counts against the breaker
	records, err := h.journal.RevertsSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReasonCrash, records[0].Reason)
}

func TestHandleCrash_RevertFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.engine.revertErr = errors.New("disk full")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	h.process.crash("boom")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCrashHandler)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after crash handler failure")
	}
	assert.Equal(t, []string{"start", "stop", "revert"}, h.rec.list())
	assert.GreaterOrEqual(t, h.sink.count(), 1)
}

func TestHandleCrash_BreakerTrips(t *testing.T) {
	h := newHarness(t)
	h.agent.opts.MaxReverts = 2
	now := time.Now()
	for i := 0; i < 2; i++ {
		require.NoError(t, h.journal.RecordRevert(&types.RevertRecord{
			At:     now.Add(-time.Duration(i+1) * time.Minute),
			Reason: ReasonCrash,
		}))
	}
	// Validation reverts do not count
	require.NoError(t, h.journal.RecordRevert(&types.RevertRecord{At: now, Reason: ReasonValidation}))

	ctx := context.Background()
	require.NoError(t, h.agent.ensureRunning(ctx))
	require.NoError(t, h.agent.handleCrash(ctx, types.NewCrashPacket("boom")))

	assert.Equal(t, []string{"start", "stop"}, h.rec.list())
	assert.True(t, h.agent.Snapshot().Tripped)
	assert.False(t, h.process.Running())

	// The next start closes the breaker again
	require.NoError(t, h.agent.ensureRunning(ctx))
	assert.False(t, h.agent.Snapshot().Tripped)
}

func TestIdle_RestartsAfterBreakerWindow(t *testing.T) {
	h := newHarness(t)
	h.agent.opts.MaxReverts = 1
	h.agent.opts.RevertWindow = 100 * time.Millisecond

	stop := h.run(t)
	require.Eventually(t, h.process.Running, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.journal.RecordRevert(&types.RevertRecord{At: time.Now(), Reason: ReasonCrash}))
	h.process.crash("boom")

	// Stopped by the breaker, then started again long before the refresh interval
	require.Eventually(t, func() bool {
		return len(h.rec.list()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, stop())

	assert.Equal(t, []string{"start", "stop", "start"}, h.rec.list())
	assert.False(t, h.agent.Snapshot().Tripped)
	assert.Equal(t, uint64(2), h.agent.Snapshot().Iteration)
}

func TestHandleCrash_OldRevertsDoNotCount(t *testing.T) {
	h := newHarness(t)
	h.agent.opts.MaxReverts = 1
	require.NoError(t, h.journal.RecordRevert(&types.RevertRecord{
		At:     time.Now().Add(-2 * time.Hour),
		Reason: ReasonCrash,
	}))

	ctx := context.Background()
	require.NoError(t, h.agent.ensureRunning(ctx))
	require.NoError(t, h.agent.handleCrash(ctx, types.NewCrashPacket("boom")))
	assert.Equal(t, []string{"start", "stop", "revert", "start"}, h.rec.list())
}

func TestCrashReportQueuedWhileOffline(t *testing.T) {
	h := newHarness(t)
	h.fleet.setCrashErr(fmt.Errorf("%w: timeout", fleet.ErrUnavailable))
	ctx := context.Background()

	h.agent.reportCrash(ctx, "boom")

	pending, err := h.journal.PendingCrashReports()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "boom", pending[0].Message)

	h.fleet.setCrashErr(nil)
	h.agent.drainCrashReports(ctx)

	pending, err = h.journal.PendingCrashReports()
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Len(t, h.fleet.submitted(), 1)
	assert.Equal(t, "boom", h.fleet.submitted()[0].Message)
}

func TestIdle_IgnoresStaleCrashPackets(t *testing.T) {
	h := newHarness(t)
	h.agent.opts.RefreshInterval = 100 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, h.agent.ensureRunning(ctx))

	h.agent.crashes <- crashEvent{gen: 0, pkt: types.NewCrashPacket("old instance")}

	require.NoError(t, h.agent.idle(ctx))
	assert.Equal(t, []string{"start"}, h.rec.list())
}

func TestOnMessage(t *testing.T) {
	h := newHarness(t)
	fn := h.agent.onMessage(context.Background(), 1)

	fn(types.CrashPacket{})
	assert.Len(t, h.agent.crashes, 0, "informational packets are not queued")

	// A full queue drops packets instead of blocking the fabric
	done := make(chan struct{})
	go func() {
		for i := 0; i < crashQueueSize+5; i++ {
			fn(types.NewCrashPacket("boom"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("onMessage blocked on a full queue")
	}
	assert.Len(t, h.agent.crashes, crashQueueSize)
}
