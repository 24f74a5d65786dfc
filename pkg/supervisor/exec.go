package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL
const DefaultStopTimeout = 10 * time.Second

// ExecFabric runs processes on the host. Each process gets an extra pipe on
// file descriptor 3 over which it writes newline-delimited JSON packets.
type ExecFabric struct {
	stopTimeout time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	procs map[Handle]*process
}

type process struct {
	handle Handle
	cmd    *exec.Cmd
	sinks  []*os.File
	logger zerolog.Logger

	exited     chan struct{}
	readerDone chan struct{}

	mu       sync.Mutex
	stopping bool

	// dispatch serializes delivery so held packets keep their order
	dispatch sync.Mutex
	handler  func(types.CrashPacket)
	pending  []types.CrashPacket
}

// NewExecFabric creates a fabric. stopTimeout <= 0 uses DefaultStopTimeout.
func NewExecFabric(stopTimeout time.Duration) *ExecFabric {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &ExecFabric{
		stopTimeout: stopTimeout,
		logger:      log.WithComponent("exec"),
		procs:       make(map[Handle]*process),
	}
}

// Start spawns spec in its own process group
func (f *ExecFabric) Start(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Command) == 0 {
		return "", errors.New("spec has no command")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	stdout, err := openSink(spec.Stdout)
	if err != nil {
		return "", err
	}
	stderr, err := openSink(spec.Stderr)
	if err != nil {
		closeAll(stdout)
		return "", err
	}

	msgR, msgW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stderr)
		return "", fmt.Errorf("failed to create message pipe: %w", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{msgW} // fd 3
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll(stdout, stderr, msgR, msgW)
		return "", fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	// The child holds its own copy
	msgW.Close()

	h := Handle(uuid.NewString())
	p := &process{
		handle:     h,
		cmd:        cmd,
		sinks:      []*os.File{stdout, stderr},
		logger:     f.logger.With().Str("process", spec.Name).Int("pid", cmd.Process.Pid).Logger(),
		exited:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	f.mu.Lock()
	f.procs[h] = p
	f.mu.Unlock()

	go p.readMessages(msgR)
	go p.wait()

	p.logger.Info().Strs("command", spec.Command).Msg("Process started")
	return h, nil
}

// Subscribe sets the message handler of h and flushes held messages to it
func (f *ExecFabric) Subscribe(h Handle, fn func(types.CrashPacket)) error {
	p, err := f.lookup(h)
	if err != nil {
		return err
	}

	p.dispatch.Lock()
	defer p.dispatch.Unlock()

	p.handler = fn
	for _, pkt := range p.pending {
		fn(pkt)
	}
	p.pending = nil
	return nil
}

// Stop sends SIGTERM to the process group, escalates to SIGKILL after the
// stop timeout or when ctx is done, and closes the sinks
func (f *ExecFabric) Stop(ctx context.Context, h Handle) error {
	p, err := f.lookup(h)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	var errs error
	select {
	case <-p.exited:
	default:
		if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil {
			errs = multierr.Append(errs, err)
		}

		timer := time.NewTimer(f.stopTimeout)
		defer timer.Stop()

		select {
		case <-p.exited:
		case <-timer.C:
			p.logger.Warn().Dur("timeout", f.stopTimeout).Msg("Process did not stop, killing")
			errs = multierr.Append(errs, signalGroup(p.cmd, syscall.SIGKILL))
			<-p.exited
		case <-ctx.Done():
			errs = multierr.Append(errs, signalGroup(p.cmd, syscall.SIGKILL))
			<-p.exited
		}
	}

	f.mu.Lock()
	delete(f.procs, h)
	f.mu.Unlock()

	errs = multierr.Append(errs, closeAll(p.sinks...))
	p.logger.Info().Msg("Process stopped")
	return errs
}

// Close stops every process still owned by the fabric
func (f *ExecFabric) Close() error {
	f.mu.Lock()
	handles := make([]Handle, 0, len(f.procs))
	for h := range f.procs {
		handles = append(handles, h)
	}
	f.mu.Unlock()

	var errs error
	for _, h := range handles {
		errs = multierr.Append(errs, f.Stop(context.Background(), h))
	}
	return errs
}

func (f *ExecFabric) lookup(h Handle) (*process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return p, nil
}

// readMessages decodes packets from the message pipe until EOF
func (p *process) readMessages(r *os.File) {
	defer close(p.readerDone)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var pkt types.CrashPacket
		if err := json.Unmarshal(line, &pkt); err != nil {
			p.logger.Warn().Err(err).Msg("Discarding malformed message")
			continue
		}
		p.deliver(pkt)
	}
}

// wait reaps the process. An exit not requested through Stop is reported as
// a crash packet after any messages the process sent before dying.
func (p *process) wait() {
	err := p.cmd.Wait()

	// Grandchildren may keep the pipe open; do not wait on them forever
	select {
	case <-p.readerDone:
	case <-time.After(time.Second):
	}

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()

	if !stopping {
		reason := "process exited"
		if err != nil {
			reason = fmt.Sprintf("process exited: %v", err)
		}
		p.logger.Warn().Str("reason", reason).Msg("Process exited unexpectedly")
		p.deliver(types.NewCrashPacket(reason))
	}
	close(p.exited)
}

func (p *process) deliver(pkt types.CrashPacket) {
	p.dispatch.Lock()
	defer p.dispatch.Unlock()

	if p.handler == nil {
		p.pending = append(p.pending, pkt)
		return
	}
	p.handler(pkt)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return nil
}

func openSink(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log sink: %w", err)
	}
	return f, nil
}

func closeAll(files ...*os.File) error {
	var errs error
	for _, f := range files {
		if f != nil {
			errs = multierr.Append(errs, f.Close())
		}
	}
	return errs
}

// buildEnv overlays extra on the agent's environment, in a stable order
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
