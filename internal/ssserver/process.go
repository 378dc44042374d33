package ssserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"ssmanager/internal/logger"
)

// ErrNotRunning is returned by Reload when no process is running.
var ErrNotRunning = errors.New("shadowsocks server is not running")

// Process is a supervised server process. Reload applies a rewritten config
// file without dropping connections on keys that did not change.
type Process interface {
	Start(ctx context.Context) error
	Reload() error
	Stop(ctx context.Context) error
	Running() bool
	// Exited delivers the exit error of every run that ended without Stop.
	Exited() <-chan error
}

// run is one started instance of the binary.
type run struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	started  bool
	stopping bool
}

// ExecProcess runs outline-ss-server (or a compatible binary) as a child
// process. Reload sends SIGHUP; Stop sends SIGTERM and kills after a grace
// period.
type ExecProcess struct {
	binary        string
	configPath    string
	metricsAddr   string
	replayHistory int
	extraArgs     []string
	startupGrace  time.Duration
	stopGrace     time.Duration
	output        io.Writer

	mu     sync.Mutex
	cur    *run
	exited chan error
}

// ProcessOption configures an ExecProcess.
type ProcessOption func(*ExecProcess)

// WithMetricsAddr sets the address the server exports its Prometheus
// metrics on.
func WithMetricsAddr(addr string) ProcessOption {
	return func(p *ExecProcess) {
		p.metricsAddr = addr
	}
}

// WithReplayHistory enables replay protection with n remembered handshakes.
func WithReplayHistory(n int) ProcessOption {
	return func(p *ExecProcess) {
		p.replayHistory = n
	}
}

// WithExtraArgs appends arguments to the command line.
func WithExtraArgs(args ...string) ProcessOption {
	return func(p *ExecProcess) {
		p.extraArgs = append(p.extraArgs, args...)
	}
}

// WithStartupGrace sets how long a fresh process must stay up for Start to
// succeed. A process that exits sooner, for example on a port bind
// failure, makes Start return an error.
func WithStartupGrace(d time.Duration) ProcessOption {
	return func(p *ExecProcess) {
		p.startupGrace = d
	}
}

// WithStopGrace sets how long Stop waits after SIGTERM before SIGKILL.
func WithStopGrace(d time.Duration) ProcessOption {
	return func(p *ExecProcess) {
		p.stopGrace = d
	}
}

// WithOutput sets where the child's stdout and stderr go.
func WithOutput(w io.Writer) ProcessOption {
	return func(p *ExecProcess) {
		p.output = w
	}
}

// NewExecProcess creates a process handle for binary reading configPath.
func NewExecProcess(binary, configPath string, opts ...ProcessOption) *ExecProcess {
	p := &ExecProcess{
		binary:       binary,
		configPath:   configPath,
		startupGrace: 500 * time.Millisecond,
		stopGrace:    5 * time.Second,
		exited:       make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.output == nil {
		p.output = logger.GetLogger().With().Str("component", "ss-server").Logger()
	}
	return p
}

// Args returns the command line arguments passed to the binary.
func (p *ExecProcess) Args() []string {
	args := []string{"-config", p.configPath}
	if p.metricsAddr != "" {
		args = append(args, "-metrics", p.metricsAddr)
	}
	if p.replayHistory > 0 {
		args = append(args, "-replay_history", strconv.Itoa(p.replayHistory))
	}
	return append(args, p.extraArgs...)
}

// Start launches the binary and waits out the startup grace period.
func (p *ExecProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cur != nil {
		p.mu.Unlock()
		return errors.New("shadowsocks server already running")
	}
	cmd := exec.Command(p.binary, p.Args()...)
	cmd.Stdout = p.output
	cmd.Stderr = p.output
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start %s: %w", p.binary, err)
	}
	r := &run{cmd: cmd, done: make(chan struct{})}
	p.cur = r
	p.mu.Unlock()

	go p.wait(r)

	timer := time.NewTimer(p.startupGrace)
	defer timer.Stop()
	select {
	case <-r.done:
		return fmt.Errorf("%s exited during startup: %v", p.binary, r.err)
	case <-ctx.Done():
		p.Stop(context.Background())
		return ctx.Err()
	case <-timer.C:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != r {
		return fmt.Errorf("%s exited during startup", p.binary)
	}
	r.started = true
	log := logger.GetLogger()
	log.Info().
		Str("binary", p.binary).
		Int("pid", cmd.Process.Pid).
		Msg("shadowsocks server started")
	return nil
}

func (p *ExecProcess) wait(r *run) {
	err := r.cmd.Wait()

	p.mu.Lock()
	r.err = err
	if p.cur == r {
		p.cur = nil
	}
	notify := r.started && !r.stopping
	p.mu.Unlock()
	close(r.done)

	if notify {
		if err == nil {
			err = errors.New("exited with status 0")
		}
		select {
		case p.exited <- err:
		default:
		}
	}
}

// Reload asks the running server to re-read its config file.
func (p *ExecProcess) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return ErrNotRunning
	}
	if err := p.cur.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal reload: %w", err)
	}
	return nil
}

// Stop terminates the server and waits for it to exit. It is a no-op when
// nothing runs.
func (p *ExecProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	r := p.cur
	if r == nil {
		p.mu.Unlock()
		return nil
	}
	r.stopping = true
	p.mu.Unlock()

	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; wait reaps it.
		<-r.done
		return nil
	}

	timer := time.NewTimer(p.stopGrace)
	defer timer.Stop()
	select {
	case <-r.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	log := logger.GetLogger()
	log.Warn().Str("binary", p.binary).Msg("shadowsocks server ignored SIGTERM, killing")
	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-r.done
	return nil
}

// Running reports whether a process is up.
func (p *ExecProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

func (p *ExecProcess) Exited() <-chan error {
	return p.exited
}
