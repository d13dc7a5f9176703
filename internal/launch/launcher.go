package launch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"voxprov/internal/core"
	"voxprov/internal/metrics"
)

var (
	// ErrExitedBeforeReady is returned by WaitReady when the server exits
	// before it accepts connections.
	ErrExitedBeforeReady = errors.New("server exited before becoming ready")
	// ErrReadyTimeout is returned by WaitReady when the server does not
	// become ready in time.
	ErrReadyTimeout = errors.New("server did not become ready in time")
)

// Options tune a Launcher. Zero values select defaults.
type Options struct {
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
	PollInterval time.Duration
	// HealthPath, when set, must answer with a non-5xx status before the
	// server counts as ready. Under reload "/" is probed when it is empty.
	HealthPath string

	Logger *zap.Logger
	// Stdout and Stderr receive the server's output as it is produced.
	Stdout io.Writer
	Stderr io.Writer

	HTTPClient *http.Client
}

// Status is a point-in-time view of the supervised server.
type Status struct {
	PID       int       `json:"pid"`
	Argv      []string  `json:"argv"`
	Addr      string    `json:"addr"`
	Ready     bool      `json:"ready"`
	Reload    bool      `json:"reload"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Exit      *Exit     `json:"exit,omitempty"`
}

// Launcher starts and supervises one server process.
type Launcher struct {
	spec   Spec
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	startedAt time.Time
	ready     bool
	userStop  bool
	fatal     string
	output    []string
	exit      *Exit

	done chan struct{}
}

// maxOutputLines bounds the stderr tail kept for classification.
const maxOutputLines = 200

// New creates a Launcher for spec.
func New(spec Spec, opts Options) *Launcher {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 60 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{spec: spec, opts: opts, logger: logger.Named("launch"), done: make(chan struct{})}
}

// Start starts the server in its own process group.
func (l *Launcher) Start() error {
	if len(l.spec.Argv) == 0 {
		return errors.New("empty startup command")
	}

	l.mu.Lock()
	if l.cmd != nil {
		l.mu.Unlock()
		return errors.New("launcher already started")
	}

	// exec through sh so the argv is resolved against the image PATH.
	args := append([]string{"-c", `exec "$@"`, "sh"}, l.spec.Argv...)
	cmd := exec.Command("sh", args...)
	attr := &syscall.SysProcAttr{Setpgid: true}
	if l.spec.Isolation == core.IsolationChroot {
		attr.Chroot = l.spec.Root
		cmd.Dir = l.spec.Dir
	} else {
		cmd.Dir = filepath.Join(l.spec.Root, filepath.FromSlash(l.spec.Dir))
	}
	cmd.SysProcAttr = attr
	cmd.Env = core.ProcessEnv(l.spec.Env, l.spec.Root, l.spec.Isolation)
	cmd.Stdout = l.opts.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}

	pr, pw := io.Pipe()
	cmd.Stderr = pw

	if l.spec.Reload {
		l.logger.Warn(ReloadWarning)
	}
	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		_ = pw.Close()
		return fmt.Errorf("starting server: %w", err)
	}
	l.cmd = cmd
	l.startedAt = time.Now()
	l.mu.Unlock()

	l.logger.Info("server started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("argv", l.spec.Argv),
		zap.String("addr", l.spec.Addr()))

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		l.scanStderr(pr)
	}()

	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		<-scanned
		l.finish(err)
	}()
	return nil
}

func (l *Launcher) scanStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if l.opts.Stderr != nil {
			_, _ = io.WriteString(l.opts.Stderr, line+"\n")
		}
		l.logger.Debug("server output", zap.String("line", line))

		l.mu.Lock()
		l.output = append(l.output, line)
		if len(l.output) > maxOutputLines {
			l.output = l.output[len(l.output)-maxOutputLines:]
		}
		// A reloading supervisor binds the port before its worker imports
		// the app, so under reload a fatal line counts even after readiness.
		fatal := false
		if class, ok := MatchFatal(line); ok && l.fatal == "" && (!l.ready || l.spec.Reload) {
			l.fatal = line
			fatal = true
			l.logger.Error("fatal startup diagnostic", zap.String("class", string(class)), zap.String("line", line))
		}
		l.mu.Unlock()

		// The supervisor stays alive after its worker fails, so the group
		// is stopped here.
		if fatal {
			l.signal(syscall.SIGTERM)
			go l.killAfter(l.opts.StopTimeout)
		}
	}
	// drain so the writer never blocks
	_, _ = io.Copy(io.Discard, r)
}

func (l *Launcher) finish(waitErr error) {
	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	l.mu.Lock()
	output := strings.Join(l.output, "\n")
	if l.fatal != "" {
		output = l.fatal
	}
	e := Classify(output, code, l.userStop && l.fatal == "", l.ready)
	l.exit = &e
	l.ready = false
	l.mu.Unlock()

	metrics.SetServerReady(false)
	metrics.RecordServerExit(string(e.Class))
	fields := []zap.Field{
		zap.String("class", string(e.Class)),
		zap.Int("process_exit", e.ProcessExit),
		zap.Int("code", e.Code),
	}
	if e.Diagnostic != "" {
		fields = append(fields, zap.String("diagnostic", e.Diagnostic))
	}
	if e.Code == ExitOK {
		l.logger.Info("server exited", fields...)
	} else {
		l.logger.Error("server exited", fields...)
	}
	close(l.done)
}

// WaitReady blocks until the server is ready, exits, the ready timeout
// elapses or ctx is done.
func (l *Launcher) WaitReady(ctx context.Context) error {
	deadline := time.NewTimer(l.opts.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return ErrExitedBeforeReady
		default:
		}
		if l.probe(ctx) {
			l.mu.Lock()
			exited := l.exit != nil
			if !exited {
				l.ready = true
			}
			l.mu.Unlock()
			if exited {
				return ErrExitedBeforeReady
			}
			metrics.SetServerReady(true)
			l.logger.Info("server ready", zap.String("addr", l.spec.DialAddr()))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrExitedBeforeReady
		case <-deadline.C:
			return fmt.Errorf("%w (%s)", ErrReadyTimeout, l.opts.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

func (l *Launcher) probe(ctx context.Context) bool {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", l.spec.DialAddr())
	if err != nil {
		return false
	}
	_ = conn.Close()
	path := l.opts.HealthPath
	if path == "" && l.spec.Reload {
		// the supervisor accepts connections before a worker can answer
		path = "/"
	}
	if path == "" {
		return true
	}
	url := "http://" + l.spec.DialAddr() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := l.opts.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// Stop forwards sig to the server's process group and kills the group if it
// has not exited after the stop timeout.
func (l *Launcher) Stop(sig syscall.Signal) {
	l.mu.Lock()
	l.userStop = true
	l.mu.Unlock()
	l.logger.Info("stopping server", zap.String("signal", sig.String()))
	l.signal(sig)
	go l.killAfter(l.opts.StopTimeout)
}

func (l *Launcher) signal(sig syscall.Signal) {
	l.mu.Lock()
	cmd := l.cmd
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}

func (l *Launcher) killAfter(d time.Duration) {
	select {
	case <-l.done:
	case <-time.After(d):
		l.logger.Warn("server did not stop in time, killing", zap.Duration("timeout", d))
		l.signal(syscall.SIGKILL)
	}
}

// Done is closed once the server has exited.
func (l *Launcher) Done() <-chan struct{} { return l.done }

// Exit returns the classified exit, or nil while the server runs.
func (l *Launcher) Exit() *Exit {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exit == nil {
		return nil
	}
	e := *l.exit
	return &e
}

// Ready reports whether the server currently accepts connections.
func (l *Launcher) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Status returns a snapshot for the status server.
func (l *Launcher) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Status{
		Argv:      append([]string(nil), l.spec.Argv...),
		Addr:      l.spec.Addr(),
		Ready:     l.ready,
		Reload:    l.spec.Reload,
		StartedAt: l.startedAt,
	}
	if l.cmd != nil && l.cmd.Process != nil {
		s.PID = l.cmd.Process.Pid
	}
	if !l.startedAt.IsZero() && l.exit == nil {
		s.Uptime = time.Since(l.startedAt).Round(time.Second).String()
	}
	if l.exit != nil {
		e := *l.exit
		s.Exit = &e
	}
	return s
}

// Run starts the server, waits for readiness and supervises it until it
// exits. Cancelling ctx stops the server with SIGTERM and yields a stopped
// Exit. A server that never becomes ready is stopped and reported as
// ExitServerExited.
func (l *Launcher) Run(ctx context.Context) (Exit, error) {
	if err := l.Start(); err != nil {
		return Exit{}, err
	}

	readyCtx, cancelReady := context.WithCancel(ctx)
	defer cancelReady()
	readyErr := make(chan error, 1)
	go func() { readyErr <- l.WaitReady(readyCtx) }()

	ctxDone := ctx.Done()
	for {
		select {
		case err := <-readyErr:
			readyErr = nil
			if errors.Is(err, ErrReadyTimeout) {
				l.logger.Error("server not ready", zap.Error(err))
				l.signal(syscall.SIGTERM)
				go l.killAfter(l.opts.StopTimeout)
			}
		case <-ctxDone:
			ctxDone = nil
			l.Stop(syscall.SIGTERM)
		case <-l.done:
			return *l.Exit(), nil
		}
	}
}
