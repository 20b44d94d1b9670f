// Package renderer runs the composite and render scripts as sandboxed child
// processes. Arguments are always passed as an argv array, the environment is
// reduced to an allow-list, and every call is bounded by a timeout that
// terminates the whole process group.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/worker/heartbeat"
)

const (
	DefaultTimeout   = 5 * time.Minute
	DefaultKillGrace = 5 * time.Second
	DefaultSamples   = 128

	heartbeatInterval = 10 * time.Second
	tailLines         = 50
)

// AllowedEnv lists the parent environment variables a child process inherits.
var AllowedEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "PYTHONPATH", "BLENDER_USER_SCRIPTS"}

// Tool names used in errors and metrics.
const (
	ToolComposite = "composite"
	ToolRender    = "render"
)

// Process outcomes reported to the Observer.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Observer receives the duration of every finished process.
type Observer interface {
	ObserveProcess(tool, outcome string, d time.Duration)
}

type Config struct {
	// Interpreter runs CompositeScript, e.g. python3.
	Interpreter     string
	CompositeScript string
	Blender         string
	RenderScript    string
	// WorkDir is the working directory of every child.
	WorkDir        string
	Timeout        time.Duration
	KillGrace      time.Duration
	DefaultSamples int
}

type Deps struct {
	Config   Config
	Logger   *logger.Logger
	Observer Observer
}

// Result is the outcome of one process run. A process that ran but failed is
// reported here with Success false; the error return of Composite and Render
// is reserved for requests that were rejected before anything was spawned.
type Result struct {
	Success  bool
	TimedOut bool
	Canceled bool
	ExitCode int
	Error    string
	Duration time.Duration

	// OutputPath is the composited image.
	OutputPath string
	// Images are the rendered angles in the order they were reported.
	Images    []string
	Animation string

	Stdout string
	Stderr string
}

type Executor struct {
	cfg      Config
	log      *logger.Logger
	observer Observer
}

func New(d Deps) *Executor {
	log := d.Logger
	if log == nil {
		log = logger.NewDefault()
	}
	cfg := d.Config
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.DefaultSamples <= 0 {
		cfg.DefaultSamples = DefaultSamples
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Executor{cfg: cfg, log: log.WithComponent("renderer"), observer: d.Observer}
}

// run spawns name with args and waits for it, beating the context's
// heartbeat while it runs.
func (e *Executor) run(ctx context.Context, tool, name string, args []string, stdout, stderr *capture) (*Result, error) {
	log := e.log.FromContext(ctx).WithFields(map[string]any{"tool": tool})

	cmd := exec.Command(name, args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = filteredEnv(os.Getenv)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.cfg.KillGrace
	setProcessGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.ExternalProcess(tool, "failed to start process").
			WithFields(map[string]any{"binary": name, "error": err.Error()})
	}
	log.Debug("process started", "pid", cmd.Process.Pid, "binary", name)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	res := &Result{}
	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-ticker.C:
			heartbeat.Beat(ctx)
		case <-timer.C:
			res.TimedOut = true
			waitErr = e.terminate(cmd, done)
			break wait
		case <-ctx.Done():
			res.Canceled = true
			waitErr = e.terminate(cmd, done)
			break wait
		}
	}
	heartbeat.Beat(ctx)

	res.Duration = time.Since(started)
	res.Stdout = stdout.Tail()
	res.Stderr = stderr.Tail()
	res.ExitCode = cmd.ProcessState.ExitCode()

	outcome := OutcomeSuccess
	switch {
	case res.TimedOut:
		outcome = OutcomeTimeout
		res.Error = fmt.Sprintf("process timed out after %s", e.cfg.Timeout)
	case res.Canceled:
		outcome = OutcomeCanceled
		res.Error = "process canceled: " + context.Cause(ctx).Error()
	case waitErr != nil:
		outcome = OutcomeFailure
		res.Error = diagnostic(stderr, stdout, waitErr)
	default:
		res.Success = true
	}

	if e.observer != nil {
		e.observer.ObserveProcess(tool, outcome, res.Duration)
	}
	log.Info("process finished",
		"outcome", outcome,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// terminate signals the process group, escalates to a kill after the grace
// window and waits for the process to exit.
func (e *Executor) terminate(cmd *exec.Cmd, done <-chan error) error {
	if err := signalGroup(cmd, false); err != nil {
		e.log.Debug("graceful termination failed", "pid", cmd.Process.Pid, "error", err.Error())
	}

	grace := time.NewTimer(e.cfg.KillGrace)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
		e.log.Warn("process ignored termination, killing", "pid", cmd.Process.Pid)
		if err := signalGroup(cmd, true); err != nil {
			e.log.Debug("kill failed", "pid", cmd.Process.Pid, "error", err.Error())
		}
		return <-done
	}
}

func filteredEnv(getenv func(string) string) []string {
	env := make([]string, 0, len(AllowedEnv))
	for _, k := range AllowedEnv {
		if v := getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// diagnostic picks the most useful line to report for a failed process.
func diagnostic(stderr, stdout *capture, waitErr error) string {
	if line := stderr.LastLine(); line != "" {
		return line
	}
	if line := stdout.LastLine(); line != "" {
		return line
	}
	return waitErr.Error()
}

// capture is an io.Writer that keeps the last lines written and hands every
// complete line to onLine.
type capture struct {
	partial []byte
	lines   []string
	onLine  func(string)
}

func newCapture(onLine func(string)) *capture {
	return &capture{onLine: onLine}
}

func (c *capture) Write(p []byte) (int, error) {
	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		c.line(string(c.partial[:i]))
		c.partial = c.partial[i+1:]
	}
	return len(p), nil
}

func (c *capture) line(s string) {
	s = strings.TrimRight(s, "\r")
	if c.onLine != nil {
		c.onLine(s)
	}
	c.lines = append(c.lines, s)
	if len(c.lines) > tailLines {
		c.lines = c.lines[len(c.lines)-tailLines:]
	}
}

// flush treats any unterminated output as a final line.
func (c *capture) flush() {
	if len(c.partial) > 0 {
		c.line(string(c.partial))
		c.partial = nil
	}
}

func (c *capture) Tail() string {
	c.flush()
	return strings.Join(c.lines, "\n")
}

func (c *capture) LastLine() string {
	c.flush()
	for i := len(c.lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(c.lines[i]); s != "" {
			return s
		}
	}
	return ""
}
