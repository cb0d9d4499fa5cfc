package process

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status represents the derived process state.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInit       Status = "INIT"
	StatusRunning    Status = "RUNNING"
	StatusStopped    Status = "STOPPED"
	StatusFailed     Status = "FAILED"
)

// ExternalProcess is the capability a Builder drives. Real wraps an OS
// process; Fake advances the same state machine on wall-clock time for tests.
type ExternalProcess interface {
	// Start spawns the process and writes the parameter stdin block.
	Start(executable string, args, env []string, paramStdin []string) error
	// Exited reports whether the process has exited and with which code.
	Exited() (bool, int)
	// WriteStdin writes one line to the running process.
	WriteStdin(line string) error
	// ReadOutput drains buffered stdout/stderr lines without blocking.
	ReadOutput() []string
	// Kill terminates the process. Safe to call more than once.
	Kill() error
	// Wait blocks until the process exits.
	Wait()
}

// Builder wraps one external process: argv, parameter stdin, environment
// overrides, stdin writes, and the status state machine.
//
//	NOT_STARTED -Run()-> INIT -(elapsed >= stdinDelay)-> RUNNING -> STOPPED | FAILED
type Builder struct {
	executable string
	stdinDelay time.Duration
	proc       ExternalProcess
	logger     *zap.Logger

	mu         sync.RWMutex
	args       []string
	env        []string
	paramStdin []string
	started    bool
	startedAt  time.Time
}

// NewBuilder creates a builder around proc. stdinDelay is the wall-clock
// interval after start during which the process is considered INIT rather
// than RUNNING and stdin writes are dropped.
func NewBuilder(executable string, stdinDelay time.Duration, proc ExternalProcess, logger *zap.Logger) *Builder {
	return &Builder{
		executable: executable,
		stdinDelay: stdinDelay,
		proc:       proc,
		logger:     logger,
	}
}

// AddArgs appends command-line arguments.
func (b *Builder) AddArgs(args ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.args = append(b.args, args...)
}

// AddParameterStdin queues a line written to stdin once at start, e.g. a
// steam password.
func (b *Builder) AddParameterStdin(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paramStdin = append(b.paramStdin, line)
}

// SetEnv appends K=V environment overrides merged over the parent env.
func (b *Builder) SetEnv(kv ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.env = append(b.env, kv...)
}

// Run spawns the process. With wait it blocks until exit.
func (b *Builder) Run(wait bool) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("process %s already started", b.executable)
	}
	args := append([]string{}, b.args...)
	env := append([]string{}, b.env...)
	paramStdin := append([]string{}, b.paramStdin...)
	b.mu.Unlock()

	b.logger.Info("starting process",
		zap.String("executable", b.executable),
		zap.Strings("args", args))

	if err := b.proc.Start(b.executable, args, env, paramStdin); err != nil {
		return fmt.Errorf("failed to start %s: %w", b.executable, err)
	}

	b.mu.Lock()
	b.started = true
	b.startedAt = time.Now()
	b.mu.Unlock()

	if wait {
		b.proc.Wait()
	}
	return nil
}

// Status derives the current state from start time and exit condition.
func (b *Builder) Status() Status {
	b.mu.RLock()
	started := b.started
	startedAt := b.startedAt
	b.mu.RUnlock()

	if !started {
		return StatusNotStarted
	}

	if exited, code := b.proc.Exited(); exited {
		if code == 0 {
			return StatusStopped
		}
		return StatusFailed
	}

	if time.Since(startedAt) < b.stdinDelay {
		return StatusInit
	}
	return StatusRunning
}

// Stop terminates the process. The supervised process family lacks
// cooperative shutdown, so Stop escalates directly to Kill. No-op outside
// INIT and RUNNING.
func (b *Builder) Stop() {
	b.Kill()
}

// Kill terminates the process. No-op outside INIT and RUNNING.
func (b *Builder) Kill() {
	switch b.Status() {
	case StatusInit, StatusRunning:
	default:
		return
	}

	b.logger.Info("killing process", zap.String("executable", b.executable))
	if err := b.proc.Kill(); err != nil {
		b.logger.Warn("failed to kill process",
			zap.String("executable", b.executable),
			zap.Error(err))
	}
}

// WriteStdin writes one line to the process stdin, appending a newline if
// missing. Writes outside RUNNING are dropped with a warning.
func (b *Builder) WriteStdin(line string) {
	if b.Status() != StatusRunning {
		b.logger.Warn("dropping stdin write, process not running",
			zap.String("executable", b.executable),
			zap.String("status", string(b.Status())))
		return
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	if err := b.proc.WriteStdin(line); err != nil {
		b.logger.Warn("stdin write failed",
			zap.String("executable", b.executable),
			zap.Error(err))
	}
}

// ReadOutput drains buffered process output and logs each line.
func (b *Builder) ReadOutput() []string {
	lines := b.proc.ReadOutput()
	for _, line := range lines {
		b.logger.Info("process output",
			zap.String("executable", b.executable),
			zap.String("line", line))
	}
	return lines
}

// Wait blocks until the process exits.
func (b *Builder) Wait() {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return
	}
	b.proc.Wait()
}
