package process

import (
	"sync"
	"time"
)

// Fake advances the process state machine on wall-clock time without
// spawning anything. It records stdin writes for assertions.
type Fake struct {
	// RunFor is how long the fake "runs" before exiting on its own.
	// Zero means it runs until killed.
	RunFor time.Duration
	// ExitCode is reported once the fake exits by itself.
	ExitCode int

	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	killed     bool
	killedAt   time.Time
	executable string
	args       []string
	env        []string
	paramStdin []string
	stdin      []string
	output     []string
}

// NewFake creates a fake process that runs until killed.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) Start(executable string, args, env, paramStdin []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.startedAt = time.Now()
	f.executable = executable
	f.args = args
	f.env = env
	f.paramStdin = paramStdin
	return nil
}

func (f *Fake) Exited() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.started {
		return false, 0
	}
	if f.killed {
		return true, -1
	}
	if f.RunFor > 0 && time.Since(f.startedAt) >= f.RunFor {
		return true, f.ExitCode
	}
	return false, 0
}

func (f *Fake) WriteStdin(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stdin = append(f.stdin, line)
	return nil
}

// EmitOutput queues lines for the next ReadOutput drain.
func (f *Fake) EmitOutput(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output = append(f.output, lines...)
}

func (f *Fake) ReadOutput() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.output) == 0 {
		return nil
	}
	lines := f.output
	f.output = nil
	return lines
}

func (f *Fake) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started && !f.killed {
		f.killed = true
		f.killedAt = time.Now()
	}
	return nil
}

func (f *Fake) Wait() {
	for {
		if exited, _ := f.Exited(); exited {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// StartedWith returns the executable and argv handed to Start.
func (f *Fake) StartedWith() (string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executable, append([]string{}, f.args...)
}

// StdinLines returns the lines written to stdin so far.
func (f *Fake) StdinLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.stdin...)
}

// ParameterStdin returns the block written at start.
func (f *Fake) ParameterStdin() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.paramStdin...)
}

// Killed reports whether Kill was called.
func (f *Fake) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}
