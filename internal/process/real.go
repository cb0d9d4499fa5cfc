package process

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Real runs an actual OS process. Stdout and stderr are pumped by background
// goroutines into a line buffer so ReadOutput never blocks a supervisor loop.
type Real struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   bool
	exitCode int
	killed   bool

	outMu  sync.Mutex
	output []string

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// NewReal creates an unstarted real process.
func NewReal() *Real {
	return &Real{doneCh: make(chan struct{})}
}

// Start spawns the process in its own process group, merges env overrides
// over the parent environment, and writes the parameter stdin block.
func (r *Real) Start(executable string, args, env, paramStdin []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return fmt.Errorf("process already started")
	}

	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), env...)

	// Own process group so Kill can take down children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin

	for _, line := range paramStdin {
		if _, err := io.WriteString(stdin, line+"\n"); err != nil {
			return fmt.Errorf("failed to write parameter stdin: %w", err)
		}
	}

	r.wg.Add(2)
	go r.pump(stdout)
	go r.pump(stderr)

	go r.waitForExit()

	return nil
}

// pump reads one output stream line-wise into the buffer until EOF.
func (r *Real) pump(reader io.Reader) {
	defer r.wg.Done()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.outMu.Lock()
		r.output = append(r.output, scanner.Text())
		r.outMu.Unlock()
	}
}

// waitForExit reaps the process and records its exit code.
func (r *Real) waitForExit() {
	r.wg.Wait()
	err := r.cmd.Wait()

	r.mu.Lock()
	r.exited = true
	if r.cmd.ProcessState != nil {
		r.exitCode = r.cmd.ProcessState.ExitCode()
	} else if err != nil {
		r.exitCode = -1
	}
	r.mu.Unlock()

	close(r.doneCh)
}

// Exited reports exit state and code.
func (r *Real) Exited() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited, r.exitCode
}

// WriteStdin writes one line (newline included by the caller) and flushes.
func (r *Real) WriteStdin(line string) error {
	r.mu.Lock()
	stdin := r.stdin
	r.mu.Unlock()

	if stdin == nil {
		return fmt.Errorf("process not started")
	}
	_, err := io.WriteString(stdin, line)
	return err
}

// ReadOutput drains the buffered output lines.
func (r *Real) ReadOutput() []string {
	r.outMu.Lock()
	defer r.outMu.Unlock()

	if len(r.output) == 0 {
		return nil
	}
	lines := r.output
	r.output = nil
	return lines
}

// Kill sends SIGKILL to the process group. Idempotent.
func (r *Real) Kill() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.cmd.Process == nil || r.exited || r.killed {
		return nil
	}
	r.killed = true

	pid := r.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Fall back to the process itself if the group is already gone.
		return r.cmd.Process.Kill()
	}
	return nil
}

// Wait blocks until the process exits.
func (r *Real) Wait() {
	r.mu.Lock()
	started := r.cmd != nil
	r.mu.Unlock()
	if !started {
		return
	}
	<-r.doneCh
}
