package process

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based process tests require a POSIX shell")
	}
}

func Test_RealProcessOutput(t *testing.T) {
	requireShell(t)

	b := NewBuilder("/bin/sh", 0, NewReal(), zap.NewNop())
	b.AddArgs("-c", "echo hello; echo world >&2")

	require.NoError(t, b.Run(true))
	assert.Equal(t, StatusStopped, b.Status(), "a clean exit should be STOPPED")

	lines := b.ReadOutput()
	assert.ElementsMatch(t, []string{"hello", "world"}, lines, "stdout and stderr should both be captured")
}

func Test_RealProcessExitCode(t *testing.T) {
	requireShell(t)

	b := NewBuilder("/bin/sh", 0, NewReal(), zap.NewNop())
	b.AddArgs("-c", "exit 3")

	require.NoError(t, b.Run(true))
	assert.Equal(t, StatusFailed, b.Status(), "a non-zero exit should be FAILED")
}

func Test_RealProcessEnv(t *testing.T) {
	requireShell(t)

	b := NewBuilder("/bin/sh", 0, NewReal(), zap.NewNop())
	b.AddArgs("-c", "echo $GREETING")
	b.SetEnv("GREETING=howdy")

	require.NoError(t, b.Run(true))
	assert.Equal(t, []string{"howdy"}, b.ReadOutput(), "env overrides should reach the process")
}

func Test_RealProcessStdin(t *testing.T) {
	requireShell(t)

	proc := NewReal()
	b := NewBuilder("/bin/sh", 0, proc, zap.NewNop())
	// cat echoes whatever arrives on stdin and exits on EOF; reading one
	// line and exiting keeps the test bounded.
	b.AddArgs("-c", "read line; echo got:$line")

	require.NoError(t, b.Run(false))
	b.WriteStdin("ping")
	b.Wait()

	assert.Equal(t, []string{"got:ping"}, b.ReadOutput())
	assert.Equal(t, StatusStopped, b.Status())
}

func Test_RealProcessKill(t *testing.T) {
	requireShell(t)

	b := NewBuilder("/bin/sh", 0, NewReal(), zap.NewNop())
	b.AddArgs("-c", "sleep 30")

	require.NoError(t, b.Run(false))
	assert.Equal(t, StatusRunning, b.Status())

	b.Kill()
	b.Wait()

	assert.Equal(t, StatusFailed, b.Status(), "a killed process exits non-zero")
}

func Test_RealProcessParameterStdin(t *testing.T) {
	requireShell(t)

	proc := NewReal()
	b := NewBuilder("/bin/sh", 0, proc, zap.NewNop())
	b.AddArgs("-c", "read secret; echo len:${#secret}")
	b.AddParameterStdin("hunter2")

	require.NoError(t, b.Run(true))
	assert.Equal(t, []string{"len:7"}, b.ReadOutput(), "the parameter block should arrive before any reads")

	exited, code := proc.Exited()
	assert.True(t, exited)
	assert.Zero(t, code)
}
