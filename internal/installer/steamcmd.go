package installer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mooncorn/gsfleet/internal/process"
	"go.uber.org/zap"
)

// Credentials selects how steamcmd logs in.
type Credentials interface {
	loginArgs() []string
	stdinLines() []string
}

// Anonymous logs in without an account. Sufficient for most dedicated
// servers.
type Anonymous struct{}

func (Anonymous) loginArgs() []string {
	return []string{"+login", "anonymous"}
}

func (Anonymous) stdinLines() []string {
	return nil
}

// UserPassword logs in with a Steam account. The password is fed over stdin
// so it never appears in the process argv.
type UserPassword struct {
	User     string
	Password string
}

func (c UserPassword) loginArgs() []string {
	return []string{"+login", c.User}
}

func (c UserPassword) stdinLines() []string {
	return []string{c.Password}
}

// SteamCmd installs game content through the steamcmd binary as a synchronous
// prepare-and-wait step. Output is streamed to the logger.
type SteamCmd struct {
	binary string
	creds  Credentials
	logger *zap.Logger

	// newProcess is swappable for tests.
	newProcess func() process.ExternalProcess
}

// NewSteamCmd creates an installer invoking binary with creds.
func NewSteamCmd(binary string, creds Credentials, logger *zap.Logger) *SteamCmd {
	return &SteamCmd{
		binary:     binary,
		creds:      creds,
		logger:     logger,
		newProcess: func() process.ExternalProcess { return process.NewReal() },
	}
}

// Install fetches appID into installDir and blocks until steamcmd exits.
// A non-zero exit is an error.
func (s *SteamCmd) Install(ctx context.Context, appID int64, installDir string) error {
	builder := process.NewBuilder(s.binary, 0, s.newProcess(), s.logger)
	builder.AddArgs("+force_install_dir", installDir)
	builder.AddArgs(s.creds.loginArgs()...)
	builder.AddArgs("+app_update", strconv.FormatInt(appID, 10), "validate", "+quit")
	for _, line := range s.creds.stdinLines() {
		builder.AddParameterStdin(line)
	}

	s.logger.Info("installing game content",
		zap.Int64("app_id", appID),
		zap.String("install_dir", installDir))

	if err := builder.Run(false); err != nil {
		return fmt.Errorf("failed to launch steamcmd: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			builder.Kill()
			builder.ReadOutput()
			return fmt.Errorf("install of app %d cancelled: %w", appID, ctx.Err())
		case <-ticker.C:
			builder.ReadOutput()
			switch builder.Status() {
			case process.StatusStopped:
				builder.ReadOutput()
				s.logger.Info("install complete", zap.Int64("app_id", appID))
				return nil
			case process.StatusFailed:
				builder.ReadOutput()
				return fmt.Errorf("steamcmd exited non-zero installing app %d", appID)
			}
		}
	}
}
