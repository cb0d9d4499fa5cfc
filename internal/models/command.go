package models

import (
	"fmt"
	"strconv"
)

// CommandType is the kind of control message routed to a worker or instance.
type CommandType string

const (
	CommandStart CommandType = "START"
	CommandStdin CommandType = "STDIN"
	CommandStop  CommandType = "STOP"
)

// Command is an in-flight control message.
//
// Argument conventions:
//
//	START [config_id]            create a server for this config
//	STOP  []                     shut down the addressed worker
//	STOP  [config_id]            stop the server running that config
//	STDIN [config_id, line, ...] write lines to that server's stdin
type Command struct {
	CommandType CommandType `json:"command_type"`
	CommandArgs []string    `json:"command_args"`
}

// ConfigID parses the first argument as a game server config id.
func (c Command) ConfigID() (int64, error) {
	if len(c.CommandArgs) == 0 {
		return 0, fmt.Errorf("command %s has no config id argument", c.CommandType)
	}
	id, err := strconv.ParseInt(c.CommandArgs[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid config id %q: %w", c.CommandArgs[0], err)
	}
	return id, nil
}

// StdinLines returns the lines carried by a STDIN command.
func (c Command) StdinLines() []string {
	if len(c.CommandArgs) < 2 {
		return nil
	}
	return c.CommandArgs[1:]
}

// NewStartCommand builds a START command for a config.
func NewStartCommand(configID int64) Command {
	return Command{CommandType: CommandStart, CommandArgs: []string{strconv.FormatInt(configID, 10)}}
}

// NewStopCommand builds a STOP command. With no config id it addresses the
// worker itself; with one it addresses the server running that config.
func NewStopCommand(configID ...int64) Command {
	cmd := Command{CommandType: CommandStop, CommandArgs: []string{}}
	for _, id := range configID {
		cmd.CommandArgs = append(cmd.CommandArgs, strconv.FormatInt(id, 10))
	}
	return cmd
}

// NewStdinCommand builds a STDIN command carrying lines for a config's server.
func NewStdinCommand(configID int64, lines []string) Command {
	args := append([]string{strconv.FormatInt(configID, 10)}, lines...)
	return Command{CommandType: CommandStdin, CommandArgs: args}
}
