// Package emulator drives the local storage emulator used by development
// deployments. The emulator is an external command taking one of init,
// start, stop or status.
package emulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

const defaultBinary = "storage-emulator"

// Command is an emulator subcommand.
type Command string

const (
	CommandInit   Command = "init"
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandStatus Command = "status"
)

// ParseCommand validates a subcommand name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandInit, CommandStart, CommandStop, CommandStatus:
		return c, nil
	default:
		return "", fmt.Errorf("unknown emulator command %q", s)
	}
}

// RunFunc runs binary with args and returns its captured output. A non-zero
// exit is not an error by itself; the emulator reports failures on stderr.
type RunFunc func(ctx context.Context, binary string, args ...string) (stdout, stderr []byte, err error)

// Emulator runs emulator commands.
type Emulator struct {
	binary string
	run    RunFunc
}

// Option configures an Emulator.
type Option func(*Emulator)

// WithBinary sets the emulator executable. Defaults to "storage-emulator"
// found via PATH.
func WithBinary(path string) Option {
	return func(e *Emulator) { e.binary = path }
}

// WithRunner replaces process execution, for tests.
func WithRunner(run RunFunc) Option {
	return func(e *Emulator) { e.run = run }
}

// New returns an emulator driver.
func New(opts ...Option) *Emulator {
	e := &Emulator{binary: defaultBinary, run: runProcess}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsRunning queries the emulator status.
func (e *Emulator) IsRunning(ctx context.Context) (bool, error) {
	stdout, _, err := e.run(ctx, e.binary, string(CommandStatus))
	if err != nil {
		return false, fmt.Errorf("emulator status: %w", err)
	}
	return parseStatus(stdout)
}

// Init initializes the emulator unless it is already running.
func (e *Emulator) Init(ctx context.Context) error {
	return e.unlessRunning(ctx, CommandInit)
}

// Start starts the emulator unless it is already running.
func (e *Emulator) Start(ctx context.Context) error {
	return e.unlessRunning(ctx, CommandStart)
}

// EnsureStarted is Start under the name the instance adapter expects.
func (e *Emulator) EnsureStarted(ctx context.Context) error {
	return e.Start(ctx)
}

// Stop stops the emulator if it is running.
func (e *Emulator) Stop(ctx context.Context) error {
	running, err := e.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	return e.execute(ctx, CommandStop)
}

// Run executes cmd with the same guards as the named methods. Status
// returns nil; use IsRunning for its result.
func (e *Emulator) Run(ctx context.Context, cmd Command) error {
	switch cmd {
	case CommandInit:
		return e.Init(ctx)
	case CommandStart:
		return e.Start(ctx)
	case CommandStop:
		return e.Stop(ctx)
	case CommandStatus:
		_, err := e.IsRunning(ctx)
		return err
	default:
		return fmt.Errorf("unknown emulator command %q", cmd)
	}
}

func (e *Emulator) unlessRunning(ctx context.Context, cmd Command) error {
	running, err := e.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		slog.Debug("Storage emulator already running.", "command", string(cmd))
		return nil
	}
	return e.execute(ctx, cmd)
}

func (e *Emulator) execute(ctx context.Context, cmd Command) error {
	_, stderr, err := e.run(ctx, e.binary, string(cmd))
	if err != nil {
		return fmt.Errorf("emulator %s: %w", cmd, err)
	}
	if msg := parseError(stderr); msg != "" {
		return fmt.Errorf("emulator %s: %s", cmd, msg)
	}
	slog.Info("Storage emulator command completed.", "command", string(cmd))
	return nil
}

// parseStatus reads the value after the last ':' of the line starting with
// IsRunning. A missing line means not running.
func parseStatus(stdout []byte) (bool, error) {
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "IsRunning") {
			continue
		}
		value := line[strings.LastIndex(line, ":")+1:]
		running, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return false, fmt.Errorf("emulator status line %q: %w", line, err)
		}
		return running, nil
	}
	return false, sc.Err()
}

// parseError returns the stderr text after its last ':'.
func parseError(stderr []byte) string {
	s := string(stderr)
	return strings.TrimSpace(s[strings.LastIndex(s, ":")+1:])
}

func runProcess(ctx context.Context, binary string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, nil, fmt.Errorf("run %s: %w", binary, err)
		}
		slog.Debug("Storage emulator exited with non-zero status.", "code", exitErr.ExitCode())
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}
