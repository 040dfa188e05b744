package reload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/pingsantohq/naginator/internal/logging"
)

// ErrReload is returned when the daemon could not be signalled. The new
// files stay in place.
var ErrReload = errors.New("reload failed")

// Reloader tells the monitoring daemon to re-read its configuration. It does
// not wait for checks to run.
type Reloader interface {
	Reload(ctx context.Context) error
}

// CommandReloader runs a service-manager command such as
// "systemctl reload nagios4".
type CommandReloader struct {
	Command []string
	Runner  CommandRunner
	Logger  *zap.Logger
}

// Reload runs the configured command.
func (r *CommandReloader) Reload(ctx context.Context) error {
	if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
		return fmt.Errorf("%w: reload command required", ErrReload)
	}
	runner := r.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logging.OrNop(r.Logger).Info("reloading monitoring daemon", zap.Strings("command", r.Command))
	out, err := runner.Run(ctx, r.Command[0], r.Command[1:]...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrReload, r.Command[0], ctxErr)
	}
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s: %w: %s", ErrReload, r.Command[0], err, msg)
		}
		return fmt.Errorf("%w: %s: %w", ErrReload, r.Command[0], err)
	}
	return nil
}

// SignalReloader sends a signal, SIGHUP by default, to the pid stored in
// PIDFile.
type SignalReloader struct {
	PIDFile string
	Signal  syscall.Signal
	Logger  *zap.Logger

	// kill is syscall.Kill outside tests.
	kill func(pid int, sig syscall.Signal) error
}

// Reload reads the pid file and signals the process.
func (r *SignalReloader) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrReload, err)
	}
	if strings.TrimSpace(r.PIDFile) == "" {
		return fmt.Errorf("%w: pid file required", ErrReload)
	}
	data, err := os.ReadFile(r.PIDFile)
	if err != nil {
		return fmt.Errorf("%w: read pid file: %w", ErrReload, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("%w: invalid pid in %s: %q", ErrReload, r.PIDFile, strings.TrimSpace(string(data)))
	}
	sig := r.Signal
	if sig == 0 {
		sig = syscall.SIGHUP
	}
	kill := r.kill
	if kill == nil {
		kill = syscall.Kill
	}
	logging.OrNop(r.Logger).Info("signalling monitoring daemon", zap.Int("pid", pid), zap.Stringer("signal", sig))
	if err := kill(pid, sig); err != nil {
		return fmt.Errorf("%w: signal pid %d: %w", ErrReload, pid, err)
	}
	return nil
}

// NewReloader picks SignalReloader when pidFile is set and CommandReloader
// otherwise.
func NewReloader(command []string, pidFile string, runner CommandRunner, logger *zap.Logger) Reloader {
	logger = logging.OrNop(logger).Named("reloader")
	if strings.TrimSpace(pidFile) != "" {
		return &SignalReloader{PIDFile: pidFile, Logger: logger}
	}
	return &CommandReloader{Command: command, Runner: runner, Logger: logger}
}
