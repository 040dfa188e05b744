// Package reload validates the generated configuration with the monitoring
// daemon and signals it to pick the new files up.
package reload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/pingsantohq/naginator/internal/logging"
)

// ErrValidationFailed matches every *ValidationError.
var ErrValidationFailed = errors.New("configuration validation failed")

// ValidationError carries the output of a rejected pre-flight check.
type ValidationError struct {
	Output string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := ErrValidationFailed.Error()
	if diag := e.Diagnostics(); len(diag) > 0 {
		msg += ": " + diag[0]
	}
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidationFailed}
	}
	return []error{ErrValidationFailed, e.Err}
}

// Diagnostics returns the error and warning lines of the check output.
func (e *ValidationError) Diagnostics() []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(e.Output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Error:") || strings.HasPrefix(line, "Warning:") {
			lines = append(lines, line)
		}
	}
	return lines
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ValidatorConfig describes how to invoke the daemon's pre-flight check.
type ValidatorConfig struct {
	Binary string
	// MainConfig is passed to "-v" as is. When empty a throwaway main config
	// is generated that loads OutputDir plus the extra files and directories.
	MainConfig    string
	OutputDir     string
	ExtraCfgDirs  []string
	ExtraCfgFiles []string
	// TempDir is where the generated main config goes. Defaults to
	// os.TempDir.
	TempDir string
}

// Validator runs "<binary> -v <main config>".
type Validator struct {
	cfg    ValidatorConfig
	runner CommandRunner
	logger *zap.Logger
}

// NewValidator returns a Validator. A nil runner uses ExecRunner.
func NewValidator(cfg ValidatorConfig, runner CommandRunner, logger *zap.Logger) (*Validator, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, errors.New("validator binary is required")
	}
	if cfg.MainConfig == "" && cfg.OutputDir == "" {
		return nil, errors.New("either a main config or an output directory is required")
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Validator{cfg: cfg, runner: runner, logger: logging.OrNop(logger).Named("validator")}, nil
}

// Validate runs the check. A non-zero exit yields a *ValidationError; an
// expired ctx yields an error wrapping ctx.Err().
func (v *Validator) Validate(ctx context.Context) error {
	mainCfg := v.cfg.MainConfig
	if mainCfg == "" {
		path, cleanup, err := v.writeMainConfig()
		if err != nil {
			return err
		}
		defer cleanup()
		mainCfg = path
	}

	v.logger.Info("validating configuration", zap.String("main_config", mainCfg))
	out, err := v.runner.Run(ctx, v.cfg.Binary, "-v", mainCfg)
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		v.logger.Debug(line)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("validate %s: %w", mainCfg, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || len(out) > 0 {
			return &ValidationError{Output: string(out), Err: err}
		}
		return fmt.Errorf("run %s: %w", v.cfg.Binary, err)
	}
	return nil
}

// writeMainConfig generates a minimal main config and a private
// check_result_path for the duration of one check.
func (v *Validator) writeMainConfig() (string, func(), error) {
	dir, err := os.MkdirTemp(v.cfg.TempDir, "naginator-verify-")
	if err != nil {
		return "", nil, fmt.Errorf("create validation dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	results := filepath.Join(dir, "checkresults")
	if err := os.Mkdir(results, 0o770); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("create check result dir: %w", err)
	}

	path := filepath.Join(dir, "nagios.cfg")
	if err := os.WriteFile(path, []byte(v.MainConfig(results)), 0o640); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write main config: %w", err)
	}
	return path, cleanup, nil
}

// MainConfig renders the generated main config for the given
// check_result_path.
func (v *Validator) MainConfig(checkResultPath string) string {
	var b strings.Builder
	for _, f := range v.cfg.ExtraCfgFiles {
		fmt.Fprintf(&b, "cfg_file=%s\n", f)
	}
	for _, d := range v.cfg.ExtraCfgDirs {
		fmt.Fprintf(&b, "cfg_dir=%s\n", d)
	}
	fmt.Fprintf(&b, "check_result_path=%s\n", checkResultPath)
	fmt.Fprintf(&b, "cfg_dir=%s\n", v.cfg.OutputDir)
	return b.String()
}
