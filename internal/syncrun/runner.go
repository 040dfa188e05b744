// Package syncrun runs one synchronization: fetch the inventory, render it,
// apply the files and reload the monitoring daemon.
package syncrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pingsantohq/naginator/internal/config"
	"github.com/pingsantohq/naginator/internal/inventory"
	"github.com/pingsantohq/naginator/internal/lock"
	"github.com/pingsantohq/naginator/internal/logging"
	"github.com/pingsantohq/naginator/internal/reload"
	"github.com/pingsantohq/naginator/internal/render"
	"github.com/pingsantohq/naginator/internal/writer"
)

// Components are the stages a Runner drives.
type Components struct {
	Source     inventory.Source
	Renderer   *render.Renderer
	Writer     *writer.Writer
	Controller *reload.Controller
}

// Options select run behaviour.
type Options struct {
	LockPath  string
	StateFile string
	// KeepFailedConfig leaves a rejected configuration on disk instead of
	// restoring the previous tree.
	KeepFailedConfig bool
	// UpdateOnly writes and validates without reloading. A rejected
	// configuration is still rolled back.
	UpdateOnly bool
	NoValidate bool
	DryRun     bool
}

// Runner executes sync runs.
type Runner struct {
	c      Components
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// New validates components and fills defaults from deps.
func New(c Components, opts Options, deps Dependencies) (*Runner, error) {
	if c.Source == nil || c.Renderer == nil || c.Writer == nil || c.Controller == nil {
		return nil, errors.New("source, renderer, writer and controller are required")
	}
	if opts.LockPath == "" {
		return nil, errors.New("lock path is required")
	}
	r := &Runner{
		c:      c,
		opts:   opts,
		logger: logging.OrNop(deps.Logger),
		now:    deps.Now,
		newID:  deps.NewRunID,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.NewString() }
	}
	return r, nil
}

// Run performs one run. It never panics on stage failures; the returned
// Result carries the outcome and the error.
func (r *Runner) Run(ctx context.Context) Result {
	res := Result{RunID: r.newID(), StartedAt: r.now(), ReloadState: reload.Idle}
	logger := r.logger.With(zap.String("run_id", res.RunID))
	logger.Info("run started", zap.Bool("dry_run", r.opts.DryRun), zap.Bool("update_only", r.opts.UpdateOnly))

	res = r.run(ctx, logger, res)
	res.FinishedAt = r.now()

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.Int("created", res.Summary.Created),
		zap.Int("updated", res.Summary.Updated),
		zap.Int("deleted", res.Summary.Deleted),
		zap.Int("unchanged", res.Summary.Unchanged),
		zap.Stringer("reload", res.ReloadState),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	}
	if res.Err != nil {
		logger.Error("run failed", append(fields, zap.Error(res.Err))...)
	} else {
		logger.Info("run finished", fields...)
	}

	if r.opts.StateFile != "" && res.Outcome != OutcomeLocked {
		if err := config.SaveRunState(context.WithoutCancel(ctx), r.opts.StateFile, res.State()); err != nil {
			logger.Warn("failed to save run state", zap.String("path", r.opts.StateFile), zap.Error(err))
		}
	}
	return res
}

func (r *Runner) run(ctx context.Context, logger *zap.Logger, res Result) Result {
	fail := func(stage Outcome, err error) Result {
		res.Outcome = classify(stage, err)
		res.Err = err
		return res
	}

	lk, err := lock.Acquire(r.opts.LockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fail(OutcomeLocked, err)
		}
		return fail(OutcomeWriteError, err)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			logger.Warn("failed to release lock", zap.Error(err))
		}
	}()

	snap, err := r.c.Source.Fetch(ctx)
	if err != nil {
		return fail(OutcomeInventoryUnavailable, fmt.Errorf("fetch inventory: %w", err))
	}
	logger.Info("fetched inventory", zap.Int("hosts", len(snap.Hosts)), zap.Int("objects", len(snap.Objects)))

	files, err := r.c.Renderer.Render(ctx, snap)
	if err != nil {
		return fail(OutcomeRenderError, fmt.Errorf("render: %w", err))
	}
	logger.Debug("rendered configuration", zap.Int("files", len(files)))

	cs, err := r.c.Writer.Apply(ctx, files)
	if cs != nil {
		res.Summary = cs.Summary
	}
	if err != nil {
		return fail(OutcomeWriteError, fmt.Errorf("write: %w", err))
	}

	out := r.c.Controller.Run(ctx, reload.Request{
		Changed:    res.Summary.Changed(),
		UpdateOnly: r.opts.UpdateOnly,
		NoValidate: r.opts.NoValidate,
		DryRun:     r.opts.DryRun,
	})
	res.ReloadState = out.State
	if out.Err == nil {
		res.Outcome = OutcomeOK
		return res
	}

	if out.State != reload.ValidationFailed {
		return fail(OutcomeReloadError, out.Err)
	}
	if r.opts.KeepFailedConfig {
		logger.Warn("keeping rejected configuration in place")
		return fail(OutcomeValidationFailed, out.Err)
	}
	if rbErr := cs.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
		return fail(OutcomeValidationFailed, errors.Join(out.Err, fmt.Errorf("rollback: %w", rbErr)))
	}
	res.RolledBack = true
	return fail(OutcomeValidationFailed, out.Err)
}
