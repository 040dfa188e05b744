package reload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/naginator/internal/logging"
)

// ConfigValidator is the pre-flight check run before every reload.
type ConfigValidator interface {
	Validate(ctx context.Context) error
}

// Request describes what the writer did and how the run was invoked.
type Request struct {
	Changed bool
	// UpdateOnly validates the new configuration but leaves the daemon
	// running the old one.
	UpdateOnly bool
	// NoValidate skips validation as well. It only applies to UpdateOnly
	// runs.
	NoValidate bool
	DryRun     bool
}

// Outcome is the result of one controller run.
type Outcome struct {
	State   State
	History []State
	Err     error
}

// Controller drives Idle → Validating → Reloading → Done.
type Controller struct {
	validator ConfigValidator
	reloader  Reloader
	timeout   time.Duration
	logger    *zap.Logger
}

// NewController wires a controller. timeout bounds validation and
// signalling separately; zero means no bound beyond ctx.
func NewController(validator ConfigValidator, reloader Reloader, timeout time.Duration, logger *zap.Logger) *Controller {
	return &Controller{
		validator: validator,
		reloader:  reloader,
		timeout:   timeout,
		logger:    logging.OrNop(logger).Named("reload"),
	}
}

// Run validates and reloads unless the request says there is nothing to do.
// Reload never happens when validation fails. An update-only run stops after
// a successful validation.
func (c *Controller) Run(ctx context.Context, req Request) Outcome {
	m := newMachine()
	done := func(err error) Outcome {
		c.logger.Info("reload finished", zap.Stringer("state", m.state), zap.Error(err))
		return Outcome{State: m.state, History: m.history, Err: err}
	}

	switch {
	case req.DryRun:
		c.logger.Info("dry run, not reloading")
		return done(m.to(Skipped))
	case !req.Changed:
		c.logger.Info("no changes, not reloading")
		return done(m.to(Skipped))
	case req.UpdateOnly && req.NoValidate:
		c.logger.Info("update only, not validating")
		return done(m.to(Skipped))
	}

	if err := m.to(Validating); err != nil {
		return done(err)
	}
	if err := c.validate(ctx); err != nil {
		if terr := m.to(ValidationFailed); terr != nil {
			return done(errors.Join(err, terr))
		}
		return done(err)
	}
	if req.UpdateOnly {
		c.logger.Info("update only, not reloading")
		return done(m.to(Skipped))
	}

	if err := m.to(Reloading); err != nil {
		return done(err)
	}
	if err := c.reload(ctx); err != nil {
		if terr := m.to(ReloadFailed); terr != nil {
			return done(errors.Join(err, terr))
		}
		return done(err)
	}
	return done(m.to(Done))
}

// Validate runs the pre-flight check on its own, for the verify command.
func (c *Controller) Validate(ctx context.Context) error {
	return c.validate(ctx)
}

func (c *Controller) validate(ctx context.Context) error {
	if c.validator == nil {
		return errors.New("no validator configured")
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.validator.Validate(ctx)
}

func (c *Controller) reload(ctx context.Context) error {
	if c.reloader == nil {
		return ErrReload
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	if err := c.reloader.Reload(ctx); err != nil {
		if errors.Is(err, ErrReload) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrReload, err)
	}
	return nil
}

func (c *Controller) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
