package syncrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pingsantohq/naginator/internal/config"
	"github.com/pingsantohq/naginator/internal/reload"
	"github.com/pingsantohq/naginator/internal/writer"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeOK                   Outcome = "ok"
	OutcomeInventoryUnavailable Outcome = "inventory_unavailable"
	OutcomeRenderError          Outcome = "render_error"
	OutcomeWriteError           Outcome = "write_error"
	OutcomeValidationFailed     Outcome = "validation_failed"
	OutcomeReloadError          Outcome = "reload_error"
	OutcomeTimeout              Outcome = "timeout"
	OutcomeLocked               Outcome = "locked"
)

// Result describes one run.
type Result struct {
	RunID       string
	Outcome     Outcome
	Summary     writer.Summary
	ReloadState reload.State
	// RolledBack is set when a rejected configuration was replaced by the
	// previous tree.
	RolledBack bool
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// ExitCode is 0 for a successful run, including a no-op run, and 1
// otherwise.
func (r Result) ExitCode() int {
	if r.Outcome == OutcomeOK {
		return 0
	}
	return 1
}

// Line is the single summary line printed at the end of a run.
func (r Result) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s %s: created=%d updated=%d deleted=%d unchanged=%d reload=%s",
		r.RunID, r.Outcome,
		r.Summary.Created, r.Summary.Updated, r.Summary.Deleted, r.Summary.Unchanged,
		r.ReloadState)
	if r.RolledBack {
		b.WriteString(" rolled_back=true")
	}
	if r.Err != nil {
		// Multi-line errors would break the one-line contract.
		fmt.Fprintf(&b, " error=%q", strings.Join(strings.Fields(r.Err.Error()), " "))
	}
	return b.String()
}

// State converts the result to its persisted form.
func (r Result) State() config.RunState {
	var st config.RunState
	st.RunID = r.RunID
	st.StartedAt = r.StartedAt
	st.FinishedAt = r.FinishedAt
	st.Outcome = string(r.Outcome)
	st.Summary.Created = r.Summary.Created
	st.Summary.Updated = r.Summary.Updated
	st.Summary.Deleted = r.Summary.Deleted
	st.Summary.Unchanged = r.Summary.Unchanged
	st.Reload = r.ReloadState.String()
	if r.Err != nil {
		st.Error = r.Err.Error()
	}
	return st
}

// classify maps an error of a stage to its outcome. A deadline anywhere in
// the chain is reported as a timeout.
func classify(stage Outcome, err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return stage
}
