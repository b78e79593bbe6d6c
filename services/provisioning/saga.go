package provisioning

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vpsd/pkg/metrics"
	"vpsd/pkg/model"
)

// Undo reverses one completed forward step.
type Undo func(ctx context.Context) error

type completedStep struct {
	step string
	undo Undo
}

// Saga is the ordered list of forward steps a run has completed, each with
// the action that reverses it. Steps that need no reversal carry a nil Undo.
type Saga struct {
	completed []completedStep
}

// Record appends a completed step.
func (s *Saga) Record(step string, undo Undo) {
	s.completed = append(s.completed, completedStep{step: step, undo: undo})
}

// Completed returns the names of completed steps in completion order.
func (s *Saga) Completed() []string {
	out := make([]string, 0, len(s.completed))
	for _, c := range s.completed {
		out = append(out, c.step)
	}
	return out
}

// Pending returns the steps that Compensate would undo, in the order it
// would undo them.
func (s *Saga) Pending() []string {
	var out []string
	for i := len(s.completed) - 1; i >= 0; i-- {
		if s.completed[i].undo != nil {
			out = append(out, s.completed[i].step)
		}
	}
	return out
}

// Compensate runs every recorded Undo in reverse completion order. Each
// action gets its own timeout and runs even when the parent context is
// already cancelled. A failing action is logged and the rest still run.
func (s *Saga) Compensate(ctx context.Context, timeout time.Duration, logger zerolog.Logger) []model.CompensationResult {
	base := context.WithoutCancel(ctx)

	var results []model.CompensationResult
	for i := len(s.completed) - 1; i >= 0; i-- {
		c := s.completed[i]
		if c.undo == nil {
			continue
		}

		err := runUndo(base, timeout, c.undo)
		res := model.CompensationResult{Step: c.step}
		if err != nil {
			res.Error = err.Error()
			metrics.CompensationsTotal.WithLabelValues(c.step, "failed").Inc()
			logger.Error().Err(err).Str("step", c.step).Msg("compensation failed; continuing cleanup")
		} else {
			metrics.CompensationsTotal.WithLabelValues(c.step, "ok").Inc()
			logger.Info().Str("step", c.step).Msg("step compensated")
		}
		results = append(results, res)
	}
	s.completed = nil
	return results
}

func runUndo(ctx context.Context, timeout time.Duration, undo Undo) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return undo(ctx)
}
