package fulfillment

import (
	"context"
	"log/slog"
	"time"
)

// saga is the compensation stack: each committed step pushes the action
// that semantically undoes it. On failure the stack unwinds in reverse
// order, best-effort.
type saga struct {
	logger *slog.Logger
	undos  []compensation
}

type compensation struct {
	name string
	fn   func(context.Context) error
}

func newSaga(logger *slog.Logger) *saga {
	return &saga{logger: logger}
}

func (s *saga) push(name string, fn func(context.Context) error) {
	s.undos = append(s.undos, compensation{name: name, fn: fn})
}

// pop discards the most recent compensation. Used when a later step's
// undo subsumes it, e.g. cancelling a delivery already releases the
// agent, so the standalone release must not run a second time.
func (s *saga) pop() {
	if len(s.undos) > 0 {
		s.undos = s.undos[:len(s.undos)-1]
	}
}

// unwind runs the stack LIFO. It runs on a detached context so that a
// caller timeout, the very thing that may have triggered the unwind,
// cannot also starve the compensations. Failures are logged and the
// remaining compensations still run: leaving stock over-decremented or
// an agent over-reserved is worse than a logged compensation failure.
func (s *saga) unwind(ctx context.Context) {
	if len(s.undos) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for i := len(s.undos) - 1; i >= 0; i-- {
		c := s.undos[i]
		if err := c.fn(ctx); err != nil {
			s.logger.Error("compensation failed", "step", c.name, "error", err)
			continue
		}
		s.logger.Info("compensation applied", "step", c.name)
	}
	s.undos = nil
}
