package drivers

import (
	"context"
	"time"

	"noema/internal/state"
)

// Timer performs frame-driven sleeps, cut short by context cancellation.
type Timer struct{}

// NewTimer builds a Timer.
func NewTimer() *Timer { return &Timer{} }

// Sleep waits for the frame's sleep_ms and reports whether the wait completed.
func (t *Timer) Sleep(ctx context.Context, frame state.Tree) state.Tree {
	ms := state.GetFloat(frame, "sleep_ms", 0)
	reply := state.Tree{"type": "timer", "ok": true, "sleep_ms": ms}
	if ms <= 0 {
		return reply
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		reply["ok"] = false
		reply["error"] = ctx.Err().Error()
	}
	return reply
}
