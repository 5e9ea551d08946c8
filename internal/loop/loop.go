// Package loop owns the canonical stage orders, assembles the full stage
// registry, and runs the two-phase tick: compose, dispatch driver frames,
// compose again over the replies.
package loop

import (
	"context"

	"go.uber.org/zap"

	"noema/internal/kernel"
	"noema/internal/stages/adapt"
	"noema/internal/stages/concept"
	"noema/internal/stages/dialog"
	"noema/internal/stages/executor"
	"noema/internal/stages/memory"
	"noema/internal/stages/observe"
	"noema/internal/stages/orchestrate"
	"noema/internal/stages/perception"
	"noema/internal/stages/persistence"
	"noema/internal/stages/planner"
	"noema/internal/stages/protocol"
	"noema/internal/stages/runtime"
	"noema/internal/stages/worldmodel"
	"noema/internal/state"
)

// OrderTick is phase one of an idle tick: adapt, gate, schedule, orchestrate,
// and build the driver frames.
var OrderTick = []string{
	"persist.plan",
	"persist.optimize",
	"observe.telemetry",
	"observe.trace",
	"observe.slo",
	"adapt.delta",
	"adapt.applyplan",
	"adapt.stage",
	"runtime.activate",
	"runtime.gate",
	"runtime.schedule",
	"runtime.initiative",
	"orchestrate.tick",
	"orchestrate.envelope",
	"orchestrate.jobs",
	"protocol.build",
}

// OrderPost is phase two, run over the driver replies.
var OrderPost = []string{
	"protocol.replies",
	"observe.telemetry",
	"observe.slo",
	"protocol.retry",
}

// OrderChat is the full inbound-message pipeline: perception through dialog,
// then the tick tail.
var OrderChat = []string{
	"perception.collect",
	"perception.normalize",
	"perception.sentences",
	"perception.tokenize",
	"perception.script",
	"perception.addressing",
	"perception.speechact",
	"perception.confidence",
	"perception.novelty",
	"perception.pack",
	"world.context",
	"world.predict",
	"world.error",
	"world.uncertainty",
	"memory.wal",
	"memory.index",
	"memory.retrieve",
	"memory.cache",
	"concept.mine",
	"concept.nodes",
	"concept.edges",
	"concept.rules",
	"plan.intent",
	"plan.slots",
	"plan.build",
	"dialog.realize",
	"dialog.surface",
	"dialog.safety",
	"exec.dispatch",
	"exec.normalize",
	"exec.present",
	"persist.commit",
	"persist.plan",
	"persist.optimize",
	"observe.telemetry",
	"observe.trace",
	"observe.slo",
	"runtime.activate",
	"runtime.gate",
	"runtime.schedule",
	"runtime.initiative",
	"orchestrate.tick",
	"orchestrate.envelope",
	"orchestrate.jobs",
	"protocol.build",
	"protocol.replies",
	"protocol.retry",
}

// NewRegistry assembles the complete stage registry.
func NewRegistry() kernel.Registry {
	reg := kernel.Registry{}
	perception.Register(reg)
	worldmodel.Register(reg)
	memory.Register(reg)
	concept.Register(reg)
	planner.Register(reg)
	dialog.Register(reg)
	executor.Register(reg)
	persistence.Register(reg)
	observe.Register(reg)
	adapt.Register(reg)
	runtime.Register(reg)
	orchestrate.Register(reg)
	protocol.Register(reg)
	return reg
}

// TransportDriver delivers outbound messages.
type TransportDriver interface {
	Emit(ctx context.Context, frame state.Tree) state.Tree
}

// SkillsDriver executes a batch of skill calls.
type SkillsDriver interface {
	Execute(ctx context.Context, frame state.Tree) state.Tree
}

// StorageDriver applies persistence ops and index items.
type StorageDriver interface {
	ApplyIndex(ctx context.Context, frame state.Tree) state.Tree
}

// TimerDriver performs a context-aware sleep.
type TimerDriver interface {
	Sleep(ctx context.Context, frame state.Tree) state.Tree
}

// Drivers bundles the four side-effecting collaborators of a tick.
type Drivers struct {
	Transport TransportDriver
	Skills    SkillsDriver
	Storage   StorageDriver
	Timer     TimerDriver
}

// Clock supplies the tick timestamp in epoch milliseconds.
type Clock func() int64

// Loop runs ticks for one session's state.
type Loop struct {
	registry kernel.Registry
	drivers  Drivers
	clock    Clock
	log      *zap.Logger
}

// New builds a Loop. A nil logger falls back to zap.NewNop.
func New(drivers Drivers, clock Clock, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		registry: NewRegistry(),
		drivers:  drivers,
		clock:    clock,
		log:      log,
	}
}

// Registry exposes the assembled registry, mainly for tests and introspection.
func (l *Loop) Registry() kernel.Registry { return l.registry }

// Tick runs one idle tick: phase one, frame dispatch, phase two.
func (l *Loop) Tick(ctx context.Context, s state.Tree) (state.Tree, kernel.Report) {
	return l.run(ctx, s, OrderTick)
}

// Chat runs the full inbound-message pipeline over s, which must carry the
// user turn under perception.inbound.
func (l *Loop) Chat(ctx context.Context, s state.Tree) (state.Tree, kernel.Report) {
	return l.run(ctx, s, OrderChat)
}

func (l *Loop) run(ctx context.Context, s state.Tree, order []string) (state.Tree, kernel.Report) {
	s = state.CloneTree(s)
	state.Set(s, "clock.now_ms", l.clock())

	next, report := kernel.Step(s, l.registry, order)
	for _, e := range report.Errors {
		l.log.Warn("stage failed", zap.String("stage", e.Step), zap.String("error", e.Error))
	}

	frames := state.GetSlice(next, "driver.protocol.frames")
	if len(frames) == 0 {
		return next, report
	}

	replies := l.dispatch(ctx, frames)
	state.Set(next, "driver.replies", replies)
	// Frames are consumed once dispatched.
	state.Set(next, "driver.protocol.frames", []any{})

	post, postReport := kernel.Step(next, l.registry, OrderPost)
	report.Ran = append(report.Ran, postReport.Ran...)
	report.Skipped = append(report.Skipped, postReport.Skipped...)
	report.Errors = append(report.Errors, postReport.Errors...)
	return post, report
}

// dispatch invokes the driver handler matching each frame's type, in builder
// order. Unknown frame types produce an unsuccessful reply instead of being
// dropped silently.
func (l *Loop) dispatch(ctx context.Context, frames []any) []any {
	replies := []any{}
	for _, fv := range frames {
		frame, ok := fv.(map[string]any)
		if !ok {
			continue
		}
		kind := state.GetString(frame, "type", "")
		var reply state.Tree
		switch kind {
		case "transport":
			if l.drivers.Transport != nil {
				reply = l.drivers.Transport.Emit(ctx, frame)
			}
		case "skills":
			if l.drivers.Skills != nil {
				reply = l.drivers.Skills.Execute(ctx, frame)
			}
		case "storage":
			if l.drivers.Storage != nil {
				reply = l.drivers.Storage.ApplyIndex(ctx, frame)
			}
		case "timer":
			if l.drivers.Timer != nil {
				reply = l.drivers.Timer.Sleep(ctx, frame)
			}
		}
		if reply == nil {
			reply = state.Tree{"type": kind, "ok": false, "error": "no_driver"}
		}
		replies = append(replies, reply)
	}
	return replies
}
