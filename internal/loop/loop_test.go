package loop

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noema/internal/state"
)

// recordingDriver answers every frame with a canned ok reply and remembers
// what it saw.
type recordingDriver struct {
	kind   string
	frames []state.Tree
}

func (d *recordingDriver) reply(frame state.Tree) state.Tree {
	d.frames = append(d.frames, frame)
	switch d.kind {
	case "transport":
		return state.Tree{"type": "transport", "ok": true,
			"channel": frame["channel"], "messages": state.GetSlice(frame, "messages")}
	case "skills":
		calls := []any{}
		for _, cv := range state.GetSlice(frame, "calls") {
			call := cv.(map[string]any)
			calls = append(calls, state.Tree{
				"ok": true, "req_id": call["req_id"], "kind": "json",
				"data": state.Tree{"echo": state.GetMap(call, "params")}, "latency_ms": 5.0,
			})
		}
		return state.Tree{"type": "skills", "ok": true, "calls": calls}
	case "storage":
		return state.Tree{"type": "storage", "ok": true,
			"apply": state.Tree{"ok": true, "ops": state.GetSlice(frame, "apply")},
			"index": state.Tree{"ok": true, "queue": state.GetSlice(frame, "index")}}
	default:
		return state.Tree{"type": "timer", "ok": true, "sleep_ms": frame["sleep_ms"]}
	}
}

func (d *recordingDriver) Emit(ctx context.Context, f state.Tree) state.Tree       { return d.reply(f) }
func (d *recordingDriver) Execute(ctx context.Context, f state.Tree) state.Tree    { return d.reply(f) }
func (d *recordingDriver) ApplyIndex(ctx context.Context, f state.Tree) state.Tree { return d.reply(f) }
func (d *recordingDriver) Sleep(ctx context.Context, f state.Tree) state.Tree      { return d.reply(f) }

func stubDrivers() (Drivers, *recordingDriver, *recordingDriver) {
	transport := &recordingDriver{kind: "transport"}
	skills := &recordingDriver{kind: "skills"}
	return Drivers{
		Transport: transport,
		Skills:    skills,
		Storage:   &recordingDriver{kind: "storage"},
		Timer:     &recordingDriver{kind: "timer"},
	}, transport, skills
}

func fixedClock(ms int64) Clock {
	return func() int64 { return ms }
}

func TestRegistryCoversAllOrders(t *testing.T) {
	reg := NewRegistry()
	for _, order := range [][]string{OrderTick, OrderPost, OrderChat} {
		for _, name := range order {
			_, ok := reg[name]
			assert.True(t, ok, name)
		}
	}
}

func TestTickStampsClock(t *testing.T) {
	drivers, _, _ := stubDrivers()
	l := New(drivers, fixedClock(12345), nil)
	next, _ := l.Tick(context.Background(), state.Tree{
		"session": state.Tree{"thread_id": "t1"},
	})
	assert.Equal(t, int64(12345), state.GetInt64(next, "clock.now_ms", 0))
}

func TestTickDoesNotMutateInput(t *testing.T) {
	drivers, _, _ := stubDrivers()
	l := New(drivers, fixedClock(1000), nil)
	input := state.Tree{"session": state.Tree{"thread_id": "t1"}}
	before := state.CloneTree(input)
	l.Tick(context.Background(), input)
	if diff := cmp.Diff(before, input); diff != "" {
		t.Fatalf("input state mutated:\n%s", diff)
	}
}

func TestTickDispatchesFramesAndRunsPostPhase(t *testing.T) {
	drivers, transport, _ := stubDrivers()
	l := New(drivers, fixedClock(1700000000000), nil)

	s := state.Tree{
		"session": state.Tree{"thread_id": "t1"},
		"dialog":  state.Tree{"final": state.Tree{"move": "answer", "text": "hello"}},
	}
	next, report := l.Tick(context.Background(), s)

	require.Len(t, transport.frames, 1)
	assert.Equal(t, "t1", transport.frames[0]["thread_id"])

	// Replies were folded back in by the post phase.
	assert.Equal(t, true, state.GetBool(next, "transport.outbound.ok", false))
	assert.Equal(t, 1, state.GetInt(next, "transport.outbound.delivered", 0))
	// Frames are consumed.
	assert.Empty(t, state.GetSlice(next, "driver.protocol.frames"))
	assert.Contains(t, report.Ran, "protocol.replies")
}

func TestTickWithoutFramesSkipsDispatch(t *testing.T) {
	drivers, transport, _ := stubDrivers()
	l := New(drivers, fixedClock(1000), nil)
	next, report := l.Tick(context.Background(), state.Tree{
		"session": state.Tree{"thread_id": "t1"},
	})
	assert.Empty(t, transport.frames)
	assert.NotContains(t, report.Ran, "protocol.replies")
	_, hasReplies := next["driver"]
	assert.False(t, hasReplies)
}

func TestTickDeterministicWithStubDrivers(t *testing.T) {
	seed := state.Tree{
		"session": state.Tree{"thread_id": "t1"},
		"dialog":  state.Tree{"final": state.Tree{"move": "answer", "text": "same"}},
	}
	run := func() state.Tree {
		drivers, _, _ := stubDrivers()
		l := New(drivers, fixedClock(1700000000000), nil)
		next, _ := l.Tick(context.Background(), state.CloneTree(seed))
		return next
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Fatalf("tick not deterministic:\n%s", diff)
	}
}

func TestChatRunsPerceptionThroughDialog(t *testing.T) {
	drivers, transport, _ := stubDrivers()
	l := New(drivers, fixedClock(1700000000000), nil)

	s := state.Tree{
		"session":    state.Tree{"thread_id": "t1"},
		"perception": state.Tree{"input": state.Tree{"text": "hello there"}},
	}
	next, report := l.Chat(context.Background(), s)

	assert.NotEmpty(t, state.GetString(next, "dialog.final.text", ""))
	assert.NotEmpty(t, state.GetMap(next, "perception.packz"))
	assert.NotEmpty(t, report.Ran)
	// The answer went out through the transport driver.
	require.NotEmpty(t, transport.frames)
}

func TestUnknownFrameTypeGetsFailureReply(t *testing.T) {
	drivers, _, _ := stubDrivers()
	l := New(drivers, fixedClock(1000), nil)
	replies := l.dispatch(context.Background(), []any{
		state.Tree{"type": "carrier_pigeon"},
	})
	require.Len(t, replies, 1)
	reply := replies[0].(state.Tree)
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, "no_driver", reply["error"])
}
