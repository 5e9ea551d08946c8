// Package drivers holds the four side-effecting collaborators of a tick: the
// in-memory transport outbox, the local skill runner, the sqlite storage
// driver, and the timer.
package drivers

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"noema/internal/state"
)

const subscriberBuffer = 16

// Transport is an in-memory outbox with per-thread push subscribers.
type Transport struct {
	mu          sync.Mutex
	outbox      map[string][]state.Tree // thread id -> delivered messages
	subscribers map[string]map[string]chan state.Tree
	seen        map[string]bool // idempotency keys already delivered
}

// NewTransport builds an empty outbox.
func NewTransport() *Transport {
	return &Transport{
		outbox:      map[string][]state.Tree{},
		subscribers: map[string]map[string]chan state.Tree{},
		seen:        map[string]bool{},
	}
}

// Emit appends the frame's messages to the thread outbox and publishes them
// to subscribers. Duplicate frames (same idempotency key) are coalesced into
// an ok reply without re-delivering.
func (t *Transport) Emit(ctx context.Context, frame state.Tree) state.Tree {
	threadID := state.GetString(frame, "thread_id", "default")
	channel := state.GetString(frame, "channel", "default")
	messages := state.GetSlice(frame, "messages")

	reply := state.Tree{"type": "transport", "ok": true, "channel": channel, "messages": messages}

	key := state.GetString(frame, "idempotency_key", "")
	t.mu.Lock()
	defer t.mu.Unlock()
	if key != "" && t.seen[key] {
		return reply
	}
	if key != "" {
		t.seen[key] = true
	}

	for _, mv := range messages {
		msg, ok := mv.(map[string]any)
		if !ok {
			continue
		}
		entry := state.Tree{
			"channel": channel,
			"role":    state.GetString(msg, "role", "assistant"),
			"move":    state.GetString(msg, "move", ""),
			"text":    state.GetString(msg, "text", ""),
			"id":      state.GetString(msg, "id", ""),
		}
		t.outbox[threadID] = append(t.outbox[threadID], entry)
		for _, ch := range t.subscribers[threadID] {
			select {
			case ch <- state.CloneTree(entry):
			default:
				// Slow subscriber: drop the oldest entry to make room.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- state.CloneTree(entry):
				default:
				}
			}
		}
	}
	return reply
}

// Outbox returns a snapshot of the thread's delivered messages.
func (t *Transport) Outbox(threadID string) []state.Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]state.Tree, 0, len(t.outbox[threadID]))
	for _, entry := range t.outbox[threadID] {
		out = append(out, state.CloneTree(entry))
	}
	return out
}

// Subscribe attaches a push channel for the thread. The returned id cancels
// the subscription via Unsubscribe.
func (t *Transport) Subscribe(threadID string) (string, <-chan state.Tree) {
	id := uuid.NewString()
	ch := make(chan state.Tree, subscriberBuffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribers[threadID] == nil {
		t.subscribers[threadID] = map[string]chan state.Tree{}
	}
	t.subscribers[threadID][id] = ch
	return id, ch
}

// Unsubscribe removes and closes the subscriber channel.
func (t *Transport) Unsubscribe(threadID, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if subs := t.subscribers[threadID]; subs != nil {
		if ch, ok := subs[id]; ok {
			delete(subs, id)
			close(ch)
		}
	}
}
