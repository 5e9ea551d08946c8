package drivers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"noema/internal/state"
)

const (
	defaultSkillTimeout  = 30 * time.Second
	defaultSkillInflight = 4
)

// SkillFunc is one callable skill.
type SkillFunc func(ctx context.Context, params state.Tree) (any, error)

// Skills runs skill batches locally with bounded concurrency.
type Skills struct {
	mu       sync.RWMutex
	registry map[string]SkillFunc
}

// NewSkills builds a runner with the built-in dev skills registered. The
// search skill is wired to the storage driver when one is given.
func NewSkills(store *Storage) *Skills {
	s := &Skills{registry: map[string]SkillFunc{}}
	s.Register("skill.dev.echo", func(ctx context.Context, params state.Tree) (any, error) {
		return state.Tree{"echo": params}, nil
	})
	if store != nil {
		s.Register("skill.dev.search", func(ctx context.Context, params state.Tree) (any, error) {
			query := state.GetString(params, "q", state.GetString(params, "query", ""))
			limit := state.GetInt(params, "limit", 5)
			hits, err := store.SearchFTS(ctx, query, limit)
			if err != nil {
				return nil, err
			}
			return state.Tree{"query": query, "hits": hits}, nil
		})
	}
	return s
}

// Register adds or replaces a skill.
func (s *Skills) Register(id string, fn SkillFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[id] = fn
}

// Execute runs the frame's calls concurrently, bounded by limits.max_inflight,
// each under its own timeout. The reply is ok only when every call succeeded.
func (s *Skills) Execute(ctx context.Context, frame state.Tree) state.Tree {
	calls := state.GetSlice(frame, "calls")
	maxInflight := int64(state.GetInt(frame, "limits.max_inflight", defaultSkillInflight))
	if maxInflight < 1 {
		maxInflight = 1
	}

	results := make([]state.Tree, len(calls))
	sem := semaphore.NewWeighted(maxInflight)
	g, gctx := errgroup.WithContext(ctx)

	for i, cv := range calls {
		call, ok := cv.(map[string]any)
		if !ok {
			results[i] = errorItem("", "malformed call", 0)
			continue
		}
		i, call := i, call
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = errorItem(state.GetString(call, "req_id", ""), err.Error(), 0)
				return nil
			}
			defer sem.Release(1)
			results[i] = s.runOne(gctx, call)
			return nil
		})
	}
	_ = g.Wait()

	allOK := true
	items := make([]any, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		if !state.GetBool(r, "ok", false) {
			allOK = false
		}
		items = append(items, r)
	}

	return state.Tree{"type": "skills", "ok": allOK, "calls": items}
}

func (s *Skills) runOne(ctx context.Context, call map[string]any) state.Tree {
	reqID := state.GetString(call, "req_id", "")
	skillID := state.GetString(call, "skill_id", "")

	s.mu.RLock()
	fn, found := s.registry[skillID]
	s.mu.RUnlock()
	if !found {
		return errorItem(reqID, "unknown skill: "+skillID, 0)
	}

	timeout := defaultSkillTimeout
	if ms := state.GetFloat(call, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	data, err := fn(callCtx, state.GetMap(call, "params"))
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return errorItem(reqID, err.Error(), latency)
	}

	kind := "text"
	text := ""
	if sv, isString := data.(string); isString {
		text = sv
	} else {
		kind = "json"
	}
	return state.Tree{
		"ok":          true,
		"req_id":      reqID,
		"kind":        kind,
		"text":        text,
		"data":        data,
		"usage":       state.Tree{"cost": 0.0, "input_tokens": 0, "output_tokens": 0},
		"latency_ms":  latency,
		"score":       0.0,
		"attachments": []any{},
	}
}

func errorItem(reqID, msg string, latency float64) state.Tree {
	return state.Tree{
		"ok":          false,
		"req_id":      reqID,
		"kind":        "error",
		"text":        "error: " + msg,
		"usage":       state.Tree{"cost": 0.0},
		"latency_ms":  latency,
		"score":       0.0,
		"attachments": []any{},
	}
}
