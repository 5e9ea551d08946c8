// Package protocol builds the I/O-neutral frames handed to drivers,
// normalizes driver replies back into state, and plans bounded retries for
// failed jobs.
package protocol

import (
	"fmt"
	"math"

	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	maxMessageLen = 1200
	maxBackoffMs  = 120000.0

	defaultSkillEndpoint = "skills://default"
)

// retryPolicy bounds retries per driver subsystem.
type retryPolicy struct {
	MaxAttempts int
	BaseMs      float64
	Factor      float64
	JitterMs    int
}

var defaultPolicies = map[string]retryPolicy{
	"skills":    {3, 400, 1.7, 120},
	"transport": {2, 200, 1.5, 80},
	"storage":   {2, 300, 1.6, 100},
	"timer":     {0, 0, 0, 0},
}

// Register installs all protocol stages into reg.
func Register(reg kernel.Registry) {
	reg["protocol.build"] = Build
	reg["protocol.replies"] = Replies
	reg["protocol.retry"] = Retry
}

// Build turns the dispatch jobs into driver frames, dispatched in transport,
// skills, storage, timer order.
func Build(s state.Tree) state.Tree {
	jobs := state.GetSlice(s, "driver.jobs")
	if len(jobs) == 0 {
		return kernel.Skip("no_jobs")
	}

	byType := map[string][]map[string]any{}
	for _, jv := range jobs {
		if job, ok := jv.(map[string]any); ok {
			t := state.GetString(job, "type", "")
			byType[t] = append(byType[t], job)
		}
	}

	endpoints := state.GetMap(s, "runtime.config.endpoints.skills")
	frames := []any{}

	for _, job := range byType["transport.emit"] {
		messages := []any{}
		for _, mv := range state.GetSlice(job, "content.outbound") {
			if msg, ok := mv.(map[string]any); ok {
				messages = append(messages, state.Tree{
					"role": msg["role"],
					"move": msg["move"],
					"text": clip(state.GetString(msg, "text", ""), maxMessageLen),
					"id":   msg["id"],
				})
			}
		}
		frames = append(frames, state.Tree{
			"type":            "transport",
			"thread_id":       state.GetString(s, "session.thread_id", "default"),
			"channel":         state.GetString(job, "content.channel", "default"),
			"messages":        messages,
			"deadline_ms":     job["deadline_ms"],
			"idempotency_key": job["idempotency_key"],
			"job_id":          job["job_id"],
		})
	}

	for _, job := range byType["skills.execute"] {
		calls := []any{}
		for _, rv := range state.GetSlice(job, "content.batch") {
			req, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			skillID := state.GetString(req, "skill_id", "")
			endpoint := defaultSkillEndpoint
			if endpoints != nil {
				if ep, ok := endpoints[skillID].(string); ok && ep != "" {
					endpoint = ep
				}
			}
			calls = append(calls, state.Tree{
				"req_id":          req["req_id"],
				"skill_id":        skillID,
				"endpoint":        endpoint,
				"params":          state.GetMap(req, "params"),
				"timeout_ms":      req["timeout_ms"],
				"idempotency_key": req["idempotency_key"],
			})
		}
		frames = append(frames, state.Tree{
			"type":            "skills",
			"calls":           calls,
			"limits":          state.GetMap(job, "content.limits"),
			"defer":           state.GetSlice(job, "content.defer"),
			"deadline_ms":     job["deadline_ms"],
			"idempotency_key": job["idempotency_key"],
			"job_id":          job["job_id"],
		})
	}

	for _, job := range byType["storage.apply_index"] {
		frames = append(frames, state.Tree{
			"type":            "storage",
			"namespace":       state.GetString(job, "content.apply.namespace", "store/noema/default"),
			"apply":           state.GetSlice(job, "content.apply.ops"),
			"index":           state.GetSlice(job, "content.index.queue"),
			"deadline_ms":     job["deadline_ms"],
			"idempotency_key": job["idempotency_key"],
			"job_id":          job["job_id"],
		})
	}

	for _, job := range byType["timer.sleep"] {
		frames = append(frames, state.Tree{
			"type":            "timer",
			"sleep_ms":        state.GetFloat(job, "content.ms", 0),
			"deadline_ms":     job["deadline_ms"],
			"idempotency_key": job["idempotency_key"],
			"job_id":          job["job_id"],
		})
	}

	if len(frames) == 0 {
		return kernel.Skip("no_frames")
	}
	return kernel.OK(state.Tree{"driver": state.Tree{"protocol": state.Tree{"frames": frames}}})
}

// Replies folds driver replies back into state, last reply per subsystem wins.
func Replies(s state.Tree) state.Tree {
	replies := state.GetSlice(s, "driver.replies")
	if len(replies) == 0 {
		return kernel.Skip("no_replies")
	}

	out := state.Tree{}
	for _, rv := range replies {
		reply, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		switch state.GetString(reply, "type", "") {
		case "transport":
			ids := []any{}
			for _, mv := range state.GetSlice(reply, "messages") {
				if msg, ok := mv.(map[string]any); ok {
					ids = append(ids, msg["id"])
				}
			}
			state.Set(out, "transport.outbound", state.Tree{
				"ok":        state.GetBool(reply, "ok", false),
				"delivered": len(ids),
				"ids":       ids,
				"channel":   state.GetString(reply, "channel", "default"),
			})
		case "skills":
			state.Set(out, "executor.results", normalizeSkillReply(reply))
			// The dispatched batch is consumed; deferred requests stay queued
			// for the next tick.
			state.Set(out, "executor.requests", deferredRequests(s))
		case "storage":
			state.Set(out, "storage.apply_result", state.Tree{
				"ok":  state.GetBool(reply, "apply.ok", state.GetBool(reply, "ok", false)),
				"ops": len(state.GetSlice(reply, "apply.ops")),
			})
			state.Set(out, "storage.index_result", state.Tree{
				"ok":    state.GetBool(reply, "index.ok", state.GetBool(reply, "ok", false)),
				"items": len(state.GetSlice(reply, "index.queue")),
			})
		case "timer":
			state.Set(out, "timers.sleep", state.Tree{
				"ms": state.GetFloat(reply, "sleep_ms", 0),
				"ok": state.GetBool(reply, "ok", false),
			})
		}
	}

	if len(out) == 0 {
		return kernel.Skip("no_replies")
	}
	return kernel.OK(out)
}

// deferredRequests keeps the executor requests the scheduler deferred past the
// inflight cap, so they run on a later tick instead of being dropped.
func deferredRequests(s state.Tree) []any {
	deferred := map[string]bool{}
	for _, dv := range state.GetSlice(s, "driver.plan.skills.defer") {
		if id, ok := dv.(string); ok && id != "" {
			deferred[id] = true
		}
	}
	remaining := []any{}
	if len(deferred) == 0 {
		return remaining
	}
	for _, rv := range state.GetSlice(s, "executor.requests") {
		if req, ok := rv.(map[string]any); ok {
			if id, _ := req["req_id"].(string); deferred[id] {
				remaining = append(remaining, req)
			}
		}
	}
	return remaining
}

func normalizeSkillReply(reply map[string]any) state.Tree {
	items := []any{}
	okCount, errCount := 0, 0
	totalCost, totalLatency := 0.0, 0.0

	for _, cv := range state.GetSlice(reply, "calls") {
		call, ok := cv.(map[string]any)
		if !ok {
			continue
		}
		itemOK := state.GetBool(call, "ok", false)
		if itemOK {
			okCount++
		} else {
			errCount++
		}

		text := state.GetString(call, "text", "")
		kind := state.GetString(call, "kind", "")
		data, hasData := call["data"]
		if kind == "" {
			switch {
			case !itemOK:
				kind = "error"
			case hasData:
				kind = "json"
			default:
				kind = "text"
			}
		}
		if !itemOK && text == "" {
			text = fmt.Sprintf("error: %v", call["error"])
		}

		latency := state.GetFloat(call, "latency_ms", 0)
		totalLatency += latency
		cost := state.GetFloat(call, "usage.cost", 0)
		totalCost += cost

		item := state.Tree{
			"ok":          itemOK,
			"req_id":      call["req_id"],
			"kind":        kind,
			"text":        clip(text, maxMessageLen),
			"usage":       state.GetMap(call, "usage"),
			"duration_ms": latency,
			"score":       state.GetFloat(call, "score", 0),
		}
		if hasData {
			item["data"] = data
		}
		if att := state.GetSlice(call, "attachments"); len(att) > 0 {
			item["attachments"] = att
		}
		items = append(items, item)
	}

	results := state.Tree{
		"items": items,
		"aggregate": state.Tree{
			"count":      len(items),
			"ok":         okCount,
			"errors":     errCount,
			"total_cost": totalCost,
		},
	}
	if len(items) > 0 {
		state.Set(results, "aggregate.avg_latency_ms",
			math.Round(totalLatency/float64(len(items))*100)/100)
		results["best"] = items[0]
	}
	return results
}

// Retry plans new jobs for failed driver calls, bounded by per-subsystem
// policies overlaid from runtime config.
func Retry(s state.Tree) state.Tree {
	jobs := state.GetSlice(s, "driver.jobs")
	if len(jobs) == 0 {
		return kernel.Skip("nothing_to_retry")
	}
	attempts := state.GetMap(s, "driver.history.attempts")

	retryJobs := []any{}
	attemptsNext := state.Tree{}
	for k, v := range attempts {
		attemptsNext[k] = v
	}
	maxBackoff := 0.0

	consider := func(job map[string]any, kind string, content state.Tree) {
		jobID := state.GetString(job, "job_id", "")
		policy := policyFor(s, kind)
		prior := state.GetInt(attempts, jobID, 0)
		if prior >= policy.MaxAttempts {
			return
		}
		backoff := policy.BaseMs * math.Pow(policy.Factor, float64(prior))
		if policy.JitterMs > 0 {
			backoff += float64(state.HashBucket(jobID, policy.JitterMs))
		}
		backoff = math.Min(maxBackoffMs, backoff)
		if backoff > maxBackoff {
			maxBackoff = backoff
		}

		retryJobs = append(retryJobs, state.Tree{
			"job_id":          jobID,
			"idempotency_key": job["idempotency_key"],
			"type":            job["type"],
			"ns":              job["ns"],
			"content":         content,
			"deadline_ms":     job["deadline_ms"],
			"backoff_ms":      backoff,
			"attempt":         prior + 1,
		})
		attemptsNext[jobID] = prior + 1
	}

	for _, jv := range jobs {
		job, ok := jv.(map[string]any)
		if !ok {
			continue
		}
		switch state.GetString(job, "type", "") {
		case "transport.emit":
			if !state.GetBool(s, "transport.outbound.ok", true) {
				consider(job, "transport", state.GetMap(job, "content"))
			}
		case "skills.execute":
			failed := failedReqIDs(s)
			if len(failed) == 0 {
				continue
			}
			batch := []any{}
			for _, rv := range state.GetSlice(job, "content.batch") {
				if req, ok := rv.(map[string]any); ok {
					if id, _ := req["req_id"].(string); failed[id] {
						batch = append(batch, req)
					}
				}
			}
			if len(batch) > 0 {
				consider(job, "skills", state.Tree{
					"batch":  batch,
					"limits": state.GetMap(job, "content.limits"),
				})
			}
		case "storage.apply_index":
			applyOK := state.GetBool(s, "storage.apply_result.ok", true)
			indexOK := state.GetBool(s, "storage.index_result.ok", true)
			if applyOK && indexOK {
				continue
			}
			content := state.Tree{}
			if !applyOK {
				content["apply"] = state.GetMap(job, "content.apply")
			}
			if !indexOK {
				content["index"] = state.GetMap(job, "content.index")
			}
			consider(job, "storage", content)
		}
	}

	if len(retryJobs) == 0 {
		return kernel.Skip("nothing_to_retry")
	}
	return kernel.OK(state.Tree{"driver": state.Tree{"retry": state.Tree{
		"jobs":          retryJobs,
		"backoff_ms":    maxBackoff,
		"attempts_next": attemptsNext,
	}}})
}

func failedReqIDs(s state.Tree) map[string]bool {
	out := map[string]bool{}
	for _, iv := range state.GetSlice(s, "executor.results.items") {
		if item, ok := iv.(map[string]any); ok {
			if !state.GetBool(item, "ok", false) {
				if id, _ := item["req_id"].(string); id != "" {
					out[id] = true
				}
			}
		}
	}
	return out
}

func policyFor(s state.Tree, kind string) retryPolicy {
	policy := defaultPolicies[kind]
	overlay := state.GetMap(s, "runtime.config.retry."+kind)
	if overlay == nil {
		return policy
	}
	if v, ok := state.AsFloat(overlay["max_attempts"]); ok {
		policy.MaxAttempts = int(v)
	}
	if v, ok := state.AsFloat(overlay["base_ms"]); ok {
		policy.BaseMs = v
	}
	if v, ok := state.AsFloat(overlay["factor"]); ok {
		policy.Factor = v
	}
	if v, ok := state.AsFloat(overlay["jitter_ms"]); ok {
		policy.JitterMs = int(v)
	}
	return policy
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}
