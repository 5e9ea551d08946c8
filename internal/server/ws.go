package server

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"noema/internal/kernel"
	"noema/internal/session"
	"noema/internal/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWSPush streams the thread's outbox: every message the transport driver
// delivers for the thread is pushed to the socket as JSON.
func (s *Server) handleWSPush(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	threadID := c.Param("thread")
	subID, ch := s.transport.Subscribe(threadID)
	defer s.transport.Unsubscribe(threadID, subID)

	// Reader only watches for the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, msg := range s.transport.Outbox(threadID) {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type wsReply struct {
	Move    string `json:"move"`
	Text    string `json:"text"`
	Blocked bool   `json:"blocked,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// handleWSChat is the interactive channel: plain messages run the chat
// pipeline, "X is Y" style definitions become stored facts, questions are
// answered from the fact store when possible, and slash commands expose
// diagnostics.
func (s *Server) handleWSChat(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	threadID := c.Param("thread")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply := s.handleChatMessage(c.Request.Context(), threadID, strings.TrimSpace(string(raw)))
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

var (
	// "X یعنی Y" and "X is/means/= Y". Keys stay short so ordinary prose does
	// not turn into facts.
	definitionFa = regexp.MustCompile(`^(.+?)\s+یعنی\s+(.+)$`)
	definitionEn = regexp.MustCompile(`^(.+?)\s+(?:is|means|=)\s+(.+)$`)

	questionLead = regexp.MustCompile(`^(?i)(what\s+is|what's|who\s+is|معنی)\s*`)
	questionTail = regexp.MustCompile(`(?i)\s+(چیست|یعنی چه|means what)$`)
)

const definitionKeyMaxWords = 6

func (s *Server) handleChatMessage(ctx context.Context, threadID, text string) wsReply {
	if text == "" {
		return wsReply{Move: "ack", Text: "…"}
	}
	if strings.HasPrefix(text, "/") {
		return s.handleSlashCommand(ctx, threadID, text)
	}

	if key, val, ok := matchDefinition(text); ok {
		return s.storeDefinition(ctx, threadID, key, val)
	}

	if isQuestion(text) {
		if reply, ok := s.answerFromFacts(ctx, threadID, text); ok {
			return reply
		}
	}

	final := s.runChat(ctx, threadID, text)
	return wsReply{
		Move:    state.GetString(final, "move", "noop"),
		Text:    state.GetString(final, "text", ""),
		Blocked: state.GetBool(final, "blocked", false),
		Reason:  state.GetString(final, "reason", ""),
	}
}

func matchDefinition(text string) (key, val string, ok bool) {
	if strings.ContainsAny(text, "?؟") {
		return "", "", false
	}
	for _, re := range []*regexp.Regexp{definitionFa, definitionEn} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		k, v := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if k == "" || v == "" || len(strings.Fields(k)) > definitionKeyMaxWords {
			continue
		}
		return k, v, true
	}
	return "", "", false
}

func (s *Server) storeDefinition(ctx context.Context, threadID, key, val string) wsReply {
	now := time.Now().UnixMilli()
	if err := s.storage.PutFact(ctx, threadID, key, val, now); err != nil {
		s.log.Warn("fact upsert failed", zap.String("thread", threadID), zap.Error(err))
		return wsReply{Move: "ack", Text: "could not store that", Reason: "storage_error"}
	}

	// Index the definition so /search and skill.dev.search can find it.
	sess := s.sessions.Get(threadID)
	sess.Update(func(cur state.Tree) state.Tree {
		queue := append([]any{}, state.GetSlice(cur, "index.queue")...)
		queue = append(queue, state.Tree{
			"type": "doc",
			"id":   "fact:" + state.HashString(strings.ToLower(key)),
			"ns":   "store/noema/" + threadID,
			"text": key + " — " + val,
		})
		state.Set(cur, "index.queue", queue)
		next, report := s.loop.Tick(ctx, cur)
		s.logReport(threadID, report)
		return next
	})

	return wsReply{Move: "ack", Text: "noted: " + key, Origin: "fact_store"}
}

func isQuestion(text string) bool {
	return strings.ContainsAny(text, "?؟") || questionLead.MatchString(text)
}

// answerFromFacts strips the interrogative lead and punctuation and looks the
// remainder up in the fact store.
func (s *Server) answerFromFacts(ctx context.Context, threadID, text string) (wsReply, bool) {
	key := strings.Trim(questionLead.ReplaceAllString(text, ""), " ?؟.!")
	key = strings.TrimSpace(questionTail.ReplaceAllString(key, ""))
	if key == "" {
		return wsReply{}, false
	}
	val, found, err := s.storage.GetFact(ctx, threadID, key)
	if err != nil || !found {
		return wsReply{}, false
	}
	return wsReply{Move: "answer", Text: key + " = " + val, Origin: "fact_store"}, true
}

func (s *Server) handleSlashCommand(ctx context.Context, threadID, text string) wsReply {
	fields := strings.Fields(text)
	cmd, arg := fields[0], strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch cmd {
	case "/diag":
		snap := s.sessions.Get(threadID).Snapshot()
		return wsReply{Move: "diag", Text: fmt.Sprintf(
			"slo=%.4f u=%.4f policy=%s concept=%s",
			state.GetFloat(snap, "observability.slo.score", 0),
			state.GetFloat(snap, "world_model.uncertainty.score", 0),
			state.GetString(snap, "policy.version", "?"),
			state.GetString(snap, "concept_graph.version.id", "?"),
		)}

	case "/reset":
		s.sessions.Get(threadID).Update(func(state.Tree) state.Tree {
			return session.SeedState(threadID)
		})
		return wsReply{Move: "ack", Text: "session reset"}

	case "/facts":
		facts, err := s.storage.ListFacts(ctx, threadID, 50)
		if err != nil {
			return wsReply{Move: "diag", Text: "facts unavailable", Reason: "storage_error"}
		}
		if len(facts) == 0 {
			return wsReply{Move: "diag", Text: "no facts stored"}
		}
		lines := make([]string, 0, len(facts))
		for _, f := range facts {
			lines = append(lines, state.GetString(f, "k", "?")+" = "+state.GetString(f, "v", "?"))
		}
		return wsReply{Move: "diag", Text: strings.Join(lines, "\n")}

	case "/forget":
		if arg == "" {
			return wsReply{Move: "diag", Text: "usage: /forget <key>"}
		}
		removed, err := s.storage.ForgetFact(ctx, threadID, arg)
		if err != nil || !removed {
			return wsReply{Move: "diag", Text: "nothing forgotten"}
		}
		return wsReply{Move: "ack", Text: "forgot: " + arg}

	case "/search":
		if arg == "" {
			return wsReply{Move: "diag", Text: "usage: /search <query>"}
		}
		hits, err := s.storage.SearchFTS(ctx, arg, 5)
		if err != nil || len(hits) == 0 {
			return wsReply{Move: "diag", Text: "no results"}
		}
		lines := make([]string, 0, len(hits))
		for _, hv := range hits {
			if h, ok := hv.(map[string]any); ok {
				lines = append(lines, state.GetString(h, "snippet", state.GetString(h, "doc_id", "?")))
			}
		}
		return wsReply{Move: "diag", Text: strings.Join(lines, "\n")}

	case "/reward":
		reward, err := strconv.ParseFloat(arg, 64)
		if err != nil || reward < 0 || reward > 1 {
			return wsReply{Move: "diag", Text: "usage: /reward <0..1>"}
		}
		return s.applyReward(threadID, reward)

	default:
		return wsReply{Move: "diag", Text: "unknown command: " + cmd}
	}
}

// applyReward records a reward against the last predicted move and folds it
// into the learning weights.
func (s *Server) applyReward(threadID string, reward float64) wsReply {
	var updates int
	s.sessions.Get(threadID).Update(func(cur state.Tree) state.Tree {
		target := state.GetString(cur, "world_model.expected_reply.top", "direct_answer")
		history := append([]any{}, state.GetSlice(cur, "world_model.trace.error_history")...)
		history = append(history, state.Tree{
			"reward": reward, "target": target, "top_pred": target,
		})
		state.Set(cur, "world_model.trace.error_history", history)
		state.Set(cur, "clock.now_ms", time.Now().UnixMilli())

		next, report := kernel.Step(cur, s.loop.Registry(), []string{"adapt.delta"})
		s.logReport(threadID, report)
		// The trace entry is consumed once folded.
		state.Set(next, "world_model.trace.error_history", []any{})
		updates = state.GetInt(next, "policy.learning.updates", 0)
		return next
	})
	return wsReply{Move: "ack", Text: fmt.Sprintf("reward recorded (updates=%d)", updates)}
}
