// Package server exposes the loop over HTTP and WebSocket: a JSON facade for
// chat, skills, policy, knowledge, and initiative, plus push channels for the
// per-thread outbox.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"noema/internal/config"
	"noema/internal/drivers"
	"noema/internal/kernel"
	"noema/internal/logging"
	"noema/internal/loop"
	"noema/internal/session"
	"noema/internal/state"
)

// Server wires the session manager, the loop, and the drivers behind a gin
// router.
type Server struct {
	id        string
	cfg       *config.Config
	loop      *loop.Loop
	sessions  *session.Manager
	transport *drivers.Transport
	storage   *drivers.Storage
	log       *zap.Logger
	engine    *gin.Engine
}

// New assembles a server. The loop must be built over the same transport and
// storage drivers handed here.
func New(cfg *config.Config, l *loop.Loop, sessions *session.Manager,
	transport *drivers.Transport, storage *drivers.Storage) *Server {

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		id:        uuid.NewString(),
		cfg:       cfg,
		loop:      l,
		sessions:  sessions,
		transport: transport,
		storage:   storage,
		log:       logging.Get(logging.CategoryServer),
		engine:    gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/introspect/:thread", s.handleIntrospect)
	s.engine.GET("/outbox/:thread", s.handleOutbox)
	s.engine.POST("/chat", s.handleChat)
	s.engine.POST("/skills", s.handleSkills)
	s.engine.POST("/policy/apply", s.handlePolicyApply)
	s.engine.POST("/knowledge/ingest", s.handleKnowledgeIngest)
	s.engine.POST("/initiative/add", s.handleInitiativeAdd)
	s.engine.GET("/ws/:thread", s.handleWSPush)
	s.engine.GET("/ws/chat/:thread", s.handleWSChat)
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, capping concurrent connections at the
// configured maximum.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	if s.cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.Addr))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	threads := s.sessions.ThreadIDs()
	summary := gin.H{}
	for _, tid := range threads {
		snap := s.sessions.Get(tid).Snapshot()
		summary[tid] = gin.H{
			"slo_score":   state.GetFloat(snap, "observability.slo.score", 0),
			"uncertainty": state.GetFloat(snap, "world_model.uncertainty.score", 0),
			"turns":       state.GetInt(snap, "session.turns", 0),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"server":   s.id,
		"version":  s.cfg.Version,
		"sessions": summary,
	})
}

func (s *Server) handleIntrospect(c *gin.Context) {
	snap := s.sessions.Get(c.Param("thread")).Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"thread_id":  c.Param("thread"),
		"adaptation": state.GetMap(snap, "adaptation"),
		"policy":     state.GetMap(snap, "policy.learning"),
		"concept":    state.GetMap(snap, "concept_graph.version"),
		"slo":        state.GetMap(snap, "observability.slo"),
		"telemetry":  state.GetMap(snap, "observability.telemetry"),
		"config":     state.GetMap(snap, "runtime.config"),
	})
}

func (s *Server) handleOutbox(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"thread_id": c.Param("thread"),
		"messages":  s.transport.Outbox(c.Param("thread")),
	})
}

type chatRequest struct {
	ThreadID string `json:"thread_id" binding:"required"`
	Text     string `json:"text" binding:"required"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	final := s.runChat(c.Request.Context(), req.ThreadID, req.Text)
	c.JSON(http.StatusOK, gin.H{
		"thread_id": req.ThreadID,
		"move":      state.GetString(final, "move", ""),
		"text":      state.GetString(final, "text", ""),
		"blocked":   state.GetBool(final, "blocked", false),
		"reason":    state.GetString(final, "reason", ""),
	})
}

// runChat runs the inbound pipeline plus a follow-up tick over the thread's
// session and returns the resulting dialog final.
func (s *Server) runChat(ctx context.Context, threadID, text string) state.Tree {
	sess := s.sessions.Get(threadID)
	var final state.Tree
	sess.Update(func(cur state.Tree) state.Tree {
		state.Set(cur, "perception.input", state.Tree{"text": text})
		next, report := s.loop.Chat(ctx, cur)
		s.logReport(threadID, report)
		final = state.CloneTree(state.GetMap(next, "dialog.final"))

		// Two follow-up ticks drain dispatched work: the first runs any skill
		// batch the turn scheduled, the second persists and retries. The
		// turn's transient surfaces are cleared first.
		state.Set(next, "perception.input", state.Tree{})
		state.Set(next, "dialog.final", state.Tree{})
		for range 2 {
			next, report = s.loop.Tick(ctx, next)
			s.logReport(threadID, report)
		}
		return next
	})
	if final == nil {
		final = state.Tree{}
	}
	return final
}

type skillsRequest struct {
	ThreadID string       `json:"thread_id" binding:"required"`
	Batch    []state.Tree `json:"batch" binding:"required"`
}

func (s *Server) handleSkills(c *gin.Context) {
	var req skillsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := s.sessions.Get(req.ThreadID)
	var results state.Tree
	sess.Update(func(cur state.Tree) state.Tree {
		reqs := []any{}
		for _, item := range req.Batch {
			call := state.CloneTree(item)
			if state.GetString(call, "req_id", "") == "" {
				call["req_id"] = state.Hash(state.Tree{
					"skill_id": call["skill_id"], "params": call["params"],
				})
			}
			if _, ok := call["timeout_ms"]; !ok {
				call["timeout_ms"] = state.GetFloat(cur, "runtime.config.executor.timeout_ms", 15000)
			}
			reqs = append(reqs, call)
		}
		state.Set(cur, "executor.requests", reqs)
		next, report := s.loop.Tick(c.Request.Context(), cur)
		s.logReport(req.ThreadID, report)
		results = state.CloneTree(state.GetMap(next, "executor.results"))
		return next
	})

	c.JSON(http.StatusOK, gin.H{"thread_id": req.ThreadID, "results": results})
}

var policyOrder = []string{
	"observe.slo", "adapt.delta", "adapt.applyplan", "adapt.stage", "runtime.activate",
}

type policyRequest struct {
	ThreadID string `json:"thread_id" binding:"required"`
}

func (s *Server) handlePolicyApply(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := s.sessions.Get(req.ThreadID)
	var out gin.H
	sess.Update(func(cur state.Tree) state.Tree {
		state.Set(cur, "clock.now_ms", time.Now().UnixMilli())
		next, report := kernel.Step(cur, s.loop.Registry(), policyOrder)
		s.logReport(req.ThreadID, report)
		out = gin.H{
			"changes":   state.GetSlice(next, "adaptation.delta.changes"),
			"staged":    state.GetMap(next, "adaptation.staged.version"),
			"activated": state.GetMap(next, "runtime.config_version"),
			"diff":      state.GetMap(next, "runtime.activation.diff"),
		}
		return next
	})

	c.JSON(http.StatusOK, out)
}

type ingestRequest struct {
	ThreadID string `json:"thread_id" binding:"required"`
	Docs     []struct {
		ID   string `json:"id"`
		Text string `json:"text" binding:"required"`
	} `json:"docs" binding:"required"`
}

func (s *Server) handleKnowledgeIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := s.sessions.Get(req.ThreadID)
	ingested := 0
	sess.Update(func(cur state.Tree) state.Tree {
		queue := append([]any{}, state.GetSlice(cur, "index.queue")...)
		ns := "store/noema/" + req.ThreadID
		for _, doc := range req.Docs {
			id := doc.ID
			if id == "" {
				id = state.HashString(doc.Text)
			}
			queue = append(queue, state.Tree{
				"type": "doc", "id": id, "ns": ns, "text": doc.Text,
			})
			ingested++
		}
		state.Set(cur, "index.queue", queue)
		next, report := s.loop.Tick(c.Request.Context(), cur)
		s.logReport(req.ThreadID, report)
		return next
	})

	c.JSON(http.StatusOK, gin.H{"thread_id": req.ThreadID, "ingested": ingested})
}

type initiativeRequest struct {
	ThreadID string     `json:"thread_id" binding:"required"`
	Item     state.Tree `json:"item" binding:"required"`
}

func (s *Server) handleInitiativeAdd(c *gin.Context) {
	var req initiativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item := state.CloneTree(req.Item)
	if state.GetString(item, "id", "") == "" {
		item["id"] = uuid.NewString()
	}

	sess := s.sessions.Get(req.ThreadID)
	sess.Update(func(cur state.Tree) state.Tree {
		queue := append([]any{}, state.GetSlice(cur, "initiative.queue")...)
		state.Set(cur, "initiative.queue", append(queue, item))
		return cur
	})

	c.JSON(http.StatusOK, gin.H{"thread_id": req.ThreadID, "id": item["id"]})
}

func (s *Server) logReport(threadID string, report kernel.Report) {
	for _, e := range report.Errors {
		s.log.Warn("stage error",
			zap.String("thread", threadID),
			zap.String("stage", e.Step),
			zap.String("error", e.Error))
	}
}
