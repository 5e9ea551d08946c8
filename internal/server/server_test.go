package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"noema/internal/config"
	"noema/internal/drivers"
	"noema/internal/loop"
	"noema/internal/session"
	"noema/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	srv       *Server
	http      *httptest.Server
	sessions  *session.Manager
	transport *drivers.Transport
	storage   *drivers.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := drivers.NewStorage(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	transport := drivers.NewTransport()
	l := loop.New(loop.Drivers{
		Transport: transport,
		Skills:    drivers.NewSkills(store),
		Storage:   store,
		Timer:     drivers.NewTimer(),
	}, func() int64 { return time.Now().UnixMilli() }, nil)

	sessions := session.NewManager()
	srv := New(config.DefaultConfig(), l, sessions, transport, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		http.DefaultTransport.(*http.Transport).CloseIdleConnections()
	})

	return &testEnv{srv: srv, http: ts, sessions: sessions, transport: transport, storage: store}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) getJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthListsSessions(t *testing.T) {
	env := newTestEnv(t)

	out := env.getJSON(t, "/health")
	assert.Equal(t, true, out["ok"])
	assert.Empty(t, out["sessions"])

	env.postJSON(t, "/chat", map[string]any{"thread_id": "t1", "text": "hello there"})
	out = env.getJSON(t, "/health")
	sessions := out["sessions"].(map[string]any)
	require.Contains(t, sessions, "t1")
}

func TestChatReturnsDialogFinal(t *testing.T) {
	env := newTestEnv(t)
	out := env.postJSON(t, "/chat", map[string]any{"thread_id": "t1", "text": "hello there"})
	assert.Equal(t, "t1", out["thread_id"])
	assert.NotEmpty(t, out["move"])
}

func TestChatRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.http.URL+"/chat", "application/json",
		strings.NewReader(`{"thread_id":"t1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSkillsRunsBatch(t *testing.T) {
	env := newTestEnv(t)
	out := env.postJSON(t, "/skills", map[string]any{
		"thread_id": "t1",
		"batch": []any{
			map[string]any{"skill_id": "skill.dev.echo", "params": map[string]any{"msg": "hi"}},
		},
	})

	results := state.Tree(out["results"].(map[string]any))
	assert.Equal(t, true, state.GetBool(results, "best.ok", false))
	assert.Equal(t, "hi", state.GetString(results, "best.data.echo.msg", ""))
}

func TestKnowledgeIngestIndexesDocs(t *testing.T) {
	env := newTestEnv(t)
	out := env.postJSON(t, "/knowledge/ingest", map[string]any{
		"thread_id": "t1",
		"docs":      []any{map[string]any{"id": "d1", "text": "gophers burrow quickly"}},
	})
	assert.Equal(t, 1.0, out["ingested"])

	hits, err := env.storage.SearchFTS(context.Background(), "burrow", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestInitiativeAddQueuesItem(t *testing.T) {
	env := newTestEnv(t)
	out := env.postJSON(t, "/initiative/add", map[string]any{
		"thread_id": "t1",
		"item": map[string]any{
			"type": "say", "when_ms": 1, "once": true,
			"payload": map[string]any{"text": "checking in"},
		},
	})
	assert.NotEmpty(t, out["id"])

	snap := env.sessions.Get("t1").Snapshot()
	assert.Len(t, state.GetSlice(snap, "initiative.queue"), 1)
}

func TestPolicyApplyProducesDelta(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.Get("t7").Update(func(cur state.Tree) state.Tree {
		state.Set(cur, "observability.telemetry.metrics", []any{
			state.Tree{"name": "exec_avg_latency_ms", "value": 1800.0},
			state.Tree{"name": "exec_total_cost", "value": 0.013},
		})
		state.Set(cur, "runtime.config.executor.timeout_ms", 30000.0)
		state.Set(cur, "dialog.final", state.Tree{"move": "answer", "text": "x"})
		return cur
	})

	out := env.postJSON(t, "/policy/apply", map[string]any{"thread_id": "t7"})
	changes := out["changes"].([]any)
	require.NotEmpty(t, changes)

	paths := map[string]bool{}
	for _, cv := range changes {
		paths[cv.(map[string]any)["path"].(string)] = true
	}
	assert.True(t, paths["executor.timeout_ms"])

	// The staged version is activated into the session config.
	snap := env.sessions.Get("t7").Snapshot()
	assert.Less(t, state.GetFloat(snap, "runtime.config.executor.timeout_ms", 0), 30000.0)
}

func TestIntrospectExposesConfig(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.Get("t1") // force the seed
	out := env.getJSON(t, "/introspect/t1")
	cfg := out["config"].(map[string]any)
	assert.Contains(t, cfg, "guardrails")
	concept := out["concept"].(map[string]any)
	assert.Equal(t, "concept-v0", concept["id"])
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestWSPushStreamsOutbox(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http, "/ws/t1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// A transport emit for the thread should arrive on the socket.
	env.transport.Emit(context.Background(), state.Tree{
		"thread_id": "t1",
		"channel":   "default",
		"messages": []any{
			state.Tree{"role": "assistant", "move": "answer", "text": "pushed", "id": "m1"},
		},
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pushed", msg["text"])
	assert.Equal(t, "answer", msg["move"])
}

func chatWS(t *testing.T, conn *websocket.Conn, text string) wsReply {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply wsReply
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func TestWSChatDefinitionAndFactLookup(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http, "/ws/chat/t9"), nil)
	require.NoError(t, err)
	defer conn.Close()

	reply := chatWS(t, conn, "TTL means time to live")
	assert.Equal(t, "ack", reply.Move)
	assert.Equal(t, "noted: TTL", reply.Text)
	assert.Equal(t, "fact_store", reply.Origin)

	reply = chatWS(t, conn, "what is TTL?")
	assert.Equal(t, "answer", reply.Move)
	assert.Equal(t, "TTL = time to live", reply.Text)
	assert.Equal(t, "fact_store", reply.Origin)
}

func TestWSChatPersianDefinition(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http, "/ws/chat/t9"), nil)
	require.NoError(t, err)
	defer conn.Close()

	reply := chatWS(t, conn, "سلام یعنی hello")
	assert.Equal(t, "ack", reply.Move)
	assert.Equal(t, "noted: سلام", reply.Text)

	reply = chatWS(t, conn, "سلام چیست؟")
	assert.Equal(t, "answer", reply.Move)
	assert.Contains(t, reply.Text, "hello")
}

func TestWSChatSlashCommands(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http, "/ws/chat/t9"), nil)
	require.NoError(t, err)
	defer conn.Close()

	reply := chatWS(t, conn, "/diag")
	assert.Equal(t, "diag", reply.Move)
	assert.Contains(t, reply.Text, "slo=")

	chatWS(t, conn, "TTL means time to live")

	reply = chatWS(t, conn, "/facts")
	assert.Contains(t, reply.Text, "TTL = time to live")

	reply = chatWS(t, conn, "/search time")
	assert.Equal(t, "diag", reply.Move)
	assert.NotEqual(t, "no results", reply.Text)

	reply = chatWS(t, conn, "/forget TTL")
	assert.Equal(t, "ack", reply.Move)

	reply = chatWS(t, conn, "/facts")
	assert.Equal(t, "no facts stored", reply.Text)

	reply = chatWS(t, conn, "/reward 1")
	assert.Equal(t, "ack", reply.Move)
	assert.Contains(t, reply.Text, "updates=1")

	reply = chatWS(t, conn, "/reset")
	assert.Equal(t, "ack", reply.Move)
	snap := env.sessions.Get("t9").Snapshot()
	assert.Equal(t, 0, state.GetInt(snap, "policy.learning.updates", -1))

	reply = chatWS(t, conn, "/bogus")
	assert.Contains(t, reply.Text, "unknown command")
}

func TestWSChatOrdinaryMessageRunsPipeline(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http, "/ws/chat/t9"), nil)
	require.NoError(t, err)
	defer conn.Close()

	reply := chatWS(t, conn, "hello there friend")
	assert.NotEmpty(t, reply.Move)
}
