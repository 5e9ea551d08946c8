package drivers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"noema/internal/state"
)

// Storage is the sqlite-backed persistence driver. It owns the database; the
// stages only ever hand it op batches through frames.
type Storage struct {
	mu  sync.Mutex
	db  *sql.DB
	log *zap.Logger
}

// NewStorage opens (or creates) the database at path. Use ":memory:" for an
// in-memory store.
func NewStorage(path string, log *zap.Logger) (*Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps writes serialized and pins in-memory databases
	// to one live handle.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	s := &Storage{db: db, log: log}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Storage) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS facts (
		thread_id TEXT NOT NULL,
		k_raw TEXT NOT NULL,
		v_raw TEXT NOT NULL,
		k_norm TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, k_norm)
	);
	CREATE TABLE IF NOT EXISTS applied_frames (
		idempotency_key TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	fts := `CREATE VIRTUAL TABLE IF NOT EXISTS fts USING fts5(doc_id UNINDEXED, text);`
	if _, err := s.db.Exec(fts); err != nil {
		return fmt.Errorf("failed to create fts table: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ApplyIndex applies the frame's puts/incs/links to kv and indexes its queue
// docs into fts, idempotent per the frame's idempotency key.
func (s *Storage) ApplyIndex(ctx context.Context, frame state.Tree) state.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := state.Tree{
		"type":  "storage",
		"ok":    false,
		"apply": state.Tree{"ok": false, "ops": []any{}},
		"index": state.Tree{"ok": false, "queue": []any{}},
	}

	key := state.GetString(frame, "idempotency_key", "")
	if key != "" {
		var seen int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM applied_frames WHERE idempotency_key = ?`, key).Scan(&seen)
		if err == nil && seen > 0 {
			// Duplicate delivery: report success without re-applying.
			reply["ok"] = true
			state.Set(reply, "apply.ok", true)
			state.Set(reply, "index.ok", true)
			return reply
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		reply["error"] = err.Error()
		return reply
	}
	defer tx.Rollback()

	appliedOps, applyErr := s.applyOps(ctx, tx, state.GetSlice(frame, "apply"))
	indexed, indexErr := s.indexDocs(ctx, tx, state.GetSlice(frame, "index"))

	if key != "" && applyErr == nil && indexErr == nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO applied_frames (idempotency_key) VALUES (?)`, key); err != nil {
			applyErr = err
		}
	}
	if applyErr == nil && indexErr == nil {
		if err := tx.Commit(); err != nil {
			applyErr = err
		}
	}

	state.Set(reply, "apply.ok", applyErr == nil)
	state.Set(reply, "apply.ops", appliedOps)
	state.Set(reply, "index.ok", indexErr == nil)
	state.Set(reply, "index.queue", indexed)
	reply["ok"] = applyErr == nil && indexErr == nil
	if applyErr != nil {
		s.log.Warn("apply failed", zap.Error(applyErr))
		state.Set(reply, "apply.error", applyErr.Error())
	}
	if indexErr != nil {
		s.log.Warn("index failed", zap.Error(indexErr))
		state.Set(reply, "index.error", indexErr.Error())
	}
	return reply
}

func (s *Storage) applyOps(ctx context.Context, tx *sql.Tx, ops []any) ([]any, error) {
	applied := []any{}
	for _, ov := range ops {
		op, ok := ov.(map[string]any)
		if !ok {
			continue
		}
		key := state.GetString(op, "key", "")
		if key == "" {
			continue
		}
		switch state.GetString(op, "op", "") {
		case "put", "link":
			encoded, err := json.Marshal(op["value"])
			if err != nil {
				return applied, fmt.Errorf("failed to encode %s: %w", key, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv (k, v) VALUES (?, ?)
				 ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, string(encoded)); err != nil {
				return applied, fmt.Errorf("failed to put %s: %w", key, err)
			}
		case "inc":
			delta := state.GetFloat(op, "delta", 0)
			var current float64
			var raw string
			err := tx.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&raw)
			if err == nil {
				json.Unmarshal([]byte(raw), &current)
			} else if err != sql.ErrNoRows {
				return applied, fmt.Errorf("failed to read counter %s: %w", key, err)
			}
			encoded, _ := json.Marshal(current + delta)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv (k, v) VALUES (?, ?)
				 ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, string(encoded)); err != nil {
				return applied, fmt.Errorf("failed to bump counter %s: %w", key, err)
			}
		default:
			continue
		}
		applied = append(applied, ov)
	}
	return applied, nil
}

func (s *Storage) indexDocs(ctx context.Context, tx *sql.Tx, docs []any) ([]any, error) {
	indexed := []any{}
	for _, dv := range docs {
		doc, ok := dv.(map[string]any)
		if !ok {
			continue
		}
		id := state.GetString(doc, "id", "")
		text := state.GetString(doc, "text", "")
		if id == "" || text == "" {
			continue
		}
		// Delete-then-insert keeps the index consistent under re-delivery.
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts WHERE doc_id = ?`, id); err != nil {
			return indexed, fmt.Errorf("failed to reindex %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fts (doc_id, text) VALUES (?, ?)`, id, text); err != nil {
			return indexed, fmt.Errorf("failed to index %s: %w", id, err)
		}
		indexed = append(indexed, dv)
	}
	return indexed, nil
}

// Get reads a kv entry decoded from JSON. The second return is false when the
// key is absent.
func (s *Storage) Get(ctx context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return value, true, nil
}

// ListPrefix returns key/value pairs whose key starts with prefix, ordered by
// key, capped by limit.
func (s *Storage) ListPrefix(ctx context.Context, prefix string, limit int) ([]state.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT k, v FROM kv WHERE k LIKE ? || '%' ORDER BY k LIMIT ?`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	out := []state.Tree{}
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, err
		}
		var value any
		json.Unmarshal([]byte(raw), &value)
		out = append(out, state.Tree{"key": k, "value": value})
	}
	return out, rows.Err()
}

// SearchFTS runs a bm25-ranked full-text query and returns doc hits with
// snippets.
func (s *Storage) SearchFTS(ctx context.Context, query string, limit int) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(query) == "" {
		return []any{}, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, snippet(fts, 1, '[', ']', '…', 12), bm25(fts)
		 FROM fts WHERE fts MATCH ? ORDER BY bm25(fts) LIMIT ?`,
		ftsQuery(query), limit)
	if err != nil {
		// Treat malformed queries as empty result sets, not failures.
		s.log.Debug("fts query failed", zap.String("query", query), zap.Error(err))
		return []any{}, nil
	}
	defer rows.Close()

	hits := []any{}
	for rows.Next() {
		var docID, snippet string
		var rank float64
		if err := rows.Scan(&docID, &snippet, &rank); err != nil {
			return hits, err
		}
		hits = append(hits, state.Tree{"doc_id": docID, "snippet": snippet, "rank": rank})
	}
	return hits, rows.Err()
}

// ftsQuery quotes each term so user punctuation cannot break MATCH syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " ")
}

// PutFact upserts a fact for the thread, keyed by the normalized form.
func (s *Storage) PutFact(ctx context.Context, threadID, kRaw, vRaw string, createdAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (thread_id, k_raw, v_raw, k_norm, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, k_norm) DO UPDATE SET
		   k_raw = excluded.k_raw, v_raw = excluded.v_raw, created_at = excluded.created_at`,
		threadID, kRaw, vRaw, normalizeFactKey(kRaw), createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}
	return nil
}

// GetFact looks up a fact by key for the thread.
func (s *Storage) GetFact(ctx context.Context, threadID, k string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT v_raw FROM facts WHERE thread_id = ? AND k_norm = ?`,
		threadID, normalizeFactKey(k)).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read fact: %w", err)
	}
	return v, true, nil
}

// ListFacts returns the thread's facts ordered by recency.
func (s *Storage) ListFacts(ctx context.Context, threadID string, limit int) ([]state.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT k_raw, v_raw, created_at FROM facts
		 WHERE thread_id = ? ORDER BY created_at DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	out := []state.Tree{}
	for rows.Next() {
		var k, v string
		var at int64
		if err := rows.Scan(&k, &v, &at); err != nil {
			return nil, err
		}
		out = append(out, state.Tree{"k": k, "v": v, "created_at": at})
	}
	return out, rows.Err()
}

// ForgetFact removes a fact; it reports whether anything was deleted.
func (s *Storage) ForgetFact(ctx context.Context, threadID, k string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM facts WHERE thread_id = ? AND k_norm = ?`, threadID, normalizeFactKey(k))
	if err != nil {
		return false, fmt.Errorf("failed to forget fact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func normalizeFactKey(k string) string {
	return strings.Join(strings.Fields(strings.ToLower(k)), " ")
}
