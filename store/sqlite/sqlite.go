// Package sqlite implements the persistence contracts on a local SQLite
// database file. It uses the pure-Go modernc.org/sqlite driver, so binaries
// stay CGO-free. One Store serves agents, conversations, facts, working
// memory and artifacts; WAL mode keeps concurrent readers cheap.
package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/store"
)

// timeLayout is a fixed-width RFC3339 variant so stored timestamps compare
// lexicographically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		template    TEXT NOT NULL,
		provider    TEXT NOT NULL,
		model       TEXT NOT NULL,
		personality TEXT NOT NULL DEFAULT '',
		tools       TEXT NOT NULL DEFAULT '[]',
		status      TEXT NOT NULL DEFAULT 'idle',
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id        TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_calls      TEXT,
		tool_call_id    TEXT NOT NULL DEFAULT '',
		tool_name       TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS facts (
		id               TEXT PRIMARY KEY,
		source           TEXT NOT NULL,
		text             TEXT NOT NULL,
		importance       REAL NOT NULL,
		embedding        BLOB,
		created_at       TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS working_memory (
		agent_id   TEXT NOT NULL,
		task       TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (agent_id, task, key)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		conversation_id TEXT NOT NULL,
		artifact_id     TEXT NOT NULL,
		data            BLOB NOT NULL,
		created_at      TEXT NOT NULL,
		PRIMARY KEY (conversation_id, artifact_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(agent_id, conversation_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_facts_embedding
		ON facts(id) WHERE embedding IS NULL`,
}

// Store is a SQLite-backed implementation of the runtime's persistence
// contracts. It is safe for concurrent use; SQLite serializes writers
// internally and busy_timeout covers lock contention.
type Store struct {
	db *sql.DB
}

// Compile-time contract checks.
var (
	_ core.AgentStore        = (*Store)(nil)
	_ core.ConversationStore = (*Store)(nil)
	_ core.FactStore         = (*Store)(nil)
	_ core.WorkingStore      = (*Store)(nil)
	_ core.ArtifactStore     = (*Store)(nil)
)

// Open creates or opens the database file at path, applying pragmas and the
// schema. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- AgentStore ---

// PutAgent inserts the record or replaces an existing one with the same ID.
func (s *Store) PutAgent(agent core.Agent) error {
	tools, err := json.Marshal(agent.Tools)
	if err != nil {
		return fmt.Errorf("encoding tools: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO agents
		(id, name, template, provider, model, personality, tools, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Template, agent.Provider, agent.Model,
		agent.Personality, string(tools), string(agent.Status), fmtTime(agent.CreatedAt))
	return err
}

const agentColumns = `id, name, template, provider, model, personality, tools, status, created_at`

func scanAgent(row interface{ Scan(...any) error }) (core.Agent, error) {
	var (
		agent     core.Agent
		tools     string
		status    string
		createdAt string
	)
	err := row.Scan(&agent.ID, &agent.Name, &agent.Template, &agent.Provider,
		&agent.Model, &agent.Personality, &tools, &status, &createdAt)
	if err != nil {
		return core.Agent{}, err
	}
	if err := json.Unmarshal([]byte(tools), &agent.Tools); err != nil {
		return core.Agent{}, fmt.Errorf("decoding tools: %w", err)
	}
	agent.Status = core.Status(status)
	agent.CreatedAt = parseTime(createdAt)
	return agent, nil
}

// GetAgent returns the record with the given ID.
func (s *Store) GetAgent(id string) (core.Agent, bool, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, false, nil
	}
	if err != nil {
		return core.Agent{}, false, err
	}
	return agent, true, nil
}

// GetAgentByName returns the record with the given name (exact match).
func (s *Store) GetAgentByName(name string) (core.Agent, bool, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE name = ? ORDER BY created_at LIMIT 1`, name)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, false, nil
	}
	if err != nil {
		return core.Agent{}, false, err
	}
	return agent, true, nil
}

// ListAgents returns all records in creation order.
func (s *Store) ListAgents() ([]core.Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]core.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes the record. Deleting an unknown ID is not an error.
func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}

// --- ConversationStore ---

// AppendMessage adds a message to the end of the conversation.
func (s *Store) AppendMessage(key core.ConversationKey, msg core.Message) error {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		toolCalls = string(encoded)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO messages
		(agent_id, conversation_id, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.AgentID, key.ConversationID, string(msg.Role), msg.Content,
		toolCalls, msg.ToolCallID, msg.ToolName, fmtTime(ts))
	return err
}

// History returns the conversation's messages in insertion order, trimmed to
// the most recent limit entries when limit is positive.
func (s *Store) History(key core.ConversationKey, limit int) ([]core.Message, error) {
	query := `SELECT role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE agent_id = ? AND conversation_id = ? ORDER BY id`
	args := []any{key.AgentID, key.ConversationID}
	if limit > 0 {
		query = `SELECT role, content, tool_calls, tool_call_id, tool_name, created_at FROM (
			SELECT id, role, content, tool_calls, tool_call_id, tool_name, created_at
			FROM messages WHERE agent_id = ? AND conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]core.Message, 0)
	for rows.Next() {
		var (
			msg       core.Message
			role      string
			toolCalls sql.NullString
			createdAt string
		)
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.ToolName, &createdAt); err != nil {
			return nil, err
		}
		msg.Role = core.Role(role)
		msg.Timestamp = parseTime(createdAt)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Conversations lists the conversation IDs recorded for an agent, sorted.
func (s *Store) Conversations(agentID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT conversation_id FROM messages
		WHERE agent_id = ? ORDER BY conversation_id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteConversations removes every conversation belonging to the agent.
func (s *Store) DeleteConversations(agentID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE agent_id = ?`, agentID)
	return err
}

// --- FactStore ---

// AppendFact adds a fact to the log.
func (s *Store) AppendFact(fact core.Fact) error {
	_, err := s.db.Exec(`INSERT INTO facts
		(id, source, text, importance, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.Source, fact.Text, fact.Importance,
		fmtTime(fact.CreatedAt), fmtTime(fact.LastAccessedAt))
	return err
}

// SearchFacts returns facts matching the query, newest first. Substring
// matching is case-insensitive.
func (s *Store) SearchFacts(q core.FactQuery) ([]core.Fact, error) {
	var (
		conds []string
		args  []any
	)
	if q.Substring != "" {
		conds = append(conds, `text LIKE '%' || ? || '%'`)
		args = append(args, q.Substring)
	}
	if !q.From.IsZero() {
		conds = append(conds, `created_at >= ?`)
		args = append(args, fmtTime(q.From))
	}
	if !q.To.IsZero() {
		conds = append(conds, `created_at <= ?`)
		args = append(args, fmtTime(q.To))
	}

	query := `SELECT id, source, text, importance, created_at, last_accessed_at FROM facts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY rowid DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	facts := make([]core.Fact, 0)
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func scanFact(row interface{ Scan(...any) error }) (core.Fact, error) {
	var (
		fact       core.Fact
		createdAt  string
		accessedAt string
	)
	err := row.Scan(&fact.ID, &fact.Source, &fact.Text, &fact.Importance, &createdAt, &accessedAt)
	if err != nil {
		return core.Fact{}, err
	}
	fact.CreatedAt = parseTime(createdAt)
	fact.LastAccessedAt = parseTime(accessedAt)
	return fact, nil
}

// GetFact returns the fact with the given ID.
func (s *Store) GetFact(id string) (core.Fact, bool, error) {
	row := s.db.QueryRow(`SELECT id, source, text, importance, created_at, last_accessed_at
		FROM facts WHERE id = ?`, id)
	fact, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Fact{}, false, nil
	}
	if err != nil {
		return core.Fact{}, false, err
	}
	return fact, true, nil
}

// SetFactEmbedding records the embedding vector for a fact.
func (s *Store) SetFactEmbedding(factID string, vector []float32) error {
	_, err := s.db.Exec(`UPDATE facts SET embedding = ? WHERE id = ?`, encodeVector(vector), factID)
	return err
}

// UnembeddedFacts returns up to limit facts without an embedding, oldest
// first.
func (s *Store) UnembeddedFacts(limit int) ([]core.Fact, error) {
	query := `SELECT id, source, text, importance, created_at, last_accessed_at
		FROM facts WHERE embedding IS NULL ORDER BY rowid`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	facts := make([]core.Fact, 0)
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// FactEmbeddings returns every stored embedding.
func (s *Store) FactEmbeddings() ([]core.FactEmbedding, error) {
	rows, err := s.db.Query(`SELECT id, embedding FROM facts WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]core.FactEmbedding, 0)
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out = append(out, core.FactEmbedding{FactID: id, Vector: decodeVector(blob)})
	}
	return out, rows.Err()
}

// TouchFact updates a fact's last-accessed time. Unknown IDs are ignored.
func (s *Store) TouchFact(factID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE facts SET last_accessed_at = ? WHERE id = ?`, fmtTime(at), factID)
	return err
}

// Embedding vectors are stored as little-endian float32 blobs.

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// --- WorkingStore ---

// PutWorking stores a key/value pair under the agent's task scope.
func (s *Store) PutWorking(agentID, task, key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO working_memory
		(agent_id, task, key, value, updated_at) VALUES (?, ?, ?, ?, ?)`,
		agentID, task, key, value, fmtTime(time.Now()))
	return err
}

// GetWorking returns the value for key in the task scope.
func (s *Store) GetWorking(agentID, task, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM working_memory
		WHERE agent_id = ? AND task = ? AND key = ?`, agentID, task, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// TaskState returns a copy of every key/value pair in the task scope.
func (s *Store) TaskState(agentID, task string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM working_memory
		WHERE agent_id = ? AND task = ?`, agentID, task)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		state[k] = v
	}
	return state, rows.Err()
}

// ClearTask removes all state for one task.
func (s *Store) ClearTask(agentID, task string) error {
	_, err := s.db.Exec(`DELETE FROM working_memory WHERE agent_id = ? AND task = ?`, agentID, task)
	return err
}

// DeleteWorking removes all working state owned by the agent.
func (s *Store) DeleteWorking(agentID string) error {
	_, err := s.db.Exec(`DELETE FROM working_memory WHERE agent_id = ?`, agentID)
	return err
}

// --- ArtifactStore ---

// Save stores (or overwrites) the artifact bytes.
func (s *Store) Save(conversationID, artifactID string, data []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO artifacts
		(conversation_id, artifact_id, data, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, artifactID, data, fmtTime(time.Now()))
	return err
}

// Get returns the stored artifact bytes or store.ErrArtifactNotFound.
func (s *Store) Get(conversationID, artifactID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM artifacts
		WHERE conversation_id = ? AND artifact_id = ?`, conversationID, artifactID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List returns the artifact IDs stored for the conversation, sorted.
func (s *Store) List(conversationID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT artifact_id FROM artifacts
		WHERE conversation_id = ? ORDER BY artifact_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the artifact if present or returns store.ErrArtifactNotFound.
func (s *Store) Delete(conversationID, artifactID string) error {
	res, err := s.db.Exec(`DELETE FROM artifacts
		WHERE conversation_id = ? AND artifact_id = ?`, conversationID, artifactID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrArtifactNotFound
	}
	return nil
}
