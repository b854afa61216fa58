package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/model"
)

// DefaultRecallLimit is how many memories a search returns when the caller
// does not say otherwise.
const DefaultRecallLimit = 5

// SummaryKey is the working-memory key under which a conversation's rolling
// summary is stored, scoped by the conversation ID as the task.
const SummaryKey = "conversation_summary"

// StoreError wraps a failure inside the memory layer. The turn orchestrator
// treats these as non-fatal during learning: they are logged, never surfaced
// to the user.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

// Options configures the memory store.
type Options struct {
	// Embedder turns fact text into vectors for the semantic layer. Without
	// one, Search degrades to substring matching.
	Embedder model.Embedder

	// Logger receives embedding and persistence diagnostics.
	Logger logging.Logger

	// ShortTermLimit bounds the per-conversation message window.
	ShortTermLimit int

	// EmbedInterval is how often the background worker sweeps for facts
	// whose embedding is still missing.
	EmbedInterval time.Duration

	// EmbedBatchSize caps how many pending facts one sweep processes.
	EmbedBatchSize int

	// EmbedQueueSize bounds the fast-path embedding queue. Overflow is not
	// an error; the sweep picks up whatever the queue dropped.
	EmbedQueueSize int
}

// Store is the layered memory facade: a short-term message window per
// conversation, working key/value state per task, the durable fact log and a
// semantic index over embedded facts.
//
// Facts are durable the moment StoreFact returns; their embeddings are
// written asynchronously. A fact whose embedding fails stays in the
// unembedded set and is retried by the sweep, so the semantic layer is
// eventually consistent with the log.
type Store struct {
	conversations core.ConversationStore
	working       core.WorkingStore
	facts         core.FactStore

	cache    *shortTermCache
	index    *vectorIndex
	embedder model.Embedder
	queue    chan core.Fact
	logger   logging.Logger
	opts     Options
}

var _ core.MemoryStore = (*Store)(nil)

// New creates a memory store over the given persistence backends.
func New(conversations core.ConversationStore, working core.WorkingStore, facts core.FactStore, optFns ...func(o *Options)) *Store {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		ShortTermLimit: 50,
		EmbedInterval:  30 * time.Second,
		EmbedBatchSize: 16,
		EmbedQueueSize: 64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{
		conversations: conversations,
		working:       working,
		facts:         facts,
		cache:         newShortTermCache(opts.ShortTermLimit),
		index:         newVectorIndex(),
		embedder:      opts.Embedder,
		queue:         make(chan core.Fact, opts.EmbedQueueSize),
		logger:        opts.Logger,
		opts:          opts,
	}
}

// Start rebuilds the semantic index from stored embeddings and launches the
// background embedding worker. It returns once the index is loaded; the
// worker runs until ctx is cancelled. Without an embedder Start is a no-op.
func (s *Store) Start(ctx context.Context) error {
	if s.embedder == nil {
		s.logger.Info("memory: no embedder configured, semantic search disabled")
		return nil
	}

	embeddings, err := s.facts.FactEmbeddings()
	if err != nil {
		return &StoreError{Op: "index rebuild", Err: err}
	}
	for _, fe := range embeddings {
		s.index.put(fe.FactID, fe.Vector)
	}
	s.logger.Info("memory: semantic index loaded", "facts", s.index.len())

	go s.embedLoop(ctx)
	return nil
}

// --- short-term layer ---

// Remember appends a message to the conversation's short-term window and
// writes it through to the durable history. Persistence failures are logged;
// the window keeps the message either way.
func (s *Store) Remember(key core.ConversationKey, msg core.Message) {
	s.cache.add(key, msg)
	if err := s.conversations.AppendMessage(key, msg); err != nil {
		s.logger.Warn("memory: message write-through failed",
			"agent_id", key.AgentID, "conversation_id", key.ConversationID, "error", err)
	}
}

// Recent returns up to n of the newest messages in chronological order,
// reading from the cache and falling back to the durable history on a miss.
func (s *Store) Recent(key core.ConversationKey, n int) []core.Message {
	if msgs, ok := s.cache.recent(key, n); ok {
		return msgs
	}

	msgs, err := s.conversations.History(key, s.opts.ShortTermLimit)
	if err != nil {
		s.logger.Warn("memory: history read failed",
			"agent_id", key.AgentID, "conversation_id", key.ConversationID, "error", err)
		return nil
	}
	s.cache.replace(key, msgs)
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

// --- working layer ---

// PutWorking stores per-task scratch state.
func (s *Store) PutWorking(agentID, task, key, value string) error {
	return s.working.PutWorking(agentID, task, key, value)
}

// GetWorking reads per-task scratch state.
func (s *Store) GetWorking(agentID, task, key string) (string, bool, error) {
	return s.working.GetWorking(agentID, task, key)
}

// TaskState returns a copy of one task's scratch state.
func (s *Store) TaskState(agentID, task string) (map[string]string, error) {
	return s.working.TaskState(agentID, task)
}

// ClearTask discards all scratch state for one task.
func (s *Store) ClearTask(agentID, task string) error {
	return s.working.ClearTask(agentID, task)
}

// --- long-term and semantic layers ---

// StoreFact appends a fact to the long-term log and schedules its embedding.
// The fact is durable when StoreFact returns.
func (s *Store) StoreFact(ctx context.Context, source, text string, importance float64) (core.Fact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.Fact{}, &StoreError{Op: "store fact", Err: errors.New("empty fact text")}
	}

	now := time.Now().UTC()
	fact := core.Fact{
		ID:             uuid.NewString(),
		Source:         source,
		Text:           text,
		Importance:     math.Max(0, math.Min(importance, 1)),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.facts.AppendFact(fact); err != nil {
		return core.Fact{}, &StoreError{Op: "store fact", Err: err}
	}

	if s.embedder != nil {
		select {
		case s.queue <- fact:
		default:
			// Queue full; the periodic sweep embeds it instead.
		}
	}
	return fact, nil
}

// SearchFacts queries the fact log by substring and time range.
func (s *Store) SearchFacts(ctx context.Context, q core.FactQuery) ([]core.Fact, error) {
	facts, err := s.facts.SearchFacts(q)
	if err != nil {
		return nil, &StoreError{Op: "search facts", Err: err}
	}
	return facts, nil
}

// Search runs a layered memory search: semantic similarity over embedded
// facts first, then substring matches over the fact log, then the in-process
// conversation windows. Results are deduplicated, ordered by relevance and
// capped at limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]core.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultRecallLimit
	}

	var (
		results []core.SearchResult
		seen    = make(map[string]struct{})
		now     = time.Now().UTC()
	)

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn("memory: query embedding failed, falling back to substring search", "error", err)
		} else {
			for _, hit := range s.index.search(vec, limit) {
				fact, ok, err := s.facts.GetFact(hit.id)
				if err != nil || !ok {
					continue
				}
				seen[fact.ID] = struct{}{}
				results = append(results, core.SearchResult{
					Type:      "semantic",
					ID:        fact.ID,
					Content:   fact.Text,
					Relevance: round3(hit.score),
				})
				if err := s.facts.TouchFact(fact.ID, now); err != nil {
					s.logger.Debug("memory: touch failed", "fact_id", fact.ID, "error", err)
				}
			}
		}
	}

	if len(results) < limit {
		facts, err := s.facts.SearchFacts(core.FactQuery{Substring: query, Limit: limit})
		if err != nil {
			return nil, &StoreError{Op: "search", Err: err}
		}
		for _, fact := range facts {
			if _, dup := seen[fact.ID]; dup {
				continue
			}
			seen[fact.ID] = struct{}{}
			results = append(results, core.SearchResult{
				Type:      "fact",
				ID:        fact.ID,
				Content:   fact.Text,
				Relevance: 0.5,
			})
			if len(results) >= limit {
				break
			}
		}
	}

	if len(results) < limit {
		results = append(results, s.cache.search(query, limit-len(results))...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ForgetAgent discards the agent's conversation windows, durable histories
// and working state. Facts are shared knowledge and are retained.
func (s *Store) ForgetAgent(agentID string) error {
	s.cache.forgetAgent(agentID)
	return errors.Join(
		s.conversations.DeleteConversations(agentID),
		s.working.DeleteWorking(agentID),
	)
}

// --- embedding worker ---

func (s *Store) embedLoop(ctx context.Context) {
	s.embedPending(ctx)

	ticker := time.NewTicker(s.opts.EmbedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fact := <-s.queue:
			s.embedFact(ctx, fact)
		case <-ticker.C:
			s.embedPending(ctx)
		}
	}
}

// embedPending sweeps facts whose embedding is still missing. This is the
// retry path: anything the fast queue dropped or a provider outage left
// behind lands here until it succeeds.
func (s *Store) embedPending(ctx context.Context) {
	pending, err := s.facts.UnembeddedFacts(s.opts.EmbedBatchSize)
	if err != nil {
		s.logger.Warn("memory: pending-embedding sweep failed", "error", err)
		return
	}
	for _, fact := range pending {
		if ctx.Err() != nil {
			return
		}
		s.embedFact(ctx, fact)
	}
}

func (s *Store) embedFact(ctx context.Context, fact core.Fact) {
	if s.index.contains(fact.ID) {
		return
	}

	vec, err := s.embedder.Embed(ctx, fact.Text)
	if err != nil {
		s.logger.Warn("memory: embedding failed, will retry", "fact_id", fact.ID, "error", err)
		return
	}
	if err := s.facts.SetFactEmbedding(fact.ID, vec); err != nil {
		s.logger.Warn("memory: persisting embedding failed, will retry", "fact_id", fact.ID, "error", err)
		return
	}
	s.index.put(fact.ID, vec)
	s.logger.Debug("memory: fact embedded", "fact_id", fact.ID)
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
