package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/model"
)

const summaryPrompt = "Summarize this conversation in 3-5 bullet points. " +
	"Focus on: key topics discussed, decisions made, user preferences expressed, " +
	"and any pending items. Write in the same language as the conversation."

// SummarizerOptions configures the rolling summarizer.
type SummarizerOptions struct {
	// Interval is how many turns pass between summary refreshes.
	Interval int

	// MinMessages is the window size below which summarizing is skipped.
	MinMessages int

	// KeepRecent is how many trailing messages are left out of the summary;
	// they stay in the prompt verbatim, so summarizing them would duplicate.
	KeepRecent int

	// MaxInput caps the characters handed to the model.
	MaxInput int

	// Logger receives summarization diagnostics.
	Logger logging.Logger
}

// Summarizer periodically condenses the older part of a conversation into a
// rolling summary kept in working memory under SummaryKey. The turn
// orchestrator prepends that summary during recall, which keeps long
// conversations inside the context budget without losing their early
// decisions.
type Summarizer struct {
	model model.Model
	store core.MemoryStore
	opts  SummarizerOptions

	mu    sync.Mutex
	turns map[core.ConversationKey]int
}

// NewSummarizer creates a summarizer over the given model and memory store.
func NewSummarizer(m model.Model, store core.MemoryStore, optFns ...func(o *SummarizerOptions)) *Summarizer {
	opts := SummarizerOptions{
		Interval:    15,
		MinMessages: 20,
		KeepRecent:  10,
		MaxInput:    4000,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Summarizer{
		model: m,
		store: store,
		opts:  opts,
		turns: make(map[core.ConversationKey]int),
	}
}

// ObserveTurn counts a completed turn and refreshes the conversation's
// summary when one is due. It is safe to call from the orchestrator's
// asynchronous learning phase; failures are logged and swallowed.
func (s *Summarizer) ObserveTurn(ctx context.Context, key core.ConversationKey) {
	s.mu.Lock()
	s.turns[key]++
	due := s.turns[key]%s.opts.Interval == 0
	s.mu.Unlock()

	if !due {
		return
	}
	if err := s.summarize(ctx, key); err != nil {
		s.opts.Logger.Warn("summarizer: refresh failed",
			"agent_id", key.AgentID, "conversation_id", key.ConversationID, "error", err)
	}
}

func (s *Summarizer) summarize(ctx context.Context, key core.ConversationKey) error {
	window := s.store.Recent(key, 0)
	if len(window) < s.opts.MinMessages || len(window) <= s.opts.KeepRecent {
		return nil
	}

	older := window[:len(window)-s.opts.KeepRecent]
	var sb strings.Builder
	for _, msg := range older {
		if msg.Role != core.RoleUser && msg.Role != core.RoleAssistant {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	text := sb.String()
	if len(text) > s.opts.MaxInput {
		text = text[:s.opts.MaxInput]
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	respCh, errCh := s.model.Generate(ctx, model.Request{
		Instructions: summaryPrompt,
		Messages:     []core.Message{core.NewUserMessage(text)},
	})

	var summary string
	for resp := range respCh {
		if !resp.Partial {
			summary = resp.Text
		}
	}
	if err := <-errCh; err != nil {
		return err
	}
	if strings.TrimSpace(summary) == "" {
		return nil
	}

	if err := s.store.PutWorking(key.AgentID, key.ConversationID, SummaryKey, summary); err != nil {
		return err
	}
	s.opts.Logger.Debug("summarizer: summary refreshed",
		"agent_id", key.AgentID, "conversation_id", key.ConversationID, "messages", len(older))
	return nil
}
