package core

import "testing"

func TestEvent_Constructors(t *testing.T) {
	th := NewThinkingEvent("agent_1", "conv-1")
	if th.Type != EventThinking || th.AgentID != "agent_1" || th.ConversationID != "conv-1" {
		t.Fatalf("NewThinkingEvent did not initialize fields correctly: %+v", th)
	}
	if th.ID == "" || th.Timestamp.IsZero() {
		t.Fatalf("NewThinkingEvent missing ID or timestamp: %+v", th)
	}

	tok := NewTokenEvent("agent_1", "conv-1", "hel")
	if tok.Type != EventToken || tok.Text != "hel" {
		t.Fatalf("NewTokenEvent malformed: %+v", tok)
	}

	tc := NewToolCallEvent("agent_1", "conv-1", "read_file", ToolCallRequested)
	if tc.Type != EventToolCall || tc.Tool != "read_file" || tc.Status != ToolCallRequested {
		t.Fatalf("NewToolCallEvent malformed: %+v", tc)
	}

	done := NewDoneEvent("agent_1", "conv-1", "hello", []string{"read_file"})
	if done.Type != EventDone || done.FullText != "hello" || len(done.ToolsUsed) != 1 {
		t.Fatalf("NewDoneEvent malformed: %+v", done)
	}

	errEv := NewErrorEvent("agent_1", "conv-1", "boom")
	if errEv.Type != EventError || errEv.Message != "boom" {
		t.Fatalf("NewErrorEvent malformed: %+v", errEv)
	}

	upd := NewAgentsUpdatedEvent([]Agent{{ID: "agent_1", Name: "a"}})
	if upd.Type != EventAgentsUpdated || len(upd.Agents) != 1 || upd.AgentID != "" {
		t.Fatalf("NewAgentsUpdatedEvent malformed: %+v", upd)
	}
}

func TestEvent_DoneNormalizesNilToolsUsed(t *testing.T) {
	done := NewDoneEvent("agent_1", "conv-1", "hi", nil)
	if done.ToolsUsed == nil {
		t.Fatal("expected non-nil tools used slice")
	}
	if len(done.ToolsUsed) != 0 {
		t.Fatalf("expected empty tools used, got %v", done.ToolsUsed)
	}
}

func TestEvent_Terminal(t *testing.T) {
	cases := []struct {
		event Event
		want  bool
	}{
		{NewThinkingEvent("a", "c"), false},
		{NewTokenEvent("a", "c", "x"), false},
		{NewToolCallEvent("a", "c", "shell_command", ToolCallDone), false},
		{NewDoneEvent("a", "c", "x", nil), true},
		{NewErrorEvent("a", "c", "x"), true},
		{NewAgentsUpdatedEvent(nil), false},
	}
	for _, tc := range cases {
		if got := tc.event.Terminal(); got != tc.want {
			t.Errorf("Terminal() for %s = %v, want %v", tc.event.Type, got, tc.want)
		}
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty id: %q", id)
		}
		seen[id] = true
	}
}
