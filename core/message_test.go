package core

import "testing"

func TestMessage_Constructors(t *testing.T) {
	u := NewUserMessage("hi")
	if u.Role != RoleUser || u.Content != "hi" || u.Timestamp.IsZero() {
		t.Fatalf("NewUserMessage malformed: %+v", u)
	}

	s := NewSystemMessage("rules")
	if s.Role != RoleSystem || s.Content != "rules" {
		t.Fatalf("NewSystemMessage malformed: %+v", s)
	}

	call := ToolCall{ID: "call-1", Name: "read_file", Arguments: `{"path":"a.txt"}`, Result: "data"}
	a := NewAssistantMessage("done", call)
	if a.Role != RoleAssistant || len(a.ToolCalls) != 1 || a.ToolCalls[0].Name != "read_file" {
		t.Fatalf("NewAssistantMessage malformed: %+v", a)
	}

	tm := NewToolMessage("call-1", "read_file", "data")
	if tm.Role != RoleTool || tm.ToolCallID != "call-1" || tm.ToolName != "read_file" {
		t.Fatalf("NewToolMessage malformed: %+v", tm)
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	orig := NewAssistantMessage("x", ToolCall{ID: "1", Name: "shell_command"})
	cp := orig.Clone()
	cp.ToolCalls[0].Name = "mutated"
	if orig.ToolCalls[0].Name != "shell_command" {
		t.Fatal("Clone shared the tool call slice")
	}
}

func TestToolCall_Failed(t *testing.T) {
	ok := ToolCall{ID: "1", Name: "read_file", Result: "data"}
	if ok.Failed() {
		t.Error("successful call reported failed")
	}
	bad := ToolCall{ID: "2", Name: "read_file", Error: "no such file"}
	if !bad.Failed() {
		t.Error("failed call not reported")
	}
}
