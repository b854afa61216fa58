package core

import "testing"

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusIdle, StatusRunning, StatusStopped} {
		if !s.Valid() {
			t.Errorf("status %q should be valid", s)
		}
	}
	if Status("deleted").Valid() {
		t.Error("unknown status accepted")
	}
}

func TestAgent_CloneIsDeep(t *testing.T) {
	a := Agent{ID: "agent_1", Name: "researcher", Tools: []string{"web_search"}}
	cp := a.Clone()
	cp.Tools[0] = "mutated"
	if a.Tools[0] != "web_search" {
		t.Fatal("Clone shared the tools slice")
	}
}

func TestRoundLimiter(t *testing.T) {
	rl := NewRoundLimiter(2)
	if err := rl.Increment(); err != nil {
		t.Fatalf("first round rejected: %v", err)
	}
	if rl.Remaining() != 1 {
		t.Fatalf("remaining = %d, want 1", rl.Remaining())
	}
	if err := rl.Increment(); err != nil {
		t.Fatalf("second round rejected: %v", err)
	}
	if err := rl.Increment(); err == nil {
		t.Fatal("third round should exceed the limit")
	}
	if rl.Count() != 3 {
		t.Fatalf("count = %d, want 3", rl.Count())
	}

	unlimited := NewRoundLimiter(0)
	for i := 0; i < 10; i++ {
		if err := unlimited.Increment(); err != nil {
			t.Fatalf("unlimited limiter rejected round %d: %v", i, err)
		}
	}
	if unlimited.Remaining() != -1 {
		t.Fatalf("unlimited remaining = %d, want -1", unlimited.Remaining())
	}
}
