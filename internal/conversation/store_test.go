package conversation

import (
	"strings"
	"testing"
)

func TestAppendTurn_Order(t *testing.T) {
	s := NewStore(0)
	s.AppendTurn("s1", SpeakerUser, "large latte please")
	s.AppendTurn("s1", SpeakerAssistant, "one large latte, anything else?")
	s.AppendTurn("s1", SpeakerUser, "no that's all")

	ctx := s.Context("s1")
	if len(ctx) != 3 {
		t.Fatalf("len=%d, want 3", len(ctx))
	}
	if ctx[0].Speaker != SpeakerUser || ctx[2].Text != "no that's all" {
		t.Fatalf("unexpected order: %+v", ctx)
	}
}

func TestAppendTurn_EvictsOldestWithinBudget(t *testing.T) {
	// Budget of 25 tokens; each turn below is 100 chars = 25 tokens.
	s := NewStore(25)
	big := strings.Repeat("x", 100)

	s.AppendTurn("s1", SpeakerUser, big)
	s.AppendTurn("s1", SpeakerAssistant, big)
	s.AppendTurn("s1", SpeakerUser, big)

	ctx := s.Context("s1")
	if len(ctx) != 2 {
		t.Fatalf("len=%d, want 2 (minimum history floor)", len(ctx))
	}
	if ctx[0].Speaker != SpeakerAssistant {
		t.Fatalf("oldest surviving turn=%s, want assistant", ctx[0].Speaker)
	}
}

func TestAppendTurn_BudgetHoldsOncePastTwoTurns(t *testing.T) {
	budget := 50
	s := NewStore(budget)
	turn := strings.Repeat("y", 60) // 15 tokens

	for i := 0; i < 20; i++ {
		s.AppendTurn("s1", SpeakerUser, turn)
		if len(s.Context("s1")) > 2 && s.Tokens("s1") > budget {
			t.Fatalf("tokens=%d exceed budget %d with %d turns", s.Tokens("s1"), budget, len(s.Context("s1")))
		}
	}
}

func TestAppendTurn_KeepsTwoMostRecentEvenOverBudget(t *testing.T) {
	s := NewStore(10)
	huge := strings.Repeat("z", 400) // 100 tokens each

	s.AppendTurn("s1", SpeakerUser, huge)
	s.AppendTurn("s1", SpeakerAssistant, huge)
	s.AppendTurn("s1", SpeakerUser, huge)

	if got := len(s.Context("s1")); got != 2 {
		t.Fatalf("len=%d, want 2 even when both exceed budget", got)
	}
}

func TestContext_ReturnsCopy(t *testing.T) {
	s := NewStore(0)
	s.AppendTurn("s1", SpeakerUser, "original")

	ctx := s.Context("s1")
	ctx[0].Text = "mutated"

	if got := s.Context("s1")[0].Text; got != "original" {
		t.Fatalf("store mutated through returned slice: %q", got)
	}
}

func TestDrop_RemovesSession(t *testing.T) {
	s := NewStore(0)
	s.AppendTurn("s1", SpeakerUser, "hello")
	s.Drop("s1")
	if got := len(s.Context("s1")); got != 0 {
		t.Fatalf("len=%d after drop, want 0", got)
	}
}
