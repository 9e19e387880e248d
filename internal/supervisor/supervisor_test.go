package supervisor

import "testing"

func TestParse_WellFormed(t *testing.T) {
	text := "NEXT_AGENT: feature_dev\nREQUIRES_APPROVAL: false\nREASONING: single specialist can fix this\n"
	d := Parse(text)
	if !d.WellFormed {
		t.Fatalf("expected well-formed decision")
	}
	if d.NextAgent != "feature_dev" {
		t.Fatalf("unexpected next agent: %q", d.NextAgent)
	}
	if d.RequiresApproval {
		t.Fatalf("expected requires_approval=false")
	}
	if d.Reasoning != "single specialist can fix this" {
		t.Fatalf("unexpected reasoning: %q", d.Reasoning)
	}
}

func TestParse_MalformedFallsBackToConversational(t *testing.T) {
	d := Parse("Sure, I can help you with that! Let me explain what I can do.")
	if d.WellFormed {
		t.Fatalf("expected malformed detection")
	}
	if d.NextAgent != "conversational" {
		t.Fatalf("expected conversational fallback, got %q", d.NextAgent)
	}
	if d.Reasoning == "" {
		t.Fatalf("expected free text surfaced as reasoning")
	}
}

func TestParse_IndentedNextAgentLine(t *testing.T) {
	d := Parse("  NEXT_AGENT: infra\n  REQUIRES_APPROVAL: true\n")
	if !d.WellFormed || d.NextAgent != "infra" || !d.RequiresApproval {
		t.Fatalf("unexpected decision: %+v", d)
	}
}
