package router

import "testing"

func TestJaccardSimilarity_TieBreaks(t *testing.T) {
	if got := JaccardSimilarity("", ""); got != 1.0 {
		t.Errorf("both empty: got %v, want 1.0", got)
	}
	if got := JaccardSimilarity("hello world", ""); got != 0.0 {
		t.Errorf("one empty: got %v, want 0.0", got)
	}
	if got := JaccardSimilarity("", "hello"); got != 0.0 {
		t.Errorf("one empty (reversed): got %v, want 0.0", got)
	}
}

func TestJaccardSimilarity_PunctuationAndCase(t *testing.T) {
	a := "Deploy the API, please!"
	b := "deploy the api please"
	if got := JaccardSimilarity(a, b); got != 1.0 {
		t.Errorf("got %v, want 1.0 after normalizing punctuation/case", got)
	}
}

func TestJaccardSimilarity_Partial(t *testing.T) {
	a := "restart the payments worker"
	b := "restart the payments service"
	got := JaccardSimilarity(a, b)
	// shared: restart, the, payments (3); union: restart, the, payments, worker, service (5)
	want := 3.0 / 5.0
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFindDuplicate_SameThreadWins(t *testing.T) {
	candidates := []DedupCandidate{
		{TaskID: "t1", Description: "totally unrelated text", ThreadKey: "C1:100"},
	}
	match := FindDuplicate("C1:100", "restart the db please", "", candidates)
	if match == nil || match.TaskID != "t1" || match.Reason != "same thread" {
		t.Fatalf("expected same-thread match, got %+v", match)
	}
}

func TestFindDuplicate_HighSimilarity(t *testing.T) {
	candidates := []DedupCandidate{
		{TaskID: "t1", Description: "restart the payments worker now"},
	}
	match := FindDuplicate("", "restart the payments worker now", "", candidates)
	if match == nil || match.Reason != "high similarity" {
		t.Fatalf("expected high-similarity match, got %+v", match)
	}
}

func TestFindDuplicate_SameAgentSimilarity(t *testing.T) {
	candidates := []DedupCandidate{
		{TaskID: "t1", Description: "restart the payments worker", OwnerAgentID: "agent-1"},
	}
	// Below the 0.80 high-similarity bar but above 0.60 same-agent bar.
	match := FindDuplicate("", "restart payments worker please now", "agent-1", candidates)
	if match == nil {
		t.Fatalf("expected same-agent match, got nil")
	}
	if match.Reason != "high similarity" && match.Reason != "same-agent similarity" {
		t.Fatalf("unexpected reason: %s", match.Reason)
	}
}

func TestFindDuplicate_NoMatch(t *testing.T) {
	candidates := []DedupCandidate{
		{TaskID: "t1", Description: "completely different task about invoices"},
	}
	match := FindDuplicate("", "restart the payments worker", "", candidates)
	if match != nil {
		t.Fatalf("expected no match, got %+v", match)
	}
}
