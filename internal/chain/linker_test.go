package chain

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

func entry(session string, pos int, role string, solution bool) *model.ConversationEntry {
	return &model.ConversationEntry{
		ID:                model.EntryID(session, role, pos),
		SessionID:         session,
		SequencePosition:  pos,
		Role:              role,
		IsSolutionAttempt: solution,
	}
}

func TestLinkAdjacency(t *testing.T) {
	entries := []*model.ConversationEntry{
		entry("s1", 0, "user", false),
		entry("s1", 1, "assistant", false),
		entry("s1", 2, "user", false),
	}

	stats, err := New(0, slog.Default()).Link(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.EntriesLinked != 3 {
		t.Fatalf("expected 3 linked, got %d", stats.EntriesLinked)
	}

	if entries[0].PreviousMessageID != nil {
		t.Error("first entry must have nil previous_message_id")
	}
	if entries[2].NextMessageID != nil {
		t.Error("last entry must have nil next_message_id")
	}
	if entries[0].NextMessageID == nil || *entries[0].NextMessageID != entries[1].ID {
		t.Error("entry 0 next should point at entry 1")
	}
	if entries[1].PreviousMessageID == nil || *entries[1].PreviousMessageID != entries[0].ID {
		t.Error("entry 1 previous should point at entry 0")
	}
	if entries[2].PreviousMessageID == nil || *entries[2].PreviousMessageID != entries[1].ID {
		t.Error("entry 2 previous should point at entry 1")
	}
}

func TestLinkSolutionFeedbackPairing(t *testing.T) {
	// solution@0, unrelated assistant message@1, user feedback@2.
	sol := entry("s1", 0, "assistant", true)
	mid := entry("s1", 1, "assistant", false)
	fb := entry("s1", 2, "user", false)
	entries := []*model.ConversationEntry{sol, mid, fb}

	stats, err := New(10, slog.Default()).Link(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.SolutionsFound != 1 || stats.FeedbackPaired != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if sol.FeedbackMessageID == nil || *sol.FeedbackMessageID != fb.ID {
		t.Error("solution feedback_message_id should point at the feedback entry")
	}
	if fb.RelatedSolutionID == nil || *fb.RelatedSolutionID != sol.ID {
		t.Error("feedback related_solution_id should point at the solution")
	}
	if !fb.IsFeedbackToSolution {
		t.Error("feedback entry should be marked is_feedback_to_solution")
	}
	if mid.RelatedSolutionID != nil || mid.IsFeedbackToSolution {
		t.Error("same-party entry must not be claimed as feedback")
	}
}

func TestLinkBipartiteOneToOne(t *testing.T) {
	// Two solutions, one eligible feedback: only the first solution claims it.
	sol1 := entry("s1", 0, "assistant", true)
	sol2 := entry("s1", 1, "assistant", true)
	fb := entry("s1", 2, "user", false)
	later := entry("s1", 3, "user", false)
	entries := []*model.ConversationEntry{sol1, sol2, fb, later}

	if _, err := New(10, slog.Default()).Link(entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fb.RelatedSolutionID == nil || *fb.RelatedSolutionID != sol1.ID {
		t.Fatal("first solution should claim the first feedback")
	}
	// Second solution pairs with the next unclaimed other-party entry.
	if sol2.FeedbackMessageID == nil || *sol2.FeedbackMessageID != later.ID {
		t.Fatal("second solution should claim the next unclaimed entry")
	}

	// No entry is the feedback target of more than one solution.
	targets := map[string]int{}
	for _, e := range entries {
		if e.RelatedSolutionID != nil {
			targets[*e.RelatedSolutionID]++
		}
	}
	for id, n := range targets {
		if n > 1 {
			t.Errorf("solution %s claimed by %d feedback entries", id, n)
		}
	}
}

func TestLinkNoFeedbackWithinWindow(t *testing.T) {
	entries := []*model.ConversationEntry{
		entry("s1", 0, "assistant", true),
		entry("s1", 1, "assistant", false),
		entry("s1", 2, "assistant", false),
	}

	stats, err := New(2, slog.Default()).Link(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// No other-party entry in the window: a normal, non-error outcome.
	if stats.FeedbackPaired != 0 {
		t.Fatalf("expected no pairing, got %d", stats.FeedbackPaired)
	}
	if entries[0].FeedbackMessageID != nil {
		t.Error("solution should keep nil feedback_message_id")
	}
}

func TestLinkWindowBound(t *testing.T) {
	sol := entry("s1", 0, "assistant", true)
	entries := []*model.ConversationEntry{sol}
	for i := 1; i <= 4; i++ {
		entries = append(entries, entry("s1", i, "assistant", false))
	}
	fb := entry("s1", 5, "user", false)
	entries = append(entries, fb)

	// Window of 3 ends before the feedback at offset 5.
	if _, err := New(3, slog.Default()).Link(entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.RelatedSolutionID != nil {
		t.Error("feedback outside the window must not be paired")
	}
}

func TestLinkSequenceGapPartialResult(t *testing.T) {
	good1 := entry("s1", 0, "user", false)
	good2 := entry("s1", 1, "assistant", false)
	gap := entry("s1", 5, "user", false) // positions 2-4 missing
	entries := []*model.ConversationEntry{good1, good2, gap}

	stats, err := New(10, slog.Default()).Link(entries)
	var linkErr *LinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("expected *LinkError, got %v", err)
	}
	if linkErr.Position != 2 {
		t.Errorf("expected violation at index 2, got %d", linkErr.Position)
	}

	// The valid prefix is still linked.
	if stats.EntriesLinked != 2 {
		t.Fatalf("expected 2 linked in prefix, got %d", stats.EntriesLinked)
	}
	if good1.NextMessageID == nil || *good1.NextMessageID != good2.ID {
		t.Error("prefix adjacency should be populated despite the error")
	}
	if gap.PreviousMessageID != nil {
		t.Error("entry past the gap must stay unlinked")
	}
}

func TestLinkDuplicateID(t *testing.T) {
	a := entry("s1", 0, "user", false)
	b := entry("s1", 1, "assistant", false)
	dup := &model.ConversationEntry{ID: a.ID, SessionID: "s1", SequencePosition: 2, Role: "user"}

	_, err := New(10, slog.Default()).Link([]*model.ConversationEntry{a, b, dup})
	var linkErr *LinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("expected *LinkError, got %v", err)
	}
}

func TestLinkEmptySession(t *testing.T) {
	stats, err := New(10, slog.Default()).Link(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.EntriesLinked != 0 {
		t.Fatalf("expected 0 linked, got %d", stats.EntriesLinked)
	}
}
