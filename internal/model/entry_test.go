package model

import (
	"math"
	"testing"
	"time"
)

func TestEntryIDStable(t *testing.T) {
	a := EntryID("session-1", "assistant", 3)
	b := EntryID("session-1", "assistant", 3)
	if a != b {
		t.Fatalf("same inputs produced different IDs: %s vs %s", a, b)
	}
	if a == EntryID("session-1", "user", 3) {
		t.Fatal("different roles should produce different IDs")
	}
	if a == EntryID("session-1", "assistant", 4) {
		t.Fatal("different ordinals should produce different IDs")
	}
	if a == EntryID("session-2", "assistant", 3) {
		t.Fatal("different sessions should produce different IDs")
	}
}

func TestNewEntry(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	e := NewEntry("s1", RawRecord{Ordinal: 2, AuthorRole: "assistant", Text: "try this:\n```go\nfmt.Println()\n```", Timestamp: ts})

	if e.ID != EntryID("s1", "assistant", 2) {
		t.Errorf("unexpected id %s", e.ID)
	}
	if e.SequencePosition != 2 || e.Role != "assistant" || !e.Timestamp.Equal(ts) {
		t.Errorf("fields not carried over: %+v", e)
	}
	if !e.HasCode {
		t.Error("expected fenced code to set HasCode")
	}
	if e.UserFeedbackSentiment != SentimentNeutral {
		t.Errorf("new entries start neutral, got %s", e.UserFeedbackSentiment)
	}
	if e.OutcomeCertainty != nil {
		t.Error("outcome certainty must be unset until the validator runs")
	}
}

func TestHasCodeBlock(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"plain text", false},
		{"```go\ncode\n```", true},
		{"single ``` fence only", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := hasCodeBlock(tt.text); got != tt.want {
			t.Errorf("hasCodeBlock(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.5, 0.5},
		{-0.1, 0},
		{1.5, 1},
		{0, 0},
		{1, 1},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := Clamp01(tt.in); got != tt.want {
			t.Errorf("Clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSentimentValid(t *testing.T) {
	for _, s := range []Sentiment{SentimentPositive, SentimentNegative, SentimentPartial, SentimentNeutral} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if Sentiment("angry").Valid() {
		t.Error("unknown sentiment should be invalid")
	}
}
