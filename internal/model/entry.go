// Package model defines the core data types for the conversation
// enhancement pipeline: conversation entries, sentiment classes, and the
// result shapes shared by the orchestrator and the repair engine.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Sentiment classifies user feedback on a solution attempt.
type Sentiment string

// Feedback sentiment classes. Neutral is the fallback when classification
// confidence is below threshold or the embedding provider is unavailable.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentPartial  Sentiment = "partial"
	SentimentNeutral  Sentiment = "neutral"
)

// Valid reports whether s is one of the known sentiment classes.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentPartial, SentimentNeutral:
		return true
	}
	return false
}

// entryNamespace is the UUIDv5 namespace for deriving stable entry IDs.
var entryNamespace = uuid.MustParse("8f3c1a6e-2d4b-4f7a-9c0e-5b8d7a1f4e2c")

// EntryID derives a stable entry identifier from session, author role, and
// ordinal. The same transcript record always maps to the same ID, which is
// what makes re-ingestion and re-enhancement idempotent.
func EntryID(sessionID, role string, ordinal int) string {
	return uuid.NewSHA1(entryNamespace, fmt.Appendf(nil, "%s/%s/%d", sessionID, role, ordinal)).String()
}

// ConversationEntry is one message in a session, plus the derived metadata
// written by the chain linker, validator, and repair engine.
type ConversationEntry struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	SequencePosition int       `json:"sequence_position"`
	Role             string    `json:"role"` // "user" or "assistant"
	Text             string    `json:"text"`
	HasCode          bool      `json:"has_code"`
	Timestamp        time.Time `json:"timestamp"`

	// Embedding is set at ingestion time and never modified by enhancement.
	Embedding *pgvector.Vector `json:"-"`

	// Chain fields. Set only by the linker and the repair engine.
	PreviousMessageID    *string `json:"previous_message_id"`
	NextMessageID        *string `json:"next_message_id"`
	RelatedSolutionID    *string `json:"related_solution_id"`
	FeedbackMessageID    *string `json:"feedback_message_id"`
	IsFeedbackToSolution bool    `json:"is_feedback_to_solution"`

	// Validation fields.
	IsSolutionAttempt     bool      `json:"is_solution_attempt"`
	SolutionQualityScore  float64   `json:"solution_quality_score"`
	UserFeedbackSentiment Sentiment `json:"user_feedback_sentiment"`
	ValidationStrength    float64   `json:"validation_strength"`
	OutcomeCertainty      *float64  `json:"outcome_certainty"` // nil until the validator has run
	IsValidatedSolution   bool      `json:"is_validated_solution"`
	IsRefutedAttempt      bool      `json:"is_refuted_attempt"`
}

// RawRecord is one message as delivered by the transcript collaborator:
// already deduplicated and in valid ordinal sequence.
type RawRecord struct {
	Ordinal    int       `json:"ordinal"`
	AuthorRole string    `json:"author_role"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEntry builds a ConversationEntry from a raw transcript record. Chain
// and validation fields start unset; the enhancement pipeline fills them.
func NewEntry(sessionID string, rec RawRecord) ConversationEntry {
	return ConversationEntry{
		ID:                    EntryID(sessionID, rec.AuthorRole, rec.Ordinal),
		SessionID:             sessionID,
		SequencePosition:      rec.Ordinal,
		Role:                  rec.AuthorRole,
		Text:                  rec.Text,
		HasCode:               hasCodeBlock(rec.Text),
		Timestamp:             rec.Timestamp,
		UserFeedbackSentiment: SentimentNeutral,
	}
}

// hasCodeBlock is a cheap structural check for fenced code.
func hasCodeBlock(text string) bool {
	fences := 0
	for i := 0; i+2 < len(text); i++ {
		if text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			fences++
			i += 2
		}
	}
	return fences >= 2
}

// Clamp01 clamps v into [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if !(v > 0) { // catches negatives and NaN
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
