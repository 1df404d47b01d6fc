// Package chain links a session's entries into an ordered conversation
// chain: prev/next adjacency plus solution/feedback pairing.
package chain

import (
	"fmt"
	"log/slog"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// DefaultFeedbackWindow bounds the forward scan when pairing feedback to a
// solution. Ten messages covers essentially all observed assistant
// conversations without letting unrelated late messages claim a solution.
const DefaultFeedbackWindow = 10

// LinkError reports malformed session ordering. Entries before the
// offending position are still linked, so callers may accept the partial
// result that accompanies the error.
type LinkError struct {
	SessionID string
	Position  int // index of the first malformed entry
	Reason    string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("chain: session %s malformed at index %d: %s", e.SessionID, e.Position, e.Reason)
}

// Linker computes chain relationship fields for one session at a time.
type Linker struct {
	window int
	logger *slog.Logger
}

// New creates a Linker. window <= 0 selects DefaultFeedbackWindow.
func New(window int, logger *slog.Logger) *Linker {
	if window <= 0 {
		window = DefaultFeedbackWindow
	}
	return &Linker{window: window, logger: logger}
}

// Link populates prev/next adjacency and solution/feedback relationships on
// entries, which must be in sequence_position order. On malformed input the
// valid prefix is still fully linked and a *LinkError is returned alongside
// the stats for that prefix.
//
// Guarantees on the linked prefix: every related_solution_id points to an
// entry with is_solution_attempt set in the same session, and no entry is
// the feedback target of more than one solution.
func (l *Linker) Link(entries []*model.ConversationEntry) (model.ChainStats, error) {
	valid, linkErr := l.validPrefix(entries)
	prefix := entries[:valid]

	stats := model.ChainStats{}

	// Pass 1: adjacency. First and last entries keep a nil side.
	for i, e := range prefix {
		if i > 0 {
			e.PreviousMessageID = &prefix[i-1].ID
		} else {
			e.PreviousMessageID = nil
		}
		if i < len(prefix)-1 {
			e.NextMessageID = &prefix[i+1].ID
		} else {
			e.NextMessageID = nil
		}
		stats.EntriesLinked++
	}

	// Pass 2: pair each solution with the first later entry from the other
	// party that is not itself a solution attempt and is not already
	// claimed. No match within the window is a normal outcome.
	for i, e := range prefix {
		if !e.IsSolutionAttempt {
			continue
		}
		stats.SolutionsFound++

		for j := i + 1; j <= i+l.window && j < len(prefix); j++ {
			cand := prefix[j]
			if cand.Role == e.Role || cand.IsSolutionAttempt || cand.RelatedSolutionID != nil {
				continue
			}
			cand.RelatedSolutionID = &e.ID
			cand.IsFeedbackToSolution = true
			e.FeedbackMessageID = &cand.ID
			stats.FeedbackPaired++
			break
		}
	}

	if linkErr != nil {
		l.logger.Warn("chain linker: partial link", "session_id", linkErr.SessionID,
			"linked", stats.EntriesLinked, "error", linkErr)
		return stats, linkErr
	}
	return stats, nil
}

// validPrefix returns the length of the longest well-formed prefix and a
// LinkError describing the first violation, if any. Violations: duplicate
// IDs, a session ID change, or a gap or repeat in sequence_position.
func (l *Linker) validPrefix(entries []*model.ConversationEntry) (int, *LinkError) {
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if seen[e.ID] {
			return i, &LinkError{SessionID: e.SessionID, Position: i, Reason: fmt.Sprintf("duplicate entry id %s", e.ID)}
		}
		seen[e.ID] = true

		if i == 0 {
			continue
		}
		prev := entries[i-1]
		if e.SessionID != prev.SessionID {
			return i, &LinkError{SessionID: prev.SessionID, Position: i, Reason: fmt.Sprintf("entry belongs to session %s", e.SessionID)}
		}
		if e.SequencePosition != prev.SequencePosition+1 {
			return i, &LinkError{SessionID: e.SessionID, Position: i,
				Reason: fmt.Sprintf("sequence gap: position %d follows %d", e.SequencePosition, prev.SequencePosition)}
		}
	}
	return len(entries), nil
}
