package repair

import (
	"fmt"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// RefCheck reports whether an entry with the given ID exists in the scanned
// scope. Fixers that only inspect one entry ignore it.
type RefCheck func(id string) bool

// Fixer is one named, targeted repair. Detect reports the issues a fixer
// would address on an entry; Apply mutates the entry in place and reports
// whether anything actually changed, which is what makes re-running a fix
// idempotent.
type Fixer struct {
	Name   string
	Detect func(e *model.ConversationEntry, exists RefCheck) []model.ValidationIssue
	Apply  func(e *model.ConversationEntry, exists RefCheck) bool
}

// Issue type names. Scans and fixes share these so a targeted fix can be
// validated against a fresh scan.
const (
	IssueCertaintyMissing = "outcome_certainty_missing"
	IssueCertaintyTooLow  = "outcome_certainty_too_low"
	IssueCertaintyTooHigh = "outcome_certainty_too_high"
	IssueStrengthRange    = "validation_strength_range"
	IssueOrphanedFeedback = "orphaned_feedback_link"
	IssueConflictingFlags = "conflicting_validation_flags"
	IssueNegativeQuality  = "negative_quality_score"
)

// Fixers returns the built-in fixers in a stable order.
func Fixers() []Fixer {
	return []Fixer{
		{
			Name:   "outcome_certainty",
			Detect: detectCertainty,
			Apply:  applyCertainty,
		},
		{
			Name:   "validation_strength_range",
			Detect: detectStrength,
			Apply:  applyStrength,
		},
		{
			Name:   "conflicting_validation_flags",
			Detect: detectConflictingFlags,
			Apply:  applyConflictingFlags,
		},
		{
			Name:   "negative_quality_score",
			Detect: detectNegativeQuality,
			Apply:  applyNegativeQuality,
		},
		{
			Name:   "orphaned_feedback_link",
			Detect: detectOrphanedLinks,
			Apply:  applyOrphanedLinks,
		},
	}
}

func detectCertainty(e *model.ConversationEntry, _ RefCheck) []model.ValidationIssue {
	if e.IsFeedbackToSolution && e.OutcomeCertainty == nil {
		return []model.ValidationIssue{{
			EntryID:       e.ID,
			IssueType:     IssueCertaintyMissing,
			FieldName:     "outcome_certainty",
			CurrentValue:  nil,
			ExpectedValue: 0.0,
			Severity:      model.SeverityWarning,
			Description:   "feedback entry has no outcome certainty",
		}}
	}
	if e.OutcomeCertainty == nil {
		return nil
	}
	switch c := *e.OutcomeCertainty; {
	case c < 0:
		return []model.ValidationIssue{{
			EntryID:       e.ID,
			IssueType:     IssueCertaintyTooLow,
			FieldName:     "outcome_certainty",
			CurrentValue:  c,
			ExpectedValue: 0.0,
			Severity:      model.SeverityCritical,
			Description:   fmt.Sprintf("outcome certainty %.3f is below 0", c),
		}}
	case c > 1:
		return []model.ValidationIssue{{
			EntryID:       e.ID,
			IssueType:     IssueCertaintyTooHigh,
			FieldName:     "outcome_certainty",
			CurrentValue:  c,
			ExpectedValue: 1.0,
			Severity:      model.SeverityCritical,
			Description:   fmt.Sprintf("outcome certainty %.3f exceeds 1", c),
		}}
	}
	return nil
}

func applyCertainty(e *model.ConversationEntry, _ RefCheck) bool {
	if e.IsFeedbackToSolution && e.OutcomeCertainty == nil {
		zero := 0.0
		e.OutcomeCertainty = &zero
		return true
	}
	if e.OutcomeCertainty == nil {
		return false
	}
	if c := *e.OutcomeCertainty; c < 0 || c > 1 {
		clamped := model.Clamp01(c)
		e.OutcomeCertainty = &clamped
		return true
	}
	return false
}

func detectStrength(e *model.ConversationEntry, _ RefCheck) []model.ValidationIssue {
	if e.ValidationStrength >= 0 && e.ValidationStrength <= 1 {
		return nil
	}
	return []model.ValidationIssue{{
		EntryID:       e.ID,
		IssueType:     IssueStrengthRange,
		FieldName:     "validation_strength",
		CurrentValue:  e.ValidationStrength,
		ExpectedValue: model.Clamp01(e.ValidationStrength),
		Severity:      model.SeverityCritical,
		Description:   fmt.Sprintf("validation strength %.3f is outside [0, 1]", e.ValidationStrength),
	}}
}

func applyStrength(e *model.ConversationEntry, _ RefCheck) bool {
	if e.ValidationStrength >= 0 && e.ValidationStrength <= 1 {
		return false
	}
	e.ValidationStrength = model.Clamp01(e.ValidationStrength)
	return true
}

func detectConflictingFlags(e *model.ConversationEntry, _ RefCheck) []model.ValidationIssue {
	if !e.IsValidatedSolution || !e.IsRefutedAttempt {
		return nil
	}
	return []model.ValidationIssue{{
		EntryID:      e.ID,
		IssueType:    IssueConflictingFlags,
		FieldName:    "is_validated_solution",
		CurrentValue: true,
		Severity:     model.SeverityCritical,
		Description:  "entry is marked both validated and refuted",
	}}
}

// applyConflictingFlags resolves the contradiction using the paired feedback
// sentiment as the tiebreaker. When the sentiment itself is ambiguous both
// flags are cleared rather than guessing.
func applyConflictingFlags(e *model.ConversationEntry, _ RefCheck) bool {
	if !e.IsValidatedSolution || !e.IsRefutedAttempt {
		return false
	}
	switch e.UserFeedbackSentiment {
	case model.SentimentPositive:
		e.IsRefutedAttempt = false
	case model.SentimentNegative:
		e.IsValidatedSolution = false
	default:
		e.IsValidatedSolution = false
		e.IsRefutedAttempt = false
	}
	return true
}

func detectNegativeQuality(e *model.ConversationEntry, _ RefCheck) []model.ValidationIssue {
	if e.SolutionQualityScore >= 0 {
		return nil
	}
	return []model.ValidationIssue{{
		EntryID:       e.ID,
		IssueType:     IssueNegativeQuality,
		FieldName:     "solution_quality_score",
		CurrentValue:  e.SolutionQualityScore,
		ExpectedValue: 0.0,
		Severity:      model.SeverityWarning,
		Description:   fmt.Sprintf("solution quality score %.3f is negative", e.SolutionQualityScore),
	}}
}

func applyNegativeQuality(e *model.ConversationEntry, _ RefCheck) bool {
	if e.SolutionQualityScore >= 0 {
		return false
	}
	e.SolutionQualityScore = 0
	return true
}

func detectOrphanedLinks(e *model.ConversationEntry, exists RefCheck) []model.ValidationIssue {
	if exists == nil {
		return nil
	}
	var issues []model.ValidationIssue
	if e.RelatedSolutionID != nil && !exists(*e.RelatedSolutionID) {
		issues = append(issues, model.ValidationIssue{
			EntryID:      e.ID,
			IssueType:    IssueOrphanedFeedback,
			FieldName:    "related_solution_id",
			CurrentValue: *e.RelatedSolutionID,
			Severity:     model.SeverityCritical,
			Description:  "feedback references a solution entry that does not exist",
		})
	}
	if e.FeedbackMessageID != nil && !exists(*e.FeedbackMessageID) {
		issues = append(issues, model.ValidationIssue{
			EntryID:      e.ID,
			IssueType:    IssueOrphanedFeedback,
			FieldName:    "feedback_message_id",
			CurrentValue: *e.FeedbackMessageID,
			Severity:     model.SeverityCritical,
			Description:  "solution references a feedback entry that does not exist",
		})
	}
	return issues
}

// applyOrphanedLinks severs dangling pair links. The feedback side also
// drops its pairing flag so the entry can be re-paired by a later
// enhancement pass.
func applyOrphanedLinks(e *model.ConversationEntry, exists RefCheck) bool {
	if exists == nil {
		return false
	}
	changed := false
	if e.RelatedSolutionID != nil && !exists(*e.RelatedSolutionID) {
		e.RelatedSolutionID = nil
		e.IsFeedbackToSolution = false
		changed = true
	}
	if e.FeedbackMessageID != nil && !exists(*e.FeedbackMessageID) {
		e.FeedbackMessageID = nil
		changed = true
	}
	return changed
}

// CheckEntries runs every fixer's detector over an in-memory slice and
// returns all issues found. Link targets are resolved against the slice
// itself, which is correct for whole-session checks because pair links never
// cross sessions.
func CheckEntries(entries []model.ConversationEntry) []model.ValidationIssue {
	ids := make(map[string]struct{}, len(entries))
	for i := range entries {
		ids[entries[i].ID] = struct{}{}
	}
	exists := func(id string) bool {
		_, ok := ids[id]
		return ok
	}

	var issues []model.ValidationIssue
	for i := range entries {
		for _, f := range Fixers() {
			issues = append(issues, f.Detect(&entries[i], exists)...)
		}
	}
	return issues
}
