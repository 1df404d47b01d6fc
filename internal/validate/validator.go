// Package validate scores solution attempts and classifies the feedback
// that answers them.
//
// Scoring is a pure heuristic over the entry text; sentiment classification
// runs against the shared pattern cluster cache. Embedding failures degrade
// to neutral sentiment instead of aborting the batch.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/patterns"
)

// qualityBaseline is the starting score for any solution attempt. Bonuses
// accrue per positive indicator; the score never goes below zero and has no
// upper bound.
const qualityBaseline = 0.3

// Validator computes solution quality scores and feedback validation.
type Validator struct {
	cache             *patterns.Cache
	strengthThreshold float64
	logger            *slog.Logger
}

// New creates a Validator. threshold <= 0 selects the default of 0.65.
func New(cache *patterns.Cache, strengthThreshold float64, logger *slog.Logger) *Validator {
	if strengthThreshold <= 0 {
		strengthThreshold = 0.65
	}
	return &Validator{cache: cache, strengthThreshold: strengthThreshold, logger: logger}
}

// ScoreSolutions recomputes solution_quality_score for every solution
// attempt in the session.
func (v *Validator) ScoreSolutions(entries []*model.ConversationEntry) model.ScoringStats {
	stats := model.ScoringStats{}
	var total float64

	for _, e := range entries {
		if !e.IsSolutionAttempt {
			continue
		}
		e.SolutionQualityScore = QualityScore(e)
		stats.SolutionsScored++
		total += e.SolutionQualityScore
	}

	if stats.SolutionsScored > 0 {
		stats.AvgQuality = total / float64(stats.SolutionsScored)
	}
	return stats
}

// IsLikelySolution reports whether an entry reads like a solution attempt:
// an assistant message that carries code, enumerated steps, or enough prose
// to plausibly resolve a problem. Feedback entries never qualify.
func IsLikelySolution(e *model.ConversationEntry) bool {
	if e.Role != "assistant" || e.IsFeedbackToSolution {
		return false
	}
	if e.HasCode {
		return true
	}
	if hasStructuralMarkers(e.Text) {
		return true
	}
	return len(strings.TrimSpace(e.Text)) > 200
}

// MarkSolutions sets is_solution_attempt on every entry that looks like a
// solution. The flag is recomputed from scratch so a changed heuristic
// self-corrects on the next pass.
func MarkSolutions(entries []*model.ConversationEntry) int {
	marked := 0
	for _, e := range entries {
		e.IsSolutionAttempt = IsLikelySolution(e)
		if e.IsSolutionAttempt {
			marked++
		}
	}
	return marked
}

// QualityScore computes the heuristic quality of one solution attempt.
//
// Scoring factors, on top of the baseline:
//   - Fenced code block present: 0.30
//   - Substantive length (>200 chars): up to 0.25
//   - Structural markers (numbered steps or bullet lists): 0.15
//   - Explains itself ("because", "so that", "the reason"): 0.10
//   - References something concrete (a path, flag, or error name): 0.10
func QualityScore(e *model.ConversationEntry) float64 {
	score := qualityBaseline
	text := e.Text

	if e.HasCode {
		score += 0.30
	}

	switch n := len(strings.TrimSpace(text)); {
	case n > 500:
		score += 0.25
	case n > 200:
		score += 0.15
	case n > 80:
		score += 0.05
	}

	if hasStructuralMarkers(text) {
		score += 0.15
	}

	lower := strings.ToLower(text)
	for _, marker := range []string{"because", "so that", "the reason"} {
		if strings.Contains(lower, marker) {
			score += 0.10
			break
		}
	}

	for _, marker := range []string{"--", "/", ".go", ".py", "error:", "panic:"} {
		if strings.Contains(text, marker) {
			score += 0.10
			break
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}

// hasStructuralMarkers detects numbered steps or bullet lists.
func hasStructuralMarkers(text string) bool {
	for line := range strings.Lines(text) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			return true
		}
		if len(trimmed) > 2 && trimmed[0] >= '1' && trimmed[0] <= '9' && (trimmed[1] == '.' || trimmed[1] == ')') {
			return true
		}
	}
	return false
}

// ValidateFeedback classifies every feedback entry in the session and sets
// the validated/refuted flags on the paired solutions. Entries must already
// be chain-linked. Per-entry embedding failures are recorded in the stats
// and the batch continues.
func (v *Validator) ValidateFeedback(ctx context.Context, entries []*model.ConversationEntry) model.ValidationStats {
	stats := model.ValidationStats{}

	byID := make(map[string]*model.ConversationEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	for _, e := range entries {
		if !e.IsFeedbackToSolution || e.RelatedSolutionID == nil {
			continue
		}
		stats.FeedbackClassified++

		solution := byID[*e.RelatedSolutionID]

		res, err := v.cache.Similarity(ctx, e.Text, nil)
		if err != nil {
			// Degrade, don't abort: neutral sentiment, zero strength.
			v.logger.Warn("validator: classification degraded to neutral",
				"entry_id", e.ID, "error", err)
			stats.Errors = append(stats.Errors, fmt.Sprintf("entry %s: %v", e.ID, err))
			v.applyOutcome(e, solution, model.SentimentNeutral, 0, 0)
			stats.Neutral++
			continue
		}

		sentiment, strength, certainty := interpret(res)
		v.applyOutcome(e, solution, sentiment, strength, certainty)

		switch {
		case solution != nil && solution.IsValidatedSolution:
			stats.Validated++
		case solution != nil && solution.IsRefutedAttempt:
			stats.Refuted++
		case sentiment == model.SentimentPartial:
			stats.Partial++
		case sentiment == model.SentimentNeutral:
			stats.Neutral++
		}
	}

	return stats
}

// interpret maps a similarity result to sentiment, validation strength, and
// outcome certainty. Certainty blends the absolute similarity with its
// margin over the runner-up cluster: a clear winner is near the raw score,
// a tight race is discounted.
func interpret(res model.SimilarityResult) (model.Sentiment, float64, float64) {
	if !res.Confident {
		return model.SentimentNeutral, 0, model.Clamp01(res.BestScore * 0.5)
	}

	runnerUp := 0.0
	for sentiment, score := range res.ClusterScores {
		if sentiment != res.BestCluster && score > runnerUp {
			runnerUp = score
		}
	}
	margin := res.BestScore - runnerUp

	strength := model.Clamp01(res.BestScore)
	certainty := model.Clamp01(res.BestScore * (0.5 + 0.5*margin))
	return res.BestCluster, strength, certainty
}

// applyOutcome writes the classification onto the feedback entry and the
// validated/refuted flags onto the paired solution. The two flags are
// mutually exclusive by construction: sentiment is single-valued.
func (v *Validator) applyOutcome(feedback, solution *model.ConversationEntry, sentiment model.Sentiment, strength, certainty float64) {
	feedback.UserFeedbackSentiment = sentiment
	feedback.ValidationStrength = model.Clamp01(strength)
	certainty = model.Clamp01(certainty)
	feedback.OutcomeCertainty = &certainty

	if solution == nil {
		return
	}
	solution.IsValidatedSolution = sentiment == model.SentimentPositive && strength > v.strengthThreshold
	solution.IsRefutedAttempt = sentiment == model.SentimentNegative && strength > v.strengthThreshold
}
