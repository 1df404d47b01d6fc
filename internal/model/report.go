package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades a ValidationIssue.
type Severity string

const (
	SeverityInfo     Severity = "info"     // missing optional field
	SeverityWarning  Severity = "warning"  // value present but suspicious
	SeverityCritical Severity = "critical" // value violates a hard invariant
)

// ValidationIssue describes one field on one entry that violates the
// metadata contract. Issues are produced transiently by a scan and never
// persisted themselves.
type ValidationIssue struct {
	EntryID       string   `json:"entry_id"`
	IssueType     string   `json:"issue_type"`
	FieldName     string   `json:"field_name"`
	CurrentValue  any      `json:"current_value"`
	ExpectedValue any      `json:"expected_value"`
	Severity      Severity `json:"severity"`
	Description   string   `json:"description"`
}

// FixResult is the outcome of one apply pass of the repair engine.
type FixResult struct {
	FixName           string        `json:"fix_name"`
	DryRun            bool          `json:"dry_run"`
	IssuesFound       int           `json:"issues_found"`
	FixesApplied      int           `json:"fixes_applied"`
	ErrorsEncountered []string      `json:"errors_encountered"`
	ExecutionTime     time.Duration `json:"execution_time"`

	// SnapshotID references the rollback snapshot taken before mutation.
	// Nil for dry runs and for passes that changed nothing.
	SnapshotID *uuid.UUID `json:"snapshot_id,omitempty"`
}

// RollbackSnapshot is a point-in-time copy of specific entries' metadata,
// taken before a live fix so the fix can be undone.
type RollbackSnapshot struct {
	ID        uuid.UUID           `json:"id"`
	FixName   string              `json:"fix_name"`
	CreatedAt time.Time           `json:"created_at"`
	Entries   []ConversationEntry `json:"entries"`
}

// SimilarityResult is the outcome of comparing one text against the
// sentiment pattern clusters.
type SimilarityResult struct {
	// ClusterScores holds the max phrase similarity per cluster.
	ClusterScores map[Sentiment]float64 `json:"cluster_scores"`
	BestCluster   Sentiment             `json:"best_cluster"`
	BestScore     float64               `json:"best_score"`

	// TopMatches are the best-matching phrases across the compared clusters,
	// ranked by similarity descending, ties broken by insertion order.
	TopMatches []PhraseMatch `json:"top_matches"`

	// Confident is true when BestScore crossed the configured threshold.
	Confident bool `json:"confident"`
}

// PhraseMatch is one reference phrase and its similarity to the input text.
type PhraseMatch struct {
	Phrase     string    `json:"phrase"`
	Cluster    Sentiment `json:"cluster"`
	Similarity float64   `json:"similarity"`
}

// ChainStats summarizes one linking pass over a session.
type ChainStats struct {
	EntriesLinked  int `json:"entries_linked"`
	SolutionsFound int `json:"solutions_found"`
	FeedbackPaired int `json:"feedback_paired"`
}

// ScoringStats summarizes quality scoring over a session.
type ScoringStats struct {
	SolutionsScored int     `json:"solutions_scored"`
	AvgQuality      float64 `json:"avg_quality"`
}

// ValidationStats summarizes sentiment validation over a session.
type ValidationStats struct {
	FeedbackClassified int      `json:"feedback_classified"`
	Validated          int      `json:"validated"`
	Refuted            int      `json:"refuted"`
	Partial            int      `json:"partial"`
	Neutral            int      `json:"neutral"`
	Errors             []string `json:"errors,omitempty"`
}

// Session phase names, in pipeline order. A session never re-enters a phase.
const (
	PhasePending     = "pending"
	PhaseLinking     = "linking"
	PhaseValidating  = "validating"
	PhaseAggregating = "aggregating"
	PhaseDone        = "done"
	PhaseFailed      = "failed"
)

// SessionEnhancementResult is the per-session outcome of the orchestrator.
type SessionEnhancementResult struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Phase     string `json:"phase"` // terminal phase reached

	// FailureReason is "timeout" or an error description when Success is false.
	FailureReason string `json:"failure_reason,omitempty"`

	// OverallImprovement is the percentage-point delta in populated-field
	// coverage between start and end of the pass.
	OverallImprovement float64 `json:"overall_improvement"`

	// HealthScore is the 0-1 composite of coverage, range compliance, and
	// absence of critical issues.
	HealthScore float64 `json:"health_score"`

	Duration   time.Duration   `json:"duration"`
	Chain      ChainStats      `json:"chain"`
	Scoring    ScoringStats    `json:"scoring"`
	Validation ValidationStats `json:"validation"`
}

// Health report statuses, system-wide and per session.
const (
	HealthStatusHealthy          = "healthy"
	HealthStatusNeedsAttention   = "needs_attention"
	HealthStatusInsufficientData = "insufficient_data"
)

// SessionHealth is the per-session slice of a health report.
type SessionHealth struct {
	SessionID   string  `json:"session_id"`
	HealthScore float64 `json:"health_score"`
	Status      string  `json:"status"`
	Coverage    float64 `json:"coverage"` // fraction of linkable relationships populated
}

// HealthReport aggregates per-session health plus actionable gaps.
type HealthReport struct {
	Status          string            `json:"status"`
	SessionsChecked int               `json:"sessions_checked"`
	AvgHealthScore  float64           `json:"avg_health_score"`
	Healthy         int               `json:"healthy"`
	NeedsAttention  int               `json:"needs_attention"`
	Sessions        []SessionHealth   `json:"sessions"`
	CriticalIssues  []ValidationIssue `json:"critical_issues"`
	Recommendations []string          `json:"recommendations"`
}
