package enhance

import (
	"context"
	"fmt"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/repair"
)

// HealthReport inspects the most recent maxSessions sessions and aggregates
// per-session health into one report. It answers the question: "How well
// enriched is this conversation store?" without mutating anything.
func (o *Orchestrator) HealthReport(ctx context.Context, maxSessions int) (*model.HealthReport, error) {
	if maxSessions <= 0 {
		maxSessions = 50
	}

	sessionIDs, err := o.store.ListSessionIDs(ctx, maxSessions)
	if err != nil {
		return nil, fmt.Errorf("enhance: list sessions for health report: %w", err)
	}

	if len(sessionIDs) == 0 {
		return &model.HealthReport{
			Status:          model.HealthStatusInsufficientData,
			Sessions:        []model.SessionHealth{},
			CriticalIssues:  []model.ValidationIssue{},
			Recommendations: []string{"No sessions ingested yet. Ingest transcripts to see health metrics."},
		}, nil
	}

	report := &model.HealthReport{
		SessionsChecked: len(sessionIDs),
		Sessions:        make([]model.SessionHealth, 0, len(sessionIDs)),
		CriticalIssues:  []model.ValidationIssue{},
	}

	var totalScore float64
	var belowTarget, unpaired int
	for _, id := range sessionIDs {
		entries, err := o.store.GetSessionEntries(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("enhance: load session %s for health report: %w", id, err)
		}

		issues := repair.CheckEntries(entries)
		cov := coverage(entries)
		score := healthScore(entries, cov, issues)
		totalScore += score

		critical := 0
		for _, issue := range issues {
			if issue.Severity == model.SeverityCritical {
				critical++
				report.CriticalIssues = append(report.CriticalIssues, issue)
			}
		}

		status := model.HealthStatusHealthy
		if len(entries) == 0 {
			status = model.HealthStatusInsufficientData
		} else if cov < o.opts.CoverageTarget || critical > 0 {
			status = model.HealthStatusNeedsAttention
			report.NeedsAttention++
		}
		if status == model.HealthStatusHealthy {
			report.Healthy++
		}
		if cov < o.opts.CoverageTarget {
			belowTarget++
		}
		if hasUnpairedFeedback(entries) {
			unpaired++
		}

		report.Sessions = append(report.Sessions, model.SessionHealth{
			SessionID:   id,
			HealthScore: score,
			Status:      status,
			Coverage:    cov,
		})
	}

	report.AvgHealthScore = totalScore / float64(len(sessionIDs))
	report.Recommendations = recommendations(report, belowTarget, unpaired, o.opts.CoverageTarget)

	// Overall status: a minority of struggling sessions is normal; flip to
	// needs_attention when they dominate or any hard invariant is broken.
	switch {
	case len(report.CriticalIssues) > 0:
		report.Status = model.HealthStatusNeedsAttention
	case report.NeedsAttention*2 > len(sessionIDs):
		report.Status = model.HealthStatusNeedsAttention
	default:
		report.Status = model.HealthStatusHealthy
	}

	return report, nil
}

// hasUnpairedFeedback reports whether a session contains user messages that
// look like feedback slots but were never paired with a solution.
func hasUnpairedFeedback(entries []model.ConversationEntry) bool {
	for i := range entries {
		e := &entries[i]
		if e.Role == "user" && e.IsFeedbackToSolution && e.RelatedSolutionID == nil {
			return true
		}
	}
	return false
}

// recommendations produces at most 3 actionable suggestions, most severe
// first.
func recommendations(report *model.HealthReport, belowTarget, unpaired int, target float64) []string {
	var recs []string

	if n := len(report.CriticalIssues); n > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d critical metadata issues found. Run scan_for_issues and apply the suggested fixes.", n))
	}

	if belowTarget > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d of %d sessions are below the %.0f%% chain coverage target. Re-run enhancement on them.",
			belowTarget, report.SessionsChecked, target*100))
	}

	if len(recs) < 3 && unpaired > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d sessions have feedback that could not be paired with a solution.", unpaired))
	}

	if len(recs) < 3 && report.AvgHealthScore < 0.5 {
		recs = append(recs, fmt.Sprintf(
			"Average health score is %.2f. Most sessions have sparse enrichment metadata.", report.AvgHealthScore))
	}

	if len(recs) > 3 {
		recs = recs[:3]
	}
	if recs == nil {
		recs = []string{}
	}
	return recs
}
