// Package enhance orchestrates the per-session enrichment pipeline: chain
// linking, feedback validation, and health aggregation. Each phase writes
// its results back before the next one starts, so a session that runs out
// of budget keeps everything completed so far.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/kaiwa-ai/kaiwa/internal/chain"
	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/repair"
	"github.com/kaiwa-ai/kaiwa/internal/telemetry"
	"github.com/kaiwa-ai/kaiwa/internal/validate"
)

var enhanceMeter = telemetry.Meter("kaiwa/enhance")

// Defaults for orchestrator options left unset.
const (
	DefaultSessionBudget  = 30 * time.Second
	DefaultWorkers        = 4
	DefaultCoverageTarget = 0.80
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetSessionEntries(ctx context.Context, sessionID string) ([]model.ConversationEntry, error)
	UpdateEntryMetadata(ctx context.Context, entries []model.ConversationEntry) error
	ListSessionIDs(ctx context.Context, limit int) ([]string, error)
}

// Phases selects which enrichment phases run. Phases always execute in the
// fixed order backfill, optimize, validate; disabling one skips it without
// disturbing the others.
type Phases struct {
	Backfill bool // chain linking and solution/feedback pairing
	Optimize bool // quality scoring and sentiment classification
	Validate bool // health aggregation over the session
}

// AllPhases enables the full pipeline.
func AllPhases() Phases {
	return Phases{Backfill: true, Optimize: true, Validate: true}
}

// Options tunes the orchestrator.
type Options struct {
	SessionBudget  time.Duration // wall-clock budget per session
	Workers        int           // concurrent sessions in ProcessSessions
	CoverageTarget float64       // coverage at or above this is considered healthy
}

// Orchestrator runs the enrichment pipeline over stored sessions.
type Orchestrator struct {
	store     Store
	linker    *chain.Linker
	validator *validate.Validator
	logger    *slog.Logger
	opts      Options
}

// New creates an orchestrator. Zero option fields select defaults.
func New(store Store, linker *chain.Linker, validator *validate.Validator, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.SessionBudget <= 0 {
		opts.SessionBudget = DefaultSessionBudget
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CoverageTarget <= 0 {
		opts.CoverageTarget = DefaultCoverageTarget
	}
	return &Orchestrator{
		store:     store,
		linker:    linker,
		validator: validator,
		logger:    logger,
		opts:      opts,
	}
}

// ProcessSession runs the full pipeline over one session within the session
// budget. Phases run in a fixed order and each phase persists before the
// next begins; on budget exhaustion the result reports failure but all
// completed phases remain in the store.
func (o *Orchestrator) ProcessSession(ctx context.Context, sessionID string, phases Phases) model.SessionEnhancementResult {
	started := time.Now()
	result := model.SessionEnhancementResult{SessionID: sessionID, Phase: model.PhasePending}

	budgetCtx, cancel := context.WithTimeout(ctx, o.opts.SessionBudget)
	defer cancel()

	entries, err := o.store.GetSessionEntries(budgetCtx, sessionID)
	if err != nil {
		return o.finish(result, started, fmt.Errorf("enhance: load session %s: %w", sessionID, err))
	}
	if len(entries) == 0 {
		result.Success = true
		result.Phase = model.PhaseDone
		result.Duration = time.Since(started)
		return result
	}

	coverageBefore := coverage(entries)
	ptrs := make([]*model.ConversationEntry, len(entries))
	for i := range entries {
		ptrs[i] = &entries[i]
	}

	// Phase 1: chain linking. Solution attempts are marked first because
	// the pairing pass keys off them. A malformed suffix is not fatal; the
	// valid prefix is linked and persisted, and the defect is reported.
	if phases.Backfill {
		result.Phase = model.PhaseLinking
		validate.MarkSolutions(ptrs)
		chainStats, linkErr := o.linker.Link(ptrs)
		result.Chain = chainStats
		if linkErr != nil {
			var le *chain.LinkError
			if errors.As(linkErr, &le) {
				o.logger.Warn("enhance: session has malformed suffix",
					"session_id", sessionID, "position", le.Position, "reason", le.Reason)
				result.Validation.Errors = append(result.Validation.Errors, le.Error())
			} else {
				return o.finish(result, started, linkErr)
			}
		}
		if err := o.checkpoint(budgetCtx, entries); err != nil {
			return o.finish(result, started, err)
		}
	}

	// Phase 2: quality scoring and feedback validation.
	if phases.Optimize {
		result.Phase = model.PhaseValidating
		result.Scoring = o.validator.ScoreSolutions(ptrs)
		result.Validation = mergeValidation(result.Validation, o.validator.ValidateFeedback(budgetCtx, ptrs))
		if err := o.checkpoint(budgetCtx, entries); err != nil {
			return o.finish(result, started, err)
		}
	}

	// Phase 3: aggregate health for the session.
	if phases.Validate {
		result.Phase = model.PhaseAggregating
		if err := budgetCtx.Err(); err != nil {
			return o.finish(result, started, err)
		}
		issues := repair.CheckEntries(entries)
		coverageAfter := coverage(entries)
		result.OverallImprovement = (coverageAfter - coverageBefore) * 100
		result.HealthScore = healthScore(entries, coverageAfter, issues)
	}

	result.Phase = model.PhaseDone
	result.Success = true
	result.Duration = time.Since(started)
	o.recordMetrics(ctx, result)
	o.logger.Info("enhance: session complete",
		"session_id", sessionID,
		"entries", len(entries),
		"paired", result.Chain.FeedbackPaired,
		"health_score", result.HealthScore,
		"duration", result.Duration)
	return result
}

// finish marks a session failed, folding deadline errors into the
// "timeout" failure reason.
func (o *Orchestrator) finish(result model.SessionEnhancementResult, started time.Time, err error) model.SessionEnhancementResult {
	result.Success = false
	result.Duration = time.Since(started)
	if errors.Is(err, context.DeadlineExceeded) {
		result.FailureReason = "timeout"
	} else {
		result.FailureReason = err.Error()
	}
	lastPhase := result.Phase
	result.Phase = model.PhaseFailed
	o.recordMetrics(context.Background(), result)
	o.logger.Warn("enhance: session failed",
		"session_id", result.SessionID,
		"phase", lastPhase,
		"reason", result.FailureReason,
		"duration", result.Duration)
	return result
}

// checkpoint persists the current metadata so later failures cannot lose
// completed phases.
func (o *Orchestrator) checkpoint(ctx context.Context, entries []model.ConversationEntry) error {
	if err := o.store.UpdateEntryMetadata(ctx, entries); err != nil {
		return fmt.Errorf("enhance: persist phase results: %w", err)
	}
	return nil
}

// ProcessSessions runs the pipeline over many sessions with bounded
// concurrency. Results come back in input order. Workers share the caller's
// context, so an overall deadline stops new sessions from starting; sessions
// already past their budget report individually as timeouts.
func (o *Orchestrator) ProcessSessions(ctx context.Context, sessionIDs []string, phases Phases) []model.SessionEnhancementResult {
	results := make([]model.SessionEnhancementResult, len(sessionIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	var mu sync.Mutex
	var failed int
	for i, id := range sessionIDs {
		if gctx.Err() != nil {
			results[i] = model.SessionEnhancementResult{
				SessionID:     id,
				Phase:         model.PhaseFailed,
				FailureReason: "timeout",
			}
			continue
		}
		g.Go(func() error {
			res := o.ProcessSession(gctx, id, phases)
			results[i] = res
			if !res.Success {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("enhance: batch complete", "sessions", len(sessionIDs), "failed", failed)
	return results
}

// mergeValidation folds the stats of a validation pass into stats that may
// already carry link-phase error strings.
func mergeValidation(acc, pass model.ValidationStats) model.ValidationStats {
	pass.Errors = append(acc.Errors, pass.Errors...)
	return pass
}

// coverage measures how much of the session's adjacency chain is populated:
// every entry except the first should have a previous link and every entry
// except the last a next link. Single-entry sessions are fully covered by
// definition.
func coverage(entries []model.ConversationEntry) float64 {
	n := len(entries)
	if n <= 1 {
		return 1
	}
	slots := 2 * (n - 1)
	populated := 0
	for i := range entries {
		if entries[i].PreviousMessageID != nil {
			populated++
		}
		if entries[i].NextMessageID != nil {
			populated++
		}
	}
	return float64(populated) / float64(slots)
}

// healthScore combines chain coverage, numeric range compliance, and the
// absence of critical issues into a single 0-1 score.
func healthScore(entries []model.ConversationEntry, cov float64, issues []model.ValidationIssue) float64 {
	inRange := 0
	for i := range entries {
		e := &entries[i]
		// Quality is unbounded upward; only a negative value violates its range.
		ok := e.ValidationStrength >= 0 && e.ValidationStrength <= 1 &&
			e.SolutionQualityScore >= 0
		if ok && e.OutcomeCertainty != nil {
			ok = *e.OutcomeCertainty >= 0 && *e.OutcomeCertainty <= 1
		}
		if ok {
			inRange++
		}
	}
	compliance := float64(inRange) / float64(len(entries))

	critical := 0.2
	for _, issue := range issues {
		if issue.Severity == model.SeverityCritical {
			critical = 0
			break
		}
	}

	return model.Clamp01(0.4*cov + 0.4*compliance + critical)
}

// recordMetrics emits best-effort counters; instruments are lazily created.
func (o *Orchestrator) recordMetrics(ctx context.Context, res model.SessionEnhancementResult) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", res.Success),
		attribute.String("phase", res.Phase),
	}
	if counter, err := enhanceMeter.Int64Counter("kaiwa.enhance.sessions"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
	if hist, err := enhanceMeter.Float64Histogram("kaiwa.enhance.session_duration",
		otelmetric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(res.Duration.Milliseconds()), otelmetric.WithAttributes(attrs...))
	}
}
