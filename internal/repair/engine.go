// Package repair scans stored conversation entries for metadata contract
// violations and applies targeted, auditable fixes. Every live fix snapshots
// the affected entries first so it can be rolled back.
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// DefaultScanBatchSize is how many entries a scan pages through at a time.
const DefaultScanBatchSize = 500

// Store is the persistence surface the repair engine needs.
type Store interface {
	ScanEntries(ctx context.Context, limit, offset int) ([]model.ConversationEntry, error)
	CountEntries(ctx context.Context) (int, error)
	GetEntries(ctx context.Context, ids []string) ([]model.ConversationEntry, error)
	UpdateEntryMetadata(ctx context.Context, entries []model.ConversationEntry) error
	SaveSnapshot(ctx context.Context, snap model.RollbackSnapshot) error
	GetSnapshot(ctx context.Context, id uuid.UUID) (model.RollbackSnapshot, error)
}

// Engine runs scans and fixes over the whole store.
type Engine struct {
	store     Store
	logger    *slog.Logger
	batchSize int
}

// New creates a repair engine. batchSize <= 0 selects the default.
func New(store Store, batchSize int, logger *slog.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultScanBatchSize
	}
	return &Engine{store: store, logger: logger, batchSize: batchSize}
}

// ScanReport is the outcome of one scan pass.
type ScanReport struct {
	EntriesScanned int                     `json:"entries_scanned"`
	Issues         []model.ValidationIssue `json:"issues"`

	// NextOffset is where a resumed scan should continue. Equal to
	// EntriesScanned plus the starting offset when the scan completed; on
	// error it marks the first unscanned page.
	NextOffset int `json:"next_offset"`
}

// ScanForIssues pages through the store from the given offset and reports
// every metadata violation the built-in fixers can detect. A failed page
// returns the partial report alongside the error so the caller can resume
// from NextOffset instead of restarting.
func (eng *Engine) ScanForIssues(ctx context.Context, offset int) (ScanReport, error) {
	report := ScanReport{NextOffset: offset}

	for {
		page, err := eng.store.ScanEntries(ctx, eng.batchSize, report.NextOffset)
		if err != nil {
			return report, fmt.Errorf("repair: scan page at offset %d: %w", report.NextOffset, err)
		}
		if len(page) == 0 {
			return report, nil
		}

		exists, err := eng.refCheck(ctx, page)
		if err != nil {
			return report, err
		}

		for i := range page {
			for _, f := range Fixers() {
				report.Issues = append(report.Issues, f.Detect(&page[i], exists)...)
			}
		}
		report.EntriesScanned += len(page)
		report.NextOffset += len(page)
	}
}

// refCheck builds an existence predicate for the link targets referenced by
// a page. Targets already in the page are known; the rest are fetched in one
// round trip.
func (eng *Engine) refCheck(ctx context.Context, page []model.ConversationEntry) (RefCheck, error) {
	known := make(map[string]struct{}, len(page))
	for i := range page {
		known[page[i].ID] = struct{}{}
	}

	var missing []string
	seen := make(map[string]struct{})
	for i := range page {
		for _, ref := range []*string{page[i].RelatedSolutionID, page[i].FeedbackMessageID} {
			if ref == nil {
				continue
			}
			if _, ok := known[*ref]; ok {
				continue
			}
			if _, ok := seen[*ref]; ok {
				continue
			}
			seen[*ref] = struct{}{}
			missing = append(missing, *ref)
		}
	}

	if len(missing) > 0 {
		found, err := eng.store.GetEntries(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("repair: resolve link targets: %w", err)
		}
		for i := range found {
			known[found[i].ID] = struct{}{}
		}
	}

	return func(id string) bool {
		_, ok := known[id]
		return ok
	}, nil
}

// ApplyTargetedFix runs one built-in fixer, resolved by name, over the
// whole store. See ApplyFix for the pass semantics.
func (eng *Engine) ApplyTargetedFix(ctx context.Context, fixName string, dryRun bool) (model.FixResult, error) {
	fixer, err := findFixer(fixName)
	if err != nil {
		return model.FixResult{}, err
	}
	return eng.ApplyFix(ctx, fixer, dryRun)
}

// ApplyFix runs one fixer over the whole store. The fixer may be one of the
// built-ins or caller-supplied. With dryRun set, it reports what would
// change without mutating anything. A live run snapshots every affected
// entry before writing, records per-batch write errors in the result rather
// than aborting, and counts only entries that actually changed, so
// re-applying a fix is a no-op.
func (eng *Engine) ApplyFix(ctx context.Context, fixer Fixer, dryRun bool) (model.FixResult, error) {
	fixName := fixer.Name
	started := time.Now()
	result := model.FixResult{FixName: fixName, DryRun: dryRun}

	// Pass 1: collect affected entries.
	var affected []model.ConversationEntry
	offset := 0
	for {
		page, err := eng.store.ScanEntries(ctx, eng.batchSize, offset)
		if err != nil {
			return result, fmt.Errorf("repair: fix %q scan at offset %d: %w", fixName, offset, err)
		}
		if len(page) == 0 {
			break
		}
		exists, err := eng.refCheck(ctx, page)
		if err != nil {
			return result, err
		}
		for i := range page {
			issues := fixer.Detect(&page[i], exists)
			if len(issues) == 0 {
				continue
			}
			result.IssuesFound += len(issues)
			affected = append(affected, page[i])
		}
		offset += len(page)
	}

	if dryRun || len(affected) == 0 {
		result.ExecutionTime = time.Since(started)
		eng.logger.Info("repair: fix pass complete",
			"fix", fixName, "dry_run", dryRun,
			"issues_found", result.IssuesFound, "fixes_applied", 0)
		return result, nil
	}

	// Snapshot before mutating.
	snapID, err := eng.CreateRollbackSnapshot(ctx, fixName, affected)
	if err != nil {
		return result, err
	}
	result.SnapshotID = &snapID

	// Pass 2: mutate and write back in batches. A failed batch is recorded
	// and skipped; the snapshot still covers it, and a re-run will pick the
	// entries up again.
	exists, err := eng.refCheck(ctx, affected)
	if err != nil {
		return result, err
	}
	var fixed []model.ConversationEntry
	for i := range affected {
		if fixer.Apply(&affected[i], exists) {
			fixed = append(fixed, affected[i])
		}
	}

	for start := 0; start < len(fixed); start += eng.batchSize {
		end := min(start+eng.batchSize, len(fixed))
		batch := fixed[start:end]
		if err := eng.store.UpdateEntryMetadata(ctx, batch); err != nil {
			eng.logger.Error("repair: write fixed batch", "fix", fixName, "error", err, "count", len(batch))
			result.ErrorsEncountered = append(result.ErrorsEncountered, err.Error())
			continue
		}
		result.FixesApplied += len(batch)
	}

	result.ExecutionTime = time.Since(started)
	eng.logger.Info("repair: fix pass complete",
		"fix", fixName, "dry_run", false,
		"issues_found", result.IssuesFound,
		"fixes_applied", result.FixesApplied,
		"errors", len(result.ErrorsEncountered),
		"snapshot_id", snapID)
	return result, nil
}

// ValidateFix re-scans the store and reports the issues the named fixer
// still detects. Used after ApplyTargetedFix to confirm the fix took.
func (eng *Engine) ValidateFix(ctx context.Context, fixName string) (ScanReport, error) {
	fixer, err := findFixer(fixName)
	if err != nil {
		return ScanReport{}, err
	}
	return eng.ScanFor(ctx, fixer, 0)
}

// ScanFor pages through the store from the given offset and reports every
// violation one fixer detects. The fixer may be caller-supplied; its Apply
// is never invoked. Resumable the same way as ScanForIssues.
func (eng *Engine) ScanFor(ctx context.Context, fixer Fixer, offset int) (ScanReport, error) {
	report := ScanReport{NextOffset: offset}
	for {
		page, err := eng.store.ScanEntries(ctx, eng.batchSize, report.NextOffset)
		if err != nil {
			return report, fmt.Errorf("repair: scan %q at offset %d: %w", fixer.Name, report.NextOffset, err)
		}
		if len(page) == 0 {
			return report, nil
		}
		exists, err := eng.refCheck(ctx, page)
		if err != nil {
			return report, err
		}
		for i := range page {
			report.Issues = append(report.Issues, fixer.Detect(&page[i], exists)...)
		}
		report.EntriesScanned += len(page)
		report.NextOffset += len(page)
	}
}

// CreateRollbackSnapshot persists a point-in-time copy of the given entries.
func (eng *Engine) CreateRollbackSnapshot(ctx context.Context, fixName string, entries []model.ConversationEntry) (uuid.UUID, error) {
	snap := model.RollbackSnapshot{
		ID:        uuid.New(),
		FixName:   fixName,
		CreatedAt: time.Now().UTC(),
		Entries:   entries,
	}
	if err := eng.store.SaveSnapshot(ctx, snap); err != nil {
		return uuid.Nil, fmt.Errorf("repair: save snapshot for %q: %w", fixName, err)
	}
	eng.logger.Info("repair: snapshot created", "fix", fixName, "snapshot_id", snap.ID, "entries", len(entries))
	return snap.ID, nil
}

// Rollback restores the metadata captured in a snapshot.
func (eng *Engine) Rollback(ctx context.Context, snapshotID uuid.UUID) error {
	snap, err := eng.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("repair: load snapshot %s: %w", snapshotID, err)
	}
	if err := eng.store.UpdateEntryMetadata(ctx, snap.Entries); err != nil {
		return fmt.Errorf("repair: restore snapshot %s: %w", snapshotID, err)
	}
	eng.logger.Info("repair: rolled back", "fix", snap.FixName, "snapshot_id", snapshotID, "entries", len(snap.Entries))
	return nil
}

// FixNames returns the names of the built-in fixers.
func FixNames() []string {
	fixers := Fixers()
	names := make([]string, len(fixers))
	for i, f := range fixers {
		names[i] = f.Name
	}
	return names
}

func findFixer(name string) (Fixer, error) {
	for _, f := range Fixers() {
		if f.Name == name {
			return f, nil
		}
	}
	return Fixer{}, fmt.Errorf("repair: unknown fix %q (available: %v)", name, FixNames())
}
