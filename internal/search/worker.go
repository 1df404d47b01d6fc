package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/kaiwa-ai/kaiwa/internal/telemetry"
)

// outboxRow represents a single row from the index_outbox table.
type outboxRow struct {
	ID        int64
	EntryID   uuid.UUID
	Operation string
	Attempts  int
}

// IndexWorker polls the index_outbox table and syncs enriched entries to
// Qdrant. Enrichment writes enqueue outbox rows in the same transaction as
// the Postgres update, so every metadata change eventually reaches the index
// even across Qdrant outages.
type IndexWorker struct {
	pool         *pgxpool.Pool
	index        *QdrantIndex
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewIndexWorker creates a new index worker.
func NewIndexWorker(pool *pgxpool.Pool, index *QdrantIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *IndexWorker {
	return &IndexWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *IndexWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("index outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining rows, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (w *IndexWorker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("index outbox: drain timed out")
	}
}

func (w *IndexWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

func (w *IndexWorker) processBatch(ctx context.Context) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("index outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Select and lock pending rows.
	rows, err := tx.Query(ctx,
		`SELECT id, entry_id, operation, attempts
		 FROM index_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("index outbox: select pending", "error", err)
		return
	}

	pending, err := scanOutboxRows(rows)
	if err != nil {
		w.logger.Error("index outbox: scan rows", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	// Lock the rows for 60 seconds (must exceed the 30s batchCtx timeout
	// to prevent a second worker from picking up rows whose lock expired
	// while the first worker is still processing).
	rowIDs := make([]int64, len(pending))
	for i, r := range pending {
		rowIDs[i] = r.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE index_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		rowIDs,
	); err != nil {
		w.logger.Error("index outbox: lock rows", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("index outbox: commit lock", "error", err)
		return
	}

	// Process upserts and deletes separately.
	var upserts []outboxRow
	var deletes []outboxRow
	for _, r := range pending {
		switch r.Operation {
		case "upsert":
			upserts = append(upserts, r)
		case "delete":
			deletes = append(deletes, r)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	// Periodically clean up dead-letter rows (attempts >= max, older than 7 days).
	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *IndexWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM index_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("index outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("index outbox: cleaned dead-letter rows", "deleted", tag.RowsAffected())
	}
}

func (w *IndexWorker) processUpserts(ctx context.Context, pending []outboxRow) {
	entryIDs := make([]uuid.UUID, len(pending))
	for i, r := range pending {
		entryIDs[i] = r.EntryID
	}

	points, err := w.fetchPointsForIndex(ctx, entryIDs)
	if err != nil {
		w.logger.Error("index outbox: fetch entries", "error", err, "count", len(entryIDs))
		w.failRows(ctx, pending, err.Error())
		return
	}

	if len(points) == 0 {
		// All entries deleted or have no embeddings — drop the outbox rows.
		w.succeedRows(ctx, pending)
		return
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("index outbox: qdrant upsert", "error", err, "count", len(points))
		w.failRows(ctx, pending, err.Error())
		return
	}

	w.succeedRows(ctx, pending)
	w.logger.Info("index outbox: upserted", "count", len(points))
}

func (w *IndexWorker) processDeletes(ctx context.Context, pending []outboxRow) {
	ids := make([]uuid.UUID, len(pending))
	for i, r := range pending {
		ids[i] = r.EntryID
	}

	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("index outbox: qdrant delete", "error", err, "count", len(ids))
		w.failRows(ctx, pending, err.Error())
		return
	}

	w.succeedRows(ctx, pending)
	w.logger.Info("index outbox: deleted", "count", len(ids))
}

func (w *IndexWorker) succeedRows(ctx context.Context, pending []outboxRow) {
	ids := make([]int64, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	if _, err := w.pool.Exec(ctx,
		`DELETE FROM index_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("index outbox: delete completed rows", "error", err)
	}
}

func (w *IndexWorker) failRows(ctx context.Context, pending []outboxRow, errMsg string) {
	ids := make([]int64, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	// Exponential backoff: locked_until = now() + 2^attempts seconds (capped at 5 minutes).
	// Each row in the batch has the same attempt count (incremented atomically), so
	// the backoff is uniform per batch. This prevents tight retry loops during Qdrant outages.
	if _, err := w.pool.Exec(ctx,
		`UPDATE index_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("index outbox: update failed rows", "error", err)
	}

	// Log dead-letter rows (attempts >= maxOutboxAttempts after increment).
	for _, r := range pending {
		if r.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("index outbox: dead-letter row",
				"outbox_id", r.ID,
				"entry_id", r.EntryID,
				"operation", r.Operation,
				"attempts", r.Attempts+1,
			)
		}
	}
}

func (w *IndexWorker) fetchPointsForIndex(ctx context.Context, ids []uuid.UUID) ([]Point, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT id, session_id, role, sequence_position, is_solution_attempt,
		        user_feedback_sentiment, solution_quality_score, validation_strength,
		        outcome_certainty, is_validated_solution, is_refuted_attempt,
		        created_at, embedding
		 FROM conversation_entries
		 WHERE id = ANY($1) AND embedding IS NOT NULL`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("index outbox: query entries: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var certainty *float64
		var emb pgvector.Vector
		if err := rows.Scan(
			&p.ID, &p.SessionID, &p.Role, &p.SequencePosition, &p.IsSolutionAttempt,
			&p.Sentiment, &p.QualityScore, &p.ValidationStrength,
			&certainty, &p.IsValidated, &p.IsRefuted,
			&p.CreatedAt, &emb,
		); err != nil {
			return nil, fmt.Errorf("index outbox: scan entry: %w", err)
		}
		if certainty != nil {
			p.OutcomeCertainty = *certainty
		}
		p.Embedding = emb.Slice()
		points = append(points, p)
	}
	return points, rows.Err()
}

// registerMetrics registers observable OTEL gauges for outbox health monitoring.
func (w *IndexWorker) registerMetrics() {
	meter := telemetry.Meter("kaiwa/outbox")

	_, _ = meter.Int64ObservableGauge("kaiwa.outbox.depth",
		metric.WithDescription("Number of pending rows in the index outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM index_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxRows(rows pgx.Rows) ([]outboxRow, error) {
	defer rows.Close()
	var out []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.ID, &r.EntryID, &r.Operation, &r.Attempts); err != nil {
			return nil, fmt.Errorf("index outbox: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
