package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// entryColumns is the shared select list for conversation entries.
const entryColumns = `id, session_id, sequence_position, role, body, has_code, created_at, embedding,
	previous_message_id, next_message_id, related_solution_id, feedback_message_id, is_feedback_to_solution,
	is_solution_attempt, solution_quality_score, user_feedback_sentiment, validation_strength,
	outcome_certainty, is_validated_solution, is_refuted_attempt`

// InsertEntries stores newly ingested entries. Re-ingesting the same
// transcript is a no-op: entry IDs are content-derived and conflicts are
// skipped so enhancement metadata written since ingestion is preserved.
func (db *DB) InsertEntries(ctx context.Context, entries []model.ConversationEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO conversation_entries
				(id, session_id, sequence_position, role, body, has_code, created_at, embedding,
				 user_feedback_sentiment)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.SessionID, e.SequencePosition, e.Role, e.Text, e.HasCode, e.Timestamp,
			e.Embedding, string(e.UserFeedbackSentiment),
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("storage: insert entries: %w", err)
		}
	}
	return nil
}

// GetSessionEntries returns all entries for a session in sequence order.
func (db *DB) GetSessionEntries(ctx context.Context, sessionID string) ([]model.ConversationEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM conversation_entries
		 WHERE session_id = $1
		 ORDER BY sequence_position ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get session entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetEntries returns the entries with the given IDs, in no particular order.
// Missing IDs are silently absent from the result.
func (db *DB) GetEntries(ctx context.Context, ids []string) ([]model.ConversationEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM conversation_entries
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ScanEntries pages through the whole store in a stable order, for the
// repair engine's restartable scans.
func (db *DB) ScanEntries(ctx context.Context, limit, offset int) ([]model.ConversationEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM conversation_entries
		 ORDER BY session_id, sequence_position, role
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: scan entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// CountEntries returns the total number of stored entries.
func (db *DB) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM conversation_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count entries: %w", err)
	}
	return n, nil
}

// ListSessionIDs returns the most recently active session IDs, newest first.
func (db *DB) ListSessionIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT session_id
		 FROM conversation_entries
		 GROUP BY session_id
		 ORDER BY max(created_at) DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateEntryMetadata overwrites the chain and validation fields of each
// entry and enqueues an index_outbox row so the vector index payload is
// refreshed. Content fields (body, embedding) are never touched. Each
// entry's update is an independent atomic read-modify-write; a retry on a
// transient conflict re-applies the same values.
func (db *DB) UpdateEntryMetadata(ctx context.Context, entries []model.ConversationEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return WithRetry(ctx, 3, retryBaseDelay, func() error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`
				UPDATE conversation_entries SET
					previous_message_id = $2,
					next_message_id = $3,
					related_solution_id = $4,
					feedback_message_id = $5,
					is_feedback_to_solution = $6,
					is_solution_attempt = $7,
					solution_quality_score = $8,
					user_feedback_sentiment = $9,
					validation_strength = $10,
					outcome_certainty = $11,
					is_validated_solution = $12,
					is_refuted_attempt = $13
				WHERE id = $1`,
				e.ID,
				e.PreviousMessageID, e.NextMessageID, e.RelatedSolutionID, e.FeedbackMessageID,
				e.IsFeedbackToSolution, e.IsSolutionAttempt, e.SolutionQualityScore,
				string(e.UserFeedbackSentiment), e.ValidationStrength, e.OutcomeCertainty,
				e.IsValidatedSolution, e.IsRefutedAttempt,
			)
			batch.Queue(
				`INSERT INTO index_outbox (entry_id, operation) VALUES ($1, 'upsert')`,
				e.ID,
			)
		}

		results := db.pool.SendBatch(ctx, batch)
		defer func() { _ = results.Close() }()
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("storage: update entry metadata: %w", err)
			}
		}
		return nil
	})
}

// scanEntries collects rows into ConversationEntry values.
func scanEntries(rows pgx.Rows) ([]model.ConversationEntry, error) {
	var entries []model.ConversationEntry
	for rows.Next() {
		var e model.ConversationEntry
		var sentiment string
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.SequencePosition, &e.Role, &e.Text, &e.HasCode, &e.Timestamp, &e.Embedding,
			&e.PreviousMessageID, &e.NextMessageID, &e.RelatedSolutionID, &e.FeedbackMessageID, &e.IsFeedbackToSolution,
			&e.IsSolutionAttempt, &e.SolutionQualityScore, &sentiment, &e.ValidationStrength,
			&e.OutcomeCertainty, &e.IsValidatedSolution, &e.IsRefutedAttempt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan entry: %w", err)
		}
		e.UserFeedbackSentiment = model.Sentiment(sentiment)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
