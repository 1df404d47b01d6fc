package mcp

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kaiwa-ai/kaiwa/internal/chain"
	"github.com/kaiwa-ai/kaiwa/internal/enhance"
	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/patterns"
	"github.com/kaiwa-ai/kaiwa/internal/repair"
	"github.com/kaiwa-ai/kaiwa/internal/validate"
)

// memStore satisfies the store interfaces of the MCP server, the
// orchestrator, and the repair engine.
type memStore struct {
	entries []model.ConversationEntry
	order   []string
	snaps   map[uuid.UUID]model.RollbackSnapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[uuid.UUID]model.RollbackSnapshot)}
}

func (s *memStore) InsertEntries(_ context.Context, entries []model.ConversationEntry) error {
	known := make(map[string]bool, len(s.entries))
	for i := range s.entries {
		known[s.entries[i].ID] = true
	}
	for _, e := range entries {
		if known[e.ID] {
			continue
		}
		s.entries = append(s.entries, e)
	}
	seen := false
	for _, id := range s.order {
		if len(entries) > 0 && id == entries[0].SessionID {
			seen = true
		}
	}
	if !seen && len(entries) > 0 {
		s.order = append(s.order, entries[0].SessionID)
	}
	return nil
}

func (s *memStore) GetEntries(_ context.Context, ids []string) ([]model.ConversationEntry, error) {
	var out []model.ConversationEntry
	for _, id := range ids {
		for i := range s.entries {
			if s.entries[i].ID == id {
				out = append(out, s.entries[i])
			}
		}
	}
	return out, nil
}

func (s *memStore) GetSessionEntries(_ context.Context, sessionID string) ([]model.ConversationEntry, error) {
	var out []model.ConversationEntry
	for i := range s.entries {
		if s.entries[i].SessionID == sessionID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

func (s *memStore) ListSessionIDs(_ context.Context, limit int) ([]string, error) {
	if limit > len(s.order) {
		limit = len(s.order)
	}
	return s.order[:limit], nil
}

func (s *memStore) ScanEntries(_ context.Context, limit, offset int) ([]model.ConversationEntry, error) {
	if offset >= len(s.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.entries) {
		end = len(s.entries)
	}
	out := make([]model.ConversationEntry, end-offset)
	copy(out, s.entries[offset:end])
	return out, nil
}

func (s *memStore) CountEntries(context.Context) (int, error) {
	return len(s.entries), nil
}

func (s *memStore) UpdateEntryMetadata(_ context.Context, entries []model.ConversationEntry) error {
	for _, e := range entries {
		for i := range s.entries {
			if s.entries[i].ID == e.ID {
				s.entries[i] = e
			}
		}
	}
	return nil
}

func (s *memStore) SaveSnapshot(_ context.Context, snap model.RollbackSnapshot) error {
	s.snaps[snap.ID] = snap
	return nil
}

func (s *memStore) GetSnapshot(_ context.Context, id uuid.UUID) (model.RollbackSnapshot, error) {
	return s.snaps[id], nil
}

// bagProvider embeds text as a bag-of-words vector for deterministic
// classification.
type bagProvider struct{}

func (p *bagProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, 256)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%256]++
	}
	return pgvector.NewVector(vec), nil
}

func (p *bagProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (p *bagProvider) Dimensions() int { return 256 }

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := newMemStore()
	provider := &bagProvider{}

	cache, err := patterns.New(provider, patterns.Options{ConfidenceThreshold: 0.55}, logger)
	require.NoError(t, err)
	require.NoError(t, cache.Init(context.Background()))
	t.Cleanup(func() { _ = cache.Close() })

	orch := enhance.New(store,
		chain.New(chain.DefaultFeedbackWindow, logger),
		validate.New(cache, 0.65, logger),
		enhance.Options{}, logger)
	engine := repair.New(store, 100, logger)

	return New(store, provider, orch, engine, nil, 50, logger), store
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func ingestTestSession(t *testing.T, s *Server, sessionID string) {
	t.Helper()
	records, err := json.Marshal([]model.RawRecord{
		{Ordinal: 0, AuthorRole: "user", Text: "my build keeps failing", Timestamp: time.Now()},
		{Ordinal: 1, AuthorRole: "assistant", Text: "Try this:\n```sh\nnpm ci\n```", Timestamp: time.Now()},
		{Ordinal: 2, AuthorRole: "user", Text: "that worked perfectly", Timestamp: time.Now()},
	})
	require.NoError(t, err)

	res, err := s.handleIngestSession(context.Background(), callRequest("kaiwa_ingest_session", map[string]any{
		"session_id": sessionID,
		"records":    string(records),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
}

func TestIngestSession(t *testing.T) {
	s, store := newTestServer(t)

	ingestTestSession(t, s, "s1")

	require.Len(t, store.entries, 3)
	assert.Equal(t, model.EntryID("s1", "user", 0), store.entries[0].ID)
	assert.NotNil(t, store.entries[0].Embedding)
	assert.True(t, store.entries[1].HasCode)

	// Re-ingesting is a no-op.
	ingestTestSession(t, s, "s1")
	assert.Len(t, store.entries, 3)
}

func TestIngestSession_BadInput(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleIngestSession(context.Background(), callRequest("kaiwa_ingest_session", map[string]any{
		"session_id": "s1",
		"records":    "not json",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleIngestSession(context.Background(), callRequest("kaiwa_ingest_session", map[string]any{
		"records": "[]",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestEnhanceSessionTool(t *testing.T) {
	s, store := newTestServer(t)
	ingestTestSession(t, s, "s1")

	res, err := s.handleEnhanceSession(context.Background(), callRequest("kaiwa_enhance_session", map[string]any{
		"session_id": "s1",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var result model.SessionEnhancementResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Chain.FeedbackPaired)

	// The enrichment is visible in the store.
	sol, err := store.GetEntries(context.Background(), []string{model.EntryID("s1", "assistant", 1)})
	require.NoError(t, err)
	require.Len(t, sol, 1)
	assert.True(t, sol[0].IsValidatedSolution)
}

func TestEnhanceSessionsTool(t *testing.T) {
	s, _ := newTestServer(t)
	ingestTestSession(t, s, "a")
	ingestTestSession(t, s, "b")

	res, err := s.handleEnhanceSessions(context.Background(), callRequest("kaiwa_enhance_sessions", map[string]any{
		"limit": 10,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		SessionsProcessed int `json:"sessions_processed"`
		Succeeded         int `json:"succeeded"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, 2, out.SessionsProcessed)
	assert.Equal(t, 2, out.Succeeded)
}

func TestApplyFixTool_DryRunByDefault(t *testing.T) {
	s, store := newTestServer(t)
	bad := 1.9
	store.entries = append(store.entries, model.ConversationEntry{
		ID: "x", SessionID: "s", IsFeedbackToSolution: true, OutcomeCertainty: &bad,
		UserFeedbackSentiment: model.SentimentNeutral,
	})
	store.order = append(store.order, "s")

	res, err := s.handleApplyFix(context.Background(), callRequest("kaiwa_apply_fix", map[string]any{
		"fix_name": "outcome_certainty",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var result model.FixResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.IssuesFound)
	assert.Equal(t, 1.9, *store.entries[0].OutcomeCertainty, "dry run must not mutate")

	// Live run fixes, validate confirms, rollback restores.
	res, err = s.handleApplyFix(context.Background(), callRequest("kaiwa_apply_fix", map[string]any{
		"fix_name": "outcome_certainty",
		"live":     true,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, 1, result.FixesApplied)
	require.NotNil(t, result.SnapshotID)
	assert.Equal(t, 1.0, *store.entries[0].OutcomeCertainty)

	res, err = s.handleValidateFix(context.Background(), callRequest("kaiwa_validate_fix", map[string]any{
		"fix_name": "outcome_certainty",
	}))
	require.NoError(t, err)
	var validation struct {
		Clean bool `json:"clean"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &validation))
	assert.True(t, validation.Clean)

	res, err = s.handleRollback(context.Background(), callRequest("kaiwa_rollback", map[string]any{
		"snapshot_id": result.SnapshotID.String(),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, 1.9, *store.entries[0].OutcomeCertainty)
}

func TestRollbackTool_InvalidID(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleRollback(context.Background(), callRequest("kaiwa_rollback", map[string]any{
		"snapshot_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestFindValidated_NoIndex(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleFindValidated(context.Background(), callRequest("kaiwa_find_validated", map[string]any{
		"query": "build failure",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not configured")
}

func TestListSessionsTool(t *testing.T) {
	s, _ := newTestServer(t)
	ingestTestSession(t, s, "a")
	ingestTestSession(t, s, "b")

	res, err := s.handleListSessions(context.Background(), callRequest("kaiwa_list_sessions", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		Sessions []string `json:"sessions"`
		Total    int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, []string{"a", "b"}, out.Sessions)
}
