package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kaiwa-ai/kaiwa/internal/enhance"
	"github.com/kaiwa-ai/kaiwa/internal/model"
)

func (s *Server) handleIngestSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	recordsJSON := request.GetString("records", "")
	if sessionID == "" || recordsJSON == "" {
		return errorResult("session_id and records are required"), nil
	}

	var records []model.RawRecord
	if err := json.Unmarshal([]byte(recordsJSON), &records); err != nil {
		return errorResult(fmt.Sprintf("invalid records JSON: %v", err)), nil
	}
	if len(records) == 0 {
		return errorResult("records is empty"), nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Ordinal < records[j].Ordinal })

	entries := make([]model.ConversationEntry, len(records))
	texts := make([]string, len(records))
	for i, rec := range records {
		entries[i] = model.NewEntry(sessionID, rec)
		texts[i] = rec.Text
	}

	// Embeddings are best-effort at ingestion: entries without one are
	// stored anyway and simply stay out of the vector index.
	if vecs, err := s.embedder.EmbedBatch(ctx, texts); err != nil {
		s.logger.Warn("mcp: ingest embeddings failed, storing without", "session_id", sessionID, "error", err)
	} else {
		for i := range entries {
			entries[i].Embedding = &vecs[i]
		}
	}

	if err := s.store.InsertEntries(ctx, entries); err != nil {
		return errorResult(fmt.Sprintf("failed to store entries: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"session_id": sessionID,
		"ingested":   len(entries),
		"status":     "stored",
	})
	return textResult(string(resultData)), nil
}

// requestedPhases reads the optional phase toggles; every phase defaults on.
func requestedPhases(request mcplib.CallToolRequest) enhance.Phases {
	return enhance.Phases{
		Backfill: request.GetBool("backfill", true),
		Optimize: request.GetBool("optimize", true),
		Validate: request.GetBool("validate", true),
	}
}

func (s *Server) handleEnhanceSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return errorResult("session_id is required"), nil
	}

	result := s.orchestrator.ProcessSession(ctx, sessionID, requestedPhases(request))

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleEnhanceSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)

	sessionIDs, err := s.store.ListSessionIDs(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if len(sessionIDs) == 0 {
		return textResult(`{"sessions_processed": 0}`), nil
	}

	results := s.orchestrator.ProcessSessions(ctx, sessionIDs, requestedPhases(request))

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"sessions_processed": len(results),
		"succeeded":          succeeded,
		"results":            results,
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleHealthReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	maxSessions := request.GetInt("max_sessions", s.healthSessions)

	report, err := s.orchestrator.HealthReport(ctx, maxSessions)
	if err != nil {
		return errorResult(fmt.Sprintf("health report failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(report, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleScanForIssues(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	offset := request.GetInt("offset", 0)

	report, err := s.engine.ScanForIssues(ctx, offset)
	if err != nil {
		// Return the partial report so the caller can resume from
		// report.NextOffset.
		partial, _ := json.MarshalIndent(report, "", "  ")
		return errorResult(fmt.Sprintf("scan failed: %v\npartial report: %s", err, partial)), nil
	}

	resultData, _ := json.MarshalIndent(report, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleApplyFix(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	fixName := request.GetString("fix_name", "")
	if fixName == "" {
		return errorResult("fix_name is required"), nil
	}
	dryRun := !request.GetBool("live", false)

	result, err := s.engine.ApplyTargetedFix(ctx, fixName, dryRun)
	if err != nil {
		return errorResult(fmt.Sprintf("fix failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleValidateFix(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	fixName := request.GetString("fix_name", "")
	if fixName == "" {
		return errorResult("fix_name is required"), nil
	}

	report, err := s.engine.ValidateFix(ctx, fixName)
	if err != nil {
		return errorResult(fmt.Sprintf("validation failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"fix_name":         fixName,
		"clean":            len(report.Issues) == 0,
		"remaining_issues": report.Issues,
		"entries_scanned":  report.EntriesScanned,
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleRollback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("snapshot_id", "")
	snapshotID, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid snapshot_id %q", raw)), nil
	}

	if err := s.engine.Rollback(ctx, snapshotID); err != nil {
		return errorResult(fmt.Sprintf("rollback failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"snapshot_id": snapshotID,
		"status":      "restored",
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleListSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)

	ids, err := s.store.ListSessionIDs(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"sessions": ids,
		"total":    len(ids),
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleFindValidated(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.index == nil {
		return errorResult("vector index is not configured"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)
	minStrength := request.GetFloat("min_strength", 0)

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to generate embedding: %v", err)), nil
	}

	hits, err := s.index.SearchValidated(ctx, queryEmb.Slice(), minStrength, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float32, len(hits))
	for i, h := range hits {
		ids[i] = h.EntryID.String()
		scores[h.EntryID.String()] = h.Score
	}

	entries, err := s.store.GetEntries(ctx, ids)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load entries: %v", err)), nil
	}

	type hit struct {
		Entry model.ConversationEntry `json:"entry"`
		Score float32                 `json:"score"`
	}
	out := make([]hit, 0, len(entries))
	for _, e := range entries {
		out = append(out, hit{Entry: e, Score: scores[e.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	resultData, _ := json.MarshalIndent(map[string]any{
		"results": out,
		"total":   len(out),
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
