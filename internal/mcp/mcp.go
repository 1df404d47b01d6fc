// Package mcp exposes the enhancement pipeline over the Model Context
// Protocol: ingesting transcripts, running enrichment, health reporting,
// and the repair tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kaiwa-ai/kaiwa/internal/embedding"
	"github.com/kaiwa-ai/kaiwa/internal/enhance"
	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/repair"
	"github.com/kaiwa-ai/kaiwa/internal/search"
)

// Store is the persistence surface the MCP handlers need directly. The
// heavier operations go through the orchestrator and the repair engine.
type Store interface {
	InsertEntries(ctx context.Context, entries []model.ConversationEntry) error
	GetEntries(ctx context.Context, ids []string) ([]model.ConversationEntry, error)
	ListSessionIDs(ctx context.Context, limit int) ([]string, error)
}

// Searcher answers similarity queries over validated solutions. Nil when no
// vector index is configured; the search tool then reports unavailability.
type Searcher interface {
	SearchValidated(ctx context.Context, embedding []float32, minStrength float64, limit int) ([]search.Result, error)
}

// Server wraps the MCP server with the enhancement services.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	store        Store
	embedder     embedding.Provider
	orchestrator *enhance.Orchestrator
	engine       *repair.Engine
	index        Searcher
	logger       *slog.Logger

	healthSessions int // default session count for health surfaces
}

// New creates and configures an MCP server with all resources and tools.
// index may be nil. healthSessions caps how many recent sessions the health
// surfaces inspect when the caller does not say.
func New(store Store, embedder embedding.Provider, orchestrator *enhance.Orchestrator, engine *repair.Engine, index Searcher, healthSessions int, logger *slog.Logger) *Server {
	if healthSessions <= 0 {
		healthSessions = 50
	}
	s := &Server{
		store:          store,
		embedder:       embedder,
		orchestrator:   orchestrator,
		engine:         engine,
		index:          index,
		logger:         logger,
		healthSessions: healthSessions,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaiwa",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kaiwa://sessions/recent — most recently active sessions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kaiwa://sessions/recent",
			"Recent Sessions",
			mcplib.WithResourceDescription("Most recently active conversation sessions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsRecent,
	)

	// kaiwa://health/report — aggregate enrichment health.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kaiwa://health/report",
			"Enrichment Health",
			mcplib.WithResourceDescription("Aggregate enrichment health across recent sessions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHealthResource,
	)
}

func (s *Server) registerTools() {
	// kaiwa_ingest_session — store a raw transcript.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_ingest_session",
			mcplib.WithDescription("Ingest a session transcript. Records is a JSON array of {ordinal, author_role, text, timestamp} objects."),
			mcplib.WithString("session_id", mcplib.Description("Session identifier"), mcplib.Required()),
			mcplib.WithString("records", mcplib.Description("JSON array of transcript records"), mcplib.Required()),
		),
		s.handleIngestSession,
	)

	// kaiwa_enhance_session — run the pipeline over one session.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_enhance_session",
			mcplib.WithDescription("Run chain linking, feedback validation, and health scoring over one session"),
			mcplib.WithString("session_id", mcplib.Description("Session identifier"), mcplib.Required()),
			mcplib.WithBoolean("backfill", mcplib.Description("Run the chain-linking phase (default true)")),
			mcplib.WithBoolean("optimize", mcplib.Description("Run the scoring and sentiment phase (default true)")),
			mcplib.WithBoolean("validate", mcplib.Description("Run the health aggregation phase (default true)")),
		),
		s.handleEnhanceSession,
	)

	// kaiwa_enhance_sessions — batch enhancement over recent sessions.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_enhance_sessions",
			mcplib.WithDescription("Run the enhancement pipeline over the most recent sessions"),
			mcplib.WithNumber("limit", mcplib.Description("How many recent sessions to process (default 10)")),
			mcplib.WithBoolean("backfill", mcplib.Description("Run the chain-linking phase (default true)")),
			mcplib.WithBoolean("optimize", mcplib.Description("Run the scoring and sentiment phase (default true)")),
			mcplib.WithBoolean("validate", mcplib.Description("Run the health aggregation phase (default true)")),
		),
		s.handleEnhanceSessions,
	)

	// kaiwa_health_report — aggregate health.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_health_report",
			mcplib.WithDescription("Report enrichment health across recent sessions with actionable recommendations"),
			mcplib.WithNumber("max_sessions", mcplib.Description("How many recent sessions to inspect")),
		),
		s.handleHealthReport,
	)

	// kaiwa_scan_for_issues — full-store metadata scan.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_scan_for_issues",
			mcplib.WithDescription("Scan all stored entries for metadata contract violations"),
			mcplib.WithNumber("offset", mcplib.Description("Entry offset to resume a previous scan from")),
		),
		s.handleScanForIssues,
	)

	// kaiwa_apply_fix — targeted repair, dry-run by default.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_apply_fix",
			mcplib.WithDescription(fmt.Sprintf("Apply a targeted metadata fix. Available fixes: %v. Dry-run by default.", repair.FixNames())),
			mcplib.WithString("fix_name", mcplib.Description("Name of the fix to apply"), mcplib.Required()),
			mcplib.WithBoolean("live", mcplib.Description("Set true to mutate the store; otherwise reports what would change")),
		),
		s.handleApplyFix,
	)

	// kaiwa_validate_fix — confirm a fix took.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_validate_fix",
			mcplib.WithDescription("Re-scan the store and report issues the named fix still detects"),
			mcplib.WithString("fix_name", mcplib.Description("Name of the fix to validate"), mcplib.Required()),
		),
		s.handleValidateFix,
	)

	// kaiwa_rollback — undo a live fix.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_rollback",
			mcplib.WithDescription("Restore entry metadata from the snapshot taken before a live fix"),
			mcplib.WithString("snapshot_id", mcplib.Description("Snapshot UUID returned by kaiwa_apply_fix"), mcplib.Required()),
		),
		s.handleRollback,
	)

	// kaiwa_list_sessions — recent session IDs.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_list_sessions",
			mcplib.WithDescription("List the most recently active session IDs"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum sessions to return (default 20)")),
		),
		s.handleListSessions,
	)

	// kaiwa_find_validated — similarity search over validated solutions.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_find_validated",
			mcplib.WithDescription("Find validated solutions similar to a problem description"),
			mcplib.WithString("query", mcplib.Description("Natural language problem description"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return (default 5)")),
			mcplib.WithNumber("min_strength", mcplib.Description("Minimum validation strength 0.0-1.0")),
		),
		s.handleFindValidated,
	)
}

func (s *Server) handleSessionsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ids, err := s.store.ListSessionIDs(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent sessions: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{"sessions": ids}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sessions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kaiwa://sessions/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleHealthResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	report, err := s.orchestrator.HealthReport(ctx, s.healthSessions)
	if err != nil {
		return nil, fmt.Errorf("mcp: health resource: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal health report: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kaiwa://health/report",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
