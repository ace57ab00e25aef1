package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/quorum/internal/coordinator"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/store"
)

// RunFunc executes one session. It is coordinator.Run outside of tests.
type RunFunc func(ctx context.Context, opts coordinator.Options) (*coordinator.Result, error)

// Server wraps the session ledger and exposes it as MCP tools.
type Server struct {
	store    store.Store
	defaults coordinator.Options
	run      RunFunc
	version  string
}

// NewServer creates the MCP server wrapper. defaults supplies every run
// option a tool call does not set.
func NewServer(s store.Store, defaults coordinator.Options, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		store:    s,
		defaults: defaults,
		run:      coordinator.Run,
		version:  version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("quorum", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.listDecisionsTool())
	srv.AddTool(s.listFixesTool())
	srv.AddTool(s.runTool())
	srv.AddTool(s.rollbackTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Output shapes
// ---------------------------------------------------------------------------

type sessionOut struct {
	ID            string   `json:"id"`
	Project       string   `json:"project"`
	Root          string   `json:"root"`
	Strategy      string   `json:"strategy"`
	DryRun        bool     `json:"dry_run"`
	GitHead       string   `json:"git_head,omitempty"`
	GitDirty      bool     `json:"git_dirty"`
	Agents        []string `json:"agents"`
	FixesApplied  int      `json:"fixes_applied"`
	FixesFailed   int      `json:"fixes_failed"`
	FilesModified []string `json:"files_modified"`
	StartedAt     string   `json:"started_at"`
	EndedAt       string   `json:"ended_at,omitempty"`
}

func toSessionOut(sess *models.Session) sessionOut {
	out := sessionOut{
		ID:            sess.ID,
		Project:       sess.ProjectRoot,
		Root:          sess.Root,
		Strategy:      string(sess.Strategy),
		DryRun:        sess.DryRun,
		GitHead:       sess.GitHead,
		GitDirty:      sess.GitDirty,
		Agents:        nonNil(sess.Agents),
		FixesApplied:  sess.FixesApplied,
		FixesFailed:   sess.FixesFailed,
		FilesModified: nonNil(sess.FilesModified),
		StartedAt:     sess.StartedAt.Format(time.RFC3339),
	}
	if sess.EndedAt != nil {
		out.EndedAt = sess.EndedAt.Format(time.RFC3339)
	}
	return out
}

type fixOut struct {
	ID         string   `json:"id"`
	File       string   `json:"file"`
	Line       int      `json:"line"`
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	Confidence float64  `json:"confidence"`
	Agents     []string `json:"agents"`
	OldText    string   `json:"old_text,omitempty"`
	NewText    string   `json:"new_text,omitempty"`
	ErrorKind  string   `json:"error_kind,omitempty"`
	Error      string   `json:"error,omitempty"`
	Verifier   string   `json:"verifier,omitempty"`
	Degraded   bool     `json:"degraded"`
}

type decisionOut struct {
	File       string   `json:"file"`
	Line       int      `json:"line"`
	Type       string   `json:"type"`
	Validated  bool     `json:"validated"`
	Strategy   string   `json:"strategy"`
	AgreedBy   []string `json:"agreed_by"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// quorum_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("quorum_list_sessions",
		mcp.WithDescription("List recent analysis-and-fix sessions, newest first. Returns a JSON array with id, project, strategy, fix counts and timestamps."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 20, 0 for all)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = toSessionOut(sess)
	}
	return jsonResult(out)
}

// quorum_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("quorum_session_status",
		mcp.WithDescription("Get one session with its decision and fix counts. Accepts a full session ID or a unique prefix."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session ID or unique prefix")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	decisions, err := s.store.ListDecisions(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list decisions: %v", err)), nil
	}
	fixes, err := s.store.ListFixes(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list fixes: %v", err)), nil
	}
	events, err := s.store.ListEvents(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list events: %v", err)), nil
	}

	validated := 0
	for _, d := range decisions {
		if d.Validated {
			validated++
		}
	}
	byStatus := map[string]int{}
	for _, f := range fixes {
		byStatus[string(f.Status)]++
	}
	critical := 0
	for _, e := range events {
		if e.Critical {
			critical++
		}
	}

	return jsonResult(map[string]any{
		"session":         toSessionOut(sess),
		"validated":       validated,
		"rejected":        len(decisions) - validated,
		"fixes":           byStatus,
		"critical_events": critical,
	})
}

// quorum_list_decisions
func (s *Server) listDecisionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("quorum_list_decisions",
		mcp.WithDescription("List the trust decisions of a session: which issues were validated or rejected, by whom, and why."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session ID or unique prefix")),
		mcp.WithString("verdict", mcp.Description("Filter: validated or rejected")),
	)
	return tool, s.handleListDecisions
}

func (s *Server) handleListDecisions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	verdict := strings.ToLower(request.GetString("verdict", ""))
	if verdict != "" && verdict != "validated" && verdict != "rejected" {
		return mcp.NewToolResultError(fmt.Sprintf("invalid verdict: %s (use validated or rejected)", verdict)), nil
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	decisions, err := s.store.ListDecisions(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list decisions: %v", err)), nil
	}

	out := []decisionOut{}
	for _, d := range decisions {
		if verdict == "validated" && !d.Validated || verdict == "rejected" && d.Validated {
			continue
		}
		out = append(out, decisionOut{
			File:       d.FilePath,
			Line:       d.LineNumber,
			Type:       d.IssueType,
			Validated:  d.Validated,
			Strategy:   string(d.Strategy),
			AgreedBy:   nonNil(d.AgreedBy),
			Confidence: d.Confidence,
			Rationale:  d.Rationale,
		})
	}
	return jsonResult(out)
}

// quorum_list_fixes
func (s *Server) listFixesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("quorum_list_fixes",
		mcp.WithDescription("List the fix outcomes of a session with before/after text and failure reasons."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session ID or unique prefix")),
		mcp.WithString("status", mcp.Description("Filter by status: committed, failed, skipped, simulated")),
	)
	return tool, s.handleListFixes
}

func (s *Server) handleListFixes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	status := request.GetString("status", "")

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fixes, err := s.store.ListFixes(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list fixes: %v", err)), nil
	}

	out := []fixOut{}
	for _, f := range fixes {
		if status != "" && string(f.Status) != status {
			continue
		}
		out = append(out, fixOut{
			ID:         f.ID,
			File:       f.FilePath,
			Line:       f.LineNumber,
			Type:       string(f.FixType),
			Status:     string(f.Status),
			Confidence: f.Confidence,
			Agents:     nonNil(f.Agents),
			OldText:    f.OldText,
			NewText:    f.NewText,
			ErrorKind:  string(f.ErrorKind),
			Error:      f.Error,
			Verifier:   f.Verifier,
			Degraded:   f.Degraded,
		})
	}
	return jsonResult(out)
}

// quorum_run
func (s *Server) runTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("quorum_run",
		mcp.WithDescription("Corroborate analyzer reports for a project and optionally apply the trusted fixes. Files are only modified when apply is true and dry_run is false."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project root directory")),
		mcp.WithString("reports", mcp.Required(), mcp.Description("Comma-separated analyzer report files or directories")),
		mcp.WithString("strategy", mcp.Description("fine-grained, file-level or dual-review")),
		mcp.WithBoolean("apply", mcp.Description("Apply trusted fixes (default false)")),
		mcp.WithBoolean("dry_run", mcp.Description("Simulate fixes without writing (default true)")),
	)
	return tool, s.handleRun
}

func (s *Server) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	reports, err := request.RequireString("reports")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: reports"), nil
	}

	opts := s.defaults
	opts.ProjectRoot = project
	opts.Inputs = nil
	for _, in := range strings.Split(reports, ",") {
		if in = strings.TrimSpace(in); in != "" {
			opts.Inputs = append(opts.Inputs, in)
		}
	}
	if strategy := request.GetString("strategy", ""); strategy != "" {
		opts.Strategy = models.Strategy(strategy)
	}
	opts.Apply = request.GetBool("apply", false)
	opts.DryRun = request.GetBool("dry_run", true)
	opts.Recorder = s.store

	res, err := s.run(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"session":   toSessionOut(&res.Session),
		"issues":    len(res.Pool),
		"validated": len(res.Validated),
		"rejected":  res.Rejected,
		"committed": res.Summary.Committed,
		"simulated": res.Summary.Simulated,
		"failed":    res.Summary.Failed,
		"skipped":   res.Summary.Skipped + len(res.Skips),
		"artifacts": nonNil(res.Artifacts),
	})
}

// quorum_rollback_session
func (s *Server) rollbackTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("quorum_rollback_session",
		mcp.WithDescription("Restore every file a session modified to its pristine backup. Best-effort: files that cannot be restored are reported."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session ID or unique prefix")),
	)
	return tool, s.handleRollback
}

func (s *Server) handleRollback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}

	sess, rep, err := coordinator.RollbackSession(ctx, s.store, id, s.defaults.Logger)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rollback failed: %v", err)), nil
	}

	failed := make([]map[string]string, 0, len(rep.Failed))
	for _, f := range rep.Failed {
		failed = append(failed, map[string]string{"file": f.Path, "error": f.Error})
	}
	return jsonResult(map[string]any{
		"session_id": sess.ID,
		"ok":         rep.OK(),
		"restored":   nonNil(rep.Restored),
		"failed":     failed,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
