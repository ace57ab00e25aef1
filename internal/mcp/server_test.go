package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/quorum/internal/coordinator"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/store"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

var _ store.Store = (*mockStore)(nil)

// mockStore implements store.Store in memory.
type mockStore struct {
	mu        sync.Mutex
	sessions  []*models.Session
	decisions []*models.Decision
	fixes     map[string][]*models.Fix
	events    []*models.AuditEvent
	backups   []*store.Backup

	listSessionsErr error
	listFixesErr    error
}

func newMockStore() *mockStore {
	return &mockStore{fixes: map[string][]*models.Fix{}}
}

func (m *mockStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions = append(m.sessions, &cp)
	return nil
}
func (m *mockStore) UpdateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.sessions {
		if existing.ID == s.ID {
			cp := *s
			m.sessions[i] = &cp
			return nil
		}
	}
	return store.ErrNotFound
}
func (m *mockStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*models.Session
	for _, s := range m.sessions {
		if s.ID == id {
			return s, nil
		}
		if id != "" && strings.HasPrefix(s.ID, id) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session %w: %s", store.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("session %w: %s", store.ErrAmbiguous, id)
	}
}
func (m *mockStore) ListSessions(_ context.Context, limit int) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listSessionsErr != nil {
		return nil, m.listSessionsErr
	}
	out := append([]*models.Session(nil), m.sessions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (m *mockStore) RecordDecision(_ context.Context, d *models.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.decisions = append(m.decisions, &cp)
	return nil
}
func (m *mockStore) RecordFix(_ context.Context, sessionID string, f *models.Fix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.fixes[sessionID] = append(m.fixes[sessionID], &cp)
	return nil
}
func (m *mockStore) RecordEvent(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}
func (m *mockStore) RecordBackup(_ context.Context, sessionID, rel, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, &store.Backup{SessionID: sessionID, FilePath: rel, BackupPath: path})
	return nil
}
func (m *mockStore) ListDecisions(_ context.Context, sessionID string) ([]*models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Decision
	for _, d := range m.decisions {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out, nil
}
func (m *mockStore) ListFixes(_ context.Context, sessionID string) ([]*models.Fix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listFixesErr != nil {
		return nil, m.listFixesErr
	}
	return m.fixes[sessionID], nil
}
func (m *mockStore) ListEvents(_ context.Context, sessionID string) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditEvent
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}
func (m *mockStore) ListBackups(_ context.Context, sessionID string) ([]*store.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Backup
	for _, b := range m.backups {
		if b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	return out, nil
}
func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Close() error                    { return nil }

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *mockStore) {
	t.Helper()
	ms := newMockStore()
	srv := NewServer(ms, coordinator.Options{
		ReportsDir: t.TempDir(),
		MinAgents:  2,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, "test")
	require.NotNil(t, srv)
	return srv, ms
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// seedSession adds a finished session with one committed and one failed fix.
func seedSession(t *testing.T, ms *mockStore, id string, started time.Time) *models.Session {
	t.Helper()
	end := started.Add(time.Minute)
	s := &models.Session{
		ID:            id,
		ProjectRoot:   "/src/app",
		Root:          "/reports/session-" + id,
		BackupRoot:    "/reports/session-" + id + "/2-FIXES/backup",
		Strategy:      models.StrategyFineGrained,
		Agents:        []string{"a", "b"},
		FixesApplied:  1,
		FixesFailed:   1,
		FilesModified: []string{"src/App.tsx"},
		StartedAt:     started,
		EndedAt:       &end,
	}
	ms.sessions = append(ms.sessions, s)
	ms.decisions = append(ms.decisions,
		&models.Decision{SessionID: id, Validated: true, FilePath: "src/App.tsx", LineNumber: 2, IssueType: "emoji", AgreedBy: []string{"a", "b"}, Confidence: 95},
		&models.Decision{SessionID: id, Validated: false, FilePath: "src/App.tsx", LineNumber: 3, IssueType: "console-log", AgreedBy: []string{"a"}, Rationale: "no corroborating agent"},
	)
	ms.fixes[id] = []*models.Fix{
		{ID: id + "-f1", FilePath: "src/App.tsx", LineNumber: 2, FixType: models.FixTypeEmojiRemoval, Status: models.FixStatusCommitted, Applied: true, Success: true},
		{ID: id + "-f2", FilePath: "src/util.ts", LineNumber: 9, FixType: models.FixTypeConsoleLogRemoval, Status: models.FixStatusFailed, Applied: true, ErrorKind: models.ErrorKindSyntax, Error: "syntax verification failed"},
	}
	ms.events = append(ms.events, &models.AuditEvent{SessionID: id, Kind: models.AuditRollbackFailed, Critical: true})
	return s
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NotNil(t, srv.MCPServer(), "MCPServer() should return non-nil")
	assert.Equal(t, "dev", NewServer(newMockStore(), coordinator.Options{}, "").version)
}

func TestHandleListSessions(t *testing.T) {
	srv, ms := newTestServer(t)
	now := time.Now().UTC()
	seedSession(t, ms, "01OLD", now.Add(-time.Hour))
	seedSession(t, ms, "01NEW", now)

	result, err := srv.handleListSessions(context.Background(), callToolReq("quorum_list_sessions", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []sessionOut
	resultJSON(t, result, &out)
	require.Len(t, out, 2)
	assert.Equal(t, "01NEW", out[0].ID)
	assert.Equal(t, []string{"src/App.tsx"}, out[0].FilesModified)
	assert.NotEmpty(t, out[0].EndedAt)
}

func TestHandleListSessions_Limit(t *testing.T) {
	srv, ms := newTestServer(t)
	now := time.Now().UTC()
	seedSession(t, ms, "01A", now.Add(-time.Hour))
	seedSession(t, ms, "01B", now)

	result, err := srv.handleListSessions(context.Background(), callToolReq("quorum_list_sessions", map[string]any{"limit": 1}))
	require.NoError(t, err)

	var out []sessionOut
	resultJSON(t, result, &out)
	assert.Len(t, out, 1)
}

func TestHandleListSessions_Empty(t *testing.T) {
	srv, _ := newTestServer(t)
	result, err := srv.handleListSessions(context.Background(), callToolReq("quorum_list_sessions", nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleListSessions_StoreError(t *testing.T) {
	srv, ms := newTestServer(t)
	ms.listSessionsErr = errors.New("db locked")

	result, err := srv.handleListSessions(context.Background(), callToolReq("quorum_list_sessions", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "db locked")
}

func TestHandleSessionStatus(t *testing.T) {
	srv, ms := newTestServer(t)
	seedSession(t, ms, "01HZXABC", time.Now().UTC())

	result, err := srv.handleSessionStatus(context.Background(), callToolReq("quorum_session_status", map[string]any{"session": "01HZX"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Session        sessionOut     `json:"session"`
		Validated      int            `json:"validated"`
		Rejected       int            `json:"rejected"`
		Fixes          map[string]int `json:"fixes"`
		CriticalEvents int            `json:"critical_events"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, "01HZXABC", out.Session.ID)
	assert.Equal(t, 1, out.Validated)
	assert.Equal(t, 1, out.Rejected)
	assert.Equal(t, map[string]int{"committed": 1, "failed": 1}, out.Fixes)
	assert.Equal(t, 1, out.CriticalEvents)
}

func TestHandleSessionStatus_Errors(t *testing.T) {
	srv, ms := newTestServer(t)
	seedSession(t, ms, "01AB1", time.Now().UTC())
	seedSession(t, ms, "01AB2", time.Now().UTC())

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing arg", nil, "missing required parameter"},
		{"unknown", map[string]any{"session": "zzz"}, "not found"},
		{"ambiguous", map[string]any{"session": "01AB"}, "ambiguous"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.handleSessionStatus(context.Background(), callToolReq("quorum_session_status", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleListDecisions(t *testing.T) {
	srv, ms := newTestServer(t)
	seedSession(t, ms, "01S", time.Now().UTC())

	tests := []struct {
		verdict string
		want    int
	}{
		{"", 2},
		{"validated", 1},
		{"REJECTED", 1},
	}
	for _, tt := range tests {
		t.Run("verdict="+tt.verdict, func(t *testing.T) {
			result, err := srv.handleListDecisions(context.Background(),
				callToolReq("quorum_list_decisions", map[string]any{"session": "01S", "verdict": tt.verdict}))
			require.NoError(t, err)
			var out []decisionOut
			resultJSON(t, result, &out)
			assert.Len(t, out, tt.want)
		})
	}

	result, err := srv.handleListDecisions(context.Background(),
		callToolReq("quorum_list_decisions", map[string]any{"session": "01S", "verdict": "maybe"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListFixes(t *testing.T) {
	srv, ms := newTestServer(t)
	seedSession(t, ms, "01S", time.Now().UTC())

	result, err := srv.handleListFixes(context.Background(),
		callToolReq("quorum_list_fixes", map[string]any{"session": "01S", "status": "failed"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []fixOut
	resultJSON(t, result, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "src/util.ts", out[0].File)
	assert.Equal(t, string(models.ErrorKindSyntax), out[0].ErrorKind)
	assert.Equal(t, []string{}, out[0].Agents)
}

func TestHandleListFixes_StoreError(t *testing.T) {
	srv, ms := newTestServer(t)
	seedSession(t, ms, "01S", time.Now().UTC())
	ms.listFixesErr = errors.New("boom")

	result, err := srv.handleListFixes(context.Background(), callToolReq("quorum_list_fixes", map[string]any{"session": "01S"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRun_PassesOptions(t *testing.T) {
	srv, ms := newTestServer(t)
	var got coordinator.Options
	srv.run = func(_ context.Context, opts coordinator.Options) (*coordinator.Result, error) {
		got = opts
		return &coordinator.Result{Session: models.Session{ID: "01RUN"}}, nil
	}

	result, err := srv.handleRun(context.Background(), callToolReq("quorum_run", map[string]any{
		"project":  "/src/app",
		"reports":  "a.json, b.json,,",
		"strategy": "file-level",
		"apply":    true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "/src/app", got.ProjectRoot)
	assert.Equal(t, []string{"a.json", "b.json"}, got.Inputs)
	assert.Equal(t, models.StrategyFileLevel, got.Strategy)
	assert.True(t, got.Apply)
	assert.True(t, got.DryRun, "dry run is the default over MCP")
	assert.Equal(t, 2, got.MinAgents, "defaults carry through")
	assert.Same(t, ms, got.Recorder)

	var out map[string]any
	resultJSON(t, result, &out)
	assert.Contains(t, resultText(t, result), "01RUN")
}

func TestHandleRun_Errors(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.run = func(context.Context, coordinator.Options) (*coordinator.Result, error) {
		return nil, coordinator.ErrNoInputs
	}

	result, err := srv.handleRun(context.Background(), callToolReq("quorum_run", map[string]any{"project": "/x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "reports")

	result, err = srv.handleRun(context.Background(), callToolReq("quorum_run", map[string]any{"project": "/x", "reports": "a.json"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "run failed")
}

func TestHandleRunAndRollback(t *testing.T) {
	srv, ms := newTestServer(t)

	project := t.TempDir()
	original := "const title = '🚀 Launch';\n"
	require.NoError(t, os.WriteFile(filepath.Join(project, "app.js"), []byte(original), 0644))
	reports := t.TempDir()
	for _, agent := range []string{"a", "b"} {
		doc := fmt.Sprintf(`{"agent": %q, "issues": [{"file": "app.js", "line": 1, "type": "emoji", "confidence": 95, "auto_fixable": true}]}`, agent)
		require.NoError(t, os.WriteFile(filepath.Join(reports, agent+".json"), []byte(doc), 0644))
	}

	result, err := srv.handleRun(context.Background(), callToolReq("quorum_run", map[string]any{
		"project": project,
		"reports": reports,
		"apply":   true,
		"dry_run": false,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var run struct {
		Session   sessionOut `json:"session"`
		Committed int        `json:"committed"`
	}
	resultJSON(t, result, &run)
	assert.Equal(t, 1, run.Committed)
	data, err := os.ReadFile(filepath.Join(project, "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "const title = 'Launch';\n", string(data))
	require.Len(t, ms.sessions, 1)

	result, err = srv.handleRollback(context.Background(), callToolReq("quorum_rollback_session", map[string]any{"session": run.Session.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var rb struct {
		OK       bool     `json:"ok"`
		Restored []string `json:"restored"`
	}
	resultJSON(t, result, &rb)
	assert.True(t, rb.OK)
	assert.Equal(t, []string{"app.js"}, rb.Restored)

	data, err = os.ReadFile(filepath.Join(project, "app.js"))
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestHandleRollback_UnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	result, err := srv.handleRollback(context.Background(), callToolReq("quorum_rollback_session", map[string]any{"session": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not found")
}
