package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph/go-diff/diff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/quorum/internal/consensus"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/review"
)

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func TestWriteJSON_KeepsEmoji(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteJSON(p, map[string]string{"old_code": "<h1>🚀 Hi</h1>"}))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<h1>🚀 Hi</h1>")
}

func TestFixesFileName(t *testing.T) {
	assert.Equal(t, "FIXES-APPLIED.md", FixesFileName(false))
	assert.Equal(t, "FIXES-APPLIED-DRY-RUN.md", FixesFileName(true))
	assert.Equal(t, "validator-2.json", ValidatorFile(2))
}

func TestConsensusArtifact(t *testing.T) {
	issues := []models.Issue{
		{SourceAgent: "a", FilePath: "src/App.tsx", LineNumber: 42, IssueType: "emoji", Confidence: 90, AutoFixable: true},
		{SourceAgent: "b", FilePath: "src/App.tsx", LineNumber: 42, IssueType: "emoji", Confidence: 95},
		{SourceAgent: "c", FilePath: "src/App.tsx", LineNumber: 43, IssueType: "Emoji usage", Confidence: 100},
		{SourceAgent: "a", FilePath: "src/utils/helper.ts", LineNumber: 5, IssueType: "console"},
	}
	res := consensus.New(models.StrategyFineGrained, 2, 2).Match(issues)

	a := NewConsensusArtifact(res, fixedNow)
	assert.True(t, a.ConsensusEnabled)
	assert.Equal(t, 2, a.MinAgentsRequired)
	assert.Equal(t, "fine-grained", a.Strategy)
	require.Len(t, a.Issues, 1)
	assert.Equal(t, 3, a.Issues[0].ConsensusLevel)
	assert.Equal(t, []string{"a", "b", "c"}, a.Issues[0].AgreedBy)
	assert.Equal(t, 1, a.Statistics.ThreeAgents)
	assert.Equal(t, 1, a.Statistics.Rejected)

	p := filepath.Join(t.TempDir(), ConsensusFile)
	require.NoError(t, WriteJSON(p, a))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, true, raw["consensus_enabled"])
	assert.Contains(t, raw, "statistics")
	assert.NotContains(t, raw, "files")
}

type stubReviewer struct {
	name    string
	approve bool
}

func (s stubReviewer) Name() string { return s.name }
func (s stubReviewer) Review(_ context.Context, _ models.Issue) (review.Verdict, error) {
	conf := 95.0
	if !s.approve {
		conf = 60
	}
	return review.Verdict{Reviewer: s.name, Approved: s.approve, Confidence: conf, Rationale: "stub"}, nil
}

func TestValidatorArtifacts(t *testing.T) {
	issues := []models.Issue{
		{SourceAgent: "a", FilePath: "x.ts", LineNumber: 1, IssueType: "emoji", AutoFixable: true},
		{SourceAgent: "a", FilePath: "y.ts", LineNumber: 2, IssueType: "emoji", AutoFixable: true},
	}
	arb := review.Arbitrate(context.Background(), issues, stubReviewer{"v1", true}, stubReviewer{"v2", false})

	vs := NewValidatorArtifacts(arb, "/proj", fixedNow)
	assert.Equal(t, "v1", vs[0].Validator)
	assert.Equal(t, 2, vs[0].Statistics.Approved)
	assert.Equal(t, 2, vs[0].Statistics.HighConfidence)
	assert.Equal(t, 2, vs[1].Statistics.Rejected)
	assert.Equal(t, 2, vs[1].Statistics.LowConfidence)
	require.Len(t, vs[1].Validations, 2)
	assert.Equal(t, "x.ts", vs[1].Validations[0].File)

	vc := NewValidationConsensusArtifact(arb, fixedNow)
	assert.Equal(t, "dual-review", vc.ConsensusType)
	assert.Equal(t, 2, vc.Statistics.TotalEvaluated)
	assert.Equal(t, 2, vc.Statistics.Disagreement)
	assert.Empty(t, vc.Issues)
	assert.Equal(t, []string{"v1", "v2"}, vc.Reviewers)
}

func TestSessionSummary(t *testing.T) {
	end := fixedNow.Add(time.Minute)
	sess := models.Session{
		ID:            "S1",
		ProjectRoot:   "/proj",
		Strategy:      models.StrategyFileLevel,
		StartedAt:     fixedNow,
		EndedAt:       &end,
		FilesModified: []string{"a.ts"},
	}
	s := NewSessionSummary(SummaryInput{
		Session: sess,
		Agents:  []AgentSummary{{Name: "a", IssuesFound: 2}, {Name: "b", IssuesFound: 1}},
		Pool: []models.Issue{
			{Severity: models.SeverityCritical},
			{Severity: models.SeverityImportant},
			{Severity: models.SeverityMinor},
		},
		Enabled:   true,
		Validated: []models.CorroboratedIssue{{AutoFixable: true}, {}},
		Rejected:  1,
		Fixes: []models.Fix{
			{Status: models.FixStatusCommitted},
			{Status: models.FixStatusFailed},
			{Status: models.FixStatusSkipped},
		},
	})

	assert.Equal(t, "file-level", s.Consensus.Strategy)
	assert.Equal(t, 2, s.Consensus.ConsensusCount)
	assert.Equal(t, 2, s.Statistics.TotalAgents)
	assert.Equal(t, 3, s.Statistics.TotalIssues)
	assert.Equal(t, 1, s.Statistics.Critical)
	assert.Equal(t, 1, s.Statistics.AutoFixable)
	assert.Equal(t, 1, s.Statistics.FixesApplied)
	assert.Equal(t, 1, s.Statistics.FixesFailed)
	assert.Equal(t, 1, s.Statistics.FixesSkipped)
	assert.Equal(t, []string{"a.ts"}, s.Statistics.FilesModified)
}

func TestFileDiff_ShiftsAfterRemovals(t *testing.T) {
	fd := FileDiff("a.js", []models.Fix{
		{LineNumber: 7, OldText: "// 🎉 done", NewText: "// done"},
		{LineNumber: 3, OldText: "console.log(x);"},
	})

	out, err := diff.PrintFileDiff(fd)
	require.NoError(t, err)

	parsed, err := diff.ParseFileDiff(out)
	require.NoError(t, err)
	assert.Equal(t, "a/a.js", parsed.OrigName)
	require.Len(t, parsed.Hunks, 2)

	removal := parsed.Hunks[0]
	assert.Equal(t, int32(3), removal.OrigStartLine)
	assert.Equal(t, int32(0), removal.NewLines)
	assert.Equal(t, "-console.log(x);\n", string(removal.Body))

	edit := parsed.Hunks[1]
	assert.Equal(t, int32(7), edit.OrigStartLine)
	assert.Equal(t, int32(6), edit.NewStartLine)
	assert.Equal(t, "-// 🎉 done\n+// done\n", string(edit.Body))
}

func TestFixesMarkdown(t *testing.T) {
	sess := models.Session{ID: "S1", ProjectRoot: "/proj", GitHead: "abc123", GitDirty: true}
	fixes := []models.Fix{
		{FilePath: "src/App.tsx", LineNumber: 42, FixType: models.FixTypeEmojiRemoval, Confidence: 95, Agents: []string{"a", "b"},
			OldText: "<h1>🚀 Hi</h1>", NewText: "<h1>Hi</h1>", Status: models.FixStatusCommitted, Verifier: "tsc", Description: "Emoji in heading"},
		{FilePath: "a.js", LineNumber: 2, FixType: models.FixTypeConsoleLogRemoval, Status: models.FixStatusFailed,
			ErrorKind: models.ErrorKindSyntax, Error: "syntax verification failed: Unexpected token"},
		{FilePath: "b.js", LineNumber: 9, FixType: models.FixTypeConsoleLogRemoval, Status: models.FixStatusFailed,
			ErrorKind: models.ErrorKindPrecondition, Error: "precondition not present"},
	}

	out, err := FixesMarkdown(sess, fixes, fixedNow)
	require.NoError(t, err)
	md := string(out)

	assert.Contains(t, md, "# Fixes applied - session S1")
	assert.Contains(t, md, "abc123 (uncommitted changes present)")
	assert.Contains(t, md, "- Fixes applied: 1")
	assert.Contains(t, md, "- Fixes failed: 2")
	assert.Contains(t, md, "quorum rollback S1")
	assert.Contains(t, md, "### src/App.tsx")
	assert.Contains(t, md, "verified by tsc")
	assert.Contains(t, md, "-<h1>🚀 Hi</h1>\n+<h1>Hi</h1>\n")
	assert.Contains(t, md, "### Syntax errors (1) - rolled back")
	assert.Contains(t, md, "### Other errors (1)")
	assert.Less(t, strings.Index(md, "Unexpected token"), strings.Index(md, "precondition not present"))
}

func TestFixesMarkdown_DryRun(t *testing.T) {
	sess := models.Session{ID: "S2", DryRun: true}
	out, err := FixesMarkdown(sess, []models.Fix{
		{FilePath: "a.ts", LineNumber: 1, Status: models.FixStatusSimulated, OldText: "// ✨ x", NewText: "// x", Degraded: true},
	}, fixedNow)
	require.NoError(t, err)
	md := string(out)
	assert.Contains(t, md, "dry run")
	assert.Contains(t, md, "not syntax-checked")
	assert.NotContains(t, md, "quorum rollback")
	assert.NotContains(t, md, "## Failed")
}

func exportFixture() *SessionExport {
	end := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	sess := &models.Session{
		ID:            "01HZX",
		ProjectRoot:   "/src/app",
		Strategy:      models.StrategyFineGrained,
		Agents:        []string{"a", "b"},
		FixesApplied:  1,
		FixesFailed:   1,
		FilesModified: []string{"src/App.tsx"},
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EndedAt:       &end,
	}
	decisions := []*models.Decision{
		{Validated: true, FilePath: "src/App.tsx", LineNumber: 2, IssueType: "emoji", AgreedBy: []string{"a", "b"}, Confidence: 95},
	}
	fixes := []*models.Fix{
		{ID: "f1", FilePath: "src/App.tsx", LineNumber: 2, FixType: models.FixTypeEmojiRemoval, Status: models.FixStatusCommitted,
			Applied: true, Success: true, Confidence: 95, Agents: []string{"a", "b"}, OldText: "'🚀 Go'", NewText: "'Go'"},
		{ID: "f2", FilePath: "src/x.ts", LineNumber: 9, FixType: models.FixTypeConsoleLogRemoval, Status: models.FixStatusFailed,
			Applied: true, ErrorKind: models.ErrorKindSyntax, Error: "unexpected token, line 9"},
	}
	events := []*models.AuditEvent{{Kind: models.AuditRollback, FilePath: "src/x.ts", FixID: "f2"}}
	return NewSessionExport(sess, decisions, fixes, events)
}

func TestSessionExport_JSON(t *testing.T) {
	e := exportFixture()
	var buf bytes.Buffer
	require.NoError(t, e.EncodeJSON(&buf))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "01HZX", got["session_id"])
	assert.Len(t, got["decisions"], 1)
	assert.Len(t, got["fixes"], 2)
	assert.Len(t, got["events"], 1)
	assert.Contains(t, buf.String(), "🚀", "emoji are not escaped")
}

func TestSessionExport_CSV(t *testing.T) {
	e := exportFixture()
	var buf bytes.Buffer
	require.NoError(t, e.EncodeFixesCSV(&buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, fixCSVHeader, rows[0])
	assert.Equal(t, "a;b", rows[1][8])
	assert.Equal(t, "unexpected token, line 9", rows[2][10], "commas survive quoting")
}

func TestSessionExport_EmptyLists(t *testing.T) {
	e := NewSessionExport(&models.Session{ID: "x"}, nil, nil, nil)
	var buf bytes.Buffer
	require.NoError(t, e.EncodeJSON(&buf))
	assert.Contains(t, buf.String(), `"fixes": []`)
	assert.Contains(t, buf.String(), `"agents": []`)
}
