// Package report writes the session's JSON artifacts and the human-readable
// fix report.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joescharf/quorum/internal/consensus"
	"github.com/joescharf/quorum/internal/fsutil"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/review"
)

// Artifact file names.
const (
	ConsensusFile           = "consensus-issues.json"
	ValidationConsensusFile = "validation-consensus.json"
	SummaryFile             = "session-summary.json"
	FixesFile               = "FIXES-APPLIED.md"
	FixesDryRunFile         = "FIXES-APPLIED-DRY-RUN.md"
)

// ValidatorFile returns the per-reviewer artifact name (1-based).
func ValidatorFile(n int) string {
	return fmt.Sprintf("validator-%d.json", n)
}

// FixesFileName returns the fix report name for the run mode.
func FixesFileName(dryRun bool) string {
	if dryRun {
		return FixesDryRunFile
	}
	return FixesFile
}

// WriteJSON writes v as indented JSON, atomically. Non-ASCII text such as
// the emoji being removed is written as-is.
func WriteJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := fsutil.WriteAtomic(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// IssueRecord is a corroborated issue as written to disk.
type IssueRecord struct {
	File           string   `json:"file"`
	Line           int      `json:"line"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	Solution       string   `json:"solution"`
	Severity       string   `json:"severity"`
	OldCode        string   `json:"old_code"`
	NewCode        string   `json:"new_code"`
	Confidence     float64  `json:"confidence"`
	AutoFixable    bool     `json:"auto_fixable"`
	AgreedBy       []string `json:"agreed_by"`
	ConsensusLevel int      `json:"consensus_level"`
	Strategy       string   `json:"strategy"`
}

func issueRecords(issues []models.CorroboratedIssue) []IssueRecord {
	out := make([]IssueRecord, 0, len(issues))
	for _, ci := range issues {
		out = append(out, IssueRecord{
			File:           ci.FilePath,
			Line:           ci.LineNumber,
			Type:           ci.IssueType,
			Description:    ci.Description,
			Solution:       ci.Solution,
			Severity:       string(ci.Severity),
			OldCode:        ci.OldText,
			NewCode:        ci.NewText,
			Confidence:     ci.Confidence,
			AutoFixable:    ci.AutoFixable,
			AgreedBy:       ci.AgreedBy,
			ConsensusLevel: ci.AgreementCount,
			Strategy:       string(ci.Strategy),
		})
	}
	return out
}

// FileRecord summarizes one file under the file-level strategy.
type FileRecord struct {
	File      string   `json:"file"`
	Agents    []string `json:"agents"`
	Issues    int      `json:"issues"`
	Validated bool     `json:"validated"`
}

// ConsensusArtifact is consensus-issues.json.
type ConsensusArtifact struct {
	ConsensusEnabled  bool            `json:"consensus_enabled"`
	MinAgentsRequired int             `json:"min_agents_required"`
	Strategy          string          `json:"strategy"`
	Timestamp         time.Time       `json:"timestamp"`
	Agents            []string        `json:"agents"`
	Statistics        consensus.Stats `json:"statistics"`
	Issues            []IssueRecord   `json:"issues"`
	Files             []FileRecord    `json:"files,omitempty"`
}

// NewConsensusArtifact builds the corroboration artifact for a matcher result.
func NewConsensusArtifact(res *consensus.Result, now time.Time) *ConsensusArtifact {
	a := &ConsensusArtifact{
		ConsensusEnabled:  res.Enabled,
		MinAgentsRequired: res.MinAgents,
		Strategy:          string(res.Strategy),
		Timestamp:         now,
		Agents:            nonNil(res.Agents),
		Statistics:        res.Stats(),
		Issues:            issueRecords(res.Validated),
	}
	for _, fg := range res.Files {
		a.Files = append(a.Files, FileRecord{
			File:      fg.FilePath,
			Agents:    fg.Agents,
			Issues:    fg.Issues,
			Validated: fg.Validated,
		})
	}
	return a
}

// ValidationRecord is one reviewer verdict as written to disk.
type ValidationRecord struct {
	File       string  `json:"file"`
	Line       int     `json:"line"`
	Type       string  `json:"type"`
	Approved   bool    `json:"approved"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Priority   string  `json:"priority,omitempty"`
	Risk       string  `json:"risk,omitempty"`
}

// ValidatorStats counts one reviewer's verdicts.
type ValidatorStats struct {
	TotalEvaluated   int `json:"total_evaluated"`
	Approved         int `json:"approved"`
	Rejected         int `json:"rejected"`
	HighConfidence   int `json:"high_confidence"`
	MediumConfidence int `json:"medium_confidence"`
	LowConfidence    int `json:"low_confidence"`
}

// ValidatorArtifact is validator-N.json.
type ValidatorArtifact struct {
	Validator   string             `json:"validator"`
	Timestamp   time.Time          `json:"timestamp"`
	Project     string             `json:"project"`
	Statistics  ValidatorStats     `json:"statistics"`
	Validations []ValidationRecord `json:"validations"`
}

// NewValidatorArtifacts builds one artifact per reviewer pass.
func NewValidatorArtifacts(arb *review.Arbitration, project string, now time.Time) [2]*ValidatorArtifact {
	var out [2]*ValidatorArtifact
	for i := range out {
		out[i] = &ValidatorArtifact{
			Validator:   arb.Reviewers[i],
			Timestamp:   now,
			Project:     project,
			Validations: []ValidationRecord{},
		}
	}
	for _, o := range arb.Outcomes {
		for i, verdicts := range [2][]review.Verdict{o.First, o.Second} {
			for _, v := range verdicts {
				out[i].add(o.Key, v)
			}
		}
	}
	return out
}

func (a *ValidatorArtifact) add(k review.Key, v review.Verdict) {
	a.Validations = append(a.Validations, ValidationRecord{
		File:       k.FilePath,
		Line:       k.LineNumber,
		Type:       k.IssueType,
		Approved:   v.Approved,
		Confidence: v.Confidence,
		Rationale:  v.Rationale,
		Priority:   string(v.Priority),
		Risk:       v.Risk,
	})
	st := &a.Statistics
	st.TotalEvaluated++
	if v.Approved {
		st.Approved++
	} else {
		st.Rejected++
	}
	switch {
	case v.Confidence >= 90:
		st.HighConfidence++
	case v.Confidence >= 70:
		st.MediumConfidence++
	default:
		st.LowConfidence++
	}
}

// ValidationStats counts arbitration outcomes.
type ValidationStats struct {
	TotalEvaluated int `json:"total_evaluated"`
	BothApproved   int `json:"both_approved"`
	BothRejected   int `json:"both_rejected"`
	Disagreement   int `json:"disagreement"`
	AutoFixable    int `json:"auto_fixable"`
}

// ValidationConsensusArtifact is validation-consensus.json.
type ValidationConsensusArtifact struct {
	ConsensusType         string          `json:"consensus_type"`
	Timestamp             time.Time       `json:"timestamp"`
	ConsensusEnabled      bool            `json:"consensus_enabled"`
	MinValidatorsRequired int             `json:"min_validators_required"`
	Reviewers             []string        `json:"reviewers"`
	Statistics            ValidationStats `json:"statistics"`
	Issues                []IssueRecord   `json:"issues"`
}

// NewValidationConsensusArtifact builds the dual-review artifact.
func NewValidationConsensusArtifact(arb *review.Arbitration, now time.Time) *ValidationConsensusArtifact {
	a := &ValidationConsensusArtifact{
		ConsensusType:         string(models.StrategyDualReview),
		Timestamp:             now,
		ConsensusEnabled:      true,
		MinValidatorsRequired: 2,
		Reviewers:             arb.Reviewers[:],
		Statistics: ValidationStats{
			TotalEvaluated: len(arb.Outcomes),
			BothApproved:   arb.BothApproved,
			BothRejected:   arb.BothRejected,
			Disagreement:   arb.Disagreement,
		},
		Issues: issueRecords(arb.Authorized),
	}
	for _, ci := range arb.Authorized {
		if ci.AutoFixable {
			a.Statistics.AutoFixable++
		}
	}
	return a
}

// AgentSummary counts one analyzer's reported issues.
type AgentSummary struct {
	Name        string `json:"name"`
	IssuesFound int    `json:"issues_found"`
}

// ConsensusSummary is the corroboration part of the session summary.
type ConsensusSummary struct {
	Enabled        bool   `json:"enabled"`
	Strategy       string `json:"strategy"`
	ConsensusCount int    `json:"consensus_count"`
	RejectedCount  int    `json:"rejected_count"`
}

// SummaryStats aggregates the run.
type SummaryStats struct {
	TotalAgents   int      `json:"total_agents"`
	TotalIssues   int      `json:"total_issues"`
	Critical      int      `json:"critical"`
	Important     int      `json:"important"`
	Minor         int      `json:"minor"`
	AutoFixable   int      `json:"auto_fixable"`
	FixesApplied  int      `json:"fixes_applied"`
	FixesFailed   int      `json:"fixes_failed"`
	FixesSkipped  int      `json:"fixes_skipped"`
	FilesModified []string `json:"files_modified"`
}

// SessionSummary is session-summary.json.
type SessionSummary struct {
	SessionID  string           `json:"session_id"`
	Project    string           `json:"project"`
	DryRun     bool             `json:"dry_run"`
	GitHead    string           `json:"git_head,omitempty"`
	GitDirty   bool             `json:"git_dirty,omitempty"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    *time.Time       `json:"end_time,omitempty"`
	Consensus  ConsensusSummary `json:"consensus"`
	Statistics SummaryStats     `json:"statistics"`
	Agents     []AgentSummary   `json:"agents"`
}

// SummaryInput is what the session summary is built from.
type SummaryInput struct {
	Session   models.Session
	Agents    []AgentSummary
	Pool      []models.Issue
	Enabled   bool
	Validated []models.CorroboratedIssue
	Rejected  int
	Fixes     []models.Fix
}

// ReadSessionSummary loads a session-summary.json written by a run.
func ReadSessionSummary(path string) (*SessionSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session summary: %w", err)
	}
	var s SessionSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}

// NewSessionSummary builds session-summary.json.
func NewSessionSummary(in SummaryInput) *SessionSummary {
	s := &SessionSummary{
		SessionID: in.Session.ID,
		Project:   in.Session.ProjectRoot,
		DryRun:    in.Session.DryRun,
		GitHead:   in.Session.GitHead,
		GitDirty:  in.Session.GitDirty,
		StartTime: in.Session.StartedAt,
		EndTime:   in.Session.EndedAt,
		Consensus: ConsensusSummary{
			Enabled:        in.Enabled,
			Strategy:       string(in.Session.Strategy),
			ConsensusCount: len(in.Validated),
			RejectedCount:  in.Rejected,
		},
		Agents: in.Agents,
	}
	if s.Agents == nil {
		s.Agents = []AgentSummary{}
	}

	st := &s.Statistics
	st.TotalAgents = len(in.Agents)
	st.TotalIssues = len(in.Pool)
	for _, is := range in.Pool {
		switch is.Severity {
		case models.SeverityCritical:
			st.Critical++
		case models.SeverityImportant:
			st.Important++
		default:
			st.Minor++
		}
	}
	for _, ci := range in.Validated {
		if ci.AutoFixable {
			st.AutoFixable++
		}
	}
	for _, f := range in.Fixes {
		switch f.Status {
		case models.FixStatusCommitted, models.FixStatusSimulated:
			st.FixesApplied++
		case models.FixStatusFailed:
			st.FixesFailed++
		case models.FixStatusSkipped:
			st.FixesSkipped++
		}
	}
	st.FilesModified = nonNil(in.Session.FilesModified)
	return s
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
