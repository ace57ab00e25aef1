// Package consensus decides which analyzer issues are corroborated by enough
// independent analyzers to be trusted.
package consensus

import (
	"sort"

	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/normalize"
)

// Defaults applied by New when a parameter is unset.
const (
	DefaultMinAgents     = 2
	DefaultLineTolerance = 2
)

// Matcher groups pooled issues and emits trust decisions. It is a pure
// function of its input and never mutates the slice it is given.
type Matcher struct {
	Strategy      models.Strategy
	MinAgents     int
	LineTolerance int
}

// New returns a Matcher, filling in defaults for zero or negative values.
func New(strategy models.Strategy, minAgents, lineTolerance int) *Matcher {
	if strategy == "" {
		strategy = models.StrategyFineGrained
	}
	if minAgents <= 0 {
		minAgents = DefaultMinAgents
	}
	if lineTolerance < 0 {
		lineTolerance = DefaultLineTolerance
	}
	return &Matcher{Strategy: strategy, MinAgents: minAgents, LineTolerance: lineTolerance}
}

// FileGroup summarizes one file under the file-level strategy.
type FileGroup struct {
	FilePath  string
	Agents    []string
	Issues    int
	Validated bool
}

// Result is the outcome of one matching pass.
type Result struct {
	Strategy  models.Strategy
	MinAgents int
	// Enabled is false when fewer than MinAgents distinct analyzers reported
	// anything, in which case nothing can be validated.
	Enabled   bool
	Agents    []string
	Validated []models.CorroboratedIssue
	Rejected  []models.Issue
	Files     []FileGroup
}

// Stats are aggregate counts for the corroboration artifact.
type Stats struct {
	TotalConsensus int `json:"total_consensus"`
	Rejected       int `json:"rejected"`
	TwoAgents      int `json:"consensus_2_agents"`
	ThreeAgents    int `json:"consensus_3_agents"`
	FourPlus       int `json:"consensus_4_plus"`
	AutoFixable    int `json:"auto_fixable"`
	ValidatedFiles int `json:"validated_files,omitempty"`
	RejectedFiles  int `json:"rejected_files,omitempty"`
}

// Stats computes aggregate counts over the result.
func (r *Result) Stats() Stats {
	st := Stats{TotalConsensus: len(r.Validated), Rejected: len(r.Rejected)}
	for _, ci := range r.Validated {
		switch {
		case ci.AgreementCount >= 4:
			st.FourPlus++
		case ci.AgreementCount == 3:
			st.ThreeAgents++
		case ci.AgreementCount == 2:
			st.TwoAgents++
		}
		if ci.AutoFixable {
			st.AutoFixable++
		}
	}
	for _, fg := range r.Files {
		if fg.Validated {
			st.ValidatedFiles++
		} else {
			st.RejectedFiles++
		}
	}
	return st
}

// entry is an issue with its join keys precomputed.
type entry struct {
	issue models.Issue
	file  string
	kind  string
}

// Match runs the configured strategy over the pooled issues.
func (m *Matcher) Match(issues []models.Issue) *Result {
	entries := canonicalOrder(issues)
	agents := distinctAgents(entries)

	res := &Result{
		Strategy:  m.Strategy,
		MinAgents: m.MinAgents,
		Enabled:   len(agents) >= m.MinAgents,
		Agents:    agents,
	}
	if !res.Enabled {
		for _, e := range entries {
			res.Rejected = append(res.Rejected, e.issue)
		}
		return res
	}

	switch m.Strategy {
	case models.StrategyFileLevel:
		m.matchFiles(entries, res)
	default:
		m.matchLines(entries, res)
	}
	return res
}

// Corroborates reports whether two issues describe the same problem under the
// fine-grained rule. It is symmetric.
func (m *Matcher) Corroborates(a, b models.Issue) bool {
	return matches(newEntry(a), newEntry(b), m.LineTolerance)
}

func matches(a, b entry, tolerance int) bool {
	if a.file != b.file || a.kind != b.kind {
		return false
	}
	d := a.issue.LineNumber - b.issue.LineNumber
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// matchLines is greedy first-come claiming over the canonical ordering. A
// group is claimed only once it spans MinAgents distinct analyzers; issues
// left unclaimed at the end are rejected.
func (m *Matcher) matchLines(entries []entry, res *Result) {
	claimed := make([]bool, len(entries))

	for i := range entries {
		if claimed[i] {
			continue
		}
		seed := entries[i]
		group := []int{i}
		seen := map[string]bool{seed.issue.SourceAgent: true}

		for j := range entries {
			if j == i || claimed[j] {
				continue
			}
			other := entries[j]
			if seen[other.issue.SourceAgent] || !matches(seed, other, m.LineTolerance) {
				continue
			}
			group = append(group, j)
			seen[other.issue.SourceAgent] = true
		}

		if len(seen) < m.MinAgents {
			continue
		}
		members := make([]models.Issue, 0, len(group))
		for _, idx := range group {
			claimed[idx] = true
			members = append(members, entries[idx].issue)
		}
		ci := merge(seed, members, agentsOf(members))
		ci.Strategy = models.StrategyFineGrained
		res.Validated = append(res.Validated, ci)
	}

	for i, e := range entries {
		if !claimed[i] {
			res.Rejected = append(res.Rejected, e.issue)
		}
	}
}

// matchFiles promotes every auto-fixable issue in a file reported on by at
// least MinAgents distinct analyzers. Auto-fixable issues at the same line
// and type within a qualifying file collapse into one decision.
func (m *Matcher) matchFiles(entries []entry, res *Result) {
	var order []string
	byFile := make(map[string][]entry)
	for _, e := range entries {
		if _, ok := byFile[e.file]; !ok {
			order = append(order, e.file)
		}
		byFile[e.file] = append(byFile[e.file], e)
	}

	for _, file := range order {
		group := byFile[file]
		agents := distinctAgents(group)
		qualifies := len(agents) >= m.MinAgents
		res.Files = append(res.Files, FileGroup{
			FilePath:  file,
			Agents:    agents,
			Issues:    len(group),
			Validated: qualifies,
		})

		if !qualifies {
			for _, e := range group {
				res.Rejected = append(res.Rejected, e.issue)
			}
			continue
		}

		type spot struct {
			line int
			kind string
		}
		var spots []spot
		bySpot := make(map[spot][]entry)
		for _, e := range group {
			if !e.issue.AutoFixable {
				res.Rejected = append(res.Rejected, e.issue)
				continue
			}
			k := spot{e.issue.LineNumber, e.kind}
			if _, ok := bySpot[k]; !ok {
				spots = append(spots, k)
			}
			bySpot[k] = append(bySpot[k], e)
		}
		for _, k := range spots {
			members := make([]models.Issue, 0, len(bySpot[k]))
			for _, e := range bySpot[k] {
				members = append(members, e.issue)
			}
			ci := merge(bySpot[k][0], members, agents)
			ci.Strategy = models.StrategyFileLevel
			res.Validated = append(res.Validated, ci)
		}
	}
}

// merge reduces contributors into one decision: longest description and
// solution, highest severity, mean confidence, any auto-fixable, first
// non-empty old/new text. Line and file come from the seed.
func merge(seed entry, members []models.Issue, agreedBy []string) models.CorroboratedIssue {
	ci := models.CorroboratedIssue{
		FilePath:   seed.file,
		LineNumber: seed.issue.LineNumber,
		IssueType:  seed.kind,
		Severity:   seed.issue.Severity,
		AgreedBy:   append([]string(nil), agreedBy...),
		Sources:    append([]models.Issue(nil), members...),
	}
	ci.AgreementCount = len(ci.AgreedBy)

	var total float64
	for _, is := range members {
		if len(is.Description) > len(ci.Description) {
			ci.Description = is.Description
		}
		if len(is.ProposedSolution) > len(ci.Solution) {
			ci.Solution = is.ProposedSolution
		}
		if is.Severity.Rank() > ci.Severity.Rank() {
			ci.Severity = is.Severity
		}
		if ci.OldText == "" {
			ci.OldText = is.OldText
		}
		if ci.NewText == "" {
			ci.NewText = is.NewText
		}
		ci.AutoFixable = ci.AutoFixable || is.AutoFixable
		total += is.Confidence
	}
	if len(members) > 0 {
		ci.Confidence = total / float64(len(members))
	}
	return ci
}

func newEntry(is models.Issue) entry {
	return entry{issue: is, file: normalize.Path(is.FilePath), kind: normalize.IssueType(is.IssueType)}
}

// canonicalOrder copies the input into a total order so that grouping does
// not depend on the order analyzers happened to report in.
func canonicalOrder(issues []models.Issue) []entry {
	entries := make([]entry, len(issues))
	for i, is := range issues {
		entries[i] = newEntry(is)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.file != b.file {
			return a.file < b.file
		}
		if a.issue.LineNumber != b.issue.LineNumber {
			return a.issue.LineNumber < b.issue.LineNumber
		}
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		if a.issue.SourceAgent != b.issue.SourceAgent {
			return a.issue.SourceAgent < b.issue.SourceAgent
		}
		if a.issue.Description != b.issue.Description {
			return a.issue.Description < b.issue.Description
		}
		if a.issue.ProposedSolution != b.issue.ProposedSolution {
			return a.issue.ProposedSolution < b.issue.ProposedSolution
		}
		if a.issue.Severity != b.issue.Severity {
			return a.issue.Severity < b.issue.Severity
		}
		if a.issue.Confidence != b.issue.Confidence {
			return a.issue.Confidence < b.issue.Confidence
		}
		if a.issue.AutoFixable != b.issue.AutoFixable {
			return !a.issue.AutoFixable
		}
		if a.issue.OldText != b.issue.OldText {
			return a.issue.OldText < b.issue.OldText
		}
		return a.issue.NewText < b.issue.NewText
	})
	return entries
}

func distinctAgents(entries []entry) []string {
	seen := make(map[string]bool)
	var agents []string
	for _, e := range entries {
		if !seen[e.issue.SourceAgent] {
			seen[e.issue.SourceAgent] = true
			agents = append(agents, e.issue.SourceAgent)
		}
	}
	sort.Strings(agents)
	return agents
}

func agentsOf(issues []models.Issue) []string {
	seen := make(map[string]bool)
	var agents []string
	for _, is := range issues {
		if !seen[is.SourceAgent] {
			seen[is.SourceAgent] = true
			agents = append(agents, is.SourceAgent)
		}
	}
	sort.Strings(agents)
	return agents
}
