package models

import "sort"

// Severity ranks how serious an analyzer considers an issue.
type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityImportant Severity = "important"
	SeverityMinor     Severity = "minor"
)

// Rank orders severities critical > important > minor. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityImportant:
		return 2
	case SeverityMinor:
		return 1
	default:
		return 0
	}
}

// Issue is a single analyzer's claim about a problem in one file.
// Issues are read-only once loaded.
type Issue struct {
	SourceAgent      string
	FilePath         string // project-relative, forward slashes
	LineNumber       int    // 1-based, may be approximate
	Severity         Severity
	IssueType        string // free text as emitted by the analyzer
	Description      string
	ProposedSolution string
	OldText          string
	NewText          string
	Confidence       float64 // 0-100, self-reported
	AutoFixable      bool
}

// Strategy names the corroboration path that produced a decision.
type Strategy string

const (
	StrategyFineGrained Strategy = "fine-grained"
	StrategyFileLevel   Strategy = "file-level"
	StrategyDualReview  Strategy = "dual-review"
)

// ValidStrategy reports whether s is one of the matcher strategies.
func ValidStrategy(s string) bool {
	switch Strategy(s) {
	case StrategyFineGrained, StrategyFileLevel:
		return true
	}
	return false
}

// CorroboratedIssue is the engine's trust decision derived from one or more
// Issues. AgreementCount always equals len(AgreedBy).
type CorroboratedIssue struct {
	FilePath       string
	LineNumber     int
	IssueType      string // normalized
	Description    string
	Solution       string
	Severity       Severity
	OldText        string
	NewText        string
	Confidence     float64
	AutoFixable    bool
	AgreedBy       []string
	AgreementCount int
	Strategy       Strategy
	Sources        []Issue
}

// SourceAgents returns the distinct analyzers behind the decision, sorted.
// For dual-review decisions AgreedBy holds reviewer names, so this is the
// only way back to the reporting analyzers.
func (c *CorroboratedIssue) SourceAgents() []string {
	seen := make(map[string]bool, len(c.Sources))
	var agents []string
	for _, src := range c.Sources {
		if src.SourceAgent == "" || seen[src.SourceAgent] {
			continue
		}
		seen[src.SourceAgent] = true
		agents = append(agents, src.SourceAgent)
	}
	sort.Strings(agents)
	return agents
}
