// Package review implements the dual-reviewer path: two independent passes
// each approve or reject every issue, and only mutual approval authorizes a
// correction.
package review

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/viper"

	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/normalize"
)

// Config holds reviewer configuration.
type Config struct {
	SecondPass  string // "heuristic" or "llm"
	StrictFloor float64
}

// DefaultConfig returns the review config, reading from viper when available.
func DefaultConfig() Config {
	second := viper.GetString("review.second_pass")
	if second == "" {
		second = "heuristic"
	}
	floor := viper.GetFloat64("review.strict_floor")
	if floor <= 0 {
		floor = 70
	}
	return Config{SecondPass: second, StrictFloor: floor}
}

// Priority flags verdicts that are approved but not urgent.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Verdict is one reviewer's decision about one issue.
type Verdict struct {
	Reviewer   string
	Approved   bool
	Confidence float64
	Rationale  string
	Priority   Priority
	Risk       string
}

// Reviewer independently approves or rejects issues.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, is models.Issue) (Verdict, error)
}

// Key identifies the correction being authorized.
type Key struct {
	FilePath   string
	LineNumber int
	IssueType  string
}

// KeyOf returns the arbitration key for an issue.
func KeyOf(is models.Issue) Key {
	return Key{
		FilePath:   normalize.Path(is.FilePath),
		LineNumber: is.LineNumber,
		IssueType:  normalize.IssueType(is.IssueType),
	}
}

// Outcome is the arbitration of one key.
type Outcome struct {
	Key
	Approved bool
	First    []Verdict
	Second   []Verdict
	Issues   []models.Issue
}

// Arbitration is the result of running both passes over the pooled issues.
type Arbitration struct {
	Reviewers    [2]string
	Authorized   []models.CorroboratedIssue
	Outcomes     []Outcome
	BothApproved int
	BothRejected int
	Disagreement int
}

// Arbitrate runs both reviewers over every issue and authorizes a key only if
// every verdict from both reviewers for that key approves. Reviewer errors
// count as rejections.
func Arbitrate(ctx context.Context, issues []models.Issue, first, second Reviewer) *Arbitration {
	names := reviewerNames(first, second)
	arb := &Arbitration{Reviewers: names}

	var keys []Key
	byKey := make(map[Key]*Outcome)
	for _, is := range issues {
		k := KeyOf(is)
		out, ok := byKey[k]
		if !ok {
			out = &Outcome{Key: k}
			byKey[k] = out
			keys = append(keys, k)
		}
		out.Issues = append(out.Issues, is)
		out.First = append(out.First, run(ctx, first, names[0], is))
		out.Second = append(out.Second, run(ctx, second, names[1], is))
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.LineNumber != b.LineNumber {
			return a.LineNumber < b.LineNumber
		}
		return a.IssueType < b.IssueType
	})

	for _, k := range keys {
		out := byKey[k]
		ok1, ok2 := allApproved(out.First), allApproved(out.Second)
		out.Approved = ok1 && ok2
		switch {
		case out.Approved:
			arb.BothApproved++
			arb.Authorized = append(arb.Authorized, authorize(out, names))
		case !ok1 && !ok2:
			arb.BothRejected++
		default:
			arb.Disagreement++
		}
		arb.Outcomes = append(arb.Outcomes, *out)
	}
	return arb
}

func run(ctx context.Context, r Reviewer, name string, is models.Issue) Verdict {
	if err := ctx.Err(); err != nil {
		return Verdict{Reviewer: name, Rationale: fmt.Sprintf("review cancelled: %v", err)}
	}
	v, err := r.Review(ctx, is)
	if err != nil {
		return Verdict{Reviewer: name, Rationale: fmt.Sprintf("review failed: %v", err)}
	}
	v.Reviewer = name
	return v
}

func allApproved(vs []Verdict) bool {
	if len(vs) == 0 {
		return false
	}
	for _, v := range vs {
		if !v.Approved {
			return false
		}
	}
	return true
}

func meanConfidence(vs []Verdict) float64 {
	if len(vs) == 0 {
		return 0
	}
	var total float64
	for _, v := range vs {
		total += v.Confidence
	}
	return total / float64(len(vs))
}

func authorize(out *Outcome, names [2]string) models.CorroboratedIssue {
	ci := models.CorroboratedIssue{
		FilePath:    out.FilePath,
		LineNumber:  out.LineNumber,
		IssueType:   out.IssueType,
		Confidence:  (meanConfidence(out.First) + meanConfidence(out.Second)) / 2,
		AutoFixable: true,
		AgreedBy:    []string{names[0], names[1]},
		Strategy:    models.StrategyDualReview,
		Sources:     append([]models.Issue(nil), out.Issues...),
	}
	sort.Strings(ci.AgreedBy)
	ci.AgreementCount = len(ci.AgreedBy)

	for _, is := range out.Issues {
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
	}
	return ci
}

// reviewerNames keeps the two passes distinguishable even when both are the
// same kind of reviewer.
func reviewerNames(first, second Reviewer) [2]string {
	a, b := first.Name(), second.Name()
	if a == b {
		a, b = a+"-1", b+"-2"
	}
	return [2]string{a, b}
}
