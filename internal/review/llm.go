package review

import (
	"context"
	"fmt"

	"github.com/joescharf/quorum/internal/models"
)

// Judge is an external model able to assess a single issue.
type Judge interface {
	JudgeIssue(ctx context.Context, is models.Issue, kind string) (approved bool, confidence float64, rationale string, err error)
}

// LLMReviewer asks a Judge about each issue. Kinds outside the closed set
// are rejected without consulting the judge.
type LLMReviewer struct {
	name  string
	judge Judge
}

// NewLLMReviewer wraps a judge as a Reviewer.
func NewLLMReviewer(name string, judge Judge) *LLMReviewer {
	return &LLMReviewer{name: name, judge: judge}
}

func (l *LLMReviewer) Name() string { return l.name }

func (l *LLMReviewer) Review(ctx context.Context, is models.Issue) (Verdict, error) {
	kind := KindOf(is.IssueType)
	if kind == KindUnknown {
		return Verdict{Reviewer: l.name, Rationale: "unknown issue type, manual review required", Priority: PriorityNormal, Risk: "high"}, nil
	}
	approved, conf, rationale, err := l.judge.JudgeIssue(ctx, is, kind.String())
	if err != nil {
		return Verdict{}, fmt.Errorf("judge %s:%d: %w", is.FilePath, is.LineNumber, err)
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}
	return Verdict{
		Reviewer:   l.name,
		Approved:   approved,
		Confidence: conf,
		Rationale:  rationale,
		Priority:   PriorityNormal,
	}, nil
}
