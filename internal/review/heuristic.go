package review

import (
	"context"
	"path"
	"strings"

	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/normalize"
)

// Kind is the closed set of issue kinds a reviewer can reason about.
type Kind int

const (
	KindUnknown Kind = iota
	KindEmoji
	KindConsoleLog
	KindUnusedImport
	KindCommentedCode
)

func (k Kind) String() string {
	switch k {
	case KindEmoji:
		return normalize.Emoji
	case KindConsoleLog:
		return normalize.ConsoleLog
	case KindUnusedImport:
		return normalize.UnusedImport
	case KindCommentedCode:
		return normalize.CommentedCode
	default:
		return "unknown"
	}
}

// KindOf maps an analyzer issue type onto a Kind. Anything outside the
// closed set is KindUnknown.
func KindOf(issueType string) Kind {
	switch normalize.IssueType(issueType) {
	case normalize.Emoji:
		return KindEmoji
	case normalize.ConsoleLog:
		return KindConsoleLog
	case normalize.UnusedImport:
		return KindUnusedImport
	case normalize.CommentedCode:
		return KindCommentedCode
	default:
		return KindUnknown
	}
}

// forgottenMarkers indicate a console call was left behind by accident.
var forgottenMarkers = []string{"forgotten", "forgot", "leftover", "left over", "left in", "oublié", "oublie"}

// HeuristicReviewer decides from per-kind rules over the file name and the
// issue description. A strict reviewer also rejects low-confidence reports
// and declines low-priority approvals outright.
type HeuristicReviewer struct {
	name        string
	strict      bool
	strictFloor float64
}

// NewHeuristicReviewer returns the default rule-based reviewer.
func NewHeuristicReviewer(name string) *HeuristicReviewer {
	return &HeuristicReviewer{name: name}
}

// NewStrictReviewer returns a rule-based reviewer that rejects issues whose
// analyzer confidence is below floor.
func NewStrictReviewer(name string, floor float64) *HeuristicReviewer {
	return &HeuristicReviewer{name: name, strict: true, strictFloor: floor}
}

func (h *HeuristicReviewer) Name() string { return h.name }

// Review never returns an error; unknown kinds are rejected.
func (h *HeuristicReviewer) Review(_ context.Context, is models.Issue) (Verdict, error) {
	var v Verdict
	switch KindOf(is.IssueType) {
	case KindEmoji:
		v = reviewEmoji(is)
	case KindConsoleLog:
		v = reviewConsoleLog(is)
	case KindUnusedImport:
		v = Verdict{Approved: true, Confidence: 85, Rationale: "unused import can be removed", Risk: "low"}
	case KindCommentedCode:
		v = Verdict{Approved: true, Confidence: 80, Rationale: "commented-out code can be removed", Risk: "medium"}
	default:
		v = Verdict{Approved: false, Confidence: 0, Rationale: "unknown issue type, manual review required", Risk: "high"}
	}
	if v.Priority == "" {
		v.Priority = PriorityNormal
	}
	v.Reviewer = h.name

	if h.strict && v.Approved {
		switch {
		case is.Confidence < h.strictFloor:
			v.Approved = false
			v.Rationale = "analyzer confidence too low for automatic correction"
		case v.Priority == PriorityLow:
			v.Approved = false
			v.Rationale = "low priority, leave for manual cleanup"
		}
	}
	return v, nil
}

func reviewEmoji(is models.Issue) Verdict {
	switch {
	case isDebugFile(is.FilePath):
		return Verdict{Approved: true, Confidence: 85, Rationale: "emoji in a debug file, safe but low priority", Priority: PriorityLow, Risk: "low"}
	case isTestFile(is.FilePath):
		return Verdict{Approved: true, Confidence: 70, Rationale: "emoji in a test file, safe to remove", Risk: "low"}
	default:
		return Verdict{Approved: true, Confidence: 95, Rationale: "emoji in production code should be removed", Risk: "low"}
	}
}

func reviewConsoleLog(is models.Issue) Verdict {
	if isDebugFile(is.FilePath) {
		return Verdict{Approved: false, Confidence: 90, Rationale: "file is a debug utility, keep the code as-is", Risk: "medium"}
	}
	desc := strings.ToLower(is.Description)
	for _, m := range forgottenMarkers {
		if strings.Contains(desc, m) {
			return Verdict{Approved: true, Confidence: 95, Rationale: "forgotten console call, safe to remove", Risk: "low"}
		}
	}
	return Verdict{Approved: false, Confidence: 70, Rationale: "console call may be intentional, verify manually", Risk: "medium"}
}

func isDebugFile(p string) bool {
	return strings.Contains(strings.ToLower(path.Base(normalize.Path(p))), "debug")
}

func isTestFile(p string) bool {
	lower := strings.ToLower(normalize.Path(p))
	base := path.Base(lower)
	return strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.Contains(base, "_test.") ||
		strings.Contains(lower, "__tests__/")
}
