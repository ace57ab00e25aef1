// Package fixer turns trusted issues into concrete text fixes and applies
// them through a backup, transform, write, verify and rollback protocol.
package fixer

import (
	"fmt"
	"strings"

	"github.com/joescharf/quorum/internal/ledger"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/normalize"
)

// DefaultThreshold is the minimum corroborated confidence for automatic
// application.
const DefaultThreshold = 90.0

// fixTypes maps canonical issue types onto the fix strategy that handles them.
var fixTypes = map[string]models.FixType{
	normalize.Emoji:         models.FixTypeEmojiRemoval,
	normalize.ConsoleLog:    models.FixTypeConsoleLogRemoval,
	normalize.UnusedImport:  models.FixTypeUnusedImportRemoval,
	normalize.CommentedCode: models.FixTypeCommentedCodeRemoval,
}

// Synthesizer converts corroborated issues into fixes.
type Synthesizer struct {
	Threshold float64
}

// NewSynthesizer returns a synthesizer; a non-positive threshold means
// DefaultThreshold.
func NewSynthesizer(threshold float64) *Synthesizer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Synthesizer{Threshold: threshold}
}

// Skip explains why a corroborated issue produced no fix.
type Skip struct {
	Issue  models.CorroboratedIssue
	Reason string
}

// Synthesize returns a staged fix, or nil when the issue is not auto-fixable,
// falls below the threshold or has no strategy. Nothing is read from disk;
// the old and new text are computed when the fix is applied.
func (s *Synthesizer) Synthesize(ci models.CorroboratedIssue) *models.Fix {
	fix, _ := s.synthesize(ci)
	return fix
}

// SynthesizeAll stages fixes for every eligible issue and reports the rest.
func (s *Synthesizer) SynthesizeAll(issues []models.CorroboratedIssue) ([]*models.Fix, []Skip) {
	var fixes []*models.Fix
	var skips []Skip
	for _, ci := range issues {
		fix, reason := s.synthesize(ci)
		if fix == nil {
			skips = append(skips, Skip{Issue: ci, Reason: reason})
			continue
		}
		fixes = append(fixes, fix)
	}
	return fixes, skips
}

func (s *Synthesizer) synthesize(ci models.CorroboratedIssue) (*models.Fix, string) {
	if !ci.AutoFixable {
		return nil, "not auto-fixable"
	}
	if ci.Confidence < s.Threshold {
		return nil, fmt.Sprintf("confidence %.0f below threshold %.0f", ci.Confidence, s.Threshold)
	}
	ft, ok := fixTypes[normalize.IssueType(ci.IssueType)]
	if !ok {
		return nil, fmt.Sprintf("no fix strategy for %q", ci.IssueType)
	}

	if reason := unanchored(ft, ci); reason != "" {
		return nil, reason
	}

	agents := ci.SourceAgents()
	if len(agents) == 0 {
		agents = append([]string(nil), ci.AgreedBy...)
	}
	return &models.Fix{
		ID:          ledger.NewID(),
		FilePath:    normalize.Path(ci.FilePath),
		LineNumber:  ci.LineNumber,
		FixType:     ft,
		Description: ci.Description,
		Solution:    ci.Solution,
		Expect:      ci.OldText,
		Confidence:  ci.Confidence,
		Agents:      agents,
		Status:      models.FixStatusPending,
	}, ""
}

// unanchored reports why a fix that can delete its whole line has nothing
// tying it to the reported code, or "" when it is anchored.
func unanchored(ft models.FixType, ci models.CorroboratedIssue) string {
	if strings.TrimSpace(ci.OldText) != "" {
		return ""
	}
	switch ft {
	case models.FixTypeConsoleLogRemoval, models.FixTypeCommentedCodeRemoval:
		return "no reported code to match before removing the line"
	case models.FixTypeUnusedImportRemoval:
		if len(importedName(&models.Fix{Description: ci.Description, Solution: ci.Solution})) == 0 {
			return "no reported code or binding name to match before removing the import"
		}
	}
	return ""
}
