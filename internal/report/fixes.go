package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/joescharf/quorum/internal/ledger"
	"github.com/joescharf/quorum/internal/models"
)

// FileDiff renders the single-line edits of one file's applied fixes as a
// unified diff. Fixes may arrive in any order; hunks are emitted top-down
// with new-side line numbers shifted by earlier removals.
func FileDiff(file string, fixes []models.Fix) *diff.FileDiff {
	sorted := append([]models.Fix(nil), fixes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LineNumber < sorted[j].LineNumber })

	fd := &diff.FileDiff{OrigName: "a/" + file, NewName: "b/" + file}
	offset := int32(0)
	for _, f := range sorted {
		line := int32(f.LineNumber)
		h := &diff.Hunk{
			OrigStartLine: line,
			OrigLines:     1,
			NewStartLine:  line + offset,
			NewLines:      1,
			Body:          []byte("-" + f.OldText + "\n"),
		}
		if f.NewText == "" {
			// An empty range starts at the line before it.
			h.NewLines = 0
			h.NewStartLine--
			offset--
		} else {
			h.Body = append(h.Body, []byte("+"+f.NewText+"\n")...)
		}
		fd.Hunks = append(fd.Hunks, h)
	}
	return fd
}

// FixesMarkdown renders FIXES-APPLIED.md (or its dry-run twin) for a
// finalized session.
func FixesMarkdown(sess models.Session, fixes []models.Fix, now time.Time) ([]byte, error) {
	var applied, syntax, other []models.Fix
	for _, f := range fixes {
		switch f.Status {
		case models.FixStatusCommitted, models.FixStatusSimulated:
			applied = append(applied, f)
		case models.FixStatusFailed, models.FixStatusSkipped:
			if f.SyntaxFailure() {
				syntax = append(syntax, f)
			} else {
				other = append(other, f)
			}
		}
	}

	byFile := make(map[string][]models.Fix)
	var files []string
	for _, f := range applied {
		if _, ok := byFile[f.FilePath]; !ok {
			files = append(files, f.FilePath)
		}
		byFile[f.FilePath] = append(byFile[f.FilePath], f)
	}
	sort.Strings(files)

	var b strings.Builder
	title := "Fixes applied"
	if sess.DryRun {
		title = "Fixes simulated (dry run)"
	}
	fmt.Fprintf(&b, "# %s - session %s\n\n", title, sess.ID)
	fmt.Fprintf(&b, "**Date**: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Project**: %s\n", sess.ProjectRoot)
	if sess.GitHead != "" {
		dirty := ""
		if sess.GitDirty {
			dirty = " (uncommitted changes present)"
		}
		fmt.Fprintf(&b, "**Git HEAD**: %s%s\n", sess.GitHead, dirty)
	}
	b.WriteString("\n## Overview\n\n")
	fmt.Fprintf(&b, "- Files modified: %d\n", len(files))
	fmt.Fprintf(&b, "- Fixes applied: %d\n", len(applied))
	fmt.Fprintf(&b, "- Fixes failed: %d\n", len(syntax)+len(other))
	if !sess.DryRun {
		fmt.Fprintf(&b, "- Backup: %s/%s/\n", ledger.FixesDir, ledger.BackupDir)
		fmt.Fprintf(&b, "- Rollback: `quorum rollback %s`\n", sess.ID)
	}

	if len(applied) > 0 {
		b.WriteString("\n## Applied\n")
		for _, file := range files {
			fmt.Fprintf(&b, "\n### %s\n\n", file)
			for _, f := range byFile[file] {
				writeFixHeader(&b, f)
			}
			out, err := diff.PrintFileDiff(FileDiff(file, byFile[file]))
			if err != nil {
				return nil, fmt.Errorf("render diff for %s: %w", file, err)
			}
			b.WriteString("\n```diff\n")
			b.Write(out)
			b.WriteString("```\n")
		}
	}

	if len(syntax)+len(other) > 0 {
		b.WriteString("\n## Failed\n")
		if len(syntax) > 0 {
			fmt.Fprintf(&b, "\n### Syntax errors (%d) - rolled back\n\n", len(syntax))
			for _, f := range syntax {
				writeFailure(&b, f)
			}
		}
		if len(other) > 0 {
			fmt.Fprintf(&b, "\n### Other errors (%d)\n\n", len(other))
			for _, f := range other {
				writeFailure(&b, f)
			}
		}
	}
	return []byte(b.String()), nil
}

func writeFixHeader(b *strings.Builder, f models.Fix) {
	fmt.Fprintf(b, "- **Line %d** %s (confidence %.0f%%, agents: %s)", f.LineNumber, f.FixType, f.Confidence, strings.Join(f.Agents, ", "))
	if f.Degraded {
		b.WriteString(" - not syntax-checked")
	} else if f.Verifier != "" {
		fmt.Fprintf(b, " - verified by %s", f.Verifier)
	}
	b.WriteString("\n")
	if f.Description != "" {
		fmt.Fprintf(b, "  - %s\n", f.Description)
	}
}

func writeFailure(b *strings.Builder, f models.Fix) {
	fmt.Fprintf(b, "- **%s:%d** %s [%s]\n", f.FilePath, f.LineNumber, f.FixType, f.ErrorKind)
	if len(f.Agents) > 0 {
		fmt.Fprintf(b, "  - Agents: %s\n", strings.Join(f.Agents, ", "))
	}
	fmt.Fprintf(b, "  - Error: %s\n", f.Error)
}
