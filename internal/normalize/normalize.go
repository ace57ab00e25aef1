// Package normalize maps free-text analyzer classifications onto the small
// taxonomy used as the corroboration join key.
package normalize

import (
	"path"
	"strings"
)

// Canonical issue types.
const (
	Emoji         = "emoji"
	ConsoleLog    = "console-log"
	UnusedImport  = "unused-import"
	CommentedCode = "commented-code"
	ButtonIssue   = "button-issue"
	PropsIssue    = "props-issue"
	Consistency   = "consistency"
)

// rules are checked in order; the first substring hit wins.
var rules = []struct {
	needles   []string
	canonical string
}{
	{[]string{"emoji"}, Emoji},
	{[]string{"console"}, ConsoleLog},
	{[]string{"import"}, UnusedImport},
	{[]string{"comment"}, CommentedCode},
	{[]string{"button"}, ButtonIssue},
	{[]string{"prop"}, PropsIssue},
	{[]string{"consistency", "cohérence", "coherence"}, Consistency},
}

// IssueType returns the canonical type for an analyzer's issue type.
// Unrecognized input comes back lower-cased.
func IssueType(issueType string) string {
	lower := strings.ToLower(issueType)
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(lower, n) {
				return r.canonical
			}
		}
	}
	return lower
}

// Path cleans a project-relative path so that the same file always yields
// the same key: forward slashes, no leading "./", no redundant elements.
func Path(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return p
}
