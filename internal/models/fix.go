package models

import "time"

// FixType is the closed set of mechanical edits the engine knows how to make.
type FixType string

const (
	FixTypeEmojiRemoval         FixType = "emoji-removal"
	FixTypeConsoleLogRemoval    FixType = "console-log-removal"
	FixTypeUnusedImportRemoval  FixType = "unused-import-removal"
	FixTypeCommentedCodeRemoval FixType = "commented-code-removal"
)

// FixStatus is the terminal (or pending) state of a fix.
type FixStatus string

const (
	FixStatusPending   FixStatus = "pending"
	FixStatusCommitted FixStatus = "committed"
	FixStatusFailed    FixStatus = "failed"
	FixStatusSkipped   FixStatus = "skipped"
	FixStatusSimulated FixStatus = "simulated"
)

// ErrorKind classifies a failed fix for reporting.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindFileMissing     ErrorKind = "file-missing"
	ErrorKindPrecondition    ErrorKind = "precondition-not-present"
	ErrorKindTransformFailed ErrorKind = "transform-failed"
	ErrorKindBackupFailed    ErrorKind = "backup-failed"
	ErrorKindWriteFailed     ErrorKind = "write-failed"
	ErrorKindSyntax          ErrorKind = "syntax-verification-failed"
	ErrorKindRollbackFailed  ErrorKind = "rollback-failed"
	ErrorKindCancelled       ErrorKind = "cancelled"
)

// Fix is one executable mutation targeting exactly one file and line.
// OldText/NewText are filled in by the engine once the live line is read.
// Expect, when set, is text the target line must still contain.
type Fix struct {
	ID          string
	FilePath    string
	LineNumber  int
	FixType     FixType
	Description string
	Solution    string
	Expect      string
	OldText     string
	NewText     string
	Confidence  float64
	Agents      []string

	Applied   bool
	Success   bool
	Status    FixStatus
	ErrorKind ErrorKind
	Error     string

	Verifier  string // name of the syntax checker that ran
	Degraded  bool   // no checker was available for this file
	AppliedAt time.Time
}

// SyntaxFailure reports whether the fix failed syntax verification.
func (f *Fix) SyntaxFailure() bool {
	return f.ErrorKind == ErrorKindSyntax
}
