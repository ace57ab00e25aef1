package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/joescharf/quorum/internal/models"
)

// DecisionRecord is one trust decision in an export.
type DecisionRecord struct {
	File       string    `json:"file"`
	Line       int       `json:"line"`
	Type       string    `json:"type"`
	Validated  bool      `json:"validated"`
	Strategy   string    `json:"strategy"`
	AgreedBy   []string  `json:"agreed_by"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	CreatedAt  time.Time `json:"created_at"`
}

// FixRecord is one fix outcome in an export.
type FixRecord struct {
	ID         string    `json:"id"`
	File       string    `json:"file"`
	Line       int       `json:"line"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Applied    bool      `json:"applied"`
	Success    bool      `json:"success"`
	Confidence float64   `json:"confidence"`
	Agents     []string  `json:"agents"`
	OldText    string    `json:"old_text"`
	NewText    string    `json:"new_text"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Verifier   string    `json:"verifier,omitempty"`
	Degraded   bool      `json:"degraded"`
	AppliedAt  time.Time `json:"applied_at"`
}

// EventRecord is one audit entry in an export.
type EventRecord struct {
	Kind      string    `json:"kind"`
	File      string    `json:"file,omitempty"`
	FixID     string    `json:"fix_id,omitempty"`
	Critical  bool      `json:"critical"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionExport is the full ledger of one session.
type SessionExport struct {
	SessionID     string           `json:"session_id"`
	Project       string           `json:"project"`
	Root          string           `json:"root"`
	Strategy      string           `json:"strategy"`
	DryRun        bool             `json:"dry_run"`
	GitHead       string           `json:"git_head,omitempty"`
	GitDirty      bool             `json:"git_dirty"`
	Agents        []string         `json:"agents"`
	FixesApplied  int              `json:"fixes_applied"`
	FixesFailed   int              `json:"fixes_failed"`
	FilesModified []string         `json:"files_modified"`
	StartTime     time.Time        `json:"start_time"`
	EndTime       *time.Time       `json:"end_time,omitempty"`
	Decisions     []DecisionRecord `json:"decisions"`
	Fixes         []FixRecord      `json:"fixes"`
	Events        []EventRecord    `json:"events"`
}

// NewSessionExport assembles an export from stored ledger rows.
func NewSessionExport(sess *models.Session, decisions []*models.Decision, fixes []*models.Fix, events []*models.AuditEvent) *SessionExport {
	e := &SessionExport{
		SessionID:     sess.ID,
		Project:       sess.ProjectRoot,
		Root:          sess.Root,
		Strategy:      string(sess.Strategy),
		DryRun:        sess.DryRun,
		GitHead:       sess.GitHead,
		GitDirty:      sess.GitDirty,
		Agents:        nonNil(sess.Agents),
		FixesApplied:  sess.FixesApplied,
		FixesFailed:   sess.FixesFailed,
		FilesModified: nonNil(sess.FilesModified),
		StartTime:     sess.StartedAt,
		EndTime:       sess.EndedAt,
		Decisions:     make([]DecisionRecord, 0, len(decisions)),
		Fixes:         make([]FixRecord, 0, len(fixes)),
		Events:        make([]EventRecord, 0, len(events)),
	}
	for _, d := range decisions {
		e.Decisions = append(e.Decisions, DecisionRecord{
			File:       d.FilePath,
			Line:       d.LineNumber,
			Type:       d.IssueType,
			Validated:  d.Validated,
			Strategy:   string(d.Strategy),
			AgreedBy:   nonNil(d.AgreedBy),
			Confidence: d.Confidence,
			Rationale:  d.Rationale,
			CreatedAt:  d.CreatedAt,
		})
	}
	for _, f := range fixes {
		e.Fixes = append(e.Fixes, FixRecord{
			ID:         f.ID,
			File:       f.FilePath,
			Line:       f.LineNumber,
			Type:       string(f.FixType),
			Status:     string(f.Status),
			Applied:    f.Applied,
			Success:    f.Success,
			Confidence: f.Confidence,
			Agents:     nonNil(f.Agents),
			OldText:    f.OldText,
			NewText:    f.NewText,
			ErrorKind:  string(f.ErrorKind),
			Error:      f.Error,
			Verifier:   f.Verifier,
			Degraded:   f.Degraded,
			AppliedAt:  f.AppliedAt,
		})
	}
	for _, ev := range events {
		e.Events = append(e.Events, EventRecord{
			Kind:      string(ev.Kind),
			File:      ev.FilePath,
			FixID:     ev.FixID,
			Critical:  ev.Critical,
			Message:   ev.Message,
			CreatedAt: ev.CreatedAt,
		})
	}
	return e
}

// EncodeJSON writes the export as indented JSON.
func (e *SessionExport) EncodeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}

var fixCSVHeader = []string{"id", "file", "line", "type", "status", "applied", "success", "confidence", "agents", "error_kind", "error", "verifier", "degraded"}

// EncodeFixesCSV writes one row per fix outcome.
func (e *SessionExport) EncodeFixesCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(fixCSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, f := range e.Fixes {
		agents := ""
		for i, a := range f.Agents {
			if i > 0 {
				agents += ";"
			}
			agents += a
		}
		row := []string{
			f.ID,
			f.File,
			strconv.Itoa(f.Line),
			f.Type,
			f.Status,
			strconv.FormatBool(f.Applied),
			strconv.FormatBool(f.Success),
			strconv.FormatFloat(f.Confidence, 'f', -1, 64),
			agents,
			f.ErrorKind,
			f.Error,
			f.Verifier,
			strconv.FormatBool(f.Degraded),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
