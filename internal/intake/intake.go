// Package intake loads analyzer reports into the issue pool.
package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/normalize"
)

// ErrUnsupportedFormat is returned for files that are neither JSON nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported report format")

// artifacts are files the engine itself writes into the analysis directory.
var artifacts = map[string]bool{
	"consensus-issues.json":     true,
	"validation-consensus.json": true,
	"session-summary.json":      true,
}

// IsArtifact reports whether name is an engine-written file rather than an
// analyzer report.
func IsArtifact(name string) bool {
	name = filepath.Base(name)
	return artifacts[name] || (strings.HasPrefix(name, "validator-") && strings.HasSuffix(name, ".json"))
}

type record struct {
	File        string  `json:"file" yaml:"file"`
	Line        int     `json:"line" yaml:"line"`
	Severity    string  `json:"severity" yaml:"severity"`
	Type        string  `json:"type" yaml:"type"`
	Description string  `json:"description" yaml:"description"`
	Solution    string  `json:"solution" yaml:"solution"`
	OldCode     string  `json:"old_code" yaml:"old_code"`
	NewCode     string  `json:"new_code" yaml:"new_code"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
	AutoFixable bool    `json:"auto_fixable" yaml:"auto_fixable"`
	Agent       string  `json:"agent,omitempty" yaml:"agent,omitempty"`
}

type document struct {
	Agent  string   `json:"agent" yaml:"agent"`
	Issues []record `json:"issues" yaml:"issues"`
}

// Report is one analyzer's output.
type Report struct {
	Agent  string
	Path   string
	Issues []models.Issue
}

// LoadFile reads a JSON or YAML analyzer report. When the document does not
// name its agent, the file name without extension is used.
func LoadFile(path string) (*Report, error) {
	format, ok := formatOf(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	base := filepath.Base(path)
	r, err := Decode(data, format, strings.TrimSuffix(base, filepath.Ext(base)))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	r.Path = path
	return r, nil
}

// LoadDir loads every report in dir, in file name order. Engine artifacts,
// subdirectories and other file types are skipped.
func LoadDir(dir string) ([]*Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read report dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var reports []*Report
	for _, e := range entries {
		if e.IsDir() || IsArtifact(e.Name()) {
			continue
		}
		if _, ok := formatOf(e.Name()); !ok {
			continue
		}
		r, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Decode parses a report in the given format ("json" or "yaml"). Both a
// document with an issues list and a bare list of issues are accepted.
func Decode(data []byte, format, fallbackAgent string) (*Report, error) {
	var doc document
	switch format {
	case "json":
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &doc.Issues); err != nil {
				return nil, err
			}
		} else if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
	case "yaml":
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, err
		}
		if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
			if err := node.Content[0].Decode(&doc.Issues); err != nil {
				return nil, err
			}
		} else if len(node.Content) > 0 {
			if err := node.Content[0].Decode(&doc); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	agent := strings.TrimSpace(doc.Agent)
	if agent == "" {
		agent = fallbackAgent
	}
	r := &Report{Agent: agent, Issues: make([]models.Issue, 0, len(doc.Issues))}
	for _, rec := range doc.Issues {
		r.Issues = append(r.Issues, rec.issue(agent))
	}
	return r, nil
}

func (rec record) issue(agent string) models.Issue {
	if rec.Agent != "" {
		agent = rec.Agent
	}
	severity := models.Severity(strings.ToLower(strings.TrimSpace(rec.Severity)))
	if severity.Rank() == 0 {
		severity = models.SeverityMinor
	}
	confidence := rec.Confidence
	switch {
	case confidence < 0:
		confidence = 0
	case confidence > 100:
		confidence = 100
	}
	return models.Issue{
		SourceAgent:      agent,
		FilePath:         normalize.Path(rec.File),
		LineNumber:       rec.Line,
		Severity:         severity,
		IssueType:        rec.Type,
		Description:      rec.Description,
		ProposedSolution: rec.Solution,
		OldText:          rec.OldCode,
		NewText:          rec.NewCode,
		Confidence:       confidence,
		AutoFixable:      rec.AutoFixable,
	}
}

// Pool flattens reports into one issue list, in report order.
func Pool(reports []*Report) []models.Issue {
	var n int
	for _, r := range reports {
		n += len(r.Issues)
	}
	pool := make([]models.Issue, 0, n)
	for _, r := range reports {
		pool = append(pool, r.Issues...)
	}
	return pool
}

// Agents returns the distinct agents behind the reports, sorted.
func Agents(reports []*Report) []string {
	seen := make(map[string]bool)
	var agents []string
	for _, r := range reports {
		if r.Agent != "" && !seen[r.Agent] {
			seen[r.Agent] = true
			agents = append(agents, r.Agent)
		}
	}
	sort.Strings(agents)
	return agents
}

func formatOf(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json", true
	case ".yaml", ".yml":
		return "yaml", true
	}
	return "", false
}
