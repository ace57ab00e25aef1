package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/quorum/internal/models"
)

// Judgement is the model's decision about one reported issue.
type Judgement struct {
	Approved   bool    `json:"approved"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Client wraps the Anthropic API for issue review.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model. Extra
// request options are passed to the SDK unchanged.
func NewClient(apiKey, model string, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// kindRules tells the model what a safe correction looks like for each kind.
var kindRules = map[string]string{
	"emoji":          "Emoji in production strings, logs and comments should be removed. Emoji in test fixtures or debug utilities are low priority.",
	"console-log":    "Approve only console calls that were clearly left behind by accident. Reject calls in debug utilities, logging modules or error handling paths.",
	"unused-import":  "Approve only when the named binding is truly unused in the file. Reject side-effect imports.",
	"commented-code": "Approve only commented-out source code. Reject documentation, license headers and tool directives.",
}

// buildJudgePrompt constructs the system and user prompts for reviewing one issue.
func buildJudgePrompt(is models.Issue, kind string) (system string, user string) {
	system = `You review issues reported by static analyzers before they are corrected automatically. Decide whether the reported problem is real and whether removing it is safe. Return ONLY a JSON object with these fields:
- "approved": true if the correction should be applied automatically, false otherwise
- "confidence": your confidence in the decision, 0 to 100
- "rationale": one sentence explaining the decision

Rules:
- When in doubt, reject. A rejected issue is left for a human.
- Never approve a change that could alter program behavior
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue kind: %s\n", kind)
	if rule, ok := kindRules[kind]; ok {
		sb.WriteString("Guidance: ")
		sb.WriteString(rule)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "File: %s\nLine: %d\n", is.FilePath, is.LineNumber)
	fmt.Fprintf(&sb, "Reported by: %s (confidence %.0f)\n", is.SourceAgent, is.Confidence)
	if is.Description != "" {
		sb.WriteString("\nDescription: ")
		sb.WriteString(is.Description)
		sb.WriteString("\n")
	}
	if is.ProposedSolution != "" {
		sb.WriteString("Proposed solution: ")
		sb.WriteString(is.ProposedSolution)
		sb.WriteString("\n")
	}
	if is.OldText != "" {
		sb.WriteString("\nCurrent code:\n")
		sb.WriteString(is.OldText)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// JudgeIssue asks the model whether an issue should be corrected.
func (c *Client) JudgeIssue(ctx context.Context, is models.Issue, kind string) (bool, float64, string, error) {
	systemPrompt, userPrompt := buildJudgePrompt(is, kind)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return false, 0, "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	j, err := parseJudgement(text)
	if err != nil {
		return false, 0, "", err
	}
	return j.Approved, j.Confidence, j.Rationale, nil
}

func parseJudgement(text string) (*Judgement, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	text = stripFence(text)

	var j Judgement
	if err := json.Unmarshal([]byte(text), &j); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return &j, nil
}

// stripFence removes markdown fencing if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
