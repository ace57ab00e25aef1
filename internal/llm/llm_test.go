package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/quorum/internal/models"
)

func sampleIssue() models.Issue {
	return models.Issue{
		SourceAgent:      "emoji-scanner",
		FilePath:         "src/App.tsx",
		LineNumber:       42,
		IssueType:        "emoji",
		Description:      "Emoji in heading",
		ProposedSolution: "Remove the emoji",
		OldText:          "<h1>🚀 Hi</h1>",
		Confidence:       95,
	}
}

func TestBuildJudgePrompt(t *testing.T) {
	t.Run("known kind", func(t *testing.T) {
		system, user := buildJudgePrompt(sampleIssue(), "emoji")

		assert.Contains(t, system, `"approved"`)
		assert.Contains(t, system, `"confidence"`)
		assert.Contains(t, system, `"rationale"`)

		assert.Contains(t, user, "Issue kind: emoji")
		assert.Contains(t, user, "Guidance: Emoji")
		assert.Contains(t, user, "File: src/App.tsx")
		assert.Contains(t, user, "Line: 42")
		assert.Contains(t, user, "emoji-scanner (confidence 95)")
		assert.Contains(t, user, "<h1>🚀 Hi</h1>")
	})

	t.Run("sparse issue", func(t *testing.T) {
		_, user := buildJudgePrompt(models.Issue{FilePath: "a.js", LineNumber: 1}, "other")
		assert.NotContains(t, user, "Guidance")
		assert.NotContains(t, user, "Description")
		assert.NotContains(t, user, "Current code")
	})
}

func TestParseJudgement(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *Judgement
		wantErr bool
	}{
		{"plain", `{"approved": true, "confidence": 88, "rationale": "safe"}`, &Judgement{Approved: true, Confidence: 88, Rationale: "safe"}, false},
		{"fenced", "```json\n{\"approved\": false, \"confidence\": 40, \"rationale\": \"risky\"}\n```", &Judgement{Confidence: 40, Rationale: "risky"}, false},
		{"empty", "  ", nil, true},
		{"not json", "I think it is fine", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJudgement(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func messageServer(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "src/App.tsx")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-test",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": text}},
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJudgeIssue(t *testing.T) {
	srv := messageServer(t, http.StatusOK, `{"approved": true, "confidence": 91, "rationale": "cosmetic only"}`)
	c := NewClient("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	ok, conf, why, err := c.JudgeIssue(context.Background(), sampleIssue(), "emoji")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 91.0, conf)
	assert.Equal(t, "cosmetic only", why)
}

func TestJudgeIssue_APIError(t *testing.T) {
	srv := messageServer(t, http.StatusInternalServerError, "")
	c := NewClient("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	_, _, _, err := c.JudgeIssue(context.Background(), sampleIssue(), "emoji")
	assert.ErrorContains(t, err, "anthropic API call")
}
