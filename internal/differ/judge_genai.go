package differ

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/rand/topos/internal/logging"
)

// GenAIJudge is a ProseJudge backed by Google's Gemini API. It is the
// default collaborator for hybrid diffs; hosts needing determinism run
// structural mode or plug their own judge.
type GenAIJudge struct {
	client *genai.Client
	model  string
}

// NewGenAIJudge creates a judge using the given model and API key.
func NewGenAIJudge(ctx context.Context, apiKey, model string) (*GenAIJudge, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("prose judge API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	logging.Diff("GenAI prose judge ready: model=%s", model)
	return &GenAIJudge{client: client, model: model}, nil
}

const judgePrompt = `You compare two versions of a requirement clause from a software
specification and judge how far the meaning drifted.

Context: %s

Before:
%s

After:
%s

Reply with a single JSON object:
{"alignment_score": <0..1, 1 = same meaning>,
 "severity": "low" | "medium" | "high",
 "category": "rewording" | "tightening" | "loosening" | "behavior-change" | "unrelated",
 "confidence": <0..1>}`

// Compare judges one before/after prose pair.
func (j *GenAIJudge) Compare(ctx context.Context, before, after, context_ string) (SemanticJudgement, error) {
	timer := logging.StartTimer(logging.CategoryDiff, "GenAIJudge.Compare")
	defer timer.Stop()

	prompt := fmt.Sprintf(judgePrompt, context_, before, after)
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := j.client.Models.GenerateContent(ctx, j.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return SemanticJudgement{}, fmt.Errorf("GenAI judge call failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	var judgement SemanticJudgement
	if err := json.Unmarshal([]byte(text), &judgement); err != nil {
		return SemanticJudgement{}, fmt.Errorf("GenAI judge returned malformed JSON: %w", err)
	}
	if judgement.AlignmentScore < 0 || judgement.AlignmentScore > 1 {
		return SemanticJudgement{}, fmt.Errorf("GenAI judge returned out-of-range alignment score %v", judgement.AlignmentScore)
	}
	return judgement, nil
}
