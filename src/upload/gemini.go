package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"google.golang.org/genai"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
)

const (
	defaultAnalysisModel = "gemini-2.5-flash"
	cloudPlatformScope   = "https://www.googleapis.com/auth/cloud-platform"
)

const analysisPrompt = `You are given the audio recording of a spoken conversation between a user and an assistant avatar.
Return a JSON object with these fields:
  "summary": short summary of the conversation,
  "sentiment": overall user sentiment (positive, neutral or negative),
  "topics": list of topics discussed,
  "transcript": the conversation transcript with speaker labels,
  "conversationMetrics": {
    "userSpeakingTimeSec": seconds the user spoke,
    "avatarSpeakingTimeSec": seconds the assistant spoke,
    "turnsCount": number of user turns,
    "avgResponseTimeMs": mean milliseconds between the user finishing and the assistant starting
  }`

// GeminiConfig selects the Gemini API (APIKey) or Vertex AI (Project and
// Location, with application default credentials)
type GeminiConfig struct {
	APIKey   string
	Project  string
	Location string
	Model    string
}

// GeminiAnalyzer asks a Gemini model to analyse a recording
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
}

func NewGeminiAnalyzer(ctx context.Context, cfg GeminiConfig) (*GeminiAnalyzer, error) {
	cc := &genai.ClientConfig{}
	switch {
	case cfg.APIKey != "":
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	case cfg.Project != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{cloudPlatformScope},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to detect Google credentials: %w", err)
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Credentials = creds
	default:
		return nil, errors.New("gemini analyzer: api key or project is required")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnalysisModel
	}
	return &GeminiAnalyzer{client: client, model: model}, nil
}

func (g *GeminiAnalyzer) Analyze(ctx context.Context, blob Blob) (*callmetrics.Analysis, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(blob.Data, blob.ContentType),
			genai.NewPartFromText(analysisPrompt),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini analysis: %w", err)
	}
	return parseAnalysis(resp.Text())
}

// parseAnalysis accepts the model's JSON, with or without a code fence
func parseAnalysis(text string) (*callmetrics.Analysis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty analysis")
	}

	var a callmetrics.Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return nil, fmt.Errorf("invalid analysis: %w", err)
	}
	return &a, nil
}
