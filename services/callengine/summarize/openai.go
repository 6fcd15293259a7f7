package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

const summarySystemPrompt = "You summarize call transcripts. Respond with a JSON object " +
	`containing "summary" (a short paragraph), "key_points" (array of strings), ` +
	`and "action_items" (array of strings). Respond with JSON only.`

// OpenAIProvider summarizes transcripts with an OpenAI chat model.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds a provider from the configured API key and
// model. Returns an error when no key is configured; callers treat that
// as "no provider" and run with the fallback only.
func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("no OpenAI API key configured")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("No summarization model configured, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI summarization provider", "model", model)
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}, nil
}

// Summarize implements the Provider interface with a single chat
// completion call. Any API error or unparsable response is returned to
// the orchestrator, which falls back to the deterministic digest.
func (p *OpenAIProvider) Summarize(ctx context.Context, segments []datatypes.TranscriptSegment, roster []datatypes.CallParticipant) (Content, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(segments, roster)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Content{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Content{}, fmt.Errorf("OpenAI returned no choices")
	}

	var content Content
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return Content{}, fmt.Errorf("parse summary response: %w", err)
	}
	if strings.TrimSpace(content.Text) == "" {
		return Content{}, fmt.Errorf("summary response has empty summary text")
	}
	return content, nil
}

// buildPrompt renders the roster and transcript as the user message.
func buildPrompt(segments []datatypes.TranscriptSegment, roster []datatypes.CallParticipant) string {
	var b strings.Builder
	b.WriteString("Participants: ")
	for i, p := range roster {
		if i > 0 {
			b.WriteString(", ")
		}
		if p.DisplayName != "" {
			b.WriteString(p.DisplayName)
		} else {
			b.WriteString(p.ExternalUserRef)
		}
	}
	b.WriteString("\n\nTranscript:\n")
	for _, s := range segments {
		speaker := s.SpeakerDisplayName
		if speaker == "" {
			speaker = s.SpeakerProviderID
		}
		if speaker == "" {
			speaker = "unknown"
		}
		fmt.Fprintf(&b, "[%s] %s\n", speaker, s.Text)
	}
	return b.String()
}
