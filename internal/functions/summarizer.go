package functions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Summarizer condenses a call transcript according to an instruction.
type Summarizer interface {
	Summarize(ctx context.Context, instruction, transcript string) (string, error)
	Name() string
}

// SummarizerConfig selects and configures a Summarizer backend.
type SummarizerConfig struct {
	// Provider is one of gemini, openai, anthropic, none.
	Provider string
	Model    string
	APIKey   string
}

const summaryMaxTokens = 512

// NewSummarizer builds the configured backend. Provider "none" or an empty
// provider yields the extractive TemplateSummarizer.
func NewSummarizer(ctx context.Context, cfg SummarizerConfig) (Summarizer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider != "" && provider != "none" && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("summarizer %s: api key is required", provider)
	}
	switch provider {
	case "", "none":
		return TemplateSummarizer{}, nil
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("summarizer gemini: %w", err)
		}
		return &GeminiSummarizer{client: client, model: orDefault(cfg.Model, "gemini-2.0-flash")}, nil
	case "openai":
		return &OpenAISummarizer{client: openai.NewClient(cfg.APIKey), model: orDefault(cfg.Model, openai.GPT4oMini)}, nil
	case "anthropic":
		client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		return &AnthropicSummarizer{client: client, model: orDefault(cfg.Model, "claude-3-5-haiku-latest")}, nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Provider)
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func summaryPrompt(instruction, transcript string) string {
	return instruction + "\n\n" + transcript
}

// GeminiSummarizer uses GenerateContent.
type GeminiSummarizer struct {
	client *genai.Client
	model  string
}

func (s *GeminiSummarizer) Name() string { return "gemini" }

func (s *GeminiSummarizer) Summarize(ctx context.Context, instruction, transcript string) (string, error) {
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(summaryPrompt(instruction, transcript)), nil)
	if err != nil {
		return "", fmt.Errorf("gemini summarize: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("gemini summarize: empty response")
	}
	return text, nil
}

// OpenAISummarizer uses chat completions.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

func (s *OpenAISummarizer) Name() string { return "openai" }

func (s *OpenAISummarizer) Summarize(ctx context.Context, instruction, transcript string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: summaryMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai summarize: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// AnthropicSummarizer uses the Messages API.
type AnthropicSummarizer struct {
	client anthropic.Client
	model  string
}

func (s *AnthropicSummarizer) Name() string { return "anthropic" }

func (s *AnthropicSummarizer) Summarize(ctx context.Context, instruction, transcript string) (string, error) {
	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: summaryMaxTokens,
		System: []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: instruction,
			},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(transcript)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic summarize: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		b.WriteString(block.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("anthropic summarize: empty response")
	}
	return text, nil
}

// TemplateSummarizer needs no model: it keeps the opening sentences of the
// transcript.
type TemplateSummarizer struct{}

func (TemplateSummarizer) Name() string { return "template" }

const templateSummarySentences = 3

func (TemplateSummarizer) Summarize(_ context.Context, instruction, transcript string) (string, error) {
	transcript = strings.Join(strings.Fields(transcript), " ")
	if transcript == "" {
		return "", errors.New("transcript is empty")
	}
	var (
		b     strings.Builder
		count int
	)
	for _, r := range transcript {
		b.WriteRune(r)
		if r == '.' || r == '?' || r == '!' {
			count++
			if count == templateSummarySentences {
				break
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
