// Package provider calls external text-generation back-ends.
//
// Each back-end implements Provider; Service picks one by the model config's
// provider key. Service is safe for concurrent use.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"hybrid-llm-gateway/internal/models"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported model provider")
	ErrEmptyResponse       = errors.New("provider returned no content")
)

// Provider generates text for a prompt on one back-end.
type Provider interface {
	Generate(ctx context.Context, mc models.ModelConfig, prompt string, params map[string]any) (string, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Code, e.Body)
}

// Service routes generation calls to the provider named by the model config.
type Service struct {
	providers map[string]Provider
}

// NewService registers the built-in providers, all sharing client.
func NewService(client *http.Client) *Service {
	if client == nil {
		client = &http.Client{}
	}
	return &Service{providers: map[string]Provider{
		models.ProviderOpenAI:    &chatCompletions{name: models.ProviderOpenAI, defaultBase: "https://api.openai.com", client: client},
		models.ProviderDeepSeek:  &chatCompletions{name: models.ProviderDeepSeek, defaultBase: "https://api.deepseek.com", client: client},
		models.ProviderAnthropic: &anthropic{client: client},
		models.ProviderGemini:    &gemini{client: client},
	}}
}

// Register adds or replaces a provider under key. Call it before the service is shared.
func (s *Service) Register(key string, p Provider) {
	s.providers[key] = p
}

// Supports reports whether a provider is registered under key.
func (s *Service) Supports(key string) bool {
	_, ok := s.providers[key]
	return ok
}

func (s *Service) Generate(ctx context.Context, mc models.ModelConfig, prompt string, params map[string]any) (string, error) {
	p, ok := s.providers[mc.Provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, mc.Provider)
	}
	out, err := p.Generate(ctx, mc, prompt, params)
	if err != nil {
		return "", fmt.Errorf("model generation failed: %w", err)
	}
	return out, nil
}

// ---- OpenAI-compatible chat completions (OpenAI, DeepSeek) ----

type chatCompletions struct {
	name        string
	defaultBase string
	client      *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *chatCompletions) Generate(ctx context.Context, mc models.ModelConfig, prompt string, params map[string]any) (string, error) {
	body := chatRequest{
		Model:       mc.ModelName,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   intParam(params, "max_tokens", mc.MaxTokens),
		Temperature: floatParam(params, "temperature", mc.Temperature),
	}
	headers := map[string]string{"Authorization": "Bearer " + mc.APIKey}

	var resp chatResponse
	url := baseURL(mc, p.defaultBase) + "/v1/chat/completions"
	if err := postJSON(ctx, p.client, p.name, url, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// ---- Anthropic messages ----

const anthropicVersion = "2023-06-01"

type anthropic struct {
	client *http.Client
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (p *anthropic) Generate(ctx context.Context, mc models.ModelConfig, prompt string, params map[string]any) (string, error) {
	body := chatRequest{
		Model:       mc.ModelName,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   intParam(params, "max_tokens", mc.MaxTokens),
		Temperature: floatParam(params, "temperature", mc.Temperature),
	}
	headers := map[string]string{
		"x-api-key":         mc.APIKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	url := baseURL(mc, "https://api.anthropic.com") + "/v1/messages"
	if err := postJSON(ctx, p.client, models.ProviderAnthropic, url, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Content[0].Text, nil
}

// ---- Gemini generateContent ----

type gemini struct {
	client *http.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int     `json:"maxOutputTokens"`
		Temperature     float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (p *gemini) Generate(ctx context.Context, mc models.ModelConfig, prompt string, params map[string]any) (string, error) {
	var body geminiRequest
	body.Contents = []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}
	body.GenerationConfig.MaxOutputTokens = intParam(params, "max_tokens", mc.MaxTokens)
	body.GenerationConfig.Temperature = floatParam(params, "temperature", mc.Temperature)

	var resp geminiResponse
	// The key travels in a header; URLs end up in transport errors, which are stored on the job.
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		baseURL(mc, "https://generativelanguage.googleapis.com"), url.PathEscape(mc.ModelName))
	headers := map[string]string{"x-goog-api-key": mc.APIKey}
	if err := postJSON(ctx, p.client, models.ProviderGemini, endpoint, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// Helper functions

func postJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Provider: name, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", name, err)
	}
	return nil
}

func baseURL(mc models.ModelConfig, def string) string {
	if s := strings.TrimSpace(mc.BaseURL); s != "" {
		return strings.TrimRight(s, "/")
	}
	return def
}

// intParam reads a numeric param; JSON numbers decode as float64.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}
