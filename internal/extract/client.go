package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Provider is a language model backend that answers one system/user prompt pair.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// FormatSetter is implemented by providers that can constrain their output
// to a JSON schema.
type FormatSetter interface {
	SetFormat(schema interface{})
}

// maxOutputTokens bounds the model answer. A findings document with a long
// timeline needs the room.
const maxOutputTokens = 8192

const (
	anthropicEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion  = "2023-06-01"
	openAIEndpoint    = "https://api.openai.com/v1"
	ollamaEndpoint    = "http://localhost:11434"

	findingsTool = "record_findings"
)

// NewProvider builds the named provider. timeoutSec overrides the HTTP
// timeout; 0 keeps the provider default.
func NewProvider(provider, apiKey, model, endpoint string, timeoutSec int) (Provider, error) {
	client := func(def time.Duration) *http.Client {
		if timeoutSec > 0 {
			def = time.Duration(timeoutSec) * time.Second
		}
		return &http.Client{Timeout: def}
	}
	orDefault := func(def string) string {
		if endpoint != "" {
			return endpoint
		}
		return def
	}

	switch provider {
	case "anthropic":
		return &AnthropicProvider{apiKey: apiKey, model: model, endpoint: orDefault(anthropicEndpoint), client: client(10 * time.Minute)}, nil
	case "openai":
		return &OpenAIProvider{apiKey: apiKey, model: model, endpoint: orDefault(openAIEndpoint), client: client(10 * time.Minute)}, nil
	case "ollama":
		return &OllamaProvider{model: model, endpoint: orDefault(ollamaEndpoint), client: client(15 * time.Minute)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", provider)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func chat(systemPrompt, userPrompt string) []chatMessage {
	return []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
}

// postJSON sends body to url and decodes a 200 reply into out.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, truncateAPIError(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// AnthropicProvider talks to the Anthropic Messages API. With a schema set
// it forces a single tool call whose input is the findings document.
type AnthropicProvider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client

	mu     sync.RWMutex
	schema interface{}
}

type anthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model      string            `json:"model"`
	MaxTokens  int               `json:"max_tokens"`
	System     string            `json:"system"`
	Messages   []chatMessage     `json:"messages"`
	Tools      []anthropicTool   `json:"tools,omitempty"`
	ToolChoice map[string]string `json:"tool_choice,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
}

// SetFormat switches the provider to forced tool use with schema.
func (p *AnthropicProvider) SetFormat(schema interface{}) {
	p.mu.Lock()
	p.schema = schema
	p.mu.Unlock()
}

func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := anthropicRequest{
		Model:     p.model,
		MaxTokens: maxOutputTokens,
		System:    systemPrompt,
		Messages:  []chatMessage{{Role: "user", Content: userPrompt}},
	}
	p.mu.RLock()
	if p.schema != nil {
		body.Tools = []anthropicTool{{
			Name:        findingsTool,
			Description: "Record the incident findings document",
			InputSchema: p.schema,
		}}
		body.ToolChoice = map[string]string{"type": "tool", "name": findingsTool}
	}
	p.mu.RUnlock()

	var out anthropicResponse
	err := postJSON(ctx, p.client, p.endpoint+"/messages", map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}, body, &out)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	if len(out.Content) == 0 {
		return "", errors.New("anthropic: empty response")
	}

	// A tool_use block wins over any surrounding text.
	for _, block := range out.Content {
		if block.Type == "tool_use" && len(block.Input) > 0 {
			return string(block.Input), nil
		}
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("anthropic: no text or tool_use block")
}

// OpenAIProvider talks to OpenAI and compatible chat completion gateways in
// JSON object mode.
type OpenAIProvider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	MaxTokens      int               `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := openAIRequest{
		Model:          p.model,
		Messages:       chat(systemPrompt, userPrompt),
		ResponseFormat: map[string]string{"type": "json_object"},
		MaxTokens:      maxOutputTokens,
	}
	var out openAIResponse
	err := postJSON(ctx, p.client, p.endpoint+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, body, &out)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

// OllamaProvider talks to a local Ollama server. Without a schema it asks
// for plain JSON mode.
type OllamaProvider struct {
	model    string
	endpoint string
	client   *http.Client

	mu     sync.RWMutex
	format interface{}
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   interface{}   `json:"format"`
}

type ollamaResponse struct {
	Message chatMessage `json:"message"`
}

// SetFormat constrains output to schema.
func (p *OllamaProvider) SetFormat(schema interface{}) {
	p.mu.Lock()
	p.format = schema
	p.mu.Unlock()
}

func (p *OllamaProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	p.mu.RLock()
	var format interface{} = "json"
	if p.format != nil {
		format = p.format
	}
	p.mu.RUnlock()

	body := ollamaRequest{
		Model:    p.model,
		Messages: chat(systemPrompt, userPrompt),
		Format:   format,
	}
	var out ollamaResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/api/chat", nil, body, &out); err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return out.Message.Content, nil
}

// truncateAPIError caps error bodies echoed into logs and run failures.
func truncateAPIError(body []byte) string {
	const maxLen = 512
	if len(body) <= maxLen {
		return string(body)
	}
	return string(body[:maxLen]) + "... (truncated)"
}
