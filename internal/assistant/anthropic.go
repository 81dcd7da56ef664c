package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zulandar/guidepost/internal/models"
)

const defaultAPIURL = "https://api.anthropic.com/v1/messages"

// AnthropicOpts configures an Anthropic responder.
type AnthropicOpts struct {
	APIKey    string
	Model     string
	MaxTokens int
	System    string
	// URL overrides the Messages endpoint.
	URL    string
	Client *http.Client
}

// Anthropic is a Responder backed by the Anthropic Messages API.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	system    string
	url       string
	client    *http.Client
}

// NewAnthropic returns a responder for opts.
func NewAnthropic(opts AnthropicOpts) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("assistant: anthropic: api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("assistant: anthropic: model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 512
	}
	if opts.URL == "" {
		opts.URL = defaultAPIURL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Anthropic{
		apiKey:    opts.APIKey,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		system:    opts.System,
		url:       opts.URL,
		client:    opts.Client,
	}, nil
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Responder.
func (a *Anthropic) Complete(ctx context.Context, history []models.Message) (string, error) {
	msgs := toAPIMessages(history)
	if len(msgs) == 0 {
		return "", fmt.Errorf("assistant: complete: no visitor message")
	}
	body, err := json.Marshal(request{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    a.system,
		Messages:  msgs,
	})
	if err != nil {
		return "", fmt.Errorf("assistant: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("assistant: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("assistant: api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("assistant: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Type != "" {
			return "", fmt.Errorf("assistant: api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return "", fmt.Errorf("assistant: api error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("assistant: unmarshal response: %w", err)
	}
	var out bytes.Buffer
	for _, c := range apiResp.Content {
		if c.Type == "text" {
			out.WriteString(c.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("assistant: empty response content")
	}
	return out.String(), nil
}

// toAPIMessages maps the chat to alternating user/assistant turns, starting
// with the visitor. System messages are dropped and consecutive turns from
// the same side are joined.
func toAPIMessages(history []models.Message) []apiMessage {
	var out []apiMessage
	for _, m := range history {
		role := ""
		switch m.From {
		case models.FromVisitor:
			role = "user"
		case models.FromOperator:
			role = "assistant"
		default:
			continue
		}
		if len(out) == 0 && role != "user" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + m.Text
			continue
		}
		out = append(out, apiMessage{Role: role, Content: m.Text})
	}
	return out
}
