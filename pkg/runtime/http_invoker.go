package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskpilot/taskpilot/pkg/utils"
)

const (
	openAIBaseURL    = "https://api.openai.com/v1"
	anthropicBaseURL = "https://api.anthropic.com/v1"

	defaultMaxTokens  = 4096
	modelCallTimeout  = 60 * time.Second
	anthropicAPIDate  = "2023-06-01"
	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"
)

// HTTPInvoker calls hosted model providers over their HTTP APIs. The
// provider named in the request selects the wire format: OpenAI-style
// chat completions or the Anthropic messages API.
type HTTPInvoker struct {
	client *utils.HTTPClient

	// APIKeys maps provider name to credential
	APIKeys map[string]string

	// BaseURLs overrides provider endpoints, for proxies and tests
	BaseURLs map[string]string
}

// NewHTTPInvoker creates an invoker with the given provider credentials
func NewHTTPInvoker(apiKeys map[string]string) *HTTPInvoker {
	return &HTTPInvoker{
		client:  utils.NewHTTPClient(),
		APIKeys: apiKeys,
	}
}

// Invoke sends the request to the provider's API and blocks until it
// answers
func (i *HTTPInvoker) Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	switch req.Provider {
	case providerAnthropic:
		return i.invokeAnthropic(ctx, req)
	case providerOpenAI:
		return i.invokeOpenAI(ctx, req)
	default:
		// unknown providers are assumed to speak the OpenAI dialect
		return i.invokeOpenAI(ctx, req)
	}
}

func (i *HTTPInvoker) baseURL(provider, fallback string) string {
	if u, ok := i.BaseURLs[provider]; ok && u != "" {
		return u
	}
	return fallback
}

func (i *HTTPInvoker) invokeOpenAI(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	messages := []map[string]string{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	resp, err := i.client.Do(ctx, &utils.HTTPRequest{
		URL:    fmt.Sprintf("%s/chat/completions", i.baseURL(req.Provider, openAIBaseURL)),
		Method: "POST",
		Body: map[string]interface{}{
			"model":    req.Model,
			"messages": messages,
		},
		Headers: map[string]string{
			"Authorization": fmt.Sprintf("Bearer %s", i.APIKeys[req.Provider]),
		},
		Timeout: modelCallTimeout,
	})
	if err != nil {
		return ModelResponse{}, fmt.Errorf("model API request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errorResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(resp.RawBody, &errorResp); err == nil && errorResp.Error.Message != "" {
			return ModelResponse{}, fmt.Errorf("model API error (status %d): %s", resp.StatusCode, errorResp.Error.Message)
		}
		return ModelResponse{}, fmt.Errorf("model API error (status %d): %s", resp.StatusCode, string(resp.RawBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.RawBody, &parsed); err != nil {
		return ModelResponse{}, fmt.Errorf("failed to parse model response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return ModelResponse{}, fmt.Errorf("model response contained no choices")
	}

	return ModelResponse{
		Text:      parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}, nil
}

func (i *HTTPInvoker) invokeAnthropic(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	body := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": defaultMaxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
	}

	resp, err := i.client.Do(ctx, &utils.HTTPRequest{
		URL:    fmt.Sprintf("%s/messages", i.baseURL(req.Provider, anthropicBaseURL)),
		Method: "POST",
		Body:   body,
		Headers: map[string]string{
			"x-api-key":         i.APIKeys[req.Provider],
			"anthropic-version": anthropicAPIDate,
		},
		Timeout: modelCallTimeout,
	})
	if err != nil {
		return ModelResponse{}, fmt.Errorf("model API request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		return ModelResponse{}, fmt.Errorf("model API error (status %d): %s", resp.StatusCode, string(resp.RawBody))
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.RawBody, &parsed); err != nil {
		return ModelResponse{}, fmt.Errorf("failed to parse model response: %w", err)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return ModelResponse{
		Text:      text,
		TokensIn:  parsed.Usage.InputTokens,
		TokensOut: parsed.Usage.OutputTokens,
	}, nil
}
