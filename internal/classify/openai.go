package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNoAPIKey means the OpenAI classifier was requested without a key.
var ErrNoAPIKey = errors.New("classify: openai api key not configured")

const openAITimeout = 8 * time.Second

const systemPrompt = "You are a transaction categorization assistant for Brazilian small-business accounting. " +
	"Pick the single best category from the provided list. " +
	`Return ONLY valid JSON with keys: category (string, exactly one of the provided names), confidence (number 0-1), reason (short string).`

// OpenAI classifies through an OpenAI-compatible chat-completions
// endpoint. Any provider speaking that wire format works via base URL.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewOpenAI(baseURL, apiKey, model string) (*OpenAI, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if model = strings.TrimSpace(model); model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: openAITimeout},
	}, nil
}

func (o *OpenAI) Name() string { return o.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Classify(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, openAITimeout)
	defer cancel()

	payload, _ := json.Marshal(req)
	body, _ := json.Marshal(chatRequest{
		Model:       o.model,
		Temperature: 0,
		MaxTokens:   300,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Input JSON:\n" + string(payload)},
		},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("classify: openai request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("classify: openai http %d: %v", resp.StatusCode, apiErr)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("classify: decode openai response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("classify: openai returned no choices")
	}

	var res Result
	if err := decodeJSON(out.Choices[0].Message.Content, &res); err != nil {
		return nil, fmt.Errorf("classify: parse model output: %w", err)
	}
	res.Confidence = clamp01(res.Confidence)
	return &res, nil
}
