// Package model talks to an OpenAI-compatible chat completion endpoint and
// keeps the per-conversation chat session the orchestration loop drives.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	ErrorCodeModelNotConfigured = "model_not_configured"
	ErrorCodeModelUnavailable   = "model_unavailable"
	ErrorCodeModelInvalidReply  = "model_invalid_reply"
)

type ModelError struct {
	Code    string
	Message string
	Err     error
}

func (e *ModelError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *ModelError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	TimeoutMS int
}

// Message is one entry of a chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat completion request and returns the assistant text.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	apiKey := strings.TrimSpace(c.cfg.APIKey)
	if apiKey == "" {
		return "", &ModelError{Code: ErrorCodeModelNotConfigured, Message: "model api_key is required"}
	}
	if strings.TrimSpace(c.cfg.Model) == "" {
		return "", &ModelError{Code: ErrorCodeModelNotConfigured, Message: "model name is required"}
	}
	if len(messages) == 0 {
		return "", &ModelError{Code: ErrorCodeModelInvalidReply, Message: "chat history is empty"}
	}

	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", &ModelError{
			Code:    ErrorCodeModelUnavailable,
			Message: "failed to encode model request",
			Err:     err,
		}
	}

	requestCtx := ctx
	cancel := func() {}
	if c.cfg.TimeoutMS > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &ModelError{
			Code:    ErrorCodeModelUnavailable,
			Message: "failed to create model request",
			Err:     err,
		}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ModelError{
			Code:    ErrorCodeModelUnavailable,
			Message: "model request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return "", &ModelError{
			Code:    ErrorCodeModelUnavailable,
			Message: "failed to read model response",
			Err:     err,
		}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &ModelError{
			Code:    ErrorCodeModelUnavailable,
			Message: fmt.Sprintf("model returned status %d", resp.StatusCode),
		}
	}

	var completion chatResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", &ModelError{
			Code:    ErrorCodeModelInvalidReply,
			Message: "model response is not valid json",
			Err:     err,
		}
	}
	if len(completion.Choices) == 0 {
		return "", &ModelError{Code: ErrorCodeModelInvalidReply, Message: "model response has no choices"}
	}
	text := completion.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", &ModelError{Code: ErrorCodeModelInvalidReply, Message: "model response has empty content"}
	}
	return text, nil
}
