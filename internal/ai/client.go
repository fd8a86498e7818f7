package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"conference-backend/internal/config"
)

const (
	MaxRetries     = 3
	RetryBackoff   = time.Second
	RequestTimeout = 60 * time.Second

	// keep prompts inside conservative context limits
	MaxTranscriptChars = 48000
)

var ErrNotConfigured = errors.New("ai client not configured")

// Client talks to a chat-completions style inference API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewClient creates an inference API client
func NewClient(cfg *config.AIConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: RequestTimeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const summaryPrompt = "You are a meeting assistant. Summarize the following " +
	"meeting transcript into concise minutes: key discussion points, " +
	"decisions, and action items. Answer in the transcript's language."

// Summarize produces meeting minutes from a raw transcript.
func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}
	if len(transcript) > MaxTranscriptChars {
		transcript = transcript[:MaxTranscriptChars]
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: transcript},
		},
	}

	var lastErr error
	for i := 0; i < MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(RetryBackoff * time.Duration(i)):
			}
		}

		result, err := c.complete(ctx, &req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Printf("[AI] Completion attempt %d failed: %v", i+1, err)
	}

	return "", lastErr
}

func (c *Client) complete(ctx context.Context, req *chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unexpected inference response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("inference API error (status %d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("inference API error (status %d)", resp.StatusCode)
	}

	if len(parsed.Choices) == 0 {
		return "", errors.New("inference API returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}
