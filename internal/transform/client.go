// Package transform calls an OpenAI-compatible chat-completion service
// to rewrite text: translation and outline generation both go through
// the one Complete entry point with different instructions.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/remote"
)

const (
	defaultBaseURL = "https://api.siliconflow.cn/v1"
	// Low temperature keeps structured output (outlines) stable across
	// attempts without making it fully deterministic.
	temperature = 0.3
	topP        = 0.7
)

// Config carries credentials and model selection.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client is a minimal chat-completion client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        log.With().Str("component", "transform").Logger(),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends one system+user exchange and returns the assistant text.
// Failures come back classified for the retry policy.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		TopP:        topP,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", remote.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", remote.Wrap(remote.KindConnection, fmt.Errorf("read chat response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, body)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", remote.Wrap(remote.KindFormat, fmt.Errorf("parse chat response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", remote.Errorf(remote.KindFormat, "chat response carried no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// classifyStatus maps HTTP failures onto retry classes. 403 with the
// provider's balance code means the account is out of funds, not that
// the key is wrong.
func classifyStatus(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	switch {
	case status == http.StatusUnauthorized:
		return remote.Errorf(remote.KindAuth, "API error (status 401): %s", detail)
	case status == http.StatusForbidden:
		var e struct {
			Code int `json:"code"`
		}
		if json.Unmarshal(body, &e) == nil && e.Code == 30011 {
			return remote.Errorf(remote.KindBalance, "API error (status 403): %s", detail)
		}
		return remote.Errorf(remote.KindAuth, "API error (status 403): %s", detail)
	case status == http.StatusTooManyRequests:
		return remote.Errorf(remote.KindRateLimit, "API error (status 429): %s", detail)
	default:
		return remote.Errorf(remote.KindService, "API error (status %d): %s", status, detail)
	}
}
