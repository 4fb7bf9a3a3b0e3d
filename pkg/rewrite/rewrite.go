// Package rewrite calls the external generation provider to produce the three
// tone variants of a message. It runs strictly after quota authorization; the
// generation call is the costly, metered resource.
package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Result holds the three rewritten variants.
type Result struct {
	Soft  string `json:"soft"`
	Calm  string `json:"calm"`
	Clear string `json:"clear"`
}

// Generator produces tone-rewritten variants of a message.
type Generator interface {
	Rewrite(ctx context.Context, message, recipient string) (*Result, error)
}

// Config for the chat-completions API.
type Config struct {
	BaseURL string // e.g. https://api.openai.com
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client implements Generator over an OpenAI-compatible chat-completions API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a generation client with a bounded request timeout. The
// timeout is the cancellation bound required on the metered path: a hung
// provider denies the action rather than hanging the request.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

const promptTemplate = `Rewrite the following message into 3 versions for a %s:

SOFT:
CALM:
CLEAR:

Message: %q

Return EXACTLY:

SOFT: <soft>
CALM: <calm>
CLEAR: <clear>
`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Rewrite requests the three variants and extracts them from the labeled
// completion text.
func (c *Client) Rewrite(ctx context.Context, message, recipient string) (*Result, error) {
	if recipient == "" {
		recipient = "colleague"
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(promptTemplate, recipient, message)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generation provider returned %d", resp.StatusCode)
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("generation provider returned no choices")
	}

	raw := completion.Choices[0].Message.Content
	return &Result{
		Soft:  extractLabel(raw, "SOFT"),
		Calm:  extractLabel(raw, "CALM"),
		Clear: extractLabel(raw, "CLEAR"),
	}, nil
}

// extractLabel pulls the text between "LABEL:" and the next all-caps label or
// end of input.
func extractLabel(raw, label string) string {
	re := regexp.MustCompile(`(?is)` + label + `:(.*?)(?:\n[A-Z]+:|$)`)
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
