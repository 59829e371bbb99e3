// Package llm provides the client for the remote chat-completions API.
//
// DESIGN: The remote call is the only non-deterministic, networked
// dependency in the application, so it hides behind the Completer interface
// and tests substitute a scripted double. The client never retries; whether
// to resend a failed message is the user's choice.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultBaseURL is the production OpenAI-compatible API base URL.
const DefaultBaseURL = "https://api.openai.com/v1"

// maxErrorBodyLen limits error response bodies carried in RemoteError.
const maxErrorBodyLen = 500

// Completion is the result of one successful remote call.
type Completion struct {
	Reply        string
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// Request describes one chat-completions call.
type Request struct {
	Model       string
	Message     string
	MaxTokens   int
	Temperature float64
}

// Completer issues one blocking remote model call.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// RemoteError is a failed remote call. Transient from the session's point of
// view: the message is reported as failed and the session stays open.
type RemoteError struct {
	StatusCode int // 0 when the request never reached the server
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote call failed: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote call failed: %s", e.Message)
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = timeout
	}
}

// NewClient creates a chat-completions client. It reads OPENAI_BASE_URL and
// OPENAI_API_KEY from the environment when not provided.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends one user message and blocks until the reply arrives or the
// call fails.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	body, err := buildRequestBody(req)
	if err != nil {
		return Completion{}, &RemoteError{Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, &RemoteError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, &RemoteError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, &RemoteError{StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(respBody, "error.message").String()
		if msg == "" {
			msg = string(respBody)
		}
		if len(msg) > maxErrorBodyLen {
			msg = msg[:maxErrorBodyLen]
		}
		return Completion{}, &RemoteError{StatusCode: resp.StatusCode, Message: msg}
	}

	return parseCompletion(respBody)
}

func buildRequestBody(req Request) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", req.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages.0.role", "user"); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages.0.content", req.Message); err != nil {
		return nil, err
	}
	if req.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_tokens", req.MaxTokens); err != nil {
			return nil, err
		}
	}
	if body, err = sjson.SetBytes(body, "temperature", req.Temperature); err != nil {
		return nil, err
	}
	return body, nil
}

func parseCompletion(body []byte) (Completion, error) {
	reply := gjson.GetBytes(body, "choices.0.message.content")
	usage := gjson.GetBytes(body, "usage")
	if !reply.Exists() || !usage.Exists() {
		return Completion{}, &RemoteError{Message: "malformed response: missing choices or usage"}
	}
	return Completion{
		Reply:        reply.String(),
		InputTokens:  int(usage.Get("prompt_tokens").Int()),
		OutputTokens: int(usage.Get("completion_tokens").Int()),
		CachedTokens: int(usage.Get("prompt_tokens_details.cached_tokens").Int()),
	}, nil
}
