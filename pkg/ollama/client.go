package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/firewatch/pkg/client"
)

// DefaultURL is the local Ollama server
const DefaultURL = "http://localhost:11434"

// DefaultModel is a vision-capable model available from the Ollama library
const DefaultModel = "qwen2.5vl:7b"

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
}

var _ client.VisionClient = (*Client)(nil)

// NewClient creates a new Ollama client. A non-empty apiKey is sent as a
// bearer token, for servers sitting behind an authenticating proxy.
func NewClient(ollamaURL, apiKey string, httpClient *http.Client) (*Client, error) {
	if ollamaURL == "" {
		ollamaURL = DefaultURL
	}
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}

	// Drop any path like /api/chat, the SDK adds its own
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		hc := *httpClient
		hc.Transport = &bearerTransport{token: apiKey, base: httpClient.Transport}
		httpClient = &hc
	}

	return &Client{client: api.NewClient(baseURL, httpClient)}, nil
}

// Factory returns a client.Factory for the server at ollamaURL
func Factory(ollamaURL string, httpClient *http.Client) client.Factory {
	return func(_ context.Context, apiKey string) (client.VisionClient, error) {
		return NewClient(ollamaURL, apiKey, httpClient)
	}
}

func (c *Client) Name() string { return "ollama" }

// Query performs a single non-streaming chat request with the image attached
func (c *Client) Query(ctx context.Context, req client.Request) (string, error) {
	imgBytes, err := base64.StdEncoding.DecodeString(req.ImageB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	streamFalse := false
	chatReq := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: req.Prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream: &streamFalse,
	}
	if req.JSON {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	var responseContent strings.Builder
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		responseContent.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", mapError(err)
	}

	return responseContent.String(), nil
}

func mapError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &client.APIError{
			Backend:    "ollama",
			StatusCode: statusErr.StatusCode,
			Status:     statusErr.Status,
			Message:    statusErr.ErrorMessage,
			Err:        err,
		}
	}
	return fmt.Errorf("ollama chat error: %w", err)
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return base.RoundTrip(r)
}
