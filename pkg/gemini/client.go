package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/menta2k/firewatch/pkg/client"
)

// DefaultModel is used when no model is configured
const DefaultModel = "gemini-2.5-flash"

// Client wraps the Gemini API client
type Client struct {
	client *genai.Client
}

var _ client.VisionClient = (*Client)(nil)

// Options tune the underlying SDK client. The zero value talks to the public
// Gemini API.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new Gemini client for apiKey
func NewClient(ctx context.Context, apiKey string, opts Options) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key is empty")
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Client{client: c}, nil
}

// Factory returns a client.Factory producing Gemini clients
func Factory(opts Options) client.Factory {
	return func(ctx context.Context, apiKey string) (client.VisionClient, error) {
		return NewClient(ctx, apiKey, opts)
	}
}

func (c *Client) Name() string { return "gemini" }

// Query sends the image inline with the prompt and returns the reply text
func (c *Client) Query(ctx context.Context, req client.Request) (string, error) {
	imgBytes, err := base64.StdEncoding.DecodeString(req.ImageB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(imgBytes, req.MimeType),
		genai.NewPartFromText(req.Prompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	var config *genai.GenerateContentConfig
	if req.JSON {
		config = &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", mapError(err)
	}
	return resp.Text(), nil
}

// mapError lifts the SDK's error into a client.APIError
func mapError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	return &client.APIError{
		Backend:    "gemini",
		StatusCode: apiErr.Code,
		Status:     apiErr.Status,
		Reason:     detailReason(apiErr.Details),
		Message:    apiErr.Message,
		Err:        err,
	}
}

// detailReason pulls the first ErrorInfo reason out of the error details
func detailReason(details []map[string]any) string {
	for _, d := range details {
		if r, ok := d["reason"].(string); ok && r != "" {
			return r
		}
	}
	return ""
}
