// Package openai talks to OpenAI-compatible chat completion servers: the
// OpenAI API itself, llama.cpp's server, vLLM and similar.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/menta2k/firewatch/pkg/client"
)

// DefaultURL is llama.cpp's default server address
const DefaultURL = "http://localhost:8080/v1/"

// DefaultModel is sent when no model is configured
const DefaultModel = "gpt-4o-mini"

type Client struct {
	oac openai.Client
}

var _ client.VisionClient = (*Client)(nil)

// detectionSchema constrains the reply on servers that honour json_schema
var detectionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"detections": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":        map[string]any{"type": "string", "enum": []string{"smoke", "fire"}},
					"description": map[string]any{"type": "string"},
					"boundingBox": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"x1": map[string]any{"type": "number"},
							"y1": map[string]any{"type": "number"},
							"x2": map[string]any{"type": "number"},
							"y2": map[string]any{"type": "number"},
						},
						"required": []string{"x1", "y1", "x2", "y2"},
					},
				},
				"required": []string{"type", "description", "boundingBox"},
			},
		},
	},
	"required": []string{"detections"},
}

func NewClient(serverURL, apiKey string, httpClient *http.Client) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("invalid server URL: %q", serverURL)
	}
	if !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithBaseURL(serverURL),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &Client{oac: openai.NewClient(opts...)}, nil
}

// Factory returns a client.Factory for the server at serverURL
func Factory(serverURL string, httpClient *http.Client) client.Factory {
	return func(_ context.Context, apiKey string) (client.VisionClient, error) {
		return NewClient(serverURL, apiKey, httpClient)
	}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Query(ctx context.Context, req client.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	content := []openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:" + mimeType + ";base64," + req.ImageB64,
		}),
		openai.TextContentPart(req.Prompt),
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(content),
		},
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "smoke_fire_detections",
					Description: openai.String("Smoke and fire detections with normalized bounding boxes"),
					Schema:      detectionSchema,
				},
			},
		}
	}

	resp, err := c.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func mapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	return &client.APIError{
		Backend:    "openai",
		StatusCode: apiErr.StatusCode,
		Reason:     apiErr.Code,
		Message:    apiErr.Message,
		Err:        err,
	}
}
