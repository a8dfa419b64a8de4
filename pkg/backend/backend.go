// Package backend maps a backend name onto its client factory
package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/menta2k/firewatch/pkg/client"
	"github.com/menta2k/firewatch/pkg/gemini"
	"github.com/menta2k/firewatch/pkg/ollama"
	"github.com/menta2k/firewatch/pkg/openai"
)

// NoKey stands in for the credential of local backends that run without
// authentication. It is never sent to the server.
const NoKey = "none"

// Names lists the supported backends, default first
var Names = []string{"gemini", "ollama", "openai"}

// Factory returns the client factory for name. url overrides the backend's
// default endpoint when set.
func Factory(name, url string, httpClient *http.Client) (client.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gemini":
		return gemini.Factory(gemini.Options{BaseURL: url, HTTPClient: httpClient}), nil
	case "ollama":
		return keyless(ollama.Factory(url, httpClient)), nil
	case "openai":
		return keyless(openai.Factory(url, httpClient)), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want one of %s)", name, strings.Join(Names, ", "))
	}
}

func keyless(f client.Factory) client.Factory {
	return func(ctx context.Context, apiKey string) (client.VisionClient, error) {
		if apiKey == NoKey {
			apiKey = ""
		}
		return f(ctx, apiKey)
	}
}

// DefaultModel returns the model used by name when none is configured
func DefaultModel(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ollama":
		return ollama.DefaultModel
	case "openai":
		return openai.DefaultModel
	default:
		return gemini.DefaultModel
	}
}

// RequiresKey reports whether name refuses to start without an API key.
// Local servers usually run unauthenticated.
func RequiresKey(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return n == "" || n == "gemini"
}
