// Package firewatch detects smoke and fire in still images by asking a
// remote vision language model and draws the results over the image.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"github.com/menta2k/firewatch"
//		"github.com/menta2k/firewatch/pkg/i18n"
//	)
//
//	func main() {
//		ctx := context.Background()
//		d, err := firewatch.NewDetector(ctx, firewatch.Options{APIKey: "..."})
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		dets, err := firewatch.DetectFile(ctx, d, "yard.jpg", i18n.English)
//		if err != nil {
//			log.Fatal(err)
//		}
//		for _, det := range dets {
//			fmt.Println(det.Type, det.Description)
//		}
//	}
//
// The package consists of these main components:
//
//  1. Prompt (pkg/prompt): builds the localized detection instruction
//  2. Detection (pkg/detection): sends one request and validates the reply
//  3. Overlay (pkg/overlay): draws boxes and labels over the image
//  4. Session (pkg/session): drives selection, credentials and language
//     switching for one user
//
// Backends live in pkg/gemini (default), pkg/ollama and pkg/openai.
package firewatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/menta2k/firewatch/pkg/backend"
	"github.com/menta2k/firewatch/pkg/detection"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/overlay"
	"github.com/menta2k/firewatch/pkg/processing"
	"github.com/menta2k/firewatch/pkg/types"
)

// Version of the firewatch library
const Version = "0.4.0"

// Options selects the backend behind a Detector. The zero value plus an
// APIKey talks to Gemini.
type Options struct {
	Backend string
	URL     string
	APIKey  string
	Model   string
	// Timeout bounds each request, detection.DefaultTimeout when zero
	Timeout time.Duration
	Log     zerolog.Logger
}

// NewDetector builds a detector for opts
func NewDetector(ctx context.Context, opts Options) (*detection.Detector, error) {
	factory, err := backend.Factory(opts.Backend, opts.URL, nil)
	if err != nil {
		return nil, err
	}
	key := opts.APIKey
	if key == "" && !backend.RequiresKey(opts.Backend) {
		key = backend.NoKey
	}
	c, err := factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = backend.DefaultModel(opts.Backend)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = detection.DefaultTimeout
	}
	return detection.NewDetector(c,
		detection.WithModel(model),
		detection.WithTimeout(timeout),
		detection.WithLogger(opts.Log),
	), nil
}

// DetectFile loads an image from a path or URL and runs detection on it
func DetectFile(ctx context.Context, d *detection.Detector, source string, lang i18n.Language) ([]types.Detection, error) {
	src, err := processing.NewProcessor().Load(ctx, source)
	if err != nil {
		return nil, err
	}
	return d.Detect(ctx, detection.Input{Image: src.Data, MimeType: src.MimeType, Language: lang})
}

// Render draws detections over encoded image data
func Render(data []byte, dets []types.Detection, lang i18n.Language) overlay.Frame {
	return overlay.New(zerolog.Nop()).Render(data, dets, lang)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
