package detection

import (
	"context"
	"encoding/base64"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/menta2k/firewatch/pkg/client"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/prompt"
	"github.com/menta2k/firewatch/pkg/types"
)

// DefaultTimeout bounds a remote call when the caller's context has no deadline
const DefaultTimeout = 120 * time.Second

// SupportedMimeTypes is the upload allow-list
var SupportedMimeTypes = []string{"image/jpeg", "image/png", "image/webp"}

// Input is a single detection request
type Input struct {
	Image    []byte
	MimeType string
	Language i18n.Language
}

// Preparer optionally rewrites the image before it is sent, e.g. to shrink it.
// It returns the bytes and MIME type to send.
type Preparer func(data []byte, mimeType string) ([]byte, string, error)

// Detector handles smoke and fire detection using a remote vision model
type Detector struct {
	client  client.VisionClient
	model   string
	timeout time.Duration
	prepare Preparer
	log     zerolog.Logger
}

// Option configures a Detector
type Option func(*Detector)

// WithModel selects the model name passed to the backend
func WithModel(model string) Option {
	return func(d *Detector) { d.model = model }
}

// WithTimeout overrides DefaultTimeout. Zero or negative disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Detector) { d.timeout = timeout }
}

// WithPreparer installs an image preparation step
func WithPreparer(p Preparer) Option {
	return func(d *Detector) { d.prepare = p }
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(d *Detector) { d.log = log }
}

// NewDetector creates a new detector around a vision client. A nil client is
// allowed and makes every Detect call fail with ClientNotInitialized.
func NewDetector(c client.VisionClient, opts ...Option) *Detector {
	d := &Detector{
		client:  c,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Backend returns the name of the underlying client, or "" without one
func (d *Detector) Backend() string {
	if d.client == nil {
		return ""
	}
	return d.client.Name()
}

// Model returns the configured model name
func (d *Detector) Model() string { return d.model }

// Detect sends the image to the model once and returns the valid detections
// in the order the model listed them. Elements that fail validation are
// dropped. All returned errors are *Error.
func (d *Detector) Detect(ctx context.Context, in Input) ([]types.Detection, error) {
	lang := in.Language
	if !lang.Valid() {
		lang = i18n.Default
	}

	mimeType, ok := NormalizeMimeType(in.MimeType)
	if !ok {
		return nil, newError(UnsupportedMediaType, lang, nil)
	}
	if d.client == nil {
		return nil, newError(ClientNotInitialized, lang, nil)
	}

	data := in.Image
	if d.prepare != nil {
		// Send the original bytes if preparation fails
		if pd, pt, err := d.prepare(data, mimeType); err != nil {
			d.log.Debug().Err(err).Msg("image preparation failed, sending original")
		} else {
			data, mimeType = pd, pt
		}
	}

	if d.timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
	}

	start := time.Now()
	raw, err := d.client.Query(ctx, client.Request{
		Model:    d.model,
		Prompt:   prompt.Build(lang),
		MimeType: mimeType,
		ImageB64: base64.StdEncoding.EncodeToString(data),
		JSON:     true,
	})
	if err != nil {
		d.log.Warn().Err(err).Str("backend", d.client.Name()).Dur("elapsed", time.Since(start)).Msg("detection request failed")
		if client.IsAuthError(err) {
			return nil, newError(InvalidCredential, lang, err)
		}
		return nil, newError(RemoteRequestFailed, lang, err)
	}

	dets, err := ParseResponse(raw, lang)
	if err != nil {
		d.log.Warn().Err(err).Str("backend", d.client.Name()).Msg("unusable model reply")
		return nil, err
	}
	d.log.Debug().
		Str("backend", d.client.Name()).
		Int("detections", len(dets)).
		Dur("elapsed", time.Since(start)).
		Msg("detection complete")
	return dets, nil
}

// NormalizeMimeType lowercases t, drops parameters and reports whether the
// result is on the allow-list
func NormalizeMimeType(t string) (string, bool) {
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return "", false
	}
	for _, s := range SupportedMimeTypes {
		if mt == s {
			return mt, true
		}
	}
	return mt, false
}

var fenceRe = regexp.MustCompile("(?s)^```(\\w*)?\\s*\\n?(.*?)\\n?\\s*```$")

// StripCodeFence removes a surrounding ```lang ... ``` fence, if any
func StripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(raw); m != nil && m[2] != "" {
		return strings.TrimSpace(m[2])
	}
	return raw
}

// ParseResponse validates a raw model reply and extracts its detections
func ParseResponse(raw string, lang i18n.Language) ([]types.Detection, error) {
	body := StripCodeFence(raw)
	if !gjson.Valid(body) {
		e := newError(MalformedResponse, lang, nil)
		e.Raw = truncate(body)
		return nil, e
	}

	root := gjson.Parse(body)
	list := root.Get("detections")
	if !root.IsObject() || !list.IsArray() {
		e := newError(InvalidResponseShape, lang, nil)
		e.Raw = truncate(body)
		return nil, e
	}

	dets := make([]types.Detection, 0, len(list.Array()))
	list.ForEach(func(_, el gjson.Result) bool {
		if d, ok := parseDetection(el); ok {
			dets = append(dets, d)
		}
		return true
	})
	return dets, nil
}

func parseDetection(el gjson.Result) (types.Detection, bool) {
	if !el.IsObject() {
		return types.Detection{}, false
	}
	typ := el.Get("type")
	if typ.Type != gjson.String || !types.DetectionType(typ.Str).Valid() {
		return types.Detection{}, false
	}
	desc := el.Get("description")
	if desc.Type != gjson.String || desc.Str == "" {
		return types.Detection{}, false
	}
	bb := el.Get("boundingBox")
	if !bb.IsObject() {
		return types.Detection{}, false
	}
	var coords [4]float64
	for i, key := range [4]string{"x1", "y1", "x2", "y2"} {
		v := bb.Get(key)
		if v.Type != gjson.Number {
			return types.Detection{}, false
		}
		coords[i] = v.Num
	}
	return types.Detection{
		Type:        types.DetectionType(typ.Str),
		Description: desc.Str,
		BoundingBox: types.BoundingBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]},
	}, true
}
