package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// MaxDownloadSize caps images fetched over HTTP
const MaxDownloadSize = 20 << 20

// Source is an image loaded from disk or the network, still encoded
type Source struct {
	Name     string
	Data     []byte
	MimeType string
}

// Processor handles image loading, preparation and encoding
type Processor struct {
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Load reads an image from either a file path or an http(s) URL
func (p *Processor) Load(ctx context.Context, source string) (*Source, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadURL(ctx, source)
	}
	return p.LoadFile(source)
}

// LoadFile reads an image file without decoding it
func (p *Processor) LoadFile(filename string) (*Source, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &Source{
		Name:     filepath.Base(filename),
		Data:     data,
		MimeType: DetectMimeType(data),
	}, nil
}

// LoadURL downloads an image
func (p *Processor) LoadURL(ctx context.Context, imageURL string) (*Source, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "firewatch/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if len(data) > MaxDownloadSize {
		return nil, fmt.Errorf("image larger than %d bytes", MaxDownloadSize)
	}

	name := path.Base(parsedURL.Path)
	if name == "/" || name == "." {
		name = parsedURL.Host
	}
	mimeType := DetectMimeType(data)
	if mimeType == "application/octet-stream" && contentType != "" {
		mimeType = contentType
	}
	return &Source{Name: name, Data: data, MimeType: mimeType}, nil
}

// DetectMimeType sniffs the content type of encoded image data
func DetectMimeType(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

// Decode decodes an image with WebP support
func Decode(data []byte) (image.Image, error) {
	if img, err := imaging.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// Preparer returns a function that shrinks images whose long side exceeds
// maxDim and re-encodes them as JPEG. Smaller images pass through unchanged.
// A non-positive maxDim disables resizing.
func (p *Processor) Preparer(maxDim, quality int) func([]byte, string) ([]byte, string, error) {
	return func(data []byte, mimeType string) ([]byte, string, error) {
		if maxDim <= 0 {
			return data, mimeType, nil
		}
		img, err := Decode(data)
		if err != nil {
			return nil, "", err
		}
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w <= maxDim && h <= maxDim {
			return data, mimeType, nil
		}
		if w >= h {
			img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
		}
		out, err := Encode(img, "jpg", quality, false)
		if err != nil {
			return nil, "", err
		}
		return out, "image/jpeg", nil
	}
}

// Encode encodes img in format (jpg, png or webp)
func Encode(img image.Image, format string, quality int, lossless bool) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "webp":
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		if err := webp.Encode(&buf, img, opts); err != nil {
			return nil, err
		}
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	case "jpg", "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return buf.Bytes(), nil
}

// ContentType returns the MIME type for an output format
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "webp":
		return "image/webp"
	case "png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, filename, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(filename)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, filename)
	default: // jpg/jpeg
		return imaging.Save(img, filename, imaging.JPEGQuality(quality))
	}
}
