package analyzer

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/menta2k/firewatch/pkg/detection"
	"github.com/menta2k/firewatch/pkg/processing"
)

// ImageInfo contains basic metadata of an encoded image, read without
// decoding the pixels
type ImageInfo struct {
	Width       int
	Height      int
	AspectRatio float64
	Area        int
	// Format is the decoder name (jpeg, png, webp, gif)
	Format   string
	MimeType string
	Size     int
	// Supported reports whether MimeType may be sent for detection
	Supported bool
}

// Inspect reads the header of data. The MIME type is sniffed from the
// content, so a mislabelled file is reported as what it really is.
func Inspect(data []byte) (ImageInfo, error) {
	info := ImageInfo{Size: len(data), MimeType: processing.DetectMimeType(data)}
	_, info.Supported = detection.NormalizeMimeType(info.MimeType)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return info, fmt.Errorf("failed to read image header: %w", err)
	}
	info.Format = format
	info.Width = cfg.Width
	info.Height = cfg.Height
	info.Area = cfg.Width * cfg.Height
	if cfg.Height > 0 {
		info.AspectRatio = float64(cfg.Width) / float64(cfg.Height)
	}
	return info, nil
}

// String formats the info for console output
func (i ImageInfo) String() string {
	if i.Width == 0 {
		return fmt.Sprintf("%s, %d bytes", i.MimeType, i.Size)
	}
	return fmt.Sprintf("%dx%d %s (ratio %.2f), %d bytes", i.Width, i.Height, i.MimeType, i.AspectRatio, i.Size)
}

// ValidateImage checks that the image is at least minSize on both sides
func ValidateImage(info ImageInfo, minSize int) error {
	if info.Width < minSize || info.Height < minSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)", info.Width, info.Height, minSize)
	}
	return nil
}
