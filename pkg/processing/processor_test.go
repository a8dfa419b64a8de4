package processing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// createTestImage creates a gradient image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8((x * 255) / width), uint8((y * 255) / height), 128, 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDetectMimeType(t *testing.T) {
	require.Equal(t, "image/png", DetectMimeType(pngBytes(t, createTestImage(4, 4))))

	jpg, err := Encode(createTestImage(4, 4), "jpg", 80, false)
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", DetectMimeType(jpg))

	require.Equal(t, "image/gif", DetectMimeType([]byte("GIF89a....")))
	require.Equal(t, "text/plain", DetectMimeType([]byte("hello")))
}

func TestPreparer(t *testing.T) {
	p := NewProcessor()
	large := pngBytes(t, createTestImage(400, 200))

	out, mt, err := p.Preparer(100, 85)(large, "image/png")
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", mt)
	img, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, 100, img.Bounds().Dx())
	require.Equal(t, 50, img.Bounds().Dy())

	// portrait images are bounded by height
	tall := pngBytes(t, createTestImage(100, 300))
	out, _, err = p.Preparer(150, 85)(tall, "image/png")
	require.NoError(t, err)
	img, err = Decode(out)
	require.NoError(t, err)
	require.Equal(t, 150, img.Bounds().Dy())

	small := pngBytes(t, createTestImage(50, 50))
	out, mt, err = p.Preparer(100, 85)(small, "image/png")
	require.NoError(t, err)
	require.Equal(t, "image/png", mt)
	require.Equal(t, small, out)

	out, mt, err = p.Preparer(0, 85)([]byte("anything"), "image/webp")
	require.NoError(t, err)
	require.Equal(t, "image/webp", mt)
	require.Equal(t, []byte("anything"), out)

	_, _, err = p.Preparer(100, 85)([]byte("garbage"), "image/png")
	require.Error(t, err)
}

func TestEncodeFormats(t *testing.T) {
	img := createTestImage(20, 10)
	for _, f := range []string{"png", "jpg", "jpeg", "webp"} {
		data, err := Encode(img, f, 90, false)
		require.NoError(t, err, f)
		dec, err := Decode(data)
		require.NoError(t, err, f)
		require.Equal(t, img.Bounds(), dec.Bounds(), f)
	}
	_, err := Encode(img, "bmp", 90, false)
	require.Error(t, err)

	require.Equal(t, "image/webp", ContentType("WEBP"))
	require.Equal(t, "image/png", ContentType("png"))
	require.Equal(t, "image/jpeg", ContentType("jpg"))
}

func TestLoadFileAndSave(t *testing.T) {
	dir := t.TempDir()
	p := NewProcessor()
	img := createTestImage(30, 20)

	for _, f := range []string{"png", "jpg", "webp"} {
		name := filepath.Join(dir, "out."+f)
		require.NoError(t, p.SaveImage(img, name, f, 90, true))
		src, err := p.LoadFile(name)
		require.NoError(t, err)
		require.Equal(t, "out."+f, src.Name)
		require.Equal(t, ContentType(f), src.MimeType)
	}

	_, err := p.LoadFile(filepath.Join(dir, "missing.png"))
	require.Error(t, err)
}

func TestLoadURL(t *testing.T) {
	data := pngBytes(t, createTestImage(8, 8))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fire.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(data)
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewProcessor()
	src, err := p.Load(t.Context(), srv.URL+"/fire.png")
	require.NoError(t, err)
	require.Equal(t, "fire.png", src.Name)
	require.Equal(t, "image/png", src.MimeType)
	require.Equal(t, data, src.Data)

	_, err = p.Load(t.Context(), srv.URL+"/page")
	require.Error(t, err)
	_, err = p.Load(t.Context(), srv.URL+"/missing")
	require.Error(t, err)
	_, err = p.LoadURL(t.Context(), "ftp://example.com/a.png")
	require.Error(t, err)
}

func TestLoadDispatchesToFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(name, pngBytes(t, createTestImage(2, 2)), 0o644))
	src, err := NewProcessor().Load(t.Context(), name)
	require.NoError(t, err)
	require.Equal(t, "image/png", src.MimeType)
}
