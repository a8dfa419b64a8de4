package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/firewatch/pkg/client"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/store"
	"github.com/menta2k/firewatch/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type replyClient struct {
	reply string
	err   error
	calls *atomic.Int32
}

func (c replyClient) Name() string { return "fake" }

func (c replyClient) Query(context.Context, client.Request) (string, error) {
	c.calls.Add(1)
	return c.reply, c.err
}

type fixture struct {
	srv     *Server
	history *store.Memory
	calls   *atomic.Int32
	keys    []string
}

func newFixture(t *testing.T, reply string, queryErr error) *fixture {
	t.Helper()
	f := &fixture{history: store.NewMemory(), calls: &atomic.Int32{}}
	f.srv = New(Options{
		Factory: func(_ context.Context, key string) (client.VisionClient, error) {
			f.keys = append(f.keys, key)
			if key == "malformed" {
				return nil, errors.New("key has wrong format")
			}
			return replyClient{reply: reply, err: queryErr, calls: f.calls}, nil
		},
		History: f.history,
	})
	return f
}

func pngUpload(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func multipartBody(t *testing.T, file []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "scene.png")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (f *fixture) post(t *testing.T, target, key string, file []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, file, fields)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", ct)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

const smokeReply = "```json\n" + `{"detections":[{"type":"smoke","description":"Grey plume","boundingBox":{"x1":0.1,"y1":0.1,"x2":0.5,"y2":0.5}}]}` + "\n```"

func TestHealth(t *testing.T) {
	f := newFixture(t, smokeReply, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDetectJSON(t *testing.T) {
	f := newFixture(t, smokeReply, nil)
	rec := f.post(t, "/api/detect", "key-1", pngUpload(t, 40, 40), map[string]string{"lang": "vi-VN"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "vi", rec.Header().Get("Content-Language"))

	var resp detectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, i18n.Vietnamese, resp.Language)
	require.Len(t, resp.Detections, 1)
	assert.Equal(t, types.Smoke, resp.Detections[0].Type)
	assert.Equal(t, []string{"key-1"}, f.keys)

	runs, err := f.history.RecentRuns(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "scene.png", runs[0].ImageName)
	assert.Equal(t, "vi", runs[0].Language)
}

func TestDetectOverlay(t *testing.T) {
	f := newFixture(t, smokeReply, nil)
	rec := f.post(t, "/api/detect?overlay=png", "key", pngUpload(t, 60, 30), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Detections"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 60, img.Bounds().Dx())
	assert.Equal(t, 30, img.Bounds().Dy())
}

func TestDetectErrors(t *testing.T) {
	gif := []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")

	t.Run("missing key", func(t *testing.T) {
		f := newFixture(t, smokeReply, nil)
		rec := f.post(t, "/api/detect", "", pngUpload(t, 4, 4), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		e := decodeError(t, rec)
		assert.Equal(t, "missing_credential", e.Kind)
		assert.Equal(t, i18n.For(i18n.English).CredentialRequired, e.Error)
		assert.Zero(t, f.calls.Load())
	})

	t.Run("key refused by client", func(t *testing.T) {
		f := newFixture(t, smokeReply, nil)
		rec := f.post(t, "/api/detect", "malformed", pngUpload(t, 4, 4), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		e := decodeError(t, rec)
		assert.Equal(t, "invalid_credential", e.Kind)
		assert.Contains(t, e.Error, "key has wrong format")
	})

	t.Run("no file", func(t *testing.T) {
		f := newFixture(t, smokeReply, nil)
		rec := f.post(t, "/api/detect", "key", nil, map[string]string{"lang": "en"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "no_image_selected", decodeError(t, rec).Kind)
	})

	t.Run("gif rejected before any call", func(t *testing.T) {
		f := newFixture(t, smokeReply, nil)
		rec := f.post(t, "/api/detect", "key", gif, map[string]string{"lang": "vi"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		e := decodeError(t, rec)
		assert.Equal(t, "unsupported_media_type", e.Kind)
		assert.Equal(t, i18n.For(i18n.Vietnamese).UnsupportedImageType, e.Error)
		assert.Zero(t, f.calls.Load())
	})

	t.Run("rejected by remote", func(t *testing.T) {
		f := newFixture(t, "", &client.APIError{Backend: "fake", StatusCode: http.StatusForbidden, Message: "permission denied"})
		rec := f.post(t, "/api/detect", "key", pngUpload(t, 4, 4), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_credential", decodeError(t, rec).Kind)
	})

	t.Run("malformed reply", func(t *testing.T) {
		f := newFixture(t, "I see some smoke", nil)
		rec := f.post(t, "/api/detect", "key", pngUpload(t, 4, 4), nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		e := decodeError(t, rec)
		assert.Equal(t, "malformed_response", e.Kind)
		assert.Contains(t, e.Error, "I see some smoke")
	})

	t.Run("body over the limit", func(t *testing.T) {
		f := newFixture(t, smokeReply, nil)
		f.srv.opts.MaxUploadBytes = 1024
		rec := f.post(t, "/api/detect?lang=vi", "key", make([]byte, 2<<20), map[string]string{"lang": "vi"})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "upload_too_large", decodeError(t, rec).Kind)
		assert.Zero(t, f.calls.Load())
	})

	t.Run("file over the limit", func(t *testing.T) {
		f := newFixture(t, smokeReply, nil)
		f.srv.opts.MaxUploadBytes = 1024
		rec := f.post(t, "/api/detect", "key", make([]byte, 4096), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "upload_too_large", decodeError(t, rec).Kind)
		assert.Zero(t, f.calls.Load())
	})

	t.Run("wrong shape", func(t *testing.T) {
		f := newFixture(t, `{"detections":{}}`, nil)
		rec := f.post(t, "/api/detect", "key", pngUpload(t, 4, 4), nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "invalid_response_shape", decodeError(t, rec).Kind)
	})
}

func TestDefaultKey(t *testing.T) {
	f := newFixture(t, `{"detections":[]}`, nil)
	f.srv.opts.DefaultKey = "server-key"
	rec := f.post(t, "/api/detect", "", pngUpload(t, 4, 4), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"language":"en","detections":[]}`, rec.Body.String())
	assert.Equal(t, []string{"server-key"}, f.keys)
}

func TestRuns(t *testing.T) {
	f := newFixture(t, smokeReply, nil)
	for range 3 {
		rec := f.post(t, "/api/detect", "key", pngUpload(t, 4, 4), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []types.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Runs, 2)
}

func TestRunsWithoutHistory(t *testing.T) {
	srv := New(Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}
