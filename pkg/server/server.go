// Package server exposes detection over HTTP
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/menta2k/firewatch/pkg/client"
	"github.com/menta2k/firewatch/pkg/detection"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/overlay"
	"github.com/menta2k/firewatch/pkg/processing"
	"github.com/menta2k/firewatch/pkg/session"
	"github.com/menta2k/firewatch/pkg/store"
	"github.com/menta2k/firewatch/pkg/types"
)

// APIKeyHeader carries a per-request credential
const APIKeyHeader = "X-API-Key"

// multipartMemory is the part of an upload kept in memory, the rest spills
// to temporary files
const multipartMemory = 32 << 20

const kindTooLarge = "upload_too_large"

// Options configures a Server
type Options struct {
	Factory         client.Factory
	DetectorOptions []detection.Option
	// DefaultKey is used when a request carries no APIKeyHeader
	DefaultKey string
	History    session.History
	Renderer   *overlay.Renderer
	// MaxUploadBytes bounds the image part of a request
	MaxUploadBytes int64
	Log            zerolog.Logger
}

// Server is the HTTP front-end. Every detect request runs in its own session.
type Server struct {
	opts   Options
	log    zerolog.Logger
	router *gin.Engine
}

// New builds the router
func New(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = processing.MaxDownloadSize
	}
	if opts.Renderer == nil {
		opts.Renderer = overlay.New(opts.Log)
	}
	s := &Server{opts: opts, log: opts.Log}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/healthz", s.health)
	api := r.Group("/api")
	api.POST("/detect", s.detect)
	api.GET("/runs", s.runs)
	s.router = r
	return s
}

// Handler returns the http.Handler serving the API
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// detectResponse is the JSON body of a successful detect call
type detectResponse struct {
	Language   i18n.Language     `json:"language"`
	Detections []types.Detection `json:"detections"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) detect(c *gin.Context) {
	ctx := c.Request.Context()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes+1<<20)
	// A body that is not multipart surfaces later as a missing file
	formErr := c.Request.ParseMultipartForm(multipartMemory)
	if s.tooLarge(c, formErr) {
		return
	}
	lang := requestLanguage(c)
	c.Header("Content-Language", lang.Tag().String())

	sess, err := session.New(session.Config{
		Factory:         s.opts.Factory,
		Credentials:     store.NewMemory(),
		Handles:         session.MemoryHandles{},
		History:         s.opts.History,
		Renderer:        s.opts.Renderer,
		DetectorOptions: s.opts.DetectorOptions,
		Language:        lang,
		Log:             s.log,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: detection.UnknownKind.String()})
		return
	}
	defer sess.Close()

	key := strings.TrimSpace(c.GetHeader(APIKeyHeader))
	if key == "" {
		key = s.opts.DefaultKey
	}
	if err := sess.SetCredential(ctx, key); err != nil {
		kind := detection.KindOf(err)
		if kind == detection.UnknownKind {
			kind = detection.InvalidCredential
		}
		c.JSON(http.StatusUnauthorized, errorResponse{Error: sess.View().CredentialError, Kind: kind.String()})
		return
	}

	name, data, mimeType, err := s.readUpload(c, lang)
	if s.tooLarge(c, err) {
		return
	}
	if err != nil {
		s.fail(c, sess, err)
		return
	}
	if err := sess.SelectImage(name, data, mimeType); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: detection.UnknownKind.String()})
		return
	}

	dets, err := sess.Submit(ctx)
	if err != nil {
		s.fail(c, sess, err)
		return
	}

	format := strings.ToLower(c.Query("overlay"))
	if format == "" {
		c.JSON(http.StatusOK, detectResponse{Language: lang, Detections: dets})
		return
	}
	frame, _ := sess.Render()
	out, err := processing.Encode(frame.Image, format, 90, false)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: detection.UnknownKind.String()})
		return
	}
	c.Header("X-Detections", strconv.Itoa(len(dets)))
	c.Data(http.StatusOK, processing.ContentType(format), out)
}

// readUpload returns the "file" part. A missing part is NoImageSelected.
func (s *Server) readUpload(c *gin.Context, lang i18n.Language) (name string, data []byte, mimeType string, err error) {
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, "", err
		}
		return "", nil, "", &detection.Error{Kind: detection.NoImageSelected, Lang: lang, Err: err}
	}
	if fh.Size > s.opts.MaxUploadBytes {
		return "", nil, "", &http.MaxBytesError{Limit: s.opts.MaxUploadBytes}
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, "", err
	}
	defer f.Close()
	data, err = io.ReadAll(f)
	if err != nil {
		return "", nil, "", err
	}

	mimeType = fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = processing.DetectMimeType(data)
	}
	return fh.Filename, data, mimeType, nil
}

// tooLarge answers 413 when err comes from an oversized upload
func (s *Server) tooLarge(c *gin.Context, err error) bool {
	var mbe *http.MaxBytesError
	if !errors.As(err, &mbe) {
		return false
	}
	c.JSON(http.StatusRequestEntityTooLarge, errorResponse{
		Error: fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes),
		Kind:  kindTooLarge,
	})
	return true
}

func (s *Server) fail(c *gin.Context, sess *session.Session, err error) {
	kind := detection.KindOf(err)
	msg := sess.View().Error
	if msg == "" {
		msg = err.Error()
	}
	c.JSON(statusFor(kind), errorResponse{Error: msg, Kind: kind.String()})
}

// statusFor maps a failure kind onto an HTTP status. Errors without a kind
// come from reading the request.
func statusFor(kind detection.Kind) int {
	switch {
	case kind == detection.UnknownKind:
		return http.StatusBadRequest
	case kind.IsCredential(), kind == detection.MissingCredential:
		return http.StatusUnauthorized
	case kind.IsValidation():
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) runs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	runs := []types.Run{}
	if s.opts.History != nil {
		got, err := s.opts.History.RecentRuns(c.Request.Context(), limit)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to list runs")
			c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: detection.UnknownKind.String()})
			return
		}
		if got != nil {
			runs = got
		}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// requestLanguage prefers the "lang" form field or query parameter, then
// Accept-Language
func requestLanguage(c *gin.Context) i18n.Language {
	if v := c.Query("lang"); v != "" {
		return i18n.Parse(v)
	}
	if form := c.Request.MultipartForm; form != nil {
		if v := form.Value["lang"]; len(v) > 0 && v[0] != "" {
			return i18n.Parse(v[0])
		}
	}
	return i18n.Parse(c.GetHeader("Accept-Language"))
}
