package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/menta2k/firewatch/internal/config"
	"github.com/menta2k/firewatch/internal/utils"
	"github.com/menta2k/firewatch/pkg/backend"
	"github.com/menta2k/firewatch/pkg/client"
	"github.com/menta2k/firewatch/pkg/detection"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/overlay"
	"github.com/menta2k/firewatch/pkg/processing"
	"github.com/menta2k/firewatch/pkg/server"
	"github.com/menta2k/firewatch/pkg/session"
	"github.com/menta2k/firewatch/pkg/store"
	"github.com/menta2k/firewatch/pkg/types"
)

// app holds the components shared by every mode
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	factory   client.Factory
	processor *processing.Processor
	renderer  *overlay.Renderer
	creds     session.CredentialStore
	history   session.History

	closeOnce sync.Once
	db        *store.DB
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	factory, err := backend.Factory(cfg.Backend.Name, cfg.Backend.URL, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Backend.Model == "" {
		cfg.Backend.Model = backend.DefaultModel(cfg.Backend.Name)
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		factory:   factory,
		processor: processing.NewProcessor(),
		renderer:  overlay.New(log).WithFallbackSize(cfg.Overlay.FallbackWidth, cfg.Overlay.FallbackHeight),
	}

	if cfg.Storage.Path == "" {
		mem := store.NewMemory()
		a.creds, a.history = mem, mem
	} else {
		if err := utils.EnsureDir(filepath.Dir(cfg.Storage.Path)); err != nil {
			return nil, err
		}
		db, err := store.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Storage.Path, err)
		}
		a.db = db
		a.creds, a.history = db, db
		log.Debug().Str("path", db.Path()).Msg("opened database")
	}

	log.Debug().
		Str("backend", cfg.Backend.Name).
		Str("model", cfg.Backend.Model).
		Msg("initialized")
	return a, nil
}

func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				a.log.Warn().Err(err).Msg("closing database")
			}
		}
	})
}

func (a *app) detectorOptions() []detection.Option {
	opts := []detection.Option{
		detection.WithModel(a.cfg.Backend.Model),
		detection.WithTimeout(a.cfg.Timeout()),
		detection.WithLogger(a.log),
	}
	if a.cfg.Detection.MaxSendDim > 0 {
		opts = append(opts, detection.WithPreparer(a.processor.Preparer(a.cfg.Detection.MaxSendDim, a.cfg.Detection.SendQuality)))
	}
	return opts
}

func (a *app) newSession(handles session.HandleStore) (*session.Session, error) {
	return session.New(session.Config{
		Factory:         a.factory,
		Credentials:     a.creds,
		Handles:         handles,
		History:         a.history,
		Renderer:        a.renderer,
		DetectorOptions: a.detectorOptions(),
		Language:        i18n.Parse(a.cfg.Detection.Language),
		Log:             a.log,
	})
}

// saveOverlay renders the session's image with its detections to path. The
// format follows the file extension.
func (a *app) saveOverlay(sess *session.Session, path string) (string, error) {
	frame, ok := sess.Render()
	if !ok {
		return "", fmt.Errorf("%s", sess.View().Strings.SelectImageFirst)
	}
	if frame.Err != nil {
		a.log.Warn().Err(frame.Err).Msg("overlay shows the error surface")
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format == "" {
		format = a.cfg.Output.Format
		path += "." + format
	}
	if err := a.processor.SaveImage(frame.Image, path, format, a.cfg.Output.Quality, a.cfg.Output.Lossless); err != nil {
		return "", fmt.Errorf("save overlay: %w", err)
	}
	return path, nil
}

func (a *app) serve(ctx context.Context) error {
	key := a.cfg.Backend.APIKey
	if key == "" {
		stored, err := a.creds.LoadCredential(ctx)
		if err != nil {
			return err
		}
		key = stored
	}
	if key == "" && !backend.RequiresKey(a.cfg.Backend.Name) {
		key = backend.NoKey
	}
	if a.log.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(server.Options{
		Factory:         a.factory,
		DetectorOptions: a.detectorOptions(),
		DefaultKey:      key,
		History:         a.history,
		Renderer:        a.renderer,
		MaxUploadBytes:  int64(a.cfg.Server.MaxUploadMB) << 20,
		Log:             a.log,
	})
	return srv.Run(ctx, a.cfg.Server.Addr)
}

// printDetections writes one line per detection, or the no-detections
// message for an empty list
func printDetections(w io.Writer, strs i18n.Strings, dets []types.Detection) {
	if len(dets) == 0 {
		fmt.Fprintln(w, strs.NoDetections)
		return
	}
	fmt.Fprintf(w, "%s (%d)\n", strs.DetectionDetails, len(dets))
	for i, d := range dets {
		bb := d.BoundingBox
		fmt.Fprintf(w, "%2d. %-6s %s  [%.3f, %.3f, %.3f, %.3f]\n",
			i+1, strings.ToUpper(strs.Label(string(d.Type))), d.Description, bb.X1, bb.Y1, bb.X2, bb.Y2)
	}
}
