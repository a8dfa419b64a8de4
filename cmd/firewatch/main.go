package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/menta2k/firewatch/internal/config"
	"github.com/menta2k/firewatch/internal/logging"
	"github.com/menta2k/firewatch/internal/utils"
	"github.com/menta2k/firewatch/pkg/analyzer"
	"github.com/menta2k/firewatch/pkg/backend"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/session"
	"github.com/menta2k/firewatch/pkg/types"
)

func main() {
	var cfgPath, envFile string
	var in, outDir, lang string
	var backendName, model, url, key string
	var ext string
	var quality, sendSize, timeout int
	var lossless, repl, serve, verbose bool
	var addr, writeConfig string

	flag.StringVar(&cfgPath, "config", "", "config file (.json or .yaml), default "+config.GetConfigPath())
	flag.StringVar(&envFile, "env", ".env", "dotenv file with FIREWATCH_* / GEMINI_API_KEY variables")

	flag.StringVar(&in, "in", "", "input image path or URL (jpg/png/webp)")
	flag.StringVar(&outDir, "out", "", "output directory")
	flag.StringVar(&lang, "lang", "", "language: en|vi")

	flag.StringVar(&backendName, "backend", "", "backend to use: "+strings.Join(backend.Names, "|"))
	flag.StringVar(&model, "model", "", "model name (default depends on backend)")
	flag.StringVar(&url, "url", "", "server URL override")
	flag.StringVar(&key, "key", "", "API key (stored for later runs)")
	flag.IntVar(&timeout, "timeout", 0, "request timeout in seconds")

	flag.StringVar(&ext, "ext", "", "overlay format: png|jpg|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP overlay quality (1-100)")
	flag.BoolVar(&lossless, "lossless", false, "WebP overlay lossless mode")
	flag.IntVar(&sendSize, "sendsize", -1, "max long side sent to the model (px), 0=original")

	flag.BoolVar(&repl, "repl", false, "interactive console")
	flag.BoolVar(&serve, "serve", false, "serve the HTTP API (also server.enabled / FIREWATCH_SERVE)")
	flag.StringVar(&addr, "addr", "", "HTTP API listen address (default server.addr)")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.StringVar(&writeConfig, "write-config", "", "write the effective configuration to this file and exit")
	flag.Parse()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Flags win over the file and the environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend.Name = backendName
		case "model":
			cfg.Backend.Model = model
		case "url":
			cfg.Backend.URL = url
		case "key":
			cfg.Backend.APIKey = key
		case "timeout":
			cfg.Backend.TimeoutSeconds = timeout
		case "lang":
			cfg.Detection.Language = lang
		case "sendsize":
			cfg.Detection.MaxSendDim = sendSize
		case "out":
			cfg.Output.Dir = outDir
		case "ext":
			cfg.Output.Format = ext
		case "quality":
			cfg.Output.Quality = quality
		case "lossless":
			cfg.Output.Lossless = lossless
		case "serve":
			cfg.Server.Enabled = serve
		case "addr":
			cfg.Server.Addr = addr
		case "v":
			cfg.Logging.Level = "debug"
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if writeConfig != "" {
		if err := cfg.SaveToFile(writeConfig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	switch {
	case repl:
		err = a.repl(ctx, os.Stdout)
	case in != "":
		err = a.oneShot(ctx, in)
	case cfg.Server.Enabled:
		err = a.serve(ctx)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s -in input.jpg|URL [-backend %s] [-key KEY] [-lang en|vi] [-out outdir] [-ext png|jpg|webp]\n",
			filepath.Base(os.Args[0]), strings.Join(backend.Names, "|"))
		fmt.Fprintf(os.Stderr, "       %s -repl | -serve [-addr :8080]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	if err != nil {
		stop()
		a.Close()
		log.Fatal().Err(err).Msg("firewatch failed")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.GetConfigPath()
		if !utils.FileExists(path) {
			return config.Default(), nil
		}
	}
	return config.LoadFromFile(path)
}

// minImageSide is the smallest side worth sending without a warning
const minImageSide = 32

// oneShot detects in a single image, writes the overlay and the detection
// list to the output directory and prints a summary
func (a *app) oneShot(ctx context.Context, in string) error {
	src, err := a.processor.Load(ctx, in)
	if err != nil {
		return err
	}

	sess, err := a.newSession(session.MemoryHandles{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := a.prepareCredential(ctx, sess); err != nil {
		return err
	}
	if err := sess.SelectImage(src.Name, src.Data, src.MimeType); err != nil {
		return err
	}

	strs := i18n.For(sess.Language())
	info, err := analyzer.Inspect(src.Data)
	if err != nil {
		a.log.Warn().Err(err).Str("image", src.Name).Msg("could not read image header")
	} else if err := analyzer.ValidateImage(info, minImageSide); err != nil {
		a.log.Warn().Err(err).Str("image", src.Name).Msg("small images give poor boxes")
	}
	if !utils.IsImageFile(src.Name) {
		a.log.Debug().Str("image", src.Name).Msg("unexpected extension, using sniffed type")
	}
	a.log.Info().
		Str("image", src.Name).
		Str("mime", src.MimeType).
		Int("width", info.Width).
		Int("height", info.Height).
		Str("size", utils.FormatFileSize(int64(len(src.Data)))).
		Msg(strs.AnalyzingImage)

	dets, err := sess.Submit(ctx)
	if err != nil {
		return fmt.Errorf("%s", sess.View().Error)
	}

	if err := utils.EnsureDir(a.cfg.Output.Dir); err != nil {
		return err
	}
	overlayPath, err := a.saveOverlay(sess, utils.OverlayFilename(src.Name, a.cfg.Output.Dir, a.cfg.Output.Format))
	if err != nil {
		return err
	}
	a.log.Info().Str("path", overlayPath).Msg("wrote overlay")

	js, _ := json.MarshalIndent(types.DetectionResponse{Detections: dets}, "", "  ")
	jsonPath := filepath.Join(a.cfg.Output.Dir, "detections.json")
	if err := os.WriteFile(jsonPath, js, 0o644); err != nil {
		return err
	}
	a.log.Info().Str("path", jsonPath).Msg("wrote detections")

	printDetections(os.Stdout, strs, dets)
	return nil
}

// prepareCredential loads the stored key and replaces it with a configured
// one. Local backends without a key get backend.NoKey.
func (a *app) prepareCredential(ctx context.Context, sess *session.Session) error {
	// A stored key the client refuses is dropped and reported by the view
	if err := sess.Start(ctx); err != nil && !sess.View().NeedsCredential {
		return err
	}
	key := a.cfg.Backend.APIKey
	if key == "" && sess.View().HasCredential {
		return nil
	}
	if key == "" && !backend.RequiresKey(a.cfg.Backend.Name) {
		key = backend.NoKey
	}
	if key == "" {
		return fmt.Errorf("%s", i18n.For(sess.Language()).CredentialRequired)
	}
	if err := sess.SetCredential(ctx, key); err != nil {
		return fmt.Errorf("%s", sess.View().CredentialError)
	}
	return nil
}
