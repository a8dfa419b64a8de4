package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/menta2k/firewatch/internal/utils"
	"github.com/menta2k/firewatch/pkg/analyzer"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/session"
)

const replHelp = `commands:
  open <path|URL>   select an image
  key <API key>     set and store the API key
  forget            remove the stored API key
  lang <en|vi>      switch language
  detect            run detection on the selected image
  save [file]       write the overlay (default <out>/<image>_overlay.<ext>)
  show              print the session state
  history [n]       list recent runs
  quit`

// console drives one session from text commands
type console struct {
	app  *app
	sess *session.Session
	out  io.Writer
}

func (a *app) repl(ctx context.Context, out io.Writer) error {
	handles := session.NewTempFiles(filepath.Join(os.TempDir(), "firewatch"))
	sess, err := a.newSession(handles)
	if err != nil {
		return err
	}
	defer sess.Close()

	c := &console{app: a, sess: sess, out: out}
	if err := sess.Start(ctx); err != nil && !sess.View().NeedsCredential {
		return err
	}
	c.printCredentialState()

	rl, err := readline.New("firewatch> ")
	if err != nil {
		return err
	}
	defer func() {
		_ = rl.Close()
	}()

	fmt.Fprintln(out, sess.View().Strings.AppTitle)
	fmt.Fprintln(out, `type "help" for commands`)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil { // io.EOF
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if c.run(ctx, line) {
			return nil
		}
	}
}

// run executes one command line and reports whether the console should exit
func (c *console) run(ctx context.Context, line string) (quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	strs := c.sess.View().Strings

	switch strings.ToLower(cmd) {
	case "":
	case "help", "?":
		fmt.Fprintln(c.out, replHelp)
	case "quit", "exit":
		return true
	case "open":
		if arg == "" {
			fmt.Fprintln(c.out, "usage: open <path|URL>")
			return false
		}
		src, err := c.app.processor.Load(ctx, arg)
		if err != nil {
			fmt.Fprintln(c.out, err)
			return false
		}
		if err := c.sess.SelectImage(src.Name, src.Data, src.MimeType); err != nil {
			c.printErr(err)
			return false
		}
		v := c.sess.View()
		fmt.Fprintf(c.out, "%s %s (%s)\n", v.Strings.SelectedFile, v.ImageName, v.ImageMimeType)
		if info, err := analyzer.Inspect(src.Data); err == nil {
			fmt.Fprintf(c.out, "  %s\n", info)
		}
	case "key":
		if err := c.sess.SetCredential(ctx, arg); err != nil {
			fmt.Fprintln(c.out, c.sess.View().CredentialError)
			return false
		}
		fmt.Fprintln(c.out, strs.CredentialSaved)
	case "forget":
		if err := c.sess.RemoveCredential(ctx); err != nil {
			fmt.Fprintln(c.out, err)
			return false
		}
		fmt.Fprintln(c.out, strs.CredentialRemoved)
	case "lang":
		lang := i18n.Parse(arg)
		if err := c.sess.SetLanguage(ctx, lang); err != nil {
			fmt.Fprintln(c.out, c.sess.View().CredentialError)
		}
		fmt.Fprintln(c.out, lang.Name())
	case "detect":
		fmt.Fprintln(c.out, strs.AnalyzingImage)
		dets, err := c.sess.Submit(ctx)
		if err != nil {
			c.printErr(err)
			return false
		}
		printDetections(c.out, c.sess.View().Strings, dets)
	case "save":
		v := c.sess.View()
		path := arg
		if path == "" {
			path = utils.OverlayFilename(v.ImageName, c.app.cfg.Output.Dir, c.app.cfg.Output.Format)
		}
		if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
			fmt.Fprintln(c.out, err)
			return false
		}
		written, err := c.app.saveOverlay(c.sess, path)
		if err != nil {
			fmt.Fprintln(c.out, err)
			return false
		}
		fmt.Fprintln(c.out, written)
	case "show":
		c.printState()
	case "history":
		n, _ := strconv.Atoi(arg)
		runs, err := c.sess.History(ctx, n)
		if err != nil {
			fmt.Fprintln(c.out, err)
			return false
		}
		for _, r := range runs {
			fmt.Fprintf(c.out, "%s  %-24s %-3s %-7s %d\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.ImageName, r.Language, r.Backend, len(r.Detections))
		}
	default:
		fmt.Fprintf(c.out, "unknown command %q, type \"help\"\n", cmd)
	}
	return false
}

func (c *console) printErr(err error) {
	v := c.sess.View()
	switch {
	case v.Error != "":
		fmt.Fprintf(c.out, "%s: %s\n", v.Strings.ErrorHeading, v.Error)
	case v.CredentialError != "":
		fmt.Fprintf(c.out, "%s: %s\n", v.Strings.ErrorHeading, v.CredentialError)
	default:
		fmt.Fprintf(c.out, "%s: %v\n", v.Strings.ErrorHeading, err)
	}
}

func (c *console) printCredentialState() {
	v := c.sess.View()
	if v.NeedsCredential {
		fmt.Fprintf(c.out, "%s: %s\n", v.Strings.CredentialLabel, v.Strings.CredentialRequired)
	}
	if v.CredentialError != "" {
		fmt.Fprintln(c.out, v.CredentialError)
	}
}

func (c *console) printState() {
	v := c.sess.View()
	fmt.Fprintf(c.out, "state:    %s\n", v.State)
	fmt.Fprintf(c.out, "language: %s\n", v.Language.Name())
	fmt.Fprintf(c.out, "key:      %t\n", v.HasCredential)
	if v.ImageName != "" {
		fmt.Fprintf(c.out, "image:    %s (%s) %s\n", v.ImageName, v.ImageMimeType, v.ImagePath)
	} else {
		fmt.Fprintf(c.out, "image:    %s\n", v.Strings.UploadToSee)
	}
	if v.HasRun() {
		printDetections(c.out, v.Strings, v.Detections)
	}
	if v.Error != "" {
		fmt.Fprintf(c.out, "%s: %s\n", v.Strings.ErrorHeading, v.Error)
	}
	if v.CredentialError != "" {
		fmt.Fprintf(c.out, "%s: %s\n", v.Strings.CredentialLabel, v.CredentialError)
	}
}
