// Package session coordinates image selection, the API key lifecycle,
// detection requests and language switching for one user.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/menta2k/firewatch/pkg/client"
	"github.com/menta2k/firewatch/pkg/detection"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/overlay"
	"github.com/menta2k/firewatch/pkg/processing"
	"github.com/menta2k/firewatch/pkg/types"
)

// ErrBusy is returned while a detection is in flight
var ErrBusy = errors.New("session: detection already in progress")

// ErrDiscarded is returned by Submit when the image was released while the
// request was in flight. The result is dropped.
var ErrDiscarded = errors.New("session: image released during detection")

// Config wires a session's collaborators. Factory, Credentials and Handles
// are required.
type Config struct {
	Factory     client.Factory
	Credentials CredentialStore
	Handles     HandleStore
	History     History
	Renderer    *overlay.Renderer
	// DetectorOptions are applied to every detector the session builds
	DetectorOptions []detection.Option
	Language        i18n.Language
	Log             zerolog.Logger
}

// setupError is a credential the client factory refused
type setupError struct {
	cause error
}

func (e *setupError) Error() string { return e.cause.Error() }
func (e *setupError) Unwrap() error { return e.cause }

type selectedImage struct {
	name     string
	data     []byte
	mimeType string
	handle   Handle
}

// Session is the state of one user's detection workflow. It is safe for
// concurrent use; only one detection runs at a time.
type Session struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	state      State
	lang       i18n.Language
	credential string
	detector   *detection.Detector
	image      *selectedImage
	detections []types.Detection
	loading    bool
	err        error
	credErr    error
	// needsCredential asks the user to (re-)enter the key
	needsCredential bool
}

// New creates an idle session
func New(cfg Config) (*Session, error) {
	if cfg.Factory == nil || cfg.Credentials == nil || cfg.Handles == nil {
		return nil, errors.New("session: factory, credential store and handle store are required")
	}
	if !cfg.Language.Valid() {
		cfg.Language = i18n.Default
	}
	if cfg.Renderer == nil {
		cfg.Renderer = overlay.New(cfg.Log)
	}
	return &Session{
		cfg:   cfg,
		log:   cfg.Log.With().Str("session", uuid.NewString()[:8]).Logger(),
		state: StateIdle,
		lang:  cfg.Language,
	}, nil
}

// Start reloads a persisted credential and validates it
func (s *Session) Start(ctx context.Context) error {
	key, err := s.cfg.Credentials.LoadCredential(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		s.needsCredential = true
		return nil
	}
	return s.validateLocked(ctx, key, false)
}

// SetCredential validates key by constructing a client and persists it on
// success. A refused key is cleared from the store.
func (s *Session) SetCredential(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		e := &detection.Error{Kind: detection.MissingCredential, Lang: s.lang}
		s.credErr = e
		return e
	}
	return s.validateLocked(ctx, key, true)
}

// validateLocked builds a detector for key. persist controls whether a
// successful key is written back to the store.
func (s *Session) validateLocked(ctx context.Context, key string, persist bool) error {
	c, err := s.cfg.Factory(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Msg("credential refused by client factory")
		s.dropCredentialLocked(ctx)
		s.credErr = &setupError{cause: err}
		return s.credErr
	}
	if persist {
		if err := s.cfg.Credentials.SaveCredential(ctx, key); err != nil {
			return fmt.Errorf("save credential: %w", err)
		}
	}

	s.credential = key
	s.detector = detection.NewDetector(c, s.cfg.DetectorOptions...)
	s.credErr = nil
	s.needsCredential = false
	if s.state == StateCredentialError {
		s.state = s.restingStateLocked()
	}
	s.log.Debug().Str("backend", c.Name()).Msg("credential ready")
	return nil
}

// RemoveCredential forgets the key in memory and in the store
func (s *Session) RemoveCredential(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credential = ""
	s.detector = nil
	s.credErr = nil
	s.needsCredential = true
	if err := s.cfg.Credentials.ClearCredential(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// dropCredentialLocked clears the key everywhere and flags it for re-entry
func (s *Session) dropCredentialLocked(ctx context.Context) {
	s.credential = ""
	s.detector = nil
	s.needsCredential = true
	if err := s.cfg.Credentials.ClearCredential(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to clear stored credential")
	}
}

func (s *Session) restingStateLocked() State {
	if s.image != nil {
		return StateImageSelected
	}
	return StateIdle
}

// SelectImage replaces the current image. The previous handle is released
// before the new one is created and prior results are discarded. An empty
// mimeType is sniffed from data.
func (s *Session) SelectImage(name string, data []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = processing.DetectMimeType(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSubmitting {
		return ErrBusy
	}

	s.releaseImageLocked()
	s.detections = nil
	s.err = nil
	s.state = StateIdle

	h, err := s.cfg.Handles.Create(name, data)
	if err != nil {
		return fmt.Errorf("create image handle: %w", err)
	}
	s.image = &selectedImage{name: name, data: data, mimeType: mimeType, handle: h}
	s.state = StateImageSelected
	s.log.Debug().Str("image", name).Str("mime", mimeType).Int("bytes", len(data)).Msg("image selected")
	return nil
}

func (s *Session) releaseImageLocked() {
	if s.image == nil {
		return
	}
	if err := s.image.handle.Release(); err != nil {
		s.log.Warn().Err(err).Str("handle", s.image.handle.ID()).Msg("failed to release image handle")
	}
	s.image = nil
}

// Submit runs detection on the selected image. Failures are also kept as
// session state and shown by View.
func (s *Session) Submit(ctx context.Context) ([]types.Detection, error) {
	s.mu.Lock()
	if s.state == StateSubmitting {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if s.image == nil {
		e := &detection.Error{Kind: detection.NoImageSelected, Lang: s.lang}
		s.err = e
		s.mu.Unlock()
		return nil, e
	}
	if s.detector == nil {
		e := &detection.Error{Kind: detection.ClientNotInitialized, Lang: s.lang}
		s.err = e
		s.credErr = e
		s.needsCredential = true
		s.state = StateCredentialError
		s.mu.Unlock()
		return nil, e
	}

	det := s.detector
	cur := s.image
	img := *cur
	lang := s.lang
	s.state = StateSubmitting
	s.loading = true
	s.detections = nil
	s.err = nil
	s.mu.Unlock()

	dets, err := det.Detect(ctx, detection.Input{Image: img.data, MimeType: img.mimeType, Language: lang})

	s.mu.Lock()
	if s.image != cur {
		s.mu.Unlock()
		s.log.Debug().Str("handle", img.handle.ID()).Msg("image released during detection, dropping result")
		return nil, ErrDiscarded
	}
	s.loading = false
	if err != nil {
		s.err = err
		s.state = StateFailed
		if detection.KindOf(err).IsCredential() {
			s.log.Info().Err(err).Msg("credential rejected, clearing it")
			s.dropCredentialLocked(ctx)
			s.credErr = err
			s.state = StateCredentialError
		}
		s.mu.Unlock()
		return nil, err
	}
	s.detections = dets
	s.state = StateSucceeded
	s.mu.Unlock()

	if s.cfg.History != nil {
		run := types.Run{
			ID:         uuid.NewString(),
			ImageName:  img.name,
			MimeType:   img.mimeType,
			Language:   string(lang),
			Backend:    det.Backend(),
			Model:      det.Model(),
			Detections: types.CloneDetections(dets),
			CreatedAt:  time.Now(),
		}
		if err := s.cfg.History.RecordRun(ctx, run); err != nil {
			s.log.Warn().Err(err).Msg("failed to record run")
		}
	}
	return types.CloneDetections(dets), nil
}

// SetLanguage switches the UI language. Existing detections are kept as is,
// the general error is cleared and the credential is validated again.
func (s *Session) SetLanguage(ctx context.Context, lang i18n.Language) error {
	if !lang.Valid() {
		lang = i18n.Default
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lang = lang
	s.err = nil
	if s.credential == "" {
		return nil
	}
	return s.validateLocked(ctx, s.credential, false)
}

// Language returns the active language
func (s *Session) Language() i18n.Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lang
}

// View is an immutable snapshot of the session for display
type View struct {
	State           State
	Language        i18n.Language
	Strings         i18n.Strings
	ImageName       string
	ImageMimeType   string
	ImagePath       string
	Detections      []types.Detection
	Loading         bool
	Error           string
	CredentialError string
	HasCredential   bool
	NeedsCredential bool
}

// HasRun reports whether detection has completed for the current image
func (v View) HasRun() bool { return v.Detections != nil }

// View returns a snapshot with every message rendered in the active language
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		State:           s.state,
		Language:        s.lang,
		Strings:         i18n.For(s.lang),
		Detections:      types.CloneDetections(s.detections),
		Loading:         s.loading,
		Error:           localize(s.err, s.lang),
		CredentialError: localize(s.credErr, s.lang),
		HasCredential:   s.detector != nil,
		NeedsCredential: s.needsCredential,
	}
	if s.image != nil {
		v.ImageName = s.image.name
		v.ImageMimeType = s.image.mimeType
		v.ImagePath = s.image.handle.Path()
	}
	return v
}

// Render draws the current detections over the current image. ok is false
// when no image is selected.
func (s *Session) Render() (frame overlay.Frame, ok bool) {
	s.mu.Lock()
	if s.image == nil {
		s.mu.Unlock()
		return overlay.Frame{}, false
	}
	data := s.image.data
	dets := types.CloneDetections(s.detections)
	lang := s.lang
	s.mu.Unlock()

	return s.cfg.Renderer.Render(data, dets, lang), true
}

// History returns recent runs, or nil without a history store
func (s *Session) History(ctx context.Context, limit int) ([]types.Run, error) {
	if s.cfg.History == nil {
		return nil, nil
	}
	return s.cfg.History.RecentRuns(ctx, limit)
}

// Close releases the image handle
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseImageLocked()
	s.detections = nil
	s.loading = false
	s.state = StateIdle
	return nil
}

func localize(err error, lang i18n.Language) string {
	if err == nil {
		return ""
	}
	strs := i18n.For(lang)
	var de *detection.Error
	if errors.As(err, &de) {
		return de.Localize(lang).Error()
	}
	var se *setupError
	if errors.As(err, &se) {
		return fmt.Sprintf(strs.CredentialSetupFmt, se.cause)
	}
	if errors.Is(err, ErrBusy) {
		return strs.Busy
	}
	return err.Error()
}
