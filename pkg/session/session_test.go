package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/firewatch/pkg/client"
	"github.com/menta2k/firewatch/pkg/detection"
	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/types"
)

const (
	timeoutWait = 2 * time.Second
	tick        = 5 * time.Millisecond
)

const fireReply = `{"detections":[{"type":"fire","description":"Flames","boundingBox":{"x1":0.2,"y1":0.2,"x2":0.6,"y2":0.5}}]}`

type stubClient struct {
	mu    sync.Mutex
	calls int
	reply string
	err   error
	// block, when set, is waited on inside Query
	block chan struct{}
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) Query(ctx context.Context, _ client.Request) (string, error) {
	c.mu.Lock()
	c.calls++
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.reply, c.err
}

func (c *stubClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memCreds struct {
	mu      sync.Mutex
	key     string
	clears  int
	saves   int
	loadErr error
}

func (m *memCreds) LoadCredential(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key, m.loadErr
}

func (m *memCreds) SaveCredential(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = key
	m.saves++
	return nil
}

func (m *memCreds) ClearCredential(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = ""
	m.clears++
	return nil
}

type memHistory struct {
	mu   sync.Mutex
	runs []types.Run
}

func (h *memHistory) RecordRun(_ context.Context, run types.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *memHistory) RecentRuns(_ context.Context, limit int) ([]types.Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Run(nil), h.runs...), nil
}

type countingHandle struct {
	id       string
	releases int
}

func (h *countingHandle) ID() string   { return h.id }
func (h *countingHandle) Path() string { return "" }
func (h *countingHandle) Release() error {
	h.releases++
	return nil
}

type countingHandles struct {
	created []*countingHandle
}

func (c *countingHandles) Create(name string, _ []byte) (Handle, error) {
	h := &countingHandle{id: name}
	c.created = append(c.created, h)
	return h, nil
}

type harness struct {
	client    *stubClient
	creds     *memCreds
	history   *memHistory
	handles   *countingHandles
	factories int
	rejectKey string
	session   *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		client:  &stubClient{reply: fireReply},
		creds:   &memCreds{},
		history: &memHistory{},
		handles: &countingHandles{},
	}
	s, err := New(Config{
		Factory: func(_ context.Context, key string) (client.VisionClient, error) {
			h.factories++
			if key == h.rejectKey {
				return nil, errors.New("bad key format")
			}
			return h.client, nil
		},
		Credentials: h.creds,
		Handles:     h.handles,
		History:     h.history,
	})
	require.NoError(t, err)
	h.session = s
	return h
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSubmitWithoutCredentialMakesNoCall(t *testing.T) {
	h := newHarness(t)
	s := h.session
	require.NoError(t, s.Start(t.Context()))
	assert.True(t, s.View().NeedsCredential)

	require.NoError(t, s.SelectImage("a.png", pngBytes(t, 4, 4), "image/png"))
	_, err := s.Submit(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, detection.ClientNotInitialized)
	assert.Equal(t, 0, h.client.Calls())

	v := s.View()
	assert.Equal(t, StateCredentialError, v.State)
	assert.Equal(t, i18n.For(i18n.English).ClientNotInitialized, v.CredentialError)
	assert.False(t, v.HasRun())
}

func TestSubmitWithoutImage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SetCredential(t.Context(), "key"))

	_, err := h.session.Submit(t.Context())
	assert.ErrorIs(t, err, detection.NoImageSelected)
	assert.Equal(t, i18n.For(i18n.English).SelectImageFirst, h.session.View().Error)
	assert.Equal(t, 0, h.client.Calls())
}

func TestSetCredential(t *testing.T) {
	t.Run("empty key", func(t *testing.T) {
		h := newHarness(t)
		err := h.session.SetCredential(t.Context(), "   ")
		assert.ErrorIs(t, err, detection.MissingCredential)
		assert.Equal(t, 0, h.factories)
		assert.Equal(t, i18n.For(i18n.English).CredentialRequired, h.session.View().CredentialError)
	})

	t.Run("persisted on success", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.session.SetCredential(t.Context(), " secret "))
		assert.Equal(t, "secret", h.creds.key)
		v := h.session.View()
		assert.True(t, v.HasCredential)
		assert.False(t, v.NeedsCredential)
		assert.Empty(t, v.CredentialError)
	})

	t.Run("refused by factory", func(t *testing.T) {
		h := newHarness(t)
		h.creds.key = "old"
		h.rejectKey = "broken"
		err := h.session.SetCredential(t.Context(), "broken")
		require.Error(t, err)
		assert.Empty(t, h.creds.key)
		v := h.session.View()
		assert.False(t, v.HasCredential)
		assert.True(t, v.NeedsCredential)
		assert.Equal(t, "Could not set up the API client: bad key format", v.CredentialError)
	})
}

func TestStartLoadsStoredCredential(t *testing.T) {
	h := newHarness(t)
	h.creds.key = "stored"
	require.NoError(t, h.session.Start(t.Context()))
	assert.Equal(t, 1, h.factories)
	assert.True(t, h.session.View().HasCredential)

	h.creds.loadErr = errors.New("disk gone")
	assert.Error(t, h.session.Start(t.Context()))
}

func TestSubmitSuccess(t *testing.T) {
	h := newHarness(t)
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.SelectImage("fire.png", pngBytes(t, 50, 50), ""))

	dets, err := s.Submit(t.Context())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, types.Fire, dets[0].Type)
	assert.Equal(t, 1, h.client.Calls())

	v := s.View()
	assert.Equal(t, StateSucceeded, v.State)
	assert.Equal(t, "image/png", v.ImageMimeType)
	assert.True(t, v.HasRun())
	assert.False(t, v.Loading)

	require.Len(t, h.history.runs, 1)
	assert.Equal(t, "fire.png", h.history.runs[0].ImageName)
	assert.Equal(t, "stub", h.history.runs[0].Backend)
	assert.Equal(t, "en", h.history.runs[0].Language)

	runs, err := s.History(t.Context(), 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSubmitEmptyResultIsDistinctFromNotRun(t *testing.T) {
	h := newHarness(t)
	h.client.reply = `{"detections":[]}`
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.SelectImage("calm.png", pngBytes(t, 8, 8), "image/png"))
	assert.False(t, s.View().HasRun())

	_, err := s.Submit(t.Context())
	require.NoError(t, err)
	v := s.View()
	assert.True(t, v.HasRun())
	assert.Empty(t, v.Detections)
}

func TestSubmitUnsupportedType(t *testing.T) {
	h := newHarness(t)
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	gif := []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")
	require.NoError(t, s.SelectImage("anim.gif", gif, ""))
	assert.Equal(t, "image/gif", s.View().ImageMimeType)

	_, err := s.Submit(t.Context())
	assert.ErrorIs(t, err, detection.UnsupportedMediaType)
	assert.Equal(t, 0, h.client.Calls())
	assert.Equal(t, StateFailed, s.View().State)
}

func TestInvalidCredentialClearsStore(t *testing.T) {
	h := newHarness(t)
	h.client.err = &client.APIError{Backend: "stub", StatusCode: 400, Reason: "API_KEY_INVALID", Message: "API key not valid"}
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.SelectImage("a.png", pngBytes(t, 4, 4), "image/png"))

	_, err := s.Submit(t.Context())
	assert.ErrorIs(t, err, detection.InvalidCredential)
	assert.Empty(t, h.creds.key)
	assert.Equal(t, 1, h.creds.clears)

	v := s.View()
	assert.Equal(t, StateCredentialError, v.State)
	assert.True(t, v.NeedsCredential)
	assert.False(t, v.HasCredential)
	assert.NotEmpty(t, v.CredentialError)

	// re-entering a key leaves the credential error state
	h.client.err = nil
	require.NoError(t, s.SetCredential(t.Context(), "new"))
	assert.Equal(t, StateImageSelected, s.View().State)
}

func TestRemoteFailureKeepsCredential(t *testing.T) {
	h := newHarness(t)
	h.client.err = errors.New("connection reset")
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.SelectImage("a.png", pngBytes(t, 4, 4), "image/png"))

	_, err := s.Submit(t.Context())
	assert.ErrorIs(t, err, detection.RemoteRequestFailed)
	assert.Equal(t, "key", h.creds.key)

	v := s.View()
	assert.Equal(t, StateFailed, v.State)
	assert.True(t, v.HasCredential)
	assert.Contains(t, v.Error, "connection reset")
}

func TestSelectImageReleasesPreviousOnce(t *testing.T) {
	h := newHarness(t)
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))

	require.NoError(t, s.SelectImage("one.png", pngBytes(t, 4, 4), "image/png"))
	_, err := s.Submit(t.Context())
	require.NoError(t, err)

	require.NoError(t, s.SelectImage("two.png", pngBytes(t, 4, 4), "image/png"))
	require.Len(t, h.handles.created, 2)
	assert.Equal(t, 1, h.handles.created[0].releases)
	assert.Equal(t, 0, h.handles.created[1].releases)

	v := s.View()
	assert.Equal(t, "two.png", v.ImageName)
	assert.False(t, v.HasRun())
	assert.Equal(t, StateImageSelected, v.State)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, h.handles.created[0].releases)
	assert.Equal(t, 1, h.handles.created[1].releases)
}

func TestSetLanguageKeepsDetections(t *testing.T) {
	h := newHarness(t)
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.SelectImage("a.png", pngBytes(t, 50, 50), "image/png"))
	before, err := s.Submit(t.Context())
	require.NoError(t, err)
	callsBefore := h.client.Calls()
	factoriesBefore := h.factories

	require.NoError(t, s.SetLanguage(t.Context(), i18n.Vietnamese))
	v := s.View()
	assert.Equal(t, i18n.Vietnamese, v.Language)
	assert.Equal(t, before, v.Detections)
	assert.Equal(t, callsBefore, h.client.Calls())
	assert.Equal(t, factoriesBefore+1, h.factories)
	assert.Equal(t, i18n.For(i18n.Vietnamese).AppTitle, v.Strings.AppTitle)
}

func TestSetLanguageRelocalizesErrors(t *testing.T) {
	h := newHarness(t)
	s := h.session
	require.Error(t, s.SetCredential(t.Context(), ""))

	require.NoError(t, s.SetLanguage(t.Context(), i18n.Vietnamese))
	assert.Equal(t, i18n.For(i18n.Vietnamese).CredentialRequired, s.View().CredentialError)

	require.NoError(t, s.SetLanguage(t.Context(), "fr"))
	assert.Equal(t, i18n.English, s.Language())
}

func TestSubmitWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.client.block = make(chan struct{})
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.SelectImage("a.png", pngBytes(t, 4, 4), "image/png"))

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return h.client.Calls() == 1 }, timeoutWait, tick)
	v := s.View()
	assert.True(t, v.Loading)
	assert.Equal(t, StateSubmitting, v.State)

	_, err := s.Submit(t.Context())
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, s.SelectImage("b.png", pngBytes(t, 4, 4), "image/png"), ErrBusy)
	assert.Equal(t, i18n.For(i18n.English).Busy, localize(ErrBusy, i18n.English))

	close(h.client.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.client.Calls())
}

func TestCloseDuringSubmitDropsResult(t *testing.T) {
	h := newHarness(t)
	h.client.block = make(chan struct{})
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.SelectImage("a.png", pngBytes(t, 4, 4), "image/png"))

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return h.client.Calls() == 1 }, timeoutWait, tick)

	require.NoError(t, s.Close())
	close(h.client.block)
	require.ErrorIs(t, <-done, ErrDiscarded)

	v := s.View()
	assert.Equal(t, StateIdle, v.State)
	assert.False(t, v.Loading)
	assert.Empty(t, v.ImageName)
	assert.Nil(t, v.Detections)
	assert.Empty(t, v.Error)
	_, ok := s.Render()
	assert.False(t, ok)

	h.history.mu.Lock()
	assert.Empty(t, h.history.runs)
	h.history.mu.Unlock()
	require.Len(t, h.handles.created, 1)
	assert.Equal(t, 1, h.handles.created[0].releases)
}

func TestRender(t *testing.T) {
	h := newHarness(t)
	s := h.session
	_, ok := s.Render()
	assert.False(t, ok)

	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.SelectImage("a.png", pngBytes(t, 50, 50), "image/png"))
	_, err := s.Submit(t.Context())
	require.NoError(t, err)

	frame, ok := s.Render()
	require.True(t, ok)
	require.NoError(t, frame.Err)
	require.Len(t, frame.Boxes, 1)
	assert.Equal(t, "FIRE", frame.Boxes[0].Label)
}

func TestRemoveCredential(t *testing.T) {
	h := newHarness(t)
	s := h.session
	require.NoError(t, s.SetCredential(t.Context(), "key"))
	require.NoError(t, s.RemoveCredential(t.Context()))
	assert.Empty(t, h.creds.key)
	v := s.View()
	assert.False(t, v.HasCredential)
	assert.True(t, v.NeedsCredential)
}

func TestTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewTempFiles(dir)

	h, err := store.Create("Photo.JPG", []byte("data"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
	assert.Contains(t, h.Path(), ".jpg")

	got, err := os.ReadFile(h.Path())
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	require.NoError(t, h.Release())
	_, err = os.Stat(h.Path())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, h.Release())
}
