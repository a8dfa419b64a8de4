package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/firewatch/pkg/session"
	"github.com/menta2k/firewatch/pkg/types"
)

// Memory is an in-process credential store and run history
type Memory struct {
	mu         sync.RWMutex
	credential string
	runs       []types.Run
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) LoadCredential(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credential, nil
}

func (m *Memory) SaveCredential(_ context.Context, key string) error {
	m.mu.Lock()
	m.credential = key
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearCredential(context.Context) error {
	m.mu.Lock()
	m.credential = ""
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordRun(_ context.Context, run types.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.Detections = types.CloneDetections(run.Detections)

	m.mu.Lock()
	m.runs = append(m.runs, run)
	m.mu.Unlock()
	return nil
}

// RecentRuns returns up to limit runs, newest first
func (m *Memory) RecentRuns(_ context.Context, limit int) ([]types.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	out := make([]types.Run, 0, min(limit, len(m.runs)))
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.runs[i]
		r.Detections = types.CloneDetections(r.Detections)
		out = append(out, r)
	}
	return out, nil
}

var (
	_ session.CredentialStore = (*Memory)(nil)
	_ session.History         = (*Memory)(nil)
)
