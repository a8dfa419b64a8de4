package session

import (
	"context"

	"github.com/menta2k/firewatch/pkg/types"
)

// State is the session's position in the detection workflow
type State string

const (
	StateIdle            State = "idle"
	StateImageSelected   State = "image_selected"
	StateSubmitting      State = "submitting"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
	StateCredentialError State = "credential_error"
)

// CredentialStore persists a single API key across sessions. An empty value
// from LoadCredential means none is configured.
type CredentialStore interface {
	LoadCredential(ctx context.Context) (string, error)
	SaveCredential(ctx context.Context, key string) error
	ClearCredential(ctx context.Context) error
}

// History records successful detection runs
type History interface {
	RecordRun(ctx context.Context, run types.Run) error
	RecentRuns(ctx context.Context, limit int) ([]types.Run, error)
}

// Handle is a temporary resource backing the selected image
type Handle interface {
	ID() string
	// Path is a location viewers can open, empty if the handle has none
	Path() string
	// Release frees the resource. Calls after the first are no-ops.
	Release() error
}

// HandleStore creates image handles
type HandleStore interface {
	Create(name string, data []byte) (Handle, error)
}
