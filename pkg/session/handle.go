package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TempFiles stores each selected image as a file in a directory
type TempFiles struct {
	dir string
}

// NewTempFiles creates a handle store under dir. An empty dir uses the
// system temp directory.
func NewTempFiles(dir string) *TempFiles {
	if dir == "" {
		dir = os.TempDir()
	}
	return &TempFiles{dir: dir}
}

func (t *TempFiles) Create(name string, data []byte) (Handle, error) {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create handle dir: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(t.dir, "firewatch-"+id+strings.ToLower(filepath.Ext(name)))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write handle: %w", err)
	}
	return &fileHandle{id: id, path: path}, nil
}

type fileHandle struct {
	id   string
	path string
	once sync.Once
	err  error
}

func (h *fileHandle) ID() string   { return h.id }
func (h *fileHandle) Path() string { return h.path }

func (h *fileHandle) Release() error {
	h.once.Do(func() {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			h.err = err
		}
	})
	return h.err
}

// MemoryHandles keeps images in memory only. Its handles have no path.
type MemoryHandles struct{}

func (MemoryHandles) Create(string, []byte) (Handle, error) {
	return &memoryHandle{id: uuid.NewString()}, nil
}

type memoryHandle struct {
	id string
}

func (h *memoryHandle) ID() string     { return h.id }
func (h *memoryHandle) Path() string   { return "" }
func (h *memoryHandle) Release() error { return nil }

var (
	_ HandleStore = (*TempFiles)(nil)
	_ HandleStore = MemoryHandles{}
)
