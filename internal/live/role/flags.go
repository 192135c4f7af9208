package role

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/dkeye/livestage/internal/domain"
)

// FlagStore keeps the "was promoted" flag per session so a reconnecting
// client can ask for its permissions back.
type FlagStore interface {
	WasPromoted(sid domain.SessionID) bool
	SetPromoted(sid domain.SessionID, promoted bool) error
}

type MemoryFlags struct {
	mu    sync.Mutex
	flags map[domain.SessionID]bool
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: make(map[domain.SessionID]bool)}
}

func (m *MemoryFlags) WasPromoted(sid domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[sid]
}

func (m *MemoryFlags) SetPromoted(sid domain.SessionID, promoted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if promoted {
		m.flags[sid] = true
	} else {
		delete(m.flags, sid)
	}
	return nil
}

// FileFlags persists flags as a JSON object in a single file, surviving a
// client restart.
type FileFlags struct {
	path string
	mem  *MemoryFlags
}

func OpenFileFlags(path string) (*FileFlags, error) {
	f := &FileFlags{path: path, mem: NewMemoryFlags()}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read flags: %w", err)
	}
	if err := json.Unmarshal(raw, &f.mem.flags); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	// a file holding null decodes to a nil map
	if f.mem.flags == nil {
		f.mem.flags = make(map[domain.SessionID]bool)
	}
	return f, nil
}

func (f *FileFlags) WasPromoted(sid domain.SessionID) bool { return f.mem.WasPromoted(sid) }

func (f *FileFlags) SetPromoted(sid domain.SessionID, promoted bool) error {
	_ = f.mem.SetPromoted(sid, promoted)
	f.mem.mu.Lock()
	raw, err := json.Marshal(f.mem.flags)
	f.mem.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("write flags: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write flags: %w", err)
	}
	return os.Rename(tmp, f.path)
}
