package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docpipe/internal/logfields"
)

// Manager handles one workspace directory.
type Manager struct {
	baseDir    string
	dir        string
	persistent bool // If true, use dir as-is and keep it on Cleanup
}

// NewManager creates a manager for ephemeral directories under baseDir.
// An empty baseDir selects the system temp directory.
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{baseDir: baseDir}
}

// NewPersistentManager creates a manager for the fixed directory dir.
func NewPersistentManager(dir string) *Manager {
	return &Manager{baseDir: filepath.Dir(dir), dir: dir, persistent: true}
}

// Create creates the workspace directory. Ephemeral workspaces get a fresh
// directory named after purpose on every call.
func (m *Manager) Create(purpose string) error {
	if m.persistent {
		if err := os.MkdirAll(m.dir, 0o750); err != nil {
			return fmt.Errorf("failed to create persistent workspace directory: %w", err)
		}
		slog.Debug("Using persistent workspace", logfields.Path(m.dir))
		return nil
	}

	if purpose == "" {
		purpose = "run"
	}
	name := fmt.Sprintf("docpipe-%s-%s-%s", purpose, time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	dir := filepath.Join(m.baseDir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	m.dir = dir
	slog.Debug("Created workspace", logfields.Path(dir))
	return nil
}

// Path returns the workspace directory, empty before Create.
func (m *Manager) Path() string {
	return m.dir
}

// Cleanup removes an ephemeral workspace. Persistent workspaces are kept.
func (m *Manager) Cleanup() error {
	if m.dir == "" || m.persistent {
		return nil
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("failed to cleanup workspace: %w", err)
	}
	slog.Debug("Cleaned up workspace", logfields.Path(m.dir))
	m.dir = ""
	return nil
}

// Join returns a path inside the workspace.
func (m *Manager) Join(name string) (string, error) {
	if m.dir == "" {
		return "", fmt.Errorf("workspace not created")
	}
	return filepath.Join(m.dir, name), nil
}
