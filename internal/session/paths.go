package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.pigeon.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pigeon")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path inside a session directory.
func LockPath(dir string) string {
	return filepath.Join(dir, "LOCK")
}

// QueueDBPath returns the durable outbox queue.db path inside a session
// directory.
func QueueDBPath(dir string) string {
	return filepath.Join(dir, "queue.db")
}

// LogDir returns the log directory inside a session directory.
func LogDir(dir string) string {
	return filepath.Join(dir, "logs")
}

// LogPath returns the engine log file path inside a session directory.
func LogPath(dir string) string {
	return filepath.Join(LogDir(dir), "pigeond.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dir := Dir(name)
	dirs := []string{
		dir,
		LogDir(dir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
