// Package session lays out the per-session directory under ~/.chatkit.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/matheus3301/chatkit/internal/config"
)

const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Layout resolves every file a session owns.
type Layout struct {
	Name string
	Root string // base directory, normally ~/.chatkit
}

// BaseDir returns ~/.chatkit, or $CHATKIT_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("CHATKIT_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatkit")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// New validates name and returns its layout under BaseDir.
func New(name string) (Layout, error) {
	return NewAt(BaseDir(), name)
}

// NewAt is New with an explicit base directory.
func NewAt(root, name string) (Layout, error) {
	if !nameRegexp.MatchString(name) {
		return Layout{}, fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return Layout{Name: name, Root: root}, nil
}

// Resolve picks the session name: the flag, then default_session from
// the config, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.LoadWithEnv(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultName
}

func (l Layout) Dir() string        { return filepath.Join(l.Root, "sessions", l.Name) }
func (l Layout) DBPath() string     { return filepath.Join(l.Dir(), "chat.db") }
func (l Layout) SocketPath() string { return filepath.Join(l.Dir(), "daemon.sock") }
func (l Layout) LogDir() string     { return filepath.Join(l.Dir(), "logs") }
func (l Layout) LogPath() string    { return filepath.Join(l.LogDir(), "chatd.log") }

// Ensure creates the session tree with owner-only permissions.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Dir(), l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
