package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "patchsync"

// Paths are the per-user directories patchsync reads and writes.
type Paths struct {
	Data   string // $XDG_DATA_HOME/patchsync
	Config string // $XDG_CONFIG_HOME/patchsync
	State  string // $XDG_STATE_HOME/patchsync
}

// GetPaths resolves Paths from the XDG variables, falling back to the usual
// locations under $HOME (or %APPDATA% on Windows).
func GetPaths() *Paths {
	return &Paths{
		Data:   xdgDir("XDG_DATA_HOME", ".local", "share"),
		Config: xdgDir("XDG_CONFIG_HOME", ".config"),
		State:  xdgDir("XDG_STATE_HOME", ".local", "state"),
	}
}

func xdgDir(env string, homeRel ...string) string {
	base := os.Getenv(env)
	if base == "" {
		if runtime.GOOS == "windows" {
			base = os.Getenv("APPDATA")
		} else {
			base = filepath.Join(append([]string{os.Getenv("HOME")}, homeRel...)...)
		}
	}
	return filepath.Join(base, appName)
}

// EnsurePaths creates the directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath is where persisted snapshots live.
func (p *Paths) StoragePath() string { return filepath.Join(p.Data, "storage") }

// LogPath is where log files are written.
func (p *Paths) LogPath() string { return filepath.Join(p.State, "log") }

// GlobalConfigPath returns the user config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, appName+".json")
}

// ProjectConfigDir returns the per-project config directory of directory.
func ProjectConfigDir(directory string) string {
	return filepath.Join(directory, "."+appName)
}

// ProjectConfigPath returns the project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(ProjectConfigDir(directory), appName+".json")
}
