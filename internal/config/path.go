package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir picks the conventional data location for the host:
// $XDG_DATA_HOME/santa, /var/lib/santa, the macOS Application Support dir,
// %LOCALAPPDATA%-style AppData/Local/Santa, or ~/.santa. Without a home
// directory it falls back to ./data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "santa")
	}
	candidates := []struct{ marker, dir string }{
		{"/var/lib", "/var/lib/santa"},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Santa")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Santa")},
	}
	for _, c := range candidates {
		if isDir(c.marker) {
			return c.dir
		}
	}
	return filepath.Join(home, ".santa")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
