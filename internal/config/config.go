// internal/config/config.go
package config

import (
	"os"
	"path/filepath"
)

// Config holds all application configuration paths plus the loaded settings
type Config struct {
	HomeDir      string
	AppDir       string
	DatabasePath string
	LogDir       string
	BackupDir    string
	SettingsPath string
	Settings     *Settings
}

// Load creates a Config for the current user
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(home, "")
}

// LoadFrom creates a Config rooted at home. settingsPath overrides the default
// settings file location when non-empty.
func LoadFrom(home, settingsPath string) (*Config, error) {
	appDir := filepath.Join(home, ".histex")
	logDir := filepath.Join(appDir, "logs")

	for _, dir := range []string{appDir, logDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	if settingsPath == "" {
		settingsPath = DefaultSettingsPath(appDir)
	}
	settings, err := LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	return &Config{
		HomeDir:      home,
		AppDir:       appDir,
		DatabasePath: filepath.Join(appDir, "histex.db"),
		LogDir:       logDir,
		BackupDir:    filepath.Join(appDir, "backups"),
		SettingsPath: settingsPath,
		Settings:     settings,
	}, nil
}

// DefaultSettingsPath returns config.toml in appDir, or config.yaml when only
// the YAML file exists.
func DefaultSettingsPath(appDir string) string {
	tomlPath := filepath.Join(appDir, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath
	}
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(appDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return tomlPath
}
