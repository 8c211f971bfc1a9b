// internal/config/settings.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"histex/internal/export"
	"histex/internal/history"
	"histex/internal/logging"
)

// DefaultPort matches the port the history browser UI expects
const DefaultPort = 3001

// Settings are the user-tunable values read from the settings file
type Settings struct {
	Port           int      `toml:"port" yaml:"port"`
	Workers        int      `toml:"workers" yaml:"workers"`
	LogLevel       string   `toml:"log_level" yaml:"log_level"`
	ArchiveFormat  string   `toml:"archive_format" yaml:"archive_format"`
	CandidateRoots []string `toml:"candidate_roots" yaml:"candidate_roots"`
	Watch          bool     `toml:"watch" yaml:"watch"`
	AuthKey        string   `toml:"auth_key" yaml:"auth_key"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

// DefaultSettings returns the settings used when no file exists
func DefaultSettings() *Settings {
	return &Settings{
		Port:          DefaultPort,
		Workers:       history.DefaultWorkers,
		LogLevel:      "info",
		ArchiveFormat: string(export.FormatZip),
		Watch:         true,
	}
}

// LoadSettings reads path, applies environment overrides and validates the
// result. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err == nil {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("decode YAML: %w", err)
			}
		default:
			if _, err := toml.Decode(string(data), s); err != nil {
				return nil, fmt.Errorf("decode TOML: %w", err)
			}
		}
	}

	if err := s.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return s, nil
}

// ApplyEnvOverrides applies HISTEX_* variables. PORT is honoured when
// HISTEX_PORT is unset.
func (s *Settings) ApplyEnvOverrides() error {
	port := os.Getenv("HISTEX_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		s.Port = n
	}
	if v := os.Getenv("HISTEX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HISTEX_WORKERS %q: %w", v, err)
		}
		s.Workers = n
	}
	if v := os.Getenv("HISTEX_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("HISTEX_AUTH_KEY"); v != "" {
		s.AuthKey = v
	}
	if v := os.Getenv("HISTEX_ALLOWED_ORIGINS"); v != "" {
		s.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.AllowedOrigins = append(s.AllowedOrigins, o)
			}
		}
	}
	return nil
}

// ValidationError names the offending setting
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks ranges and formats
func (s *Settings) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return &ValidationError{Field: "port", Message: fmt.Sprintf("out of range: %d", s.Port)}
	}
	if s.Workers < 1 || s.Workers > history.MaxWorkers {
		return &ValidationError{Field: "workers", Message: fmt.Sprintf("must be between 1 and %d, got %d", history.MaxWorkers, s.Workers)}
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		return &ValidationError{Field: "log_level", Message: err.Error()}
	}
	if _, err := export.ParseFormat(s.ArchiveFormat); err != nil {
		return &ValidationError{Field: "archive_format", Message: err.Error()}
	}
	for _, root := range s.CandidateRoots {
		if !filepath.IsAbs(root) {
			return &ValidationError{Field: "candidate_roots", Message: fmt.Sprintf("not absolute: %q", root)}
		}
	}
	for _, o := range s.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return &ValidationError{Field: "allowed_origins", Message: fmt.Sprintf("not an http(s) origin: %q", o)}
		}
	}
	return nil
}
