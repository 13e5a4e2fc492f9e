package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/status"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

const (
	ProjectDir        = ".understand"
	ProjectConfigFile = "project.json"

	// ProjectVersion is the newest project format this server reads.
	ProjectVersion = 1

	DefaultMaxLineLength = 120
)

var (
	errNoProject    = errors.New("no project configuration")
	errWrongVersion = errors.New("unsupported project version")
)

// ProjectConfig is read from .understand/project.json in the workspace root.
type ProjectConfig struct {
	Name          string   `json:"name" validate:"required"`
	Version       int      `json:"version" validate:"gte=1"`
	Database      string   `json:"database,omitempty"`
	Extensions    []string `json:"extensions,omitempty" validate:"dive,startswith=."`
	Exclude       []string `json:"exclude,omitempty"`
	MaxLineLength int      `json:"max_line_length,omitempty" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *ProjectConfig) UnmarshalJSON(content []byte) error {
	type Config ProjectConfig
	var cfg = Config{
		Version:       ProjectVersion,
		MaxLineLength: DefaultMaxLineLength,
	}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return err
	}
	*c = ProjectConfig(cfg)
	return nil
}

// DatabasePath is where the analysis database of this project lives.
func (c ProjectConfig) DatabasePath(root util.Path) util.Path {
	if c.Database != "" {
		if filepath.IsAbs(c.Database) {
			return c.Database
		}
		return filepath.Join(root, c.Database)
	}
	return filepath.Join(root, ProjectDir, c.Name+".und")
}

// Analyzes reports whether path has one of the configured extensions. No
// configured extensions means every file is analyzed.
func (c ProjectConfig) Analyzes(path util.Path) bool {
	if len(c.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, e := range c.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// loadProjectConfig reads the project file under root and maps failures to
// the database state the client should show.
func loadProjectConfig(root util.Path) (ProjectConfig, status.DatabaseState, error) {
	path := filepath.Join(root, ProjectDir, ProjectConfigFile)
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) || root == "" {
		return ProjectConfig{}, status.DatabaseNoProject, errNoProject
	}
	if err != nil {
		return ProjectConfig{}, status.DatabaseUnableToOpen, err
	}

	var cfg ProjectConfig
	if err := json.Unmarshal(content, &cfg); err != nil {
		logging.Logger.Error("Invalid Project Config file", "path", path, "error", err)
		return ProjectConfig{}, status.DatabaseUnableToOpen, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return ProjectConfig{}, status.DatabaseUnableToOpen, fmt.Errorf("validate %s: %w", path, err)
	}
	if cfg.Version > ProjectVersion {
		return cfg, status.DatabaseWrongVersion, fmt.Errorf("%w: %d", errWrongVersion, cfg.Version)
	}
	return cfg, status.DatabaseUnknown, nil
}

// Settings are the editor-side options, delivered as initialization options,
// in didChangeConfiguration or pulled with workspace/configuration.
type Settings struct {
	MaxLineLength *int `json:"maxLineLength,omitempty"`
	// DisabledRules lists violation codes not to report.
	DisabledRules []string `json:"disabledRules,omitempty"`
}

func (s *Server) applySettings(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	logging.Logger.Info("Applied settings", "maxLineLength", settings.MaxLineLength, "disabledRules", settings.DisabledRules)
}

// rules returns the violation rule options in effect: editor settings over
// the project file over defaults.
func (s *Server) rules() RuleOptions {
	opts := RuleOptions{MaxLineLength: DefaultMaxLineLength}
	if cfg, ok := s.Workspace.Config(); ok && cfg.MaxLineLength > 0 {
		opts.MaxLineLength = cfg.MaxLineLength
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.MaxLineLength != nil {
		opts.MaxLineLength = *s.settings.MaxLineLength
	}
	if len(s.settings.DisabledRules) > 0 {
		opts.Disabled = make(map[string]bool, len(s.settings.DisabledRules))
		for _, code := range s.settings.DisabledRules {
			opts.Disabled[code] = true
		}
	}
	return opts
}
