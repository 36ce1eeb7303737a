// Package config is the rules.json persistence layer from spec §4.M,
// grounded on gleipnird/src/config.rs's save_rules/load_rules.
//
// The config directory defaults to /etc/gleipnird and is overridable by
// the GLEIPNIRD_CONFIG_DIR environment variable, matching the
// original's option_env! fallback — ported to a runtime os.Getenv
// lookup since Go has no compile-time env macro.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/googlesky/gleipnird/internal/model"
)

const (
	defaultConfigDir = "/etc/gleipnird"
	configDirEnv     = "GLEIPNIRD_CONFIG_DIR"
	rulesFileName    = "rules.json"
)

// Store loads and saves a Rules value to a JSON file on disk.
type Store struct {
	dir string
}

// New creates a Store rooted at GLEIPNIRD_CONFIG_DIR, or
// /etc/gleipnird if unset, creating the directory if necessary.
func New() (*Store, error) {
	dir := os.Getenv(configDirEnv)
	if dir == "" {
		dir = defaultConfigDir
	}
	return NewAt(dir)
}

// NewAt creates a Store rooted at an explicit directory, for tests and
// for callers that want a non-default location.
func NewAt(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create config directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, rulesFileName)
}

// Save writes r to rules.json, overwriting any existing file.
func (s *Store) Save(r model.Rules) error {
	f, err := os.Create(s.path())
	if err != nil {
		return fmt.Errorf("config: create rules.json: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("config: encode rules.json: %w", err)
	}
	return nil
}

// Load reads rules.json, returning a default Rules value (Accept
// everything, no rules, no rate rules) when the file does not exist
// yet, matching the original's first-run default.
func (s *Store) Load() (model.Rules, error) {
	f, err := os.Open(s.path())
	if os.IsNotExist(err) {
		return model.Rules{DefaultTarget: model.RuleTarget{Kind: model.Accept}}, nil
	}
	if err != nil {
		return model.Rules{}, fmt.Errorf("config: open rules.json: %w", err)
	}
	defer f.Close()

	var r model.Rules
	if err := json.NewDecoder(f).Decode(&r); err != nil {
		return model.Rules{}, fmt.Errorf("config: decode rules.json: %w", err)
	}
	return r, nil
}
