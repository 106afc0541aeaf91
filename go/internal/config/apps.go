package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/redwood/go/internal/session"
)

// AppsFile describes the apps served by this process and their rosters.
//
//	apps:
//	  market:
//	    period_length: 60s
//	    num_subperiods: 6
//	    initial_decision: 0.5
//	    groups:
//	      "1": [alice, bob]
type AppsFile struct {
	Apps map[string]AppConfig `yaml:"apps"`
}

type AppConfig struct {
	PeriodLength    string              `yaml:"period_length"`
	NumSubperiods   int                 `yaml:"num_subperiods"`
	RateLimit       string              `yaml:"rate_limit"`
	InitialDecision any                 `yaml:"initial_decision"`
	Groups          map[string][]string `yaml:"groups"`
}

func LoadApps(path string) (*AppsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read apps file: %w", err)
	}
	return ParseApps(data)
}

func ParseApps(data []byte) (*AppsFile, error) {
	var apps AppsFile
	if err := yaml.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("failed to parse apps file: %w", err)
	}
	if len(apps.Apps) == 0 {
		return nil, fmt.Errorf("apps file defines no apps")
	}
	return &apps, nil
}

// Capabilities converts an app entry into session capabilities.
func (a AppConfig) Capabilities() (session.Capabilities, error) {
	var caps session.Capabilities
	var err error

	if caps.PeriodLength, err = parseDuration(a.PeriodLength); err != nil {
		return caps, fmt.Errorf("period_length: %w", err)
	}
	if caps.RateLimit, err = parseDuration(a.RateLimit); err != nil {
		return caps, fmt.Errorf("rate_limit: %w", err)
	}
	caps.NumSubperiods = a.NumSubperiods

	if a.InitialDecision != nil {
		if caps.InitialDecision, err = session.ConstantDecision(a.InitialDecision); err != nil {
			return caps, fmt.Errorf("initial_decision: %w", err)
		}
	}
	return caps, caps.Validate()
}

// Roster flattens every app's groups into a roster keyed by group id.
func (f *AppsFile) Roster() session.StaticRoster {
	roster := make(session.StaticRoster)
	for app, cfg := range f.Apps {
		for group, participants := range cfg.Groups {
			roster[session.GroupID(app, group)] = participants
		}
	}
	return roster
}

// Register installs every app on the session manager.
func (f *AppsFile) Register(m *session.Manager) error {
	for name, cfg := range f.Apps {
		caps, err := cfg.Capabilities()
		if err != nil {
			return fmt.Errorf("app %s: %w", name, err)
		}
		if err := m.RegisterApp(name, caps); err != nil {
			return err
		}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
