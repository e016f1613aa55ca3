package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models casematch.yml.
type Config struct {
	Scoring       ScoringConfig        `yaml:"scoring"`
	Consensus     ConsensusConfig      `yaml:"consensus"`
	Involvement   InvolvementConfig    `yaml:"involvement"`
	Notifications []NotificationConfig `yaml:"notifications"`
}

// ScoringConfig carries the match-scoring weights and limits. Weights must
// sum to 1.0; Validate enforces it so tests can vary them safely.
type ScoringConfig struct {
	SemanticWeight float64 `yaml:"semantic_weight"`
	HistoryWeight  float64 `yaml:"history_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	DomainWeight   float64 `yaml:"domain_weight"`
	MinMatchScore  float64 `yaml:"min_match_score"`
	MaxSuggestions int     `yaml:"max_suggestions"`
}

type ConsensusConfig struct {
	AutoApproveThreshold float64  `yaml:"auto_approve_threshold"`
	AutoRejectThreshold  float64  `yaml:"auto_reject_threshold"`
	ReuseThreshold       float64  `yaml:"reuse_threshold"`
	RequiredApprovals    int      `yaml:"required_approvals"`
	VotingWindowHours    int      `yaml:"voting_window_hours"`
	CriticalTypes        []string `yaml:"critical_types"`
}

type InvolvementConfig struct {
	ReminderIntervalHours int `yaml:"reminder_interval_hours"`
}

// NotificationConfig is one delivery channel. Channels are processed in
// declared order; disabled channels are skipped.
type NotificationConfig struct {
	Type           string   `yaml:"type"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	URL            string   `yaml:"url,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

const weightTolerance = 1e-3

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	s := c.Scoring
	sum := s.SemanticWeight + s.HistoryWeight + s.KeywordWeight + s.DomainWeight
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.4f", sum)
	}
	if s.MinMatchScore < 0 || s.MinMatchScore > 1 {
		return fmt.Errorf("scoring.min_match_score must be within [0,1]")
	}
	if s.MaxSuggestions <= 0 {
		return fmt.Errorf("scoring.max_suggestions must be positive")
	}
	cc := c.Consensus
	for name, v := range map[string]float64{
		"auto_approve_threshold": cc.AutoApproveThreshold,
		"auto_reject_threshold":  cc.AutoRejectThreshold,
		"reuse_threshold":        cc.ReuseThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("consensus.%s must be within [0,1]", name)
		}
	}
	if cc.AutoRejectThreshold >= cc.AutoApproveThreshold {
		return fmt.Errorf("consensus.auto_reject_threshold must be below auto_approve_threshold")
	}
	if cc.RequiredApprovals <= 0 {
		return fmt.Errorf("consensus.required_approvals must be positive")
	}
	if cc.VotingWindowHours <= 0 {
		return fmt.Errorf("consensus.voting_window_hours must be positive")
	}
	if c.Involvement.ReminderIntervalHours <= 0 {
		return fmt.Errorf("involvement.reminder_interval_hours must be positive")
	}
	for i, n := range c.Notifications {
		switch n.Type {
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: webhook channel requires url", i)
			}
		case "log":
		default:
			return fmt.Errorf("notifications[%d]: unknown channel type %q", i, n.Type)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "casematch.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	return &Config{
		Scoring: ScoringConfig{
			SemanticWeight: 0.40,
			HistoryWeight:  0.30,
			KeywordWeight:  0.20,
			DomainWeight:   0.10,
			MinMatchScore:  0.3,
			MaxSuggestions: 5,
		},
		Consensus: ConsensusConfig{
			AutoApproveThreshold: 0.90,
			AutoRejectThreshold:  0.30,
			ReuseThreshold:       0.70,
			RequiredApprovals:    2,
			VotingWindowHours:    48,
			CriticalTypes:        []string{"variable_match_selection"},
		},
		Involvement: InvolvementConfig{
			ReminderIntervalHours: 24,
		},
	}
}

// GenerateDefault returns default config YAML for `cm init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `scoring:
  semantic_weight: 0.40
  history_weight: 0.30
  keyword_weight: 0.20
  domain_weight: 0.10
  min_match_score: 0.3
  max_suggestions: 5

consensus:
  auto_approve_threshold: 0.90
  auto_reject_threshold: 0.30
  reuse_threshold: 0.70
  required_approvals: 2
  voting_window_hours: 48
  critical_types: [variable_match_selection]

involvement:
  reminder_interval_hours: 24

notifications:
  - type: log
`
