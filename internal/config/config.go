package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models promptline.yml.
type Config struct {
	Dispatch struct {
		PriorityWeights map[int]int    `yaml:"priority_weights"`
		TypeBonuses     map[string]int `yaml:"type_bonuses"`
		GoalBonus       int            `yaml:"goal_bonus"`
		AgeBonusPerDay  int            `yaml:"age_bonus_per_day"`
		AgeBonusCap     int            `yaml:"age_bonus_cap"`
		BlockedFilter   bool           `yaml:"blocked_filter"`
		ClaimAttempts   int            `yaml:"claim_attempts"`
	} `yaml:"dispatch"`
	Review struct {
		Alpha               float64 `yaml:"alpha"`
		AttentionScore      float64 `yaml:"attention_score"`
		AttentionCompletion float64 `yaml:"attention_completion"`
	} `yaml:"review"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run pl config init or pass --workspace", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or the defaults if no
// promptline.yml exists.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Dispatch.PriorityWeights) == 0 {
		return fmt.Errorf("config.dispatch.priority_weights is required")
	}
	for p := range c.Dispatch.PriorityWeights {
		if p < 0 || p > 4 {
			return fmt.Errorf("config.dispatch.priority_weights has invalid priority %d", p)
		}
	}
	if len(c.Dispatch.TypeBonuses) == 0 {
		return fmt.Errorf("config.dispatch.type_bonuses is required")
	}
	signalBonus, ok := c.Dispatch.TypeBonuses["signal"]
	if !ok {
		return fmt.Errorf("config.dispatch.type_bonuses must define signal")
	}
	for issueType, bonus := range c.Dispatch.TypeBonuses {
		switch issueType {
		case "signal", "hypothesis", "plan", "task", "monitor":
		default:
			return fmt.Errorf("config.dispatch.type_bonuses has unknown issue type %s", issueType)
		}
		// New information is surfaced at least as urgently as any
		// other category.
		if bonus > signalBonus {
			return fmt.Errorf("type bonus for %s exceeds signal", issueType)
		}
	}
	if c.Dispatch.AgeBonusPerDay < 0 || c.Dispatch.AgeBonusCap < 0 {
		return fmt.Errorf("config.dispatch age bonus values must be non-negative")
	}
	if c.Dispatch.ClaimAttempts <= 0 {
		return fmt.Errorf("config.dispatch.claim_attempts must be positive")
	}
	if c.Review.Alpha <= 0 || c.Review.Alpha >= 1 {
		return fmt.Errorf("config.review.alpha must be in (0,1)")
	}
	if c.Review.AttentionScore < 1 || c.Review.AttentionScore > 5 {
		return fmt.Errorf("config.review.attention_score must be in [1,5]")
	}
	if c.Review.AttentionCompletion < 0 || c.Review.AttentionCompletion > 1 {
		return fmt.Errorf("config.review.attention_completion must be in [0,1]")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "promptline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `dispatch:
  # Priority 1 (urgent) ranks highest; 0 (none) contributes nothing.
  priority_weights:
    0: 0
    1: 100
    2: 75
    3: 50
    4: 25

  # Signals carry the highest bonus so new information is surfaced
  # before planned work of equal priority.
  type_bonuses:
    signal: 50
    hypothesis: 30
    task: 20
    plan: 15
    monitor: 10

  goal_bonus: 20
  age_bonus_per_day: 5
  age_bonus_cap: 20

  # Issues blocked by an unresolved blocks/blocked_by relation are not
  # dispatched while this is on.
  blocked_filter: true

  # Cap on re-rank attempts when claims race.
  claim_attempts: 5

review:
  alpha: 0.2
  attention_score: 3.0
  attention_completion: 0.5

auth:
  jwt_secret: ""
`
