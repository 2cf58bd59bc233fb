package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config models teamline.yml.
type Config struct {
	Run struct {
		ID   string `yaml:"id"`
		Goal string `yaml:"goal"`
	} `yaml:"run"`
	Phases      []PhaseConfig `yaml:"phases"`
	Coordinator struct {
		MaxReassignments        int `yaml:"max_reassignments"`
		MaxPhaseAttempts        int `yaml:"max_phase_attempts"`
		ContractDeadlineSeconds int `yaml:"contract_deadline_seconds"`
	} `yaml:"coordinator"`
	Heartbeat struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		MissThreshold   int `yaml:"miss_threshold"`
	} `yaml:"heartbeat"`
	Detection struct {
		DenyPatterns  []string `yaml:"deny_patterns"`
		ClaimPatterns []string `yaml:"claim_patterns"`
	} `yaml:"detection"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type PhaseConfig struct {
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
	Criteria     []CriterionConfig `yaml:"criteria"`
}

type CriterionConfig struct {
	Name  string `yaml:"name"`
	Field string `yaml:"field"`
	Kind  string `yaml:"kind"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// PhaseCount is the fixed length of the run lifecycle.
const PhaseCount = 10

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Run.ID == "" {
		return fmt.Errorf("config.run.id is required")
	}
	if len(c.Phases) != PhaseCount {
		return fmt.Errorf("config.phases must define exactly %d phases, got %d", PhaseCount, len(c.Phases))
	}
	seen := map[string]bool{}
	for i, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase %d has empty name", i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate phase name %s", p.Name)
		}
		seen[p.Name] = true
		if len(p.Capabilities) == 0 {
			return fmt.Errorf("phase %s declares no capabilities", p.Name)
		}
		for _, cap := range p.Capabilities {
			if cap == "" {
				return fmt.Errorf("phase %s has empty capability", p.Name)
			}
		}
		for _, cr := range p.Criteria {
			if cr.Name == "" || cr.Field == "" {
				return fmt.Errorf("phase %s has criterion with empty name or field", p.Name)
			}
			if cr.Kind != "" && cr.Kind != "field" && cr.Kind != "reference" {
				return fmt.Errorf("phase %s criterion %s has unknown kind %s", p.Name, cr.Name, cr.Kind)
			}
		}
	}
	if c.Coordinator.MaxReassignments < 0 {
		return fmt.Errorf("config.coordinator.max_reassignments must be >= 0")
	}
	if c.Coordinator.MaxPhaseAttempts < 1 {
		return fmt.Errorf("config.coordinator.max_phase_attempts must be >= 1")
	}
	if c.Coordinator.ContractDeadlineSeconds < 1 {
		return fmt.Errorf("config.coordinator.contract_deadline_seconds must be >= 1")
	}
	if c.Heartbeat.MissThreshold < 1 {
		return fmt.Errorf("config.heartbeat.miss_threshold must be >= 1")
	}
	for _, pat := range c.Detection.DenyPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("deny pattern %q: %w", pat, err)
		}
	}
	for _, pat := range c.Detection.ClaimPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("claim pattern %q: %w", pat, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("claim pattern %q must capture the claimed target", pat)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "teamline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(runID string) string {
	return fmt.Sprintf(defaultTemplate, runID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a run.
func Default(runID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, runID))).Decode(&cfg)
	cfg.Run.ID = runID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `run:
  id: %s
  goal: ""

phases:
  - name: intake
    capabilities: [triage]
  - name: requirements
    capabilities: [requirements-analysis]
  - name: architecture
    capabilities: [architecture-design]
  - name: interface-design
    capabilities: [api-design]
  - name: implementation
    capabilities: [coding]
  - name: integration
    capabilities: [integration]
  - name: testing
    capabilities: [testing]
  - name: security-review
    capabilities: [security-audit]
  - name: documentation
    capabilities: [documentation]
  - name: release
    capabilities: [release-engineering]

coordinator:
  max_reassignments: 2
  max_phase_attempts: 2
  contract_deadline_seconds: 600

heartbeat:
  interval_seconds: 15
  miss_threshold: 3

detection:
  deny_patterns:
    - '(?i)todo[:;]? implement'
    - '(?i)not (yet )?implemented'
    - '(?i)placeholder'
    - '(?i)lorem ipsum'
    - '(?i)mock (response|data|output)'
    - '(?i)coming soon'
    - '(?i)fill (this|me) in'
    - '(?i)left as an exercise'
  claim_patterns:
    - '(?i)integrat(?:ed|ion) with ([A-Za-z0-9_.-]+)'
    - '(?i)connected to ([A-Za-z0-9_.-]+)'
`
