package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"reqline/internal/domain"
	"reqline/internal/lifecycle"
)

const ProjectKind = "requirement-tracker"

// Config models reqline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Phases struct {
		CaseSensitive bool                `yaml:"case_sensitive"`
		Keywords      map[string][]string `yaml:"keywords"`
	} `yaml:"phases"`
	Templates struct {
		Subtasks []string `yaml:"subtasks"`
	} `yaml:"templates"`
	Review struct {
		Levels int `yaml:"levels"`
	} `yaml:"review"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Webhook is an outbound event subscription. An empty Events list matches
// every event type.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != ProjectKind {
		return fmt.Errorf("config.project.kind must be '%s'", ProjectKind)
	}
	for phase, kws := range c.Phases.Keywords {
		p := domain.Phase(phase)
		if !p.Valid() || p == domain.PhaseOther {
			return fmt.Errorf("config.phases.keywords has unknown phase %s", phase)
		}
		for _, kw := range kws {
			if kw == "" {
				return fmt.Errorf("phase %s has empty keyword", phase)
			}
		}
	}
	for i, name := range c.Templates.Subtasks {
		if name == "" {
			return fmt.Errorf("config.templates.subtasks[%d] is empty", i)
		}
	}
	if c.Review.Levels != 0 && c.Review.Levels != 1 && c.Review.Levels != 2 {
		return fmt.Errorf("config.review.levels must be 1 or 2")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// ReviewLevels returns the number of review levels new requirements get.
func (c *Config) ReviewLevels() int {
	if c == nil || c.Review.Levels == 0 {
		return 2
	}
	return c.Review.Levels
}

// SubtaskTemplates returns the subtask names seeded on every new requirement.
func (c *Config) SubtaskTemplates() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.Templates.Subtasks...)
}

// Classifier builds the phase classifier described by the phases section.
// Without keywords the built-in table is used.
func (c *Config) Classifier() lifecycle.Classifier {
	if c == nil || len(c.Phases.Keywords) == 0 {
		if c != nil && c.Phases.CaseSensitive {
			return lifecycle.NewClassifier(lifecycle.DefaultKeywords(), true)
		}
		return lifecycle.DefaultClassifier()
	}
	table := lifecycle.KeywordTable{}
	for phase, kws := range c.Phases.Keywords {
		table[domain.Phase(phase)] = kws
	}
	return lifecycle.NewClassifier(table, c.Phases.CaseSensitive)
}

// Coordinator returns a mutation coordinator using the configured classifier.
func (c *Config) Coordinator() lifecycle.Coordinator {
	return lifecycle.NewCoordinator(c.Classifier())
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reqline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	cfg.Project.Kind = ProjectKind
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

const defaultTemplate = `project:
  id: %s
  kind: requirement-tracker

phases:
  case_sensitive: false
  keywords:
    prototype: ["prototype design", "原型设计"]
    ui: ["visual design", "UI design", "视觉设计", "UI设计"]
    development: ["development", "frontend", "backend", "data", "开发", "前端", "后端", "数据"]
    testing: ["testing", "测试"]
    acceptance: ["acceptance", "product acceptance", "验收", "产品验收"]

templates:
  subtasks:
    - Prototype design
    - UI design
    - Frontend development
    - Backend development
    - Testing
    - Product acceptance

review:
  levels: 2

rbac:
  roles:
    owner:
      description: "Project owner"
      permissions:
        - project.admin
        - requirement.write
        - subtask.write
        - review.assign
        - version.assign
        - event.read
    pm:
      description: "Product manager"
      permissions:
        - requirement.write
        - subtask.write
        - review.assign
        - version.assign
        - event.read
    executor:
      description: "Delivery team member"
      permissions:
        - subtask.write
        - event.read
    reviewer:
      description: "Requirement reviewer"
      permissions:
        - event.read
    viewer:
      description: "Read-only"
      permissions:
        - event.read
`
