package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models castline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Checklist struct {
		Catalog []CatalogEntry `yaml:"catalog"`
	} `yaml:"checklist"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// CatalogEntry is a predefined inspection point seeded into the catalog table.
type CatalogEntry struct {
	ID                string `yaml:"id"`
	Description       string `yaml:"description"`
	ReferenceDocument string `yaml:"reference_document"`
	Sequence          int    `yaml:"sequence"`
	Active            *bool  `yaml:"active"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with castline project config import --file <path>", path)
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
	if c.Project.Kind != "precast-project" {
		return fmt.Errorf("config.project.kind must be 'precast-project'")
	}
	seenID := map[string]bool{}
	seenSeq := map[int]bool{}
	for _, entry := range c.Checklist.Catalog {
		if entry.ID == "" {
			return fmt.Errorf("checklist catalog contains entry without id")
		}
		if entry.Description == "" {
			return fmt.Errorf("catalog entry %s has empty description", entry.ID)
		}
		if seenID[entry.ID] {
			return fmt.Errorf("catalog entry %s duplicated", entry.ID)
		}
		seenID[entry.ID] = true
		if entry.Sequence <= 0 {
			return fmt.Errorf("catalog entry %s has non-positive sequence", entry.ID)
		}
		if seenSeq[entry.Sequence] {
			return fmt.Errorf("catalog sequence %d duplicated", entry.Sequence)
		}
		seenSeq[entry.Sequence] = true
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
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "castline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "precast-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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
  kind: precast-project

checklist:
  catalog:
    - id: rebar.cover
      description: "Reinforcement cover within tolerance"
      reference_document: "QP-STR-001"
      sequence: 1
    - id: rebar.spacing
      description: "Bar spacing matches shop drawing"
      reference_document: "QP-STR-001"
      sequence: 2
    - id: formwork.dimensions
      description: "Mould dimensions within +/- 3mm"
      reference_document: "QP-PRD-004"
      sequence: 3
    - id: embeds.position
      description: "Cast-in embeds and lifters positioned per drawing"
      reference_document: "QP-PRD-004"
      sequence: 4
    - id: concrete.finish
      description: "Surface finish free of honeycombing and cold joints"
      reference_document: "QP-QC-010"
      sequence: 5
    - id: mep.sleeves
      description: "MEP sleeves and openings located per coordination drawing"
      reference_document: "QP-MEP-002"
      sequence: 6

rbac:
  roles:
    owner:
      description: "Full control"
      permissions: [project.read, box.read, activity.update, checkpoint.create, checkpoint.review, checklist.edit, issue.create, issue.update, issue.assign, audit.read]
    inspector:
      description: "Reviews WIR checkpoints"
      permissions: [project.read, box.read, checkpoint.create, checkpoint.review, checklist.edit, issue.create, audit.read]
    supervisor:
      description: "Updates activity progress and manages issues"
      permissions: [project.read, box.read, activity.update, issue.create, issue.update, issue.assign]
`
