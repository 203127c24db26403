package definition

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// DefinitionFile pairs a parsed process definition with its on-disk
// source. Used to seed the store from designer-exported YAML at startup.
type DefinitionFile struct {
	Definition *types.ProcessDefinition
	Path       string
}

// yamlDefinition mirrors the YAML export format of the process designer.
type yamlDefinition struct {
	ID          string               `yaml:"id"`
	Name        string               `yaml:"name"`
	EntityType  string               `yaml:"entity_type"`
	Nodes       []yamlNode           `yaml:"nodes"`
	Edges       []yamlEdge           `yaml:"edges"`
	SLA         map[string]yamlSLA   `yaml:"sla"`
	Escalations []yamlEscalation     `yaml:"escalations"`
	IsActive    bool                 `yaml:"is_active"`
}

type yamlNode struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"`
	Label string `yaml:"label"`
	Task  *struct {
		Action          string  `yaml:"action"`
		SLAHours        float64 `yaml:"sla_hours"`
		EscalationHours float64 `yaml:"escalation_hours"`
		AutoAdvance     *bool   `yaml:"auto_advance"`
	} `yaml:"task"`
}

type yamlEdge struct {
	ID        string `yaml:"id"`
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	Label     string `yaml:"label"`
	Condition string `yaml:"condition"`
}

type yamlSLA struct {
	MaxDuration      string `yaml:"max_duration"` // Go duration string
	WarningAtPercent int    `yaml:"warning_at_percent"`
	EscalateAfter    string `yaml:"escalate_after"`
}

type yamlEscalation struct {
	Condition  string   `yaml:"condition"`
	NodeID     string   `yaml:"node_id"`
	EscalateTo []string `yaml:"escalate_to"`
	NotifyVia  []string `yaml:"notify_via"`
}

// ParseYAML decodes and validates a single definition payload.
func ParseYAML(data []byte) (*types.ProcessDefinition, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("definition payload is empty")
	}
	var raw yamlDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}

	def := &types.ProcessDefinition{
		ID:         raw.ID,
		Name:       raw.Name,
		EntityType: raw.EntityType,
		IsActive:   raw.IsActive,
	}
	for _, n := range raw.Nodes {
		node := types.ProcessNode{ID: n.ID, Kind: types.NodeKind(n.Kind), Label: n.Label}
		if n.Task != nil {
			node.Task = &types.TaskNodeConfig{
				Action:          n.Task.Action,
				SLAHours:        n.Task.SLAHours,
				EscalationHours: n.Task.EscalationHours,
				AutoAdvance:     n.Task.AutoAdvance,
			}
		}
		def.Nodes = append(def.Nodes, node)
	}
	for _, e := range raw.Edges {
		def.Edges = append(def.Edges, types.ProcessEdge{
			ID: e.ID, Source: e.Source, Target: e.Target,
			Label: e.Label, Condition: e.Condition,
		})
	}
	if len(raw.SLA) > 0 {
		def.SLA = make(map[string]types.SLAPolicy, len(raw.SLA))
		for nodeID, s := range raw.SLA {
			policy := types.SLAPolicy{WarningAtPercent: s.WarningAtPercent}
			if s.MaxDuration != "" {
				d, err := time.ParseDuration(s.MaxDuration)
				if err != nil {
					return nil, fmt.Errorf("sla %s: parse max_duration: %w", nodeID, err)
				}
				policy.MaxDuration = d
			}
			if s.EscalateAfter != "" {
				d, err := time.ParseDuration(s.EscalateAfter)
				if err != nil {
					return nil, fmt.Errorf("sla %s: parse escalate_after: %w", nodeID, err)
				}
				policy.EscalateAfter = d
			}
			def.SLA[nodeID] = policy
		}
	}
	for _, esc := range raw.Escalations {
		def.Escalations = append(def.Escalations, types.EscalationRule{
			Condition:  esc.Condition,
			NodeID:     esc.NodeID,
			EscalateTo: esc.EscalateTo,
			NotifyVia:  esc.NotifyVia,
		})
	}

	if res := Validate(def); !res.Valid {
		return nil, fmt.Errorf("invalid definition %q: %s", def.Name, res.Errors[0].Message)
	}
	return def, nil
}

// LoadFile reads a YAML file from disk and returns the parsed definition.
func LoadFile(path string) (DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := ParseYAML(data)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return DefinitionFile{Definition: def, Path: filepath.Clean(path)}, nil
}

// LoadDir scans a directory for *.yaml definitions. A missing directory
// is treated as "no seed definitions" to simplify startup.
func LoadDir(dir string) ([]DefinitionFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", trimmed, err)
	}
	var defs []DefinitionFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		def, err := LoadFile(filepath.Join(trimmed, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
