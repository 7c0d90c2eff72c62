package plugin

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SupportedManifestSpec    = "conduit.plugin"
	SupportedManifestVersion = 1
)

var commandNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// CommandType is a coarse hint separating read-only commands from commands
// that may cause side effects.
type CommandType string

const (
	CommandTypeRead  CommandType = "read"
	CommandTypeWrite CommandType = "write"
)

func (t CommandType) valid() bool {
	return t == CommandTypeRead || t == CommandTypeWrite
}

// Command declares a supported plugin command and its type.
type Command struct {
	Name         string      `yaml:"name" json:"name"`
	Type         CommandType `yaml:"type" json:"type"`
	Description  string      `yaml:"description,omitempty" json:"description,omitempty"`
	InputSchema  any         `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema any         `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
}

// Expanded returns a copy of c with compact schemas expanded to JSON Schema.
func (c Command) Expanded() Command {
	c.InputSchema = expandSchema(c.InputSchema)
	c.OutputSchema = expandSchema(c.OutputSchema)
	return c
}

// expandSchema turns a compact {property: type} map into a JSON Schema
// object. Anything that already has a "type" is returned as is.
func expandSchema(schema any) any {
	m, ok := schema.(map[string]any)
	if !ok {
		return schema
	}
	if _, hasType := m["type"]; hasType {
		return schema
	}

	properties := make(map[string]any, len(m))
	for k, v := range m {
		if propType, isString := v.(string); isString {
			properties[k] = map[string]string{"type": propType}
		} else {
			properties[k] = v
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

// Commands accepts either a list of names or a list of command objects:
//
//	commands: [greet, health]
//	commands: [{name: greet, type: write}, {name: health, type: read}]
type Commands []Command

func defaultCommandType(name string) CommandType {
	// Only "health" is assumed read-only unless annotated.
	if name == "health" {
		return CommandTypeRead
	}
	return CommandTypeWrite
}

func (c *Commands) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("commands must be a sequence")
	}

	out := make([]Command, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			name := strings.TrimSpace(item.Value)
			out = append(out, Command{
				Name: name,
				Type: defaultCommandType(name),
			})
		case yaml.MappingNode:
			var tmp Command
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid command object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			if tmp.Type == "" {
				tmp.Type = defaultCommandType(tmp.Name)
			}
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid command entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

// Manifest is the content of a plugin's manifest.yaml.
type Manifest struct {
	ManifestSpec    string      `yaml:"manifest_spec"`
	ManifestVersion int         `yaml:"manifest_version"`
	Name            string      `yaml:"name"`
	Version         string      `yaml:"version"`
	Protocol        int         `yaml:"protocol"`
	Entrypoint      string      `yaml:"entrypoint"`
	Description     string      `yaml:"description,omitempty"`
	Commands        Commands    `yaml:"commands"`
	ConfigKeys      *ConfigKeys `yaml:"config_keys,omitempty"`
}

// ConfigKeys lists the configuration keys a plugin reads.
type ConfigKeys struct {
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Plugin is a discovered and validated plugin.
type Plugin struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`       // plugin directory
	Entrypoint  string      `json:"entrypoint"` // absolute path to the executable
	Protocol    int         `json:"protocol"`
	Version     string      `json:"version"`
	Description string      `json:"description,omitempty"`
	Commands    Commands    `json:"commands"`
	ConfigKeys  *ConfigKeys `json:"config_keys,omitempty"`
}

// Command returns the named command.
func (p *Plugin) Command(name string) (Command, bool) {
	for _, c := range p.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// SupportsCommand checks if the plugin supports a given command.
func (p *Plugin) SupportsCommand(name string) bool {
	_, ok := p.Command(name)
	return ok
}

// CommandNames returns the command names in manifest order.
func (p *Plugin) CommandNames() []string {
	out := make([]string, 0, len(p.Commands))
	for _, c := range p.Commands {
		out = append(out, c.Name)
	}
	return out
}
