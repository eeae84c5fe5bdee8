package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/picturas/orchestrator/core/protocol"
)

// ToolSpec declares a procedure available to pipelines: where invocations
// for it are routed, whether it counts against the daily quota, and an
// optional schema its params must satisfy.
type ToolSpec struct {
	Subject      string         `yaml:"subject,omitempty"`
	Advanced     bool           `yaml:"advanced,omitempty"`
	ParamsSchema map[string]any `yaml:"params_schema,omitempty"`
}

// Registry maps procedure names to their specs.
type Registry struct {
	tools map[string]ToolSpec
}

type registryFile struct {
	Tools map[string]ToolSpec `yaml:"tools"`
}

// ParseRegistry parses a registry from YAML bytes.
func ParseRegistry(data []byte) (*Registry, error) {
	var raw registryFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tool registry: %w", err)
	}
	if len(raw.Tools) == 0 {
		return nil, fmt.Errorf("tool registry has no tools")
	}
	tools := make(map[string]ToolSpec, len(raw.Tools))
	for name, spec := range raw.Tools {
		if spec.Subject == "" {
			spec.Subject = protocol.ToolSubject(name)
		}
		tools[name] = spec
	}
	return &Registry{tools: tools}, nil
}

// LoadRegistry reads a YAML tool registry file.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, fmt.Errorf("tool registry path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool registry: %w", err)
	}
	return ParseRegistry(data)
}

// DefaultRegistry returns the built-in tool set used when no registry file
// is configured. Matches the deployed worker fleet.
func DefaultRegistry() *Registry {
	tools := map[string]ToolSpec{
		"resize":       {},
		"crop":         {},
		"rotate":       {},
		"grayscale":    {},
		"brightness":   {},
		"contrast":     {},
		"saturation":   {},
		"blur":         {},
		"border":       {},
		"watermark":    {},
		"add_text":     {},
		"cut_ai":       {Advanced: true},
		"upgrade_ai":   {Advanced: true},
		"bg_remove_ai": {Advanced: true},
		"text_ai":      {Advanced: true},
		"obj_ai":       {Advanced: true},
		"people_ai":    {Advanced: true},
	}
	for name, spec := range tools {
		spec.Subject = protocol.ToolSubject(name)
		tools[name] = spec
	}
	return &Registry{tools: tools}
}

// Lookup returns the spec for a procedure.
func (r *Registry) Lookup(procedure string) (ToolSpec, bool) {
	spec, ok := r.tools[procedure]
	return spec, ok
}

// Validate checks that every tool in a chain names a known procedure and
// satisfies its params schema.
func (r *Registry) Validate(tools []Tool) error {
	for _, t := range tools {
		spec, ok := r.tools[t.Procedure]
		if !ok {
			return fmt.Errorf("unknown procedure %q at position %d", t.Procedure, t.Position)
		}
		if err := protocol.ValidateParams(spec.ParamsSchema, t.Params); err != nil {
			return fmt.Errorf("procedure %q at position %d: %w", t.Procedure, t.Position, err)
		}
	}
	return nil
}

// AdvancedOps counts quota-metered operations for a full run: the number
// of advanced steps times the number of images.
func (r *Registry) AdvancedOps(tools []Tool, imageCount int) int {
	advanced := 0
	for _, t := range tools {
		if spec, ok := r.tools[t.Procedure]; ok && spec.Advanced {
			advanced++
		}
	}
	return advanced * imageCount
}
