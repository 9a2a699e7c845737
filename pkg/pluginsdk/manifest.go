package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const ManifestFilename = "conduit.plugin.json"

// Manifest describes a plugin and the tools it serves.
type Manifest struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Version     string           `json:"version,omitempty"`
	Tools       []ToolDefinition `json:"tools"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// ToolDefinition declares one tool of a plugin.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
}

func DecodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	if len(m.Tools) == 0 {
		return fmt.Errorf("manifest %s declares no tools", m.ID)
	}
	seen := make(map[string]struct{}, len(m.Tools))
	for i, tool := range m.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return fmt.Errorf("manifest %s: tool %d has no name", m.ID, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("manifest %s: duplicate tool %q", m.ID, name)
		}
		seen[name] = struct{}{}
		if tool.TimeoutMs < 0 {
			return fmt.Errorf("manifest %s: tool %q has a negative timeout", m.ID, name)
		}
		if _, err := CompileSchema(tool.Schema); err != nil {
			return fmt.Errorf("manifest %s: tool %q schema: %w", m.ID, name, err)
		}
	}
	return nil
}

// Tool returns the named tool definition.
func (m *Manifest) Tool(name string) (ToolDefinition, bool) {
	if m == nil {
		return ToolDefinition{}, false
	}
	for _, tool := range m.Tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return ToolDefinition{}, false
}
