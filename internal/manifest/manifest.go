// Package manifest discovers tool agents from agent-manifest files on disk.
package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

// ErrInvalidManifest is returned for manifests that cannot describe an agent.
var ErrInvalidManifest = errors.New("invalid agent manifest")

// AgentTypeMCP is the only agent type the loader registers.
const AgentTypeMCP = "mcp"

// FileNames are the manifest file names the loader looks for.
var FileNames = []string{"agent-manifest.json", "agent-manifest.yaml", "agent-manifest.yml"}

// EntryPoint says how to start the agent process.
type EntryPoint struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"` // relative to the manifest's directory
}

// Manifest is the metadata file shipped next to an agent. The same schema is
// accepted as JSON or YAML.
type Manifest struct {
	Name             string     `json:"name"`
	DisplayName      string     `json:"displayName,omitempty"`
	AgentType        string     `json:"agentType"`
	Description      string     `json:"description,omitempty"`
	Version          string     `json:"version,omitempty"`
	Capabilities     []string   `json:"capabilities,omitempty"`
	EntryPoint       EntryPoint `json:"entryPoint"`
	ConcurrencyLimit int        `json:"concurrencyLimit,omitempty"`
	Reusable         bool       `json:"reusable,omitempty"`

	// Path is the file the manifest was read from.
	Path string `json:"-"`
}

// Parse decodes a manifest read from path. path is used for the id fallback
// and for resolving relative entry points.
func Parse(data []byte, path string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
	}
	m.Path = path
	return &m, nil
}

// ID returns the agent id: name, else displayName, else the directory name.
func (m *Manifest) ID() string {
	if m.Name != "" {
		return m.Name
	}
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return filepath.Base(filepath.Dir(m.Path))
}

// Validate checks the fields a runnable mcp agent needs.
func (m *Manifest) Validate() error {
	if !strings.EqualFold(m.AgentType, AgentTypeMCP) {
		return fmt.Errorf("%w: %s: unsupported agentType %q", ErrInvalidManifest, m.Path, m.AgentType)
	}
	if m.EntryPoint.Command == "" {
		return fmt.Errorf("%w: %s: entryPoint.command is required", ErrInvalidManifest, m.Path)
	}
	if m.ConcurrencyLimit < 0 {
		return fmt.Errorf("%w: %s: concurrencyLimit must not be negative", ErrInvalidManifest, m.Path)
	}
	return nil
}

// command resolves the entry point against the manifest directory. Relative
// command paths ("./agent.sh") become absolute; bare names are looked up on
// PATH at run time.
func (m *Manifest) command() (cmd, dir string) {
	base := filepath.Dir(m.Path)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}

	dir = m.EntryPoint.Dir
	switch {
	case dir == "":
		dir = base
	case !filepath.IsAbs(dir):
		dir = filepath.Join(base, dir)
	}

	cmd = m.EntryPoint.Command
	if strings.ContainsRune(cmd, '/') && !filepath.IsAbs(cmd) {
		cmd = filepath.Join(base, cmd)
	}
	return cmd, dir
}

// env flattens the entry point environment into sorted KEY=VALUE pairs.
func (m *Manifest) env() []string {
	if len(m.EntryPoint.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.EntryPoint.Env))
	for k, v := range m.EntryPoint.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
