package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Starsky227/LingYiProject/internal/agent"
	"github.com/Starsky227/LingYiProject/internal/backend"
)

// SourcePrefix marks descriptors that came from a manifest file.
const SourcePrefix = "manifest:"

// Loader scans a directory tree for agent manifests and turns them into agent
// descriptors backed by subprocess sessions.
type Loader struct {
	Dir string
	// Limits overrides manifest concurrency limits by agent id.
	Limits map[string]int
	// Process tracks agent subprocesses so they can be killed on shutdown.
	Process *backend.ProcessManager

	logger *slog.Logger
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, pm *backend.ProcessManager, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Dir: dir, Process: pm, logger: logger}
}

// Scan walks Dir and returns one descriptor per valid mcp manifest, in path
// order. Invalid manifests are logged and skipped; a missing directory yields
// no descriptors.
func (l *Loader) Scan() ([]agent.Descriptor, error) {
	var ds []agent.Descriptor
	seen := make(map[string]string)

	err := filepath.WalkDir(l.Dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == l.Dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if entry.IsDir() || !slices.Contains(FileNames, entry.Name()) {
			return nil
		}

		m, err := l.read(path)
		if err != nil {
			l.logger.Warn("skipping agent manifest", "path", path, "error", err)
			return nil
		}
		id := m.ID()
		if first, dup := seen[id]; dup {
			l.logger.Warn("skipping agent manifest with duplicate id", "path", path, "agent_id", id, "first", first)
			return nil
		}
		seen[id] = path
		ds = append(ds, l.descriptor(m))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", l.Dir, err)
	}
	return ds, nil
}

func (l *Loader) read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *Loader) descriptor(m *Manifest) agent.Descriptor {
	cmd, dir := m.command()
	limit := m.ConcurrencyLimit
	if override, ok := l.Limits[m.ID()]; ok {
		limit = override
	}

	name := m.DisplayName
	if name == "" {
		name = m.ID()
	}
	return agent.Descriptor{
		ID:               m.ID(),
		Name:             name,
		Description:      m.Description,
		Capabilities:     slices.Clone(m.Capabilities),
		ConcurrencyLimit: limit,
		Reusable:         m.Reusable,
		Entry: backend.NewCommandOpener(backend.CommandConfig{
			Command: cmd,
			Args:    slices.Clone(m.EntryPoint.Args),
			Env:     m.env(),
			Dir:     dir,
		}, l.Process),
		Source: SourcePrefix + m.Path,
	}
}

// Load registers every discovered agent, replacing same-id registrations and
// leaving all others in place. It returns how many were registered.
func (l *Loader) Load(reg *agent.Registry) (int, error) {
	ds, err := l.Scan()
	if err != nil {
		return 0, err
	}
	for _, d := range ds {
		if err := reg.Register(d); err != nil {
			return 0, err
		}
	}
	return len(ds), nil
}

// Reload makes the registry's manifest agents match the directory in one step:
// new and changed manifests are registered and deleted ones removed. Agents
// registered from elsewhere are untouched.
func (l *Loader) Reload(reg *agent.Registry) (int, error) {
	ds, err := l.Scan()
	if err != nil {
		return 0, err
	}
	if err := reg.Replace(ds, FromManifest); err != nil {
		return 0, err
	}
	return len(ds), nil
}

// FromManifest reports whether d was loaded from a manifest file.
func FromManifest(d agent.Descriptor) bool {
	return strings.HasPrefix(d.Source, SourcePrefix)
}
