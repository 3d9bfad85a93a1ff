package taskconf

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
)

// DefaultSection is applied when no section is named
const DefaultSection = "default"

// Section maps property names to values
type Section map[string]any

// Manager stores named configuration sections per task model
type Manager struct {
	mu     sync.RWMutex
	models map[string]map[string]Section
	logger *slog.Logger
}

// NewManager creates an empty configuration manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		models: make(map[string]map[string]Section),
		logger: logger.With("component", "taskconf"),
	}
}

// LoadDir loads every <model>.yml (or .yaml) file of dir. Sections already
// known for a model are replaced by the file's.
func (m *Manager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "LoadDir", "read "+dir)
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		model := strings.TrimSuffix(entry.Name(), ext)
		if err := m.LoadFile(model, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads the sections of one model from path
func (m *Manager) LoadFile(model, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "LoadFile", "read "+path)
	}
	sections, err := parseSections(data)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%s: %w", path, err), "Manager", "LoadFile", "parse "+model)
	}

	for name, props := range sections {
		m.Add(model, name, props)
	}
	m.logger.Debug("Loaded configuration", "model", model, "sections", len(sections), "path", path)
	return nil
}

// parseSections accepts either a mapping of section names to property
// maps, or documents introduced by "--- name:<section>" headers.
func parseSections(data []byte) (map[string]Section, error) {
	if !bytes.Contains(data, []byte("--- name:")) {
		var sections map[string]Section
		if err := yaml.Unmarshal(data, &sections); err != nil {
			return nil, err
		}
		return sections, nil
	}

	sections := make(map[string]Section)
	var (
		current string
		body    bytes.Buffer
	)
	flush := func() error {
		if current == "" {
			return nil
		}
		var props Section
		if err := yaml.Unmarshal(body.Bytes(), &props); err != nil {
			return fmt.Errorf("section %s: %w", current, err)
		}
		if props == nil {
			props = Section{}
		}
		sections[current] = props
		body.Reset()
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "--- name:"); ok {
			if err := flush(); err != nil {
				return nil, err
			}
			current = strings.TrimSpace(name)
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return sections, nil
}

// Add registers a section for model, replacing a section with the same name
func (m *Manager) Add(model, section string, props Section) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.models[model] == nil {
		m.models[model] = make(map[string]Section)
	}
	m.models[model][section] = deepCopy(props)
}

// Models returns the models with at least one section, sorted
func (m *Manager) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.models))
}

// Sections returns the section names of model, sorted
func (m *Manager) Sections(model string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.models[model]))
}

// Resolve merges the named sections of model in order; later sections
// override earlier ones and nested maps are merged key by key. No section
// names means DefaultSection.
func (m *Manager) Resolve(model string, sections ...string) (Section, error) {
	if len(sections) == 0 {
		sections = []string{DefaultSection}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	known := m.models[model]
	result := Section{}
	for _, name := range sections {
		props, ok := known[name]
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("section %s of %s: %w", name, model, errors.ErrNotFound),
				"Manager", "Resolve", "section lookup")
		}
		mergeInto(result, props)
	}
	return result, nil
}

// Apply resolves the sections of model and writes each property to the task
// behind h, in name order. A property the task refuses, or does not have,
// fails with ErrPropertyChangeRejected; communication failures are returned
// as they are.
func (m *Manager) Apply(ctx context.Context, h *task.Handle, model string, sections ...string) error {
	props, err := m.Resolve(model, sections...)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		err := h.SetProperty(ctx, name, props[name])
		switch {
		case err == nil:
		case errors.IsCom(err), errors.Is(err, errors.ErrThread), errors.Is(err, errors.ErrPropertyChangeRejected):
			return err
		default:
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s.%s: %w", errors.ErrPropertyChangeRejected, h.Name(), name, err),
				"Manager", "Apply", "apply "+model)
		}
	}
	m.logger.Debug("Applied configuration", "task", h.Name(), "model", model, "sections", sections)
	return nil
}

// mergeInto merges src into dst, recursing into nested maps
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[k] = deepCopyValue(v)
	}
}

func deepCopy(s Section) Section {
	out := make(Section, len(s))
	for k, v := range s {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case Section:
		return map[string]any(deepCopy(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
