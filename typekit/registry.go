// Package typekit provides the type registry used to validate port and
// property types. Types are grouped in typekits, loaded from YAML files.
package typekit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chhtz/tools-orocosrb/errors"
)

// FileSuffix is the suffix of typekit description files
const FileSuffix = ".typekit.yml"

// Descriptor describes one registered type
type Descriptor struct {
	Name       string   `yaml:"name" json:"name"`
	Typekit    string   `yaml:"-" json:"typekit"`
	Aliases    []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	ConvertsTo []string `yaml:"converts_to,omitempty" json:"converts_to,omitempty"`
}

// Typekit is the content of a typekit file
type Typekit struct {
	Name  string       `yaml:"name"`
	Types []Descriptor `yaml:"types"`
}

// Lookup is the read side of the registry, as consumed by the connector
type Lookup interface {
	Lookup(name string) (Descriptor, error)
	Compatible(from, to string) (bool, error)
}

// Registry holds the loaded typekits. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	dirs     []string
	types    map[string]*Descriptor
	typekits map[string]struct{}
}

// NewRegistry creates a registry searching the given directories for typekit files
func NewRegistry(dirs ...string) *Registry {
	return &Registry{
		dirs:     dirs,
		types:    make(map[string]*Descriptor),
		typekits: make(map[string]struct{}),
	}
}

// AddDir appends a directory to the typekit search path
func (r *Registry) AddDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
}

// Loaded reports whether the typekit has been loaded
func (r *Registry) Loaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.typekits[name]
	return ok
}

// Typekits returns the names of the loaded typekits, sorted
func (r *Registry) Typekits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.typekits))
	for name := range r.typekits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadTypekit loads the named typekit. The built-in "std" typekit needs no
// file; other typekits are searched in the registry directories. Loading an
// already loaded typekit is a no-op.
func (r *Registry) LoadTypekit(name string) error {
	if r.Loaded(name) {
		return nil
	}

	if name == StdTypekit {
		return r.Register(Std())
	}

	r.mu.RLock()
	dirs := append([]string(nil), r.dirs...)
	r.mu.RUnlock()

	for _, dir := range dirs {
		path := filepath.Join(dir, name+FileSuffix)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "typekit", "LoadTypekit", "read "+path)
		}

		var tk Typekit
		if err := yaml.Unmarshal(data, &tk); err != nil {
			return errors.WrapInvalid(err, "typekit", "LoadTypekit", "parse "+path)
		}
		if tk.Name == "" {
			tk.Name = name
		}
		return r.Register(tk)
	}

	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrTypekitNotFound, name),
		"typekit", "LoadTypekit", "typekit search")
}

// LoadDir loads every typekit file found in dir and adds dir to the search path
func (r *Registry) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+FileSuffix))
	if err != nil {
		return errors.WrapInvalid(err, "typekit", "LoadDir", "glob typekit files")
	}
	r.AddDir(dir)

	sort.Strings(matches)
	for _, path := range matches {
		name := filepath.Base(path)
		name = name[:len(name)-len(FileSuffix)]
		if err := r.LoadTypekit(name); err != nil {
			return err
		}
	}
	return nil
}

// Register adds the types of a typekit. A name or alias already bound to a
// different type makes the whole typekit fail with ErrAmbiguousName and
// nothing is registered.
func (r *Registry) Register(tk Typekit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make(map[string]*Descriptor)
	for i := range tk.Types {
		d := tk.Types[i]
		d.Typekit = tk.Name
		desc := &d
		for _, key := range append([]string{d.Name}, d.Aliases...) {
			if existing, ok := r.types[key]; ok && existing.Name != d.Name {
				return errors.WrapInvalid(
					fmt.Errorf("%w: %s refers to %s (typekit %s) and %s (typekit %s)",
						errors.ErrAmbiguousName, key, existing.Name, existing.Typekit, d.Name, tk.Name),
					"typekit", "Register", "alias check")
			}
			if other, ok := pending[key]; ok && other.Name != d.Name {
				return errors.WrapInvalid(
					fmt.Errorf("%w: %s is declared twice in typekit %s", errors.ErrAmbiguousName, key, tk.Name),
					"typekit", "Register", "alias check")
			}
			pending[key] = desc
		}
	}

	for key, desc := range pending {
		if _, ok := r.types[key]; !ok {
			r.types[key] = desc
		}
	}
	r.typekits[tk.Name] = struct{}{}
	return nil
}

// Lookup returns the descriptor of a type, by name or alias
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("type %s: %w", name, errors.ErrNotFound)
	}
	return *d, nil
}

// Compatible reports whether data of type from can flow into a port of type
// to: both resolve to the same type, or from declares a conversion to to.
func (r *Registry) Compatible(from, to string) (bool, error) {
	src, err := r.Lookup(from)
	if err != nil {
		return false, err
	}
	dst, err := r.Lookup(to)
	if err != nil {
		return false, err
	}

	if src.Name == dst.Name {
		return true, nil
	}
	for _, conv := range src.ConvertsTo {
		target, err := r.Lookup(conv)
		if err == nil && target.Name == dst.Name {
			return true, nil
		}
	}
	return false, nil
}

// Clear forgets all loaded typekits but keeps the search path
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = make(map[string]*Descriptor)
	r.typekits = make(map[string]struct{})
}
