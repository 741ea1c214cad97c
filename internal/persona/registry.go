// Package persona holds the static character definitions users can chat with
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var defaultDefinitions []byte

// ErrUnknownPersona is returned when a key is not in the registry
var ErrUnknownPersona = errors.New("unknown persona")

// Persona is one character configuration
type Persona struct {
	Key         string `yaml:"key" json:"key"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Avatar      string `yaml:"avatar" json:"avatar"`
	Prompt      string `yaml:"prompt" json:"-"`
}

type definitionFile struct {
	Personas []Persona `yaml:"personas"`
}

// Registry is an immutable, ordered set of personas
type Registry struct {
	order []string
	byKey map[string]Persona
}

// Default returns the registry built from the embedded definitions
func Default() (*Registry, error) {
	return Parse(defaultDefinitions)
}

// Load reads persona definitions from path, or the embedded set when path is empty
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading personas file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML definitions
func Parse(data []byte) (*Registry, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing personas: %w", err)
	}
	return New(file.Personas...)
}

// New builds a registry from personas, keeping their order
func New(personas ...Persona) (*Registry, error) {
	if len(personas) == 0 {
		return nil, fmt.Errorf("no personas defined")
	}

	r := &Registry{
		order: make([]string, 0, len(personas)),
		byKey: make(map[string]Persona, len(personas)),
	}
	for i, p := range personas {
		p.Key = strings.TrimSpace(p.Key)
		if p.Key == "" {
			return nil, fmt.Errorf("persona %d: key is required", i)
		}
		if _, dup := r.byKey[p.Key]; dup {
			return nil, fmt.Errorf("persona %q defined twice", p.Key)
		}
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, fmt.Errorf("persona %q: prompt is required", p.Key)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.Key
		}
		r.order = append(r.order, p.Key)
		r.byKey[p.Key] = p
	}
	return r, nil
}

// Get returns the persona for key
func (r *Registry) Get(key string) (Persona, error) {
	p, ok := r.byKey[key]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, key)
	}
	return p, nil
}

// Has reports whether key is registered
func (r *Registry) Has(key string) bool {
	_, ok := r.byKey[key]
	return ok
}

// Keys returns persona keys in declaration order
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// List returns all personas in declaration order
func (r *Registry) List() []Persona {
	out := make([]Persona, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// First returns the default selection
func (r *Registry) First() Persona {
	return r.byKey[r.order[0]]
}

// Next returns the persona after key, wrapping around
func (r *Registry) Next(key string) Persona {
	for i, k := range r.order {
		if k == key {
			return r.byKey[r.order[(i+1)%len(r.order)]]
		}
	}
	return r.First()
}
