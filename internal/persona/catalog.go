package persona

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// fileFormat is the YAML layout of a persona file.
type fileFormat struct {
	Default  string    `yaml:"default"`
	Personas []Persona `yaml:"personas"`
}

type snapshot struct {
	byID      map[string]Persona
	defaultID string
}

// Catalog is a read-mostly persona registry. Reloads swap the whole snapshot,
// so readers never observe a partially loaded catalog.
type Catalog struct {
	snap atomic.Pointer[snapshot]
}

// NewCatalog returns a catalog holding the built-in personas.
func NewCatalog() *Catalog {
	c := &Catalog{}
	snap, err := buildSnapshot(Builtin(), DefaultID)
	if err != nil {
		panic(fmt.Sprintf("built-in personas are invalid: %v", err))
	}
	c.snap.Store(snap)
	return c
}

func buildSnapshot(personas []Persona, defaultID string) (*snapshot, error) {
	s := &snapshot{byID: make(map[string]Persona, len(personas)), defaultID: defaultID}
	for _, p := range personas {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.byID[p.ID] = p
	}
	if _, ok := s.byID[s.defaultID]; !ok {
		return nil, fmt.Errorf("default persona %q not found", s.defaultID)
	}
	return s, nil
}

// Get looks up a persona by id.
func (c *Catalog) Get(id string) (Persona, bool) {
	p, ok := c.snap.Load().byID[id]
	return p, ok
}

// Resolve returns the persona for id, falling back to the default persona.
func (c *Catalog) Resolve(id string) Persona {
	s := c.snap.Load()
	if p, ok := s.byID[id]; ok {
		return p
	}
	if id != "" {
		slog.Debug("Catalog.Resolve: unknown persona, using default", "personaID", id, "default", s.defaultID)
	}
	return s.byID[s.defaultID]
}

// DefaultID returns the id of the current default persona.
func (c *Catalog) DefaultID() string {
	return c.snap.Load().defaultID
}

// IDs returns the sorted persona ids.
func (c *Catalog) IDs() []string {
	s := c.snap.Load()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFile merges the personas of a YAML file over the built-ins and swaps them in.
// On error the current catalog is left untouched.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read persona file: %w", err)
	}
	return c.LoadYAML(data)
}

// LoadYAML is LoadFile for an in-memory document.
func (c *Catalog) LoadYAML(data []byte) error {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse persona file: %w", err)
	}

	merged := make(map[string]Persona)
	order := []string{}
	for _, p := range Builtin() {
		merged[p.ID] = p
		order = append(order, p.ID)
	}
	seen := make(map[string]bool)
	for _, p := range doc.Personas {
		if seen[p.ID] {
			return fmt.Errorf("persona %q: %w", p.ID, ErrDuplicatePersona)
		}
		seen[p.ID] = true
		if _, ok := merged[p.ID]; !ok {
			order = append(order, p.ID)
		}
		merged[p.ID] = p
	}
	list := make([]Persona, 0, len(order))
	for _, id := range order {
		list = append(list, merged[id])
	}

	defaultID := doc.Default
	if defaultID == "" {
		defaultID = DefaultID
	}
	snap, err := buildSnapshot(list, defaultID)
	if err != nil {
		return fmt.Errorf("invalid persona file: %w", err)
	}
	c.snap.Store(snap)
	slog.Info("Catalog.LoadYAML: personas loaded", "count", len(snap.byID), "default", defaultID)
	return nil
}
