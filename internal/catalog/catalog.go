// Package catalog holds the read-only breed vocabulary and display metadata.
//
// Model metadata names the label of each output score. When a deployment
// ships no metadata, labels are taken from the catalog in file order, so the
// order here matters only for that fallback.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed breeds.yaml
var embedded []byte

const (
	CategoryCattle  = "cattle"
	CategoryBuffalo = "buffalo"
)

type Breed struct {
	ID              string   `yaml:"id" json:"id"`
	DisplayName     string   `yaml:"display_name,omitempty" json:"display_name"`
	Category        string   `yaml:"category,omitempty" json:"category"`
	Type            string   `yaml:"type,omitempty" json:"type,omitempty"`
	Origin          string   `yaml:"origin,omitempty" json:"origin,omitempty"`
	MilkYield       string   `yaml:"milk_yield,omitempty" json:"milk_yield,omitempty"`
	Characteristics []string `yaml:"characteristics,omitempty" json:"characteristics,omitempty"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	Uses            []string `yaml:"uses,omitempty" json:"uses,omitempty"`
	Temperament     string   `yaml:"temperament,omitempty" json:"temperament,omitempty"`
}

type document struct {
	Breeds []Breed `yaml:"breeds"`
}

type Catalog struct {
	breeds []Breed
	index  map[string]int
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(embedded)
}

// Load reads a catalog file. An empty path selects the embedded catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Breeds) == 0 {
		return nil, fmt.Errorf("catalog has no breeds")
	}

	c := &Catalog{
		breeds: make([]Breed, 0, len(doc.Breeds)),
		index:  make(map[string]int, len(doc.Breeds)),
	}
	for i, b := range doc.Breeds {
		if b.ID == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", i)
		}
		if _, dup := c.index[b.ID]; dup {
			return nil, fmt.Errorf("duplicate breed id %q", b.ID)
		}
		if b.DisplayName == "" {
			b.DisplayName = DisplayName(b.ID)
		}
		switch b.Category {
		case "":
			b.Category = CategoryCattle
		case CategoryCattle, CategoryBuffalo:
		default:
			return nil, fmt.Errorf("breed %q has unknown category %q", b.ID, b.Category)
		}
		c.index[b.ID] = len(c.breeds)
		c.breeds = append(c.breeds, b)
	}
	return c, nil
}

// Vocabulary returns breed ids in file order.
func (c *Catalog) Vocabulary() []string {
	ids := make([]string, len(c.breeds))
	for i, b := range c.breeds {
		ids[i] = b.ID
	}
	return ids
}

func (c *Catalog) Len() int { return len(c.breeds) }

func (c *Catalog) Contains(id string) bool {
	_, ok := c.index[id]
	return ok
}

func (c *Catalog) Lookup(id string) (Breed, bool) {
	i, ok := c.index[id]
	if !ok {
		return Breed{}, false
	}
	return c.breeds[i], true
}

// Breeds returns a copy of every entry.
func (c *Catalog) Breeds() []Breed {
	out := make([]Breed, len(c.breeds))
	copy(out, c.breeds)
	return out
}

// DisplayName turns an identifier such as "Red_Sindhi" into "Red Sindhi".
func DisplayName(id string) string {
	words := strings.Fields(strings.ReplaceAll(id, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
