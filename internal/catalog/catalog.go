// Package catalog lists the portrait styles a submission may request.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"retratai/internal/domain"
)

//go:embed styles.yaml
var defaultStyles []byte

// Style is one entry of the catalog.
type Style struct {
	ID           string            `yaml:"id" json:"id"`
	Available    bool              `yaml:"available" json:"available"`
	Names        map[string]string `yaml:"names" json:"-"`
	Descriptions map[string]string `yaml:"descriptions" json:"-"`
}

// Name returns the display name in locale, falling back to Spanish.
func (s Style) Name(locale string) string {
	return localized(s.Names, locale, s.ID)
}

func (s Style) Description(locale string) string {
	return localized(s.Descriptions, locale, "")
}

func localized(values map[string]string, locale, fallback string) string {
	if v, ok := values[domain.MatchLocale(locale)]; ok && v != "" {
		return v
	}
	if v, ok := values[domain.LocaleES]; ok && v != "" {
		return v
	}
	return fallback
}

// Catalog is an ordered set of styles.
type Catalog struct {
	styles []Style
	byID   map[string]int
}

type document struct {
	Styles []Style `yaml:"styles"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultStyles)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded styles: %v", err))
	}
	return c
}

// Parse reads a YAML catalog. Style ids must be unique and non-empty.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if len(doc.Styles) == 0 {
		return nil, errors.New("catalog: no styles defined")
	}
	c := &Catalog{byID: make(map[string]int, len(doc.Styles))}
	for _, s := range doc.Styles {
		s.ID = strings.ToLower(strings.TrimSpace(s.ID))
		if s.ID == "" {
			return nil, errors.New("catalog: style without id")
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate style %q", s.ID)
		}
		c.byID[s.ID] = len(c.styles)
		c.styles = append(c.styles, s)
	}
	return c, nil
}

// Lookup finds a style by id, case-insensitively.
func (c *Catalog) Lookup(id string) (Style, bool) {
	i, ok := c.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Style{}, false
	}
	return c.styles[i], true
}

// Available reports whether id names a style that can be trained today.
func (c *Catalog) Available(id string) bool {
	s, ok := c.Lookup(id)
	return ok && s.Available
}

// List returns the styles in catalog order.
func (c *Catalog) List() []Style {
	out := make([]Style, len(c.styles))
	copy(out, c.styles)
	return out
}
