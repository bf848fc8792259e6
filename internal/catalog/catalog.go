// Package catalog holds the immutable media lookup for the experiment:
// (condition, scenario) -> media reference, plus the pair of anchor
// statements shown with each scenario's rating question. The catalog is
// loaded and validated once at startup; an incomplete catalog is a fatal
// configuration error, never a per-participant one.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/perceptlab/studybot/internal/models"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// Anchors are the two opposing statements framing a 1..10 rating: values near
// 1 favor Left, values near 10 favor Right.
type Anchors struct {
	Left  string `yaml:"left"`
	Right string `yaml:"right"`
}

type fileFormat struct {
	Media   map[models.Condition]map[models.Scenario]string `yaml:"media"`
	Anchors map[models.Scenario]Anchors                     `yaml:"anchors"`
}

// Catalog is the validated, read-only lookup structure.
type Catalog struct {
	media   map[models.Condition]map[models.Scenario]string
	anchors map[models.Scenario]Anchors
}

// Load reads the catalog from path, or from the embedded default when path is
// empty. The result is validated for completeness before being returned.
func Load(path string) (*Catalog, error) {
	data := embeddedCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		data = b
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c := &Catalog{media: f.Media, anchors: f.Anchors}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks that every condition x scenario pair has a media reference
// and every scenario has both anchor statements.
func (c *Catalog) validate() error {
	for _, cond := range models.Conditions {
		byScenario := c.media[cond]
		if byScenario == nil {
			return fmt.Errorf("catalog: no media entries for condition %q", cond)
		}
		for _, scen := range models.Scenarios {
			if byScenario[scen] == "" {
				return fmt.Errorf("catalog: missing media reference for condition %q, scenario %q", cond, scen)
			}
		}
	}
	for _, scen := range models.Scenarios {
		a, ok := c.anchors[scen]
		if !ok || a.Left == "" || a.Right == "" {
			return fmt.Errorf("catalog: missing rating anchors for scenario %q", scen)
		}
	}
	return nil
}

// MediaRef returns the media reference for the pair, or false when absent.
func (c *Catalog) MediaRef(cond models.Condition, scen models.Scenario) (string, bool) {
	ref := c.media[cond][scen]
	return ref, ref != ""
}

// AnchorsFor returns the rating anchor statements for a scenario.
func (c *Catalog) AnchorsFor(scen models.Scenario) Anchors {
	return c.anchors[scen]
}

// Scenarios returns the fixed scenario set in canonical order.
func (c *Catalog) Scenarios() []models.Scenario {
	out := make([]models.Scenario, len(models.Scenarios))
	copy(out, models.Scenarios)
	return out
}
