// Package experts loads the read-only expert catalog offered to matching.
package experts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"taxdesk/backend/internal/matching"
)

type Expert struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Specialties []string `yaml:"specialties"`
	Bio         string   `yaml:"bio"`
	Rating      float64  `yaml:"rating"`
	HourlyRate  float64  `yaml:"hourly_rate"`
}

type catalogFile struct {
	Experts []Expert `yaml:"experts"`
}

// Catalog is immutable after Load.
type Catalog struct {
	candidates []matching.Candidate
	byID       map[string]int
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experts file: %w", err)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return catalog, nil
}

// Parse decodes a catalog document. Unknown keys are rejected so a typo in a
// field name does not silently drop data.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode experts: %w", err)
	}

	catalog := &Catalog{
		candidates: make([]matching.Candidate, 0, len(file.Experts)),
		byID:       make(map[string]int, len(file.Experts)),
	}
	for i, expert := range file.Experts {
		id := strings.TrimSpace(expert.ID)
		if id == "" {
			return nil, fmt.Errorf("experts[%d]: id is required", i)
		}
		if _, dup := catalog.byID[id]; dup {
			return nil, fmt.Errorf("experts[%d]: duplicate id %q", i, id)
		}
		if expert.Rating < 0 || expert.Rating > 5 {
			return nil, fmt.Errorf("experts[%d]: rating %.2f must be between 0 and 5", i, expert.Rating)
		}
		catalog.byID[id] = len(catalog.candidates)
		catalog.candidates = append(catalog.candidates, matching.Candidate{
			ID:          id,
			Name:        strings.TrimSpace(expert.Name),
			Specialties: append([]string(nil), expert.Specialties...),
			Bio:         strings.TrimSpace(expert.Bio),
			Rating:      expert.Rating,
			HourlyRate:  expert.HourlyRate,
		})
	}
	return catalog, nil
}

// Snapshot returns a copy that callers may keep or modify.
func (c *Catalog) Snapshot() []matching.Candidate {
	if c == nil {
		return []matching.Candidate{}
	}
	out := make([]matching.Candidate, len(c.candidates))
	for i, candidate := range c.candidates {
		candidate.Specialties = append([]string(nil), candidate.Specialties...)
		out[i] = candidate
	}
	return out
}

func (c *Catalog) Lookup(id string) (matching.Candidate, bool) {
	if c == nil {
		return matching.Candidate{}, false
	}
	index, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return matching.Candidate{}, false
	}
	candidate := c.candidates[index]
	candidate.Specialties = append([]string(nil), candidate.Specialties...)
	return candidate, true
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.candidates)
}
