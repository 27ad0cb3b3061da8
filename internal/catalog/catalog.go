// Package catalog holds the service catalog the outbound sales agent pitches.
//
// The catalog is a small, fixed list of offerings loaded from configuration
// (or [Defaults] when none is configured). A [Catalog] can be swapped out
// at runtime by the config watcher; sessions read a snapshot when they start.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Category groups services by business line.
type Category string

const (
	CategoryCleaning  Category = "Cleaning"
	CategorySpiritual Category = "Spiritual"
	CategoryTech      Category = "Tech & Apps"
	CategoryCommunity Category = "Community"
	CategoryRetail    Category = "Retail"
	CategoryOther     Category = "Other"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryCleaning, CategorySpiritual, CategoryTech, CategoryCommunity, CategoryRetail, CategoryOther:
		return true
	}
	return false
}

// Service is one catalog entry.
type Service struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Price       string   `yaml:"price" json:"price"`
	Category    Category `yaml:"category" json:"category"`
}

// Defaults returns a fresh copy of the built-in catalog.
func Defaults() []Service {
	return []Service{
		{
			ID:          "clean-1",
			Name:        "Home & Office Cleaning",
			Description: "Professional sanitization and deep cleaning for residential and commercial spaces.",
			Price:       "$150 - $500",
			Category:    CategoryCleaning,
		},
		{
			ID:          "spirit-1",
			Name:        "Spiritual Cleansing",
			Description: "Energetic purification of spaces and individuals. Removal of negative attachments.",
			Price:       "$200 - $1,000",
			Category:    CategorySpiritual,
		},
		{
			ID:          "spirit-2",
			Name:        "Professional Exorcism",
			Description: "Specialized ritualistic removal of malevolent entities. Safe and confidential.",
			Price:       "Quote Required",
			Category:    CategorySpiritual,
		},
		{
			ID:          "tech-1",
			Name:        "Custom Web Applications",
			Description: "Scalable web solutions with modern architecture and AI integration.",
			Price:       "$2,500+",
			Category:    CategoryTech,
		},
		{
			ID:          "comm-1",
			Name:        "Community Development",
			Description: "Strategic planning and outreach programs for local community growth.",
			Price:       "Varies",
			Category:    CategoryCommunity,
		},
		{
			ID:          "retail-1",
			Name:        "Custom T-Shirt Printing",
			Description: "Bulk community or niche-specific merchandise design and printing.",
			Price:       "$15/shirt+",
			Category:    CategoryRetail,
		},
	}
}

// Validate checks services for missing fields, duplicate IDs and unknown
// categories. It returns every problem found joined into one error.
func Validate(services []Service) error {
	var errs []error
	seen := make(map[string]int, len(services))
	for i, s := range services {
		prefix := fmt.Sprintf("catalog[%d]", i)
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[s.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of catalog[%d]", prefix, s.ID, prev))
			}
			seen[s.ID] = i
		}
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if s.Category != "" && !s.Category.IsValid() {
			errs = append(errs, fmt.Errorf("%s.category %q is invalid", prefix, s.Category))
		}
	}
	return errors.Join(errs...)
}

// Catalog is a concurrency-safe, replaceable list of services.
type Catalog struct {
	mu       sync.RWMutex
	services []Service
}

// New returns a Catalog holding a copy of services. An empty list selects
// [Defaults].
func New(services []Service) *Catalog {
	c := &Catalog{}
	c.Replace(services)
	return c
}

// Services returns a copy of the current entries in catalog order.
func (c *Catalog) Services() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.services)
}

// Lookup returns the service with the given ID.
func (c *Catalog) Lookup(id string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if s.ID == id {
			return s, true
		}
	}
	return Service{}, false
}

// Replace swaps the catalog contents. An empty list restores [Defaults].
func (c *Catalog) Replace(services []Service) {
	if len(services) == 0 {
		services = Defaults()
	} else {
		services = slices.Clone(services)
	}
	c.mu.Lock()
	c.services = services
	c.mu.Unlock()
}

// Categories returns the distinct categories in first-seen order.
func (c *Catalog) Categories() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Category
	for _, s := range c.services {
		if s.Category != "" && !slices.Contains(out, s.Category) {
			out = append(out, s.Category)
		}
	}
	return out
}

// Summary renders the catalog as a comma-separated list of service names
// with their price estimates, suitable for a system prompt.
func (c *Catalog) Summary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	parts := make([]string, 0, len(c.services))
	for _, s := range c.services {
		if s.Price != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", s.Name, s.Price))
		} else {
			parts = append(parts, s.Name)
		}
	}
	return strings.Join(parts, ", ")
}
