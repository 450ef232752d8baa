// Package stores maps retailer slugs to product page URL templates.
package stores

import (
	"errors"
	"sort"
	"strings"
)

// ErrBlocked marks targets of a store disabled by configuration.
var ErrBlocked = errors.New("store blocked by configuration")

// SKUPlaceholder is replaced by the external product code in URL templates.
const SKUPlaceholder = "{sku}"

// Store describes how to reach and read one retailer's product pages.
type Store struct {
	Slug        string `yaml:"slug"`
	URLTemplate string `yaml:"url"`
	// PriceSelector narrows the visual price scan to matching elements.
	PriceSelector string `yaml:"price_selector,omitempty"`
	// Render fetches pages through the headless renderer instead of plain HTTP.
	Render  bool `yaml:"render,omitempty"`
	Blocked bool `yaml:"blocked,omitempty"`
}

// BuildURL substitutes sku into the store's template.
func (s Store) BuildURL(sku string) (string, bool) {
	sku = strings.TrimSpace(sku)
	if sku == "" || s.URLTemplate == "" {
		return "", false
	}
	return strings.ReplaceAll(s.URLTemplate, SKUPlaceholder, sku), true
}

var defaultStores = []Store{
	{
		Slug:          "lider",
		URLTemplate:   "https://super.lider.cl/ip/panaderia-granel/{sku}",
		PriceSelector: `[data-testid="product-price"], .prices-main-price, .price`,
	},
	{
		Slug:        "jumbo",
		URLTemplate: "https://www.jumbo.cl/{sku}/p",
	},
	{
		Slug:        "unimarc",
		URLTemplate: "https://www.unimarc.cl/product/{sku}",
	},
	{
		Slug:        "santa-isabel",
		URLTemplate: "https://www.santaisabel.cl/product/{sku}",
	},
}

// Registry is a flat slug to Store table. It is read-only once built.
type Registry struct {
	stores map[string]Store
}

// NewRegistry builds a registry from entries; later entries override earlier ones.
func NewRegistry(entries ...Store) *Registry {
	r := &Registry{stores: make(map[string]Store, len(entries))}
	for _, s := range entries {
		slug := normalizeSlug(s.Slug)
		if slug == "" {
			continue
		}
		s.Slug = slug
		r.stores[slug] = s
	}
	return r
}

// Default returns the built-in store table.
func Default() *Registry {
	return NewRegistry(defaultStores...)
}

// Lookup returns the store for slug.
func (r *Registry) Lookup(slug string) (Store, bool) {
	if r == nil {
		return Store{}, false
	}
	s, ok := r.stores[normalizeSlug(slug)]
	return s, ok
}

// BuildProductURL maps (slug, sku) to a product page URL. ok is false when
// the sku is blank or the store has no pattern; that is a skip, not an error.
func (r *Registry) BuildProductURL(slug, sku string) (string, bool) {
	s, ok := r.Lookup(slug)
	if !ok {
		return "", false
	}
	return s.BuildURL(sku)
}

// Merge returns a new registry with overrides applied on top of r.
func (r *Registry) Merge(overrides ...Store) *Registry {
	entries := make([]Store, 0, len(r.stores)+len(overrides))
	entries = append(entries, r.All()...)
	entries = append(entries, overrides...)
	return NewRegistry(entries...)
}

// WithBlocked returns a copy of r with the named stores marked blocked.
func (r *Registry) WithBlocked(slugs ...string) *Registry {
	out := NewRegistry(r.All()...)
	for _, slug := range slugs {
		slug = normalizeSlug(slug)
		if s, ok := out.stores[slug]; ok {
			s.Blocked = true
			out.stores[slug] = s
		}
	}
	return out
}

// All returns every store sorted by slug.
func (r *Registry) All() []Store {
	out := make([]Store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// BuildProductURL uses the built-in table.
func BuildProductURL(slug, sku string) (string, bool) {
	return Default().BuildProductURL(slug, sku)
}

func normalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
