package stores

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type tableFile struct {
	Stores []Store `yaml:"stores"`
}

// Parse decodes a YAML store table:
//
//	stores:
//	  - slug: jumbo
//	    url: https://www.jumbo.cl/{sku}/p
//	    blocked: true
func Parse(data []byte) ([]Store, error) {
	var table tableFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("decode store table: %w", err)
	}
	for i, s := range table.Stores {
		if strings.TrimSpace(s.Slug) == "" {
			return nil, fmt.Errorf("store #%d: slug cannot be empty", i+1)
		}
		if s.URLTemplate != "" && !strings.Contains(s.URLTemplate, SKUPlaceholder) {
			return nil, fmt.Errorf("store %q: url must contain %s", s.Slug, SKUPlaceholder)
		}
	}
	return table.Stores, nil
}

// LoadFile reads a YAML store table and layers it over the defaults.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read store table: %w", err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Default().Merge(entries...), nil
}
