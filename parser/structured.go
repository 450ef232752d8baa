package parser

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// structuredCandidates collects every "price" field from JSON-LD blocks and
// every itemprop="price" microdata value within [StructuredFloor, MaxPrice].
// AggregateOffer "lowPrice" fields are used only when no price was found.
func (e *Extractor) structuredCandidates(doc *goquery.Document) []int {
	lo := maxOf(e.StructuredFloor, e.MinPrice)
	var out []int
	keep := func(v int, ok bool) {
		if ok && v >= lo && v <= e.MaxPrice {
			out = append(out, v)
		}
	}

	var blocks []any
	doc.Find(`script[type*="ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &data); err != nil {
			return
		}
		blocks = append(blocks, data)
		walkKey(data, "price", func(v any) {
			keep(jsonPrice(v))
		})
	})

	doc.Find(`[itemprop="price"]`).Each(func(_ int, s *goquery.Selection) {
		raw, ok := s.Attr("content")
		if !ok {
			raw = s.Text()
		}
		keep(NormalizePrice(raw))
	})

	if len(out) == 0 {
		for _, data := range blocks {
			walkKey(data, "lowPrice", func(v any) {
				keep(jsonPrice(v))
			})
		}
	}

	return out
}

// walkKey visits the value of every key literally named key at any depth,
// including inside offers, priceSpecification, and @graph arrays.
func walkKey(node any, key string, visit func(any)) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			if k == key {
				visit(child)
			}
			walkKey(child, key, visit)
		}
	case []any:
		for _, child := range v {
			walkKey(child, key, visit)
		}
	}
}

func jsonPrice(v any) (int, bool) {
	switch p := v.(type) {
	case float64:
		if p <= 0 || p > 1e9 {
			return 0, false
		}
		return int(p), true
	case string:
		return NormalizePrice(p)
	default:
		return 0, false
	}
}
