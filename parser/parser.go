// Package parser extracts a CLP price from retailer product HTML.
//
// Extraction runs an ordered cascade and stops at the first stage that yields
// a candidate: structured product metadata, textual "price" fields in inline
// scripts, then visible currency text filtered for unit noise and resolved by
// a tie-break policy. Every returned price lies within the configured bounds.
package parser

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-prices/config"
)

// Stage names the cascade step that produced a price.
type Stage string

const (
	StageStructured Stage = "structured"
	StageScript     Stage = "script"
	StageVisual     Stage = "visual"
)

// Result describes a successful extraction.
type Result struct {
	Price      int
	Stage      Stage
	Candidates int
}

// Extractor holds the plausibility bounds and tie-break policy.
type Extractor struct {
	MinPrice        int
	MaxPrice        int
	StructuredFloor int
	ScriptFloor     int
	TieBreak        string
}

// New builds an extractor from cfg.
func New(cfg *config.Config) *Extractor {
	return &Extractor{
		MinPrice:        cfg.MinPrice,
		MaxPrice:        cfg.MaxPrice,
		StructuredFloor: cfg.StructuredFloor,
		ScriptFloor:     cfg.ScriptFloor,
		TieBreak:        cfg.TieBreak,
	}
}

// Default returns an extractor with the default bounds (100..1,000,000 CLP).
func Default() *Extractor {
	return New(config.DefaultConfig())
}

// ParsePrice extracts a price with the default extractor.
func ParsePrice(html []byte) (int, bool) {
	return Default().ParsePrice(html)
}

// ParsePrice returns the best-guess price, or false when none is found.
func (e *Extractor) ParsePrice(html []byte) (int, bool) {
	res, ok := e.Extract(html, "")
	return res.Price, ok
}

// Extract runs the cascade. selector, when non-empty, narrows the visual
// stage to the text of matching elements; the whole page is scanned when
// it matches nothing or yields no candidate.
func (e *Extractor) Extract(html []byte, selector string) (Result, bool) {
	if len(bytes.TrimSpace(html)) == 0 {
		return Result{}, false
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err == nil {
		if c := e.structuredCandidates(doc); len(c) > 0 {
			return Result{Price: minOf(c), Stage: StageStructured, Candidates: len(c)}, true
		}
	}

	if c := e.scriptCandidates(string(html)); len(c) > 0 {
		return Result{Price: minOf(c), Stage: StageScript, Candidates: len(c)}, true
	}

	var text string
	if err == nil {
		if selector != "" {
			if located := doc.Find(selector); located.Length() > 0 {
				if c := e.visualCandidates(visibleText(located)); len(c) > 0 {
					return Result{Price: e.tieBreak(c), Stage: StageVisual, Candidates: len(c)}, true
				}
			}
		}
		text = visibleText(doc.Selection)
	} else {
		text = stripTags(string(html))
	}

	if c := e.visualCandidates(text); len(c) > 0 {
		return Result{Price: e.tieBreak(c), Stage: StageVisual, Candidates: len(c)}, true
	}
	return Result{}, false
}

var scriptPriceRe = regexp.MustCompile(`"price"\s*:\s*"?(\d{3,7})\b`)

func (e *Extractor) scriptCandidates(raw string) []int {
	lo := maxOf(e.ScriptFloor, e.MinPrice)
	var out []int
	for _, m := range scriptPriceRe.FindAllStringSubmatch(raw, -1) {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if v >= lo && v <= e.MaxPrice {
			out = append(out, v)
		}
	}
	return out
}

var (
	schemaDecimalRe = regexp.MustCompile(`^\d+\.\d{1,2}$`)
	commaDecimalRe  = regexp.MustCompile(`,\d+$`)
)

// NormalizePrice converts a price string to whole pesos. Thousands dots and
// currency symbols are dropped; a ",d" remainder or a schema-style ".dd"
// decimal is discarded rather than read as cents.
func NormalizePrice(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if schemaDecimalRe.MatchString(raw) {
		raw = raw[:strings.IndexByte(raw, '.')]
	}
	raw = commaDecimalRe.ReplaceAllString(raw, "")

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	if digits == "" || len(digits) > 9 {
		return 0, false
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return v, true
}

func minOf(values []int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}
