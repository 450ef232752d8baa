package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-prices/config"
	"golang.org/x/net/html"
)

const (
	contextBefore = 8
	contextAfter  = 12
)

var (
	currencyRe = regexp.MustCompile(`(?:\$|\b)\s?(\d{1,3}(?:\.\d{3}){0,3})(?:,\d+)?`)
	unitRe     = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:kg|gr|g|ml|lt|l|un|uds)(?:[^\p{L}]|$)|%`)
	tagRe      = regexp.MustCompile(`(?is)<script.*?</script>|<style.*?</style>|<[^>]*>`)
)

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

// visibleText joins the text nodes under sel with spaces, skipping script
// and style content, and collapses whitespace.
func visibleText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			if skippedElements[n.Data] {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return collapseSpace(b.String())
}

func stripTags(raw string) string {
	return collapseSpace(html.UnescapeString(tagRe.ReplaceAllString(raw, " ")))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// visualCandidates scans Chilean-formatted currency tokens ("$1.990",
// "12.490", "3.290,00") and drops those glued to other digits, those near a
// unit or percent token, and those outside [MinPrice, MaxPrice].
func (e *Extractor) visualCandidates(text string) []int {
	var out []int
	for _, m := range currencyRe.FindAllStringSubmatchIndex(text, -1) {
		start, end, numStart, numEnd := m[0], m[1], m[2], m[3]

		if end < len(text) && isDigit(text[end]) {
			continue
		}
		if numStart >= 2 && (text[numStart-1] == '.' || text[numStart-1] == ',') && isDigit(text[numStart-2]) {
			continue
		}
		if hasUnitContext(text, start, end) {
			continue
		}

		v, err := strconv.Atoi(strings.ReplaceAll(text[numStart:numEnd], ".", ""))
		if err != nil {
			continue
		}
		if v >= e.MinPrice && v <= e.MaxPrice {
			out = append(out, v)
		}
	}
	return out
}

func hasUnitContext(text string, start, end int) bool {
	from := start - contextBefore
	if from < 0 {
		from = 0
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	to := end + contextAfter
	if to > len(text) {
		to = len(text)
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return unitRe.MatchString(text[from:start]) || unitRe.MatchString(text[end:to])
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// tieBreak picks one price among visual candidates, which are in document
// order. The frequency policy returns the most repeated value, ties going to
// the smallest.
func (e *Extractor) tieBreak(candidates []int) int {
	switch e.TieBreak {
	case config.TieBreakSmallest:
		return minOf(candidates)
	case config.TieBreakLast:
		return candidates[len(candidates)-1]
	default:
		counts := make(map[int]int, len(candidates))
		for _, v := range candidates {
			counts[v]++
		}
		values := make([]int, 0, len(counts))
		for v := range counts {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool {
			if counts[values[i]] != counts[values[j]] {
				return counts[values[i]] > counts[values[j]]
			}
			return values[i] < values[j]
		})
		return values[0]
	}
}
