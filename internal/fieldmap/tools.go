package fieldmap

import (
	"regexp"
	"strings"
	"unicode"
)

// ToolExtractor finds tool names in an insight. Implementations are fuzzy by
// nature; the mapper only depends on this interface so the heuristic can be
// tuned or replaced (for example by a model-backed extractor).
type ToolExtractor interface {
	// Extract returns normalized tool names mentioned by the insight text or
	// its metadata. Names matching an entry of existing reuse that casing.
	Extract(text string, metadata map[string]any, existing []string) []string
}

// Tool name length bounds.
const (
	minToolLength = 2
	maxToolLength = 50
)

var tldSuffixes = []string{".com", ".io", ".ai", ".app", ".co", ".net", ".org", ".so", ".dev", ".us", ".tech"}

var toolStopWords = map[string]bool{
	"the": true, "this": true, "that": true, "these": true, "those": true,
	"company": true, "we": true, "our": true, "us": true, "they": true,
	"their": true, "it": true, "its": true, "team": true, "business": true,
	"tool": true, "tools": true, "software": true, "app": true, "apps": true,
	"platform": true, "system": true, "a": true, "an": true, "and": true,
	"or": true, "i": true, "my": true, "client": true, "clients": true,
	"customer": true, "customers": true, "everything": true, "spreadsheets": true,
	"january": true, "february": true, "march": true, "april": true, "may": true,
	"june": true, "july": true, "august": true, "september": true, "october": true,
	"november": true, "december": true, "monday": true, "tuesday": true,
	"wednesday": true, "thursday": true, "friday": true, "saturday": true,
	"sunday": true, "today": true, "tomorrow": true, "yesterday": true,
	"morning": true, "weekend": true, "weekends": true, "week": true, "month": true,
	"year": true, "q1": true, "q2": true, "q3": true, "q4": true, "he": true,
	"she": true, "them": true, "him": true, "her": true, "you": true, "your": true,
}

// NormalizeTool cleans a raw tool candidate. It strips a trailing top-level
// domain, strips punctuation other than '+', '#' and internal spaces, and
// validates the result. key is the lowercase comparison form.
func NormalizeTool(raw string) (name, key string, ok bool) {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, tld := range tldSuffixes {
		if strings.HasSuffix(lower, tld) && len(s) > len(tld) {
			s = s[:len(s)-len(tld)]
			break
		}
	}

	var b strings.Builder
	space := false
	hasLetter := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r), r == '+', r == '#':
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		default:
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	name = b.String()
	key = strings.ToLower(name)

	n := len([]rune(name))
	if n < minToolLength || n > maxToolLength || !hasLetter || toolStopWords[key] {
		return "", "", false
	}
	return name, key, true
}

// HeuristicToolExtractor reads tools from metadata ("tools", "tool") and
// otherwise from capitalized names following verbs like "uses" or "via".
// After a bare preposition ("in", "on", "with") a name only counts when it is
// already in the tool stack or carries a domain.
type HeuristicToolExtractor struct{}

// Capitalized name, optionally two words ("Google Sheets"), optionally with a domain.
const toolName = `[A-Z][\w+#]*(?:\.[a-z]{2,4})?(?:\s[A-Z][\w+#]*)?`

const toolList = `(` + toolName + `(?:\s*(?:,|and|&|or)\s*` + toolName + `)*)`

var (
	toolPhrase = regexp.MustCompile(
		`\b(?:[Uu]sing|[Uu]ses?|[Uu]sed|via|switched to|moved to|adopted|relies on|rely on|tools like|such as)\s+` + toolList)
	prepPhrase = regexp.MustCompile(`\b(?:[Ww]ith|[Ii]n|[Oo]n)\s+` + toolList)
)

var listSplit = regexp.MustCompile(`\s*(?:,|\band\b|&|\bor\b)\s*`)

// Extract implements ToolExtractor.
func (HeuristicToolExtractor) Extract(text string, metadata map[string]any, existing []string) []string {
	candidates := metaList(metadata, "tools")
	if s := metaString(metadata, "tool"); s != "" {
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		for _, m := range toolPhrase.FindAllStringSubmatch(text, -1) {
			candidates = append(candidates, listSplit.Split(m[1], -1)...)
		}
		known := knownTools(existing)
		for _, m := range prepPhrase.FindAllStringSubmatch(text, -1) {
			for _, c := range listSplit.Split(m[1], -1) {
				_, key, ok := NormalizeTool(c)
				if ok && (known[key] != "" || hasTLD(c)) {
					candidates = append(candidates, c)
				}
			}
		}
	}
	return canonicalTools(candidates, existing)
}

func hasTLD(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	for _, tld := range tldSuffixes {
		if strings.HasSuffix(lower, tld) && len(lower) > len(tld) {
			return true
		}
	}
	return false
}

// knownTools maps the comparison key of each existing tool to its casing.
func knownTools(existing []string) map[string]string {
	known := make(map[string]string, len(existing))
	for _, e := range existing {
		if _, key, ok := NormalizeTool(e); ok {
			if _, dup := known[key]; !dup {
				known[key] = e
			}
		}
	}
	return known
}

// canonicalTools normalizes candidates, drops invalid and duplicate names,
// and maps names onto the casing already used in existing.
func canonicalTools(candidates, existing []string) []string {
	known := knownTools(existing)
	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, c := range candidates {
		name, key, ok := NormalizeTool(c)
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		if prior, ok := known[key]; ok {
			name = prior
		}
		out = append(out, name)
	}
	return out
}
