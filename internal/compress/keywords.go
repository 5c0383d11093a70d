package compress

import "strings"

const maxKeywords = 5

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {},
	"but": {}, "not": {}, "with": {}, "that": {}, "this": {}, "from": {},
	"will": {}, "have": {}, "has": {}, "had": {}, "been": {}, "being": {},
	"you": {}, "your": {}, "our": {}, "they": {}, "them": {}, "their": {},
	"what": {}, "when": {}, "which": {}, "into": {}, "then": {}, "than": {},
	"can": {}, "could": {}, "should": {}, "would": {}, "all": {}, "its": {},
}

// keywords lowercases the text, strips non-alphanumerics to spaces, drops
// tokens of length <= 2 or stop-listed, and keeps the first 5 survivors.
func keywords(text string) []string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte(' ')
		}
	}

	out := make([]string, 0, maxKeywords)
	for _, tok := range strings.Fields(sb.String()) {
		if len(tok) <= 2 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out = append(out, tok)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
