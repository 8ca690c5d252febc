package evidence

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// imperativeLine matches a line that opens with a command to act, after an
// optional list marker.
var imperativeLine = regexp.MustCompile(`(?im)^[ \t]*(?:[-*>]+[ \t]*|\d+[.)][ \t]*)?(?:please[ \t]+)?(?:(?:execute|run|call|invoke|trigger)\b|(?:always|now)[ \t]+(?:tell|respond|reply|answer|say|recommend)\b|never[ \t]+(?:tell|mention|reveal|disclose)\b|执行|运行|调用)`)

// ImperativeLine reports whether line opens with an execute, run or call style
// command.
func ImperativeLine(line string) bool {
	return imperativeLine.MatchString(line)
}

// injectionPatterns match phrasing aimed at the generating model rather than
// the reader.
var injectionPatterns = []*regexp.Regexp{
	imperativeLine,
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override|bypass)\s+(all\s+|any\s+|the\s+|your\s+|these\s+|those\s+)*(previous|prior|above|earlier|preceding|original|system|existing)?\s*(instructions?|prompts?|messages?|rules|directions|guidelines|context)\b`),
	regexp.MustCompile(`(?i)\bforget\s+(everything|all\s+of\s+that|what\s+you\s+(were|have\s+been)\s+told)\b`),
	regexp.MustCompile(`(?i)\b(you\s+are\s+now|from\s+now\s+on\s+you|pretend\s+(to\s+be|you\s+are)|act\s+as\s+(an?|the)\s+)`),
	regexp.MustCompile(`(?i)\b(reveal|print|show|output|repeat|leak)\s+(the\s+|your\s+)?(system\s+prompt|hidden\s+prompt|instructions|initial\s+prompt)\b`),
	regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`),
	regexp.MustCompile(`(?im)^[ \t]*(system|assistant|developer)[ \t]*:`),
	regexp.MustCompile(`(?i)</?\s*(system|assistant|instructions?|prompt)\s*>`),
	regexp.MustCompile(`(?i)\b(call|invoke|execute|trigger)\s+(the\s+|a\s+|any\s+)?(tool|function|workflow|api|command)s?\b`),
	regexp.MustCompile(`(?i)\b(as\s+an?\s+(ai|assistant|language\s+model)|dear\s+(ai|assistant|model))\b`),
}

// connectors are dropped from the end of a clause that was cut short.
var connectors = []string{"and", "but", "so", "then", "also", "please", "now", "or"}

// Sanitized is content with injected instructions removed. Every kept span is
// a byte range of the input, so Content never holds text the input lacked.
type Sanitized struct {
	Content string
	Spans   []models.Span
	Removed int
}

// Sanitize removes instruction-like clauses from retrieved content. A match
// drops its clause from the match start on, and any clause it runs into.
func Sanitize(s string) Sanitized {
	var out Sanitized
	var b strings.Builder
	matches := injections(s)
	for _, seg := range segments(s) {
		start, end := seg.Start, seg.End
		if cut, ok := cutAt(matches, seg); ok {
			out.Removed++
			end = trimClause(s, start, cut)
		}
		start, end = trimSpace(s, start, end)
		if !meaningful(s[start:end]) {
			continue
		}
		sep := ""
		if b.Len() > 0 {
			sep = " "
			if strings.Contains(s[out.Spans[len(out.Spans)-1].End:start], "\n") {
				sep = "\n"
			}
		}
		// Joining clauses must not assemble an instruction the input split up.
		if Suspicious(b.String() + sep + s[start:end]) {
			out.Removed++
			continue
		}
		b.WriteString(sep)
		b.WriteString(s[start:end])
		out.Spans = append(out.Spans, models.Span{Start: start, End: end})
	}
	out.Content = b.String()
	return out
}

func injections(s string) [][]int {
	var out [][]int
	for _, re := range injectionPatterns {
		out = append(out, re.FindAllStringIndex(s, -1)...)
	}
	return out
}

// cutAt returns where seg must end given the injection matches, if any
// match touches it.
func cutAt(matches [][]int, seg models.Span) (int, bool) {
	cut, hit := seg.End, false
	for _, m := range matches {
		if m[1] <= seg.Start || m[0] >= seg.End {
			continue
		}
		at := m[0]
		if at < seg.Start {
			at = seg.Start
		}
		if at < cut {
			cut = at
		}
		hit = true
	}
	return cut, hit
}

// Suspicious reports whether s carries any instruction-like phrasing.
func Suspicious(s string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// segments splits s into clauses ending at sentence punctuation (ASCII or
// CJK), semicolons or newlines. The terminator stays with its clause.
func segments(s string) []models.Span {
	var out []models.Span
	start := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch r {
		case '.', '!', '?':
			if i < len(s) {
				next, _ := utf8.DecodeRuneInString(s[i:])
				if !unicode.IsSpace(next) {
					continue
				}
			}
		case ';', '\n', '。', '！', '？', '；':
		default:
			continue
		}
		out = append(out, models.Span{Start: start, End: i})
		start = i
	}
	if start < len(s) {
		out = append(out, models.Span{Start: start, End: len(s)})
	}
	return out
}

// trimClause returns the end of the clause [start, end) after dropping
// trailing whitespace, commas and dangling connectors.
func trimClause(s string, start, end int) int {
	for {
		_, end = trimSpace(s, start, end)
		trimmed := strings.TrimRight(s[start:end], ",:-")
		if len(trimmed) != end-start {
			end = start + len(trimmed)
			continue
		}
		cut := false
		lower := strings.ToLower(s[start:end])
		for _, c := range connectors {
			if strings.HasSuffix(lower, c) && (len(lower) == len(c) || !isWordRune(lower[len(lower)-len(c)-1])) {
				end -= len(c)
				cut = true
				break
			}
		}
		if !cut {
			return end
		}
	}
}

func trimSpace(s string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(s[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(s[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}

func isWordRune(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// meaningful rejects fragments with fewer than two letters or digits.
func meaningful(s string) bool {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
			if n >= 2 {
				return true
			}
		}
	}
	return false
}
