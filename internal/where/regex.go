package where

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	commentAfterChar   = regexp.MustCompile(`(?m)([^\\])#.*\n`)
	commentLine        = regexp.MustCompile(`(?m)^#.*\n`)
	unescapedSpace     = regexp.MustCompile(`([^\\])\s+`)
	leadingSpace       = regexp.MustCompile(`^\s+`)
	quoteEndAfterChar  = regexp.MustCompile(`([^\\])(\\E)`)
	quoteOpenAfterChar = regexp.MustCompile(`([^\\])(\\Q)`)
	startsWithLiteral  = regexp.MustCompile(`\^\\Q.*\\E`)
)

// removeWhiteSpace implements the "x" regex option: comments and unescaped
// whitespace are dropped.
func removeWhiteSpace(re string) string {
	if !strings.HasSuffix(re, "\n") {
		re += "\n"
	}
	re = commentAfterChar.ReplaceAllString(re, "${1}")
	re = commentLine.ReplaceAllString(re, "")
	re = unescapedSpace.ReplaceAllString(re, "${1}")
	re = replaceFirst(leadingSpace, re, "")
	return strings.TrimSpace(re)
}

// processRegexPattern literalizes \Q...\E sections while keeping a leading ^
// or trailing $ anchor.
func processRegexPattern(s string) string {
	switch {
	case strings.HasPrefix(s, "^"):
		return "^" + literalizeRegexPart(s[1:])
	case strings.HasSuffix(s, "$"):
		return literalizeRegexPart(s[:len(s)-1]) + "$"
	default:
		return literalizeRegexPart(s)
	}
}

func literalizeRegexPart(s string) string {
	// \Q...\E closing at the end of the pattern
	for i := indexFrom(s, `\Q`, 0); i >= 0; i = indexFrom(s, `\Q`, i+1) {
		rest := s[i+2:]
		if !strings.HasPrefix(rest, `\E`) && strings.HasSuffix(rest, `\E`) {
			return literalizeRegexPart(s[:i]) + createLiteralRegex(rest[:len(rest)-2])
		}
	}
	// \Q... running to the end of the pattern
	for i := indexFrom(s, `\Q`, 0); i >= 0; i = indexFrom(s, `\Q`, i+1) {
		rest := s[i+2:]
		if !strings.HasPrefix(rest, `\E`) {
			return literalizeRegexPart(s[:i]) + createLiteralRegex(rest)
		}
	}
	s = replaceFirst(quoteEndAfterChar, s, "${1}")
	s = replaceFirst(quoteOpenAfterChar, s, "${1}")
	s = strings.TrimPrefix(s, `\E`)
	s = strings.TrimPrefix(s, `\Q`)
	return s
}

// createLiteralRegex escapes everything except letters, digits and spaces.
func createLiteralRegex(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('\\')
		b.WriteRune(r)
	}
	return b.String()
}

func isStartsWithRegex(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, "^") && startsWithLiteral.MatchString(s)
}

func indexFrom(s, substr string, from int) int {
	if from >= len(s) {
		return -1
	}
	i := strings.Index(s[from:], substr)
	if i < 0 {
		return -1
	}
	return from + i
}

func replaceFirst(re *regexp.Regexp, s, repl string) string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}
	var dst []byte
	dst = re.ExpandString(dst, repl, s, loc)
	return s[:loc[0]] + string(dst) + s[loc[1]:]
}
