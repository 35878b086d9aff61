package synth

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	reCodeFence  = regexp.MustCompile("(?s)```.*?(```|$)")
	reInlineCode = regexp.MustCompile("`([^`]*)`")
	reImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	reURL        = regexp.MustCompile(`https?://\S+`)
	reHTMLTag    = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	reHeading    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	reQuote      = regexp.MustCompile(`(?m)^\s*>+\s?`)
	reBullet     = regexp.MustCompile(`(?m)^\s*(?:[-*+•]|\d+[.)])\s+`)
	reRule       = regexp.MustCompile(`(?m)^\s*(?:[-*_]\s*){3,}$`)
	reTableSep   = regexp.MustCompile(`(?m)^\s*\|?\s*:?-{2,}:?\s*(?:\|\s*:?-{2,}:?\s*)*\|?\s*$`)
	reBold       = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	reItalic     = regexp.MustCompile(`(^|[^\w*])[*_]([^*_\n]+)[*_]`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reSpaces     = regexp.MustCompile(`[ \t]+`)
)

// unspeakable symbols that survive markup stripping.
const dropSymbols = "#*_~`|<>{}[]\\^"

// Sanitize turns display-formatted text into plain prose for a speech
// engine. Code blocks are dropped, links and emphasis keep their visible
// text, list items and lines become sentences.
func Sanitize(text string) string {
	s := strings.ReplaceAll(text, "\r\n", "\n")
	s = reCodeFence.ReplaceAllString(s, "\n")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reImage.ReplaceAllString(s, "$1")
	s = reLink.ReplaceAllString(s, "$1")
	s = reURL.ReplaceAllString(s, "")
	s = reHTMLTag.ReplaceAllString(s, "")
	s = reTableSep.ReplaceAllString(s, "")
	s = reRule.ReplaceAllString(s, "")
	s = reHeading.ReplaceAllString(s, "")
	s = reQuote.ReplaceAllString(s, "")
	s = reBullet.ReplaceAllString(s, "")
	s = reBold.ReplaceAllString(s, "$2")
	s = reStrike.ReplaceAllString(s, "$1")
	s = reItalic.ReplaceAllString(s, "$1$2")
	s = strings.ReplaceAll(s, "|", ", ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "and")

	s = strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(dropSymbols, r):
			return -1
		case unicode.Is(unicode.So, r), unicode.Is(unicode.Cs, r), r == '\uFE0F', r == '\u200D':
			return -1
		}
		return r
	}, s)

	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Trim(reSpaces.ReplaceAllString(line, " "), " ,")
		if line == "" {
			continue
		}
		if !endsSentence(line) {
			line += "."
		}
		out = append(out, line)
	}
	return strings.Join(out, " ")
}

func endsSentence(s string) bool {
	last := s[len(s)-1]
	return strings.IndexByte(".!?:;", last) >= 0
}
