package speech

import "regexp"

var (
	ellipsisPattern = regexp.MustCompile(`\.{3,}`)
	parenPattern    = regexp.MustCompile(`[()]`)
)

// CleanText prepares a fragment for local synthesis: long ellipses become a
// comma pause and parentheses are stripped (synthesizers read them aloud).
func CleanText(text string) string {
	text = ellipsisPattern.ReplaceAllString(text, ", ")
	return parenPattern.ReplaceAllString(text, "")
}
