package cleaner

import "unicode/utf8"

// EstimateTokens approximates an LLM token count as one token per three
// runes, which sits between typical English and CJK ratios. Non-empty text
// is at least one token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return max(n/3, 1)
}
