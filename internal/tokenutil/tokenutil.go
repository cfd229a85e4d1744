// Package tokenutil provides cheap token estimates for context budgeting.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate. Splits on whitespace
// and multiplies by 1.33 (average tokens per English word), with len/4 as a
// floor for code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}
