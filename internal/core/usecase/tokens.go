package usecase

import "unicode/utf8"

// EstimateTokens approximates the token count of text at four runes per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
