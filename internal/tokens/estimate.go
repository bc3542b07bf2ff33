// Package tokens provides a backend-independent token count heuristic.
//
// CJK ideographs usually map to more than one token each, while Latin text averages
// roughly four characters per token. The estimate is a documented approximation and is
// not expected to match any backend tokenizer exactly.
package tokens

import (
	"unicode/utf8"

	"genai-gateway/internal/models"
)

const (
	cjkFirst = '\u4e00'
	cjkLast  = '\u9fff'
)

// Estimate returns the heuristic token count of text. The result is never below 1.
func Estimate(text string) int {
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if r >= cjkFirst && r <= cjkLast {
			cjk++
		}
	}
	other := total - cjk

	// ceil(1.5*cjk) + ceil(other/4)
	count := (3*cjk+1)/2 + (other+3)/4
	if count < 1 {
		return 1
	}
	return count
}

// EstimateContents estimates the token count of the flattened prompt.
func EstimateContents(contents []models.Content) int {
	return Estimate(models.FlattenText(contents))
}
