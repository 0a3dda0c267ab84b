package provider

import (
	"math"
	"unicode/utf8"
)

// OutputEstimateMultiplier pads the pre-flight output token estimate; a
// corrected text tends to be slightly longer than its input.
const OutputEstimateMultiplier = 1.1

// charsPerToken is the approximation used when a provider does not report
// counts; both Claude and GPT models average roughly 4 characters per token.
const charsPerToken = 4

// EstimateTokens approximates the token count of a text. Characters are
// counted as runes so non-ASCII text is not overestimated.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / charsPerToken))
}

// EstimatePromptTokens approximates the token count of a full rendered
// prompt, system message included.
func EstimatePromptTokens(system string, messages []Message) int {
	total := EstimateTokens(system)
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// EstimateOutputTokens approximates how many tokens the correction of the
// given text will produce.
func EstimateOutputTokens(text string) int {
	return int(math.Ceil(float64(EstimateTokens(text)) * OutputEstimateMultiplier))
}
