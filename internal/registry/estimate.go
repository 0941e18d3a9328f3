package registry

// EstimateTokens is the best-effort token estimate used for TPM rate-limit
// acquisition before the provider reports actual usage. Roughly 3.5 chars
// per token, conservative for English.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(float64(len(text)) / 3.5)
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessageTokens sums the estimate over a conversation.
func EstimateMessageTokens(contents []string) int64 {
	var total int64
	for _, c := range contents {
		total += EstimateTokens(c)
	}
	return total
}
