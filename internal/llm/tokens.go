package llm

// EstimateTokens is the fallback token count for text when a provider does
// not report usage: roughly one token per four bytes of UTF-8, rounded up.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// ReconcileUsage returns the token total to record for one exchange:
// the provider-reported total when present, else the summed estimates for
// the prompt and response texts.
func ReconcileUsage(reported *Usage, prompt, response string) int {
	if reported != nil && reported.TotalTokens > 0 {
		return reported.TotalTokens
	}
	return EstimateTokens(prompt) + EstimateTokens(response)
}
