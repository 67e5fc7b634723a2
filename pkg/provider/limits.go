package provider

import "strings"

// MaxOutputTokens returns a safe max completion size for a model.
// Unknown models get a conservative cap instead of risking an API
// rejection for asking beyond what the model supports.
func MaxOutputTokens(model string) int {
	if model == "" {
		return 2000
	}
	lower := strings.ToLower(model)

	switch {
	case strings.Contains(lower, "claude"):
		return 8192
	case strings.Contains(lower, "qwen2.5"),
		strings.Contains(lower, "llama-3.2"):
		return 4096
	case strings.Contains(lower, "smollm"):
		return 2048
	case strings.Contains(lower, "llama-3.3-70b"),
		strings.Contains(lower, "llama-3.1-70b"),
		strings.Contains(lower, "mixtral-8x7b"):
		return 32768
	case strings.Contains(lower, "llama-3.1-8b"),
		strings.Contains(lower, "gemma2-9b"):
		return 8192
	case strings.Contains(lower, "gpt-4"),
		strings.Contains(lower, "gpt-3.5"):
		return 4096
	}
	return 2000
}
