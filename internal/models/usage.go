package models

import "fmt"

// TotalTokenPolicy decides how UsageMetadata.TotalTokenCount is derived.
type TotalTokenPolicy string

const (
	// TotalTokensFromBackend trusts the backend's reported total and falls back to the
	// sum of prompt and candidate tokens when the backend omits it.
	TotalTokensFromBackend TotalTokenPolicy = "backend"
	// TotalTokensSum always recomputes the total as prompt + candidate tokens.
	TotalTokensSum TotalTokenPolicy = "sum"
)

// ParseTotalTokenPolicy maps a configuration value to a policy. Empty selects the default.
func ParseTotalTokenPolicy(value string) (TotalTokenPolicy, error) {
	switch TotalTokenPolicy(value) {
	case "":
		return TotalTokensFromBackend, nil
	case TotalTokensFromBackend, TotalTokensSum:
		return TotalTokenPolicy(value), nil
	default:
		return "", fmt.Errorf("unknown total token policy %q", value)
	}
}

// Resolve computes the total token count under the policy.
func (p TotalTokenPolicy) Resolve(prompt, candidates int, reported *int) int {
	if p != TotalTokensSum && reported != nil {
		return *reported
	}
	return prompt + candidates
}

// Usage builds a UsageMetadata from optional backend counters. Absent counters become 0.
func (p TotalTokenPolicy) Usage(prompt, candidates, total *int) UsageMetadata {
	promptCount := intOrZero(prompt)
	candidateCount := intOrZero(candidates)
	return UsageMetadata{
		PromptTokenCount:     promptCount,
		CandidatesTokenCount: candidateCount,
		TotalTokenCount:      p.Resolve(promptCount, candidateCount, total),
	}
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
