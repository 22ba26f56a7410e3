// Package masking redacts secrets from finding text before it reaches disk.
// Findings quote tool output, and tool output quotes source — which may
// embed API keys, tokens, or credentials. Regex patterns handle the general
// sweep; code-based maskers handle formats that need structural awareness.
package masking

// Masker is a code-based masker for content that regex alone handles badly.
type Masker interface {
	// Name is the unique identifier, referenced from pattern groups.
	Name() string

	// AppliesTo is a cheap pre-check (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask redacts and returns the result. Must be defensive: return the
	// original data on parse errors.
	Mask(data string) string
}
