// Package tokencount estimates input tokens for flows whose response did not
// report usage. Uses a character-based heuristic (~4 chars per token for
// English) which is sufficient for trend dashboards. Can be replaced with a
// real tokenizer for exact counts if needed.
package tokencount

// CountText estimates tokens for a plain text string. Empty text is zero
// tokens: an empty flow should not look like it consumed anything.
func CountText(text string) int64 {
	if len(text) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return int64((len(text) + 3) / 4)
}
