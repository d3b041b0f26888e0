package util

import "fmt"

// DefaultResultMaxLen caps tool results stored in the audit log (1KB).
// The full result still reaches the model; only the logged copy is cut.
const DefaultResultMaxLen = 1024

// Truncate shortens long strings for audit and trace output.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateResult applies the default audit limit.
func TruncateResult(s string) string {
	return Truncate(s, DefaultResultMaxLen)
}

// MaskSecret hides all but a short suffix of a secret for log output.
// Short values are fully masked rather than echoed back.
func MaskSecret(s string) string {
	if len(s) < 20 {
		return "***"
	}
	return "..." + s[len(s)-8:]
}
