package audit

import "regexp"

var txHashPattern = regexp.MustCompile(`0x[0-9a-f]{64}`)

// RedactHint replaces any raw transaction hash embedded in an error message
// with "0x<redacted>" before it is stored as an error_hint, so audit rows
// never leak on-chain correlation data beyond what the tx_hash column
// already records deliberately.
func RedactHint(msg string) string {
	return txHashPattern.ReplaceAllString(msg, "0x<redacted>")
}
