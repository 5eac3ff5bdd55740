package token

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the token reuse table key from a token identifier.
// Hashing rather than using the identifier verbatim keeps the reuse table
// and session records from holding a value that is otherwise only ever
// compared, never displayed, matching how the teacher repo fingerprints
// certificates and keys it only needs to compare (e.g. utils.X509KeyPair
// fingerprints) rather than resolve from.
func Fingerprint(tokenID string) string {
	sum := sha256.Sum256([]byte(tokenID))
	return hex.EncodeToString(sum[:])
}
