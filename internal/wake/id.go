package wake

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateWakeID returns a random 16-hex-character wake identifier.
// 16 hex characters is 8 random bytes.
func GenerateWakeID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader never errs in practice;
		// this keeps the function infallible for callers.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
