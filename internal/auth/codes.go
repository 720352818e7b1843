package auth

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// CodeLength is the number of symbols in a verification code
	CodeLength = 10
	// codeAlphabet has 32 symbols without I, O, 0 and 1
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// GenerateCode returns a fresh verification code from crypto/rand (50 bits of entropy)
func GenerateCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, CodeLength)
	for i, v := range b {
		// 256 is a multiple of 32 so the mask keeps the distribution uniform
		out[i] = codeAlphabet[v&31]
	}
	return string(out), nil
}

// NormalizeCode canonicalises user-supplied code text. It returns "" when the text
// cannot be a code this service issued.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return ""
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(codeAlphabet, code[i]) < 0 {
			return ""
		}
	}
	return code
}
