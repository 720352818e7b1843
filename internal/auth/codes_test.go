package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected symbol %q", r)
		}
		_, dup := seen[code]
		assert.False(t, dup, "duplicate code %s", code)
		seen[code] = struct{}{}
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ABCDEFGHJK", "ABCDEFGHJK"},
		{" abcdefghjk\n", "ABCDEFGHJK"},
		{"ABCDEFGHJ", ""},
		{"ABCDEFGHJKL", ""},
		{"ABCDEFGHI0", ""},
		{"login_1234", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCode(tt.in), "input %q", tt.in)
	}
}

func TestAlphabetSize(t *testing.T) {
	assert.Len(t, codeAlphabet, 32)
}
