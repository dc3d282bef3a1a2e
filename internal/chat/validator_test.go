package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMessage(t *testing.T) {
	cases := []struct {
		name string
		text string
		want error
	}{
		{"plain", "hello room", nil},
		{"empty", "", ErrEmpty},
		{"blank", "  \n\t", ErrEmpty},
		{"at char limit", strings.Repeat("a", MaxTextChars), nil},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), ErrTooLong},
		// 2001 two-byte runes fit in 4096 bytes but exceed the character cap.
		{"too many chars", strings.Repeat("é", MaxTextChars+1), ErrTooLong},
		{"invalid utf8", "bad \xff byte", ErrInvalidUTF8},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessage(tc.text)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
