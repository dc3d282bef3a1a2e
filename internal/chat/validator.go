// Package chat holds the content rules for room chat. Chat lines are relayed
// live and never stored, so validation is the only thing this package does.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

var (
	ErrEmpty       = errors.New("chat: message text is empty")
	ErrTooLong     = errors.New("chat: message too long")
	ErrInvalidUTF8 = errors.New("chat: message contains invalid UTF-8")
)

// ValidateMessage checks that a chat line is non-blank, valid UTF-8, and
// within both the byte and character limits.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmpty
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d bytes", ErrTooLong, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if n := utf8.RuneCountInString(text); n > MaxTextChars {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrTooLong, n, MaxTextChars)
	}
	return nil
}
