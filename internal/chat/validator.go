package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max body size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that a client-submitted body and kind meet content
// requirements. Media kinds carry a reference (URL) in the body, so the same
// size limits apply to them.
func ValidateMessage(body string, kind Kind) error {
	switch kind {
	case KindText, KindImage, KindVideo, KindAudio:
	case KindSystem:
		return fmt.Errorf("message kind %q is reserved", kind)
	default:
		return fmt.Errorf("unknown message kind %q", kind)
	}

	if len(body) == 0 {
		return fmt.Errorf("message body is empty")
	}
	if len(body) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(body) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
