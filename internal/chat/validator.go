package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/legalmind/roomchat/internal/chaterr"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage trims outbound text and checks that it meets content
// requirements. It returns the trimmed text that should be sent.
func ValidateMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", chaterr.New(chaterr.CodeInvalidMessage, "message text is empty")
	}
	if !utf8.ValidString(text) {
		return "", chaterr.New(chaterr.CodeInvalidMessage, "message contains invalid UTF-8")
	}
	if len(text) > MaxMessageBytes {
		return "", chaterr.New(chaterr.CodeInvalidMessage, fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes))
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", chaterr.New(chaterr.CodeInvalidMessage, fmt.Sprintf("message exceeds %d character limit", MaxTextChars))
	}
	return text, nil
}
