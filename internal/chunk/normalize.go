package chunk

import (
	"regexp"
	"strings"
)

// decorativeEmojiPattern covers the Unicode blocks used for decorative
// emoji (emoticons, symbols & pictographs, transport, supplemental
// symbols, dingbats, and the variation-selector/ZWJ plumbing that rides
// along with them) without touching ordinary text.
var decorativeEmojiPattern = regexp.MustCompile(
	"[\U0001F300-\U0001F5FF\U0001F600-\U0001F64F\U0001F680-\U0001F6FF" +
		"\U0001F900-\U0001F9FF\U00002600-\U000026FF\U00002700-\U000027BF" +
		"\U0000FE00-\U0000FE0F\U0000200D]",
)

var whitespaceRunPattern = regexp.MustCompile(`\s+`)

// Normalize applies the fixed normalization pipeline prior to embedding:
// strip decorative emoji, collapse whitespace runs to a single space, trim.
// Empty input after normalization yields EmptyContentSentinel so every
// chunk has non-empty text to embed.
func Normalize(text string) string {
	stripped := decorativeEmojiPattern.ReplaceAllString(text, "")
	collapsed := whitespaceRunPattern.ReplaceAllString(stripped, " ")
	trimmed := strings.TrimSpace(collapsed)
	if trimmed == "" {
		return EmptyContentSentinel
	}
	return trimmed
}
