package telegram

import (
	"html"
	"strings"
	"unicode/utf8"

	"dutybot/internal/sink"
)

// maxMessageRunes is Telegram's text limit for a single message.
const maxMessageRunes = 4096

// render builds the message text. In HTML mode the title is bold and both
// parts are escaped; other modes send the text as is.
func render(msg sink.Message, parseMode string) string {
	title := strings.TrimSpace(msg.Title)
	content := msg.Content
	if strings.EqualFold(parseMode, "HTML") {
		content = html.EscapeString(content)
		if title != "" {
			title = "<b>" + html.EscapeString(title) + "</b>"
		}
	}
	if title == "" {
		return truncRunes(content, maxMessageRunes)
	}
	return truncRunes(title+"\n\n"+content, maxMessageRunes)
}

// truncRunes cuts s to at most n runes, ending in "…" when cut.
func truncRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
