package chat

import (
	"strings"

	"github.com/streamchat/server/llm"
)

const (
	FallbackTitle = "New Conversation"
	maxTitleRunes = 50
)

// DeriveTitle builds a conversation title from the first user message.
func DeriveTitle(messages []llm.Message) string {
	for _, m := range messages {
		if m.Role != llm.RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		if title == "" {
			return FallbackTitle
		}
		runes := []rune(title)
		if len(runes) > maxTitleRunes {
			return string(runes[:maxTitleRunes-3]) + "..."
		}
		return title
	}
	return FallbackTitle
}
