package router

import (
	"strings"

	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
)

// 追问前缀：这些开头的问题依赖上一轮提问。
var followUpPrefixes = []string{
	"and ", "what about", "how about", "same for", "also ",
	"那", "还有", "那么", "同样",
}

// Rewrite makes a follow-up question self-contained by prefixing the previous user question.
// It reports whether the query changed.
func Rewrite(query string, history []chat.Message) (string, bool) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" || !isFollowUp(trimmed) {
		return trimmed, false
	}

	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Sender != chat.SenderUser || msg.Failed || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		previous := strings.TrimSpace(msg.Content)
		if previous == trimmed {
			continue
		}
		return previous + " " + trimmed, true
	}
	return trimmed, false
}

func isFollowUp(query string) bool {
	lower := strings.ToLower(query)
	for _, prefix := range followUpPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
