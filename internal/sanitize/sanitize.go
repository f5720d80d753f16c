// Package sanitize validates chat message bodies before they reach the
// story context. It fails closed: anything suspicious is rejected outright,
// never cleaned up and passed along.
package sanitize

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const MaxMessageLen = 100

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrBlockedContent = errors.New("message contains blocked content")
)

// Chat messages are fed verbatim into story-generation prompts, so prompt
// injection attempts and markup are treated as security errors.
var blockedPatterns = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard previous instructions",
	"system prompt",
	"you are now",
	"<script",
	"javascript:",
	"onerror=",
}

// Clean validates a chat message body and returns the trimmed content.
func Clean(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}

	if utf8.RuneCountInString(trimmed) > MaxMessageLen {
		return "", ErrMessageTooLong
	}

	lowered := strings.ToLower(trimmed)
	for _, pattern := range blockedPatterns {
		if strings.Contains(lowered, pattern) {
			return "", ErrBlockedContent
		}
	}

	return trimmed, nil
}
