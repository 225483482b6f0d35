package models

import (
	"errors"
	"slices"
	"strings"
)

// Chat represents a persisted conversation record. The Messages field holds the full transcript that was
// last saved for the chat.
type Chat struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// Message represents an individual entry of a transcript. A message has no identity beyond its position
// in the transcript and is never modified after it is appended.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is the ordered message history of one chat session together with the status of the most
// recent query.
type Transcript struct {
	Messages []Message `json:"messages"`
	Status   Status    `json:"status"`
}

// Source is a citation attached to an answer.
type Source struct {
	URL string `json:"url"`
}

// AnswerChunk is a piece of an answer produced by a query backend. Text is appended to the answer being
// accumulated, Sources are citations discovered alongside it. A chunk may carry either or both.
type AnswerChunk struct {
	Text    string
	Sources []Source
}

// Role represents the role of a message participant.
type Role string

// Status represents the outcome of the most recent query of a transcript.
type Status string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents an answer returned by the query backend.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a message generated locally, such as a query failure.
	RoleSystem Role = "system"

	// StatusIdle means no query is in flight and the last one, if any, succeeded.
	StatusIdle Status = "idle"
	// StatusLoading means a query is awaiting its response.
	StatusLoading Status = "loading"
	// StatusError means the last query failed.
	StatusError Status = "error"
	// StatusMessage is an alternative success status kept for compatibility with stored transcripts.
	StatusMessage Status = "message"
)

// Clone returns a deep copy of the transcript that shares no backing array with t.
func (t Transcript) Clone() Transcript {
	return Transcript{
		Messages: slices.Clone(t.Messages),
		Status:   t.Status,
	}
}

// Equal reports whether both transcripts hold the same messages in the same order and the same status.
// A nil and an empty message list are considered equal.
func (t Transcript) Equal(o Transcript) bool {
	return t.Status == o.Status && slices.Equal(t.Messages, o.Messages)
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Title derives a short chat title from the first user message of the list.
func Title(messages []Message) string {
	const maxLen = 48

	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(msg.Content), " ")
		if r := []rune(title); len(r) > maxLen {
			title = string(r[:maxLen-3]) + "..."
		}
		return title
	}
	return ""
}

var (
	// ErrChatNotFound is returned when a chat ID doesn't match any stored chat.
	ErrChatNotFound = errors.New("chat not found")
	// ErrMalformedResponse is returned when a backend response lacks a required field or carries no answer.
	ErrMalformedResponse = errors.New("malformed response")
)
