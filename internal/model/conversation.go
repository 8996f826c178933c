// Package model defines data structures for the companion service.
package model

import (
	"time"
)

// DefaultTitle is the title of a thread that has not been named yet.
const DefaultTitle = "New chat"

// TitleMaxRunes bounds titles derived from the first user message.
const TitleMaxRunes = 40

// Thread represents a conversation thread owned by a single user.
type Thread struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Clone returns a deep copy of the thread.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Messages = make([]Message, len(t.Messages))
	copy(c.Messages, t.Messages)
	return &c
}

// Entry returns the index projection of the thread.
func (t *Thread) Entry() IndexEntry {
	return IndexEntry{ID: t.ID, Title: t.Title}
}

// IndexEntry is the listing projection of a thread.
type IndexEntry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// RenameConversationRequest is the request to rename a conversation.
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// ConversationResponse wraps a thread with an optional persistence warning.
type ConversationResponse struct {
	Conversation *Thread `json:"conversation"`
	Warning      string  `json:"warning,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []IndexEntry `json:"conversations"`
	ActiveID      string       `json:"active_id"`
	Total         int          `json:"total"`
	Warning       string       `json:"warning,omitempty"`
}

// DeleteConversationResponse reports the active thread after a delete.
type DeleteConversationResponse struct {
	ActiveID string `json:"active_id"`
	Warning  string `json:"warning,omitempty"`
}
