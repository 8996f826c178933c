package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role a thread may hold.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message represents a single turn in a thread.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse is the response after a routed exchange.
type SendMessageResponse struct {
	UserMessage      Message `json:"user_message"`
	AssistantMessage Message `json:"assistant_message"`
	Verdict          string  `json:"verdict"`
	Title            string  `json:"title"`
	Warning          string  `json:"warning,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}

// PartialEvent carries one step of the typing reveal.
type PartialEvent struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// MessageCompleteEvent is sent once the assistant turn is fully revealed.
type MessageCompleteEvent struct {
	Message Message `json:"message"`
	Verdict string  `json:"verdict"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
