// Package prompt turns a thread's recent history into a completion request
// and cleans the model's reply before it is stored.
package prompt

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/therepai/companion/internal/llm"
	"github.com/therepai/companion/internal/model"
)

// Defaults for the persona's sampling parameters.
const (
	DefaultWindow      = 8
	DefaultModel       = llm.DefaultOpenAIModel
	DefaultTemperature = 0.5
	DefaultMaxTokens   = 350
)

const personaTemplate = `You are pai, the warm, emotionally intelligent AI companion in an app called therepAi.
Speak like a grounded, kind, self-aware friend. You are not a therapist and you never diagnose.
Keep it practical and gentle, and format the reply in short markdown.

In every reply:
- Offer one validating line that reflects what the user said.
- Ask one clarifying question.
- Suggest one small coping skill or micro-step (CBT/DBT/mindfulness inspired).
- End with a short grounding statement.

Recent chat:
{{context}}

Reply to the user's latest message with warmth and one gentle next step.`

// selfPrefixes are stripped from the start of a reply, first match only.
var selfPrefixes = []string{"Pai:", "PAI:", "pai:", "Pai -", "pai -"}

// Builder renders the persona prompt for a thread.
type Builder struct {
	Window      int
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewBuilder returns a Builder with the default persona parameters.
func NewBuilder() *Builder {
	return &Builder{
		Window:      DefaultWindow,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

// ContextWindow returns the last Window messages, oldest first.
func (b *Builder) ContextWindow(messages []model.Message) []model.Message {
	n := b.Window
	if n <= 0 {
		n = DefaultWindow
	}
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// RenderContext renders messages as "Role: content" lines.
func RenderContext(messages []model.Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = roleLabel(m.Role) + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

// Render embeds the thread's context window into the persona template.
func (b *Builder) Render(messages []model.Message) string {
	return strings.Replace(personaTemplate, "{{context}}", RenderContext(b.ContextWindow(messages)), 1)
}

// Build returns the completion request for the thread's history. The whole
// prompt travels as a single user turn.
func (b *Builder) Build(messages []model.Message) *llm.CompletionRequest {
	return &llm.CompletionRequest{
		Model: b.Model,
		Messages: []llm.ChatMessage{
			{Role: string(model.RoleUser), Content: b.Render(messages)},
		},
		MaxTokens:   b.MaxTokens,
		Temperature: b.Temperature,
	}
}

// CleanReply strips a leading self-identifying prefix and trims whitespace.
func CleanReply(reply string) string {
	reply = strings.TrimSpace(reply)
	for _, p := range selfPrefixes {
		if strings.HasPrefix(reply, p) {
			reply = strings.TrimLeftFunc(reply[len(p):], unicode.IsSpace)
			break
		}
	}
	return strings.TrimSpace(reply)
}

func roleLabel(r model.Role) string {
	s := string(r)
	if s == "" {
		return s
	}
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + strings.ToLower(s[size:])
}
