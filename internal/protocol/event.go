package protocol

import json "github.com/goccy/go-json"

// EventType names a normalized output event.
type EventType string

// Normalized event vocabulary shared by agent, relay and clients.
const (
	EventAssistantMessage EventType = "assistant_message"
	EventAssistantDelta   EventType = "assistant_delta"
	EventToolUseStart     EventType = "tool_use_start"
	EventToolUseUpdate    EventType = "tool_use_update"
	EventToolResult       EventType = "tool_result"
	EventAskQuestion      EventType = "ask_question"
	EventQuestionAnswered EventType = "question_answered"
	EventInputRequired    EventType = "input_required"
	EventError            EventType = "error"
	EventResult           EventType = "result"
	EventUserMessage      EventType = "user_message"
)

// Option is one selectable answer of a Question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a structured question the engine asks the user.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// OutputEvent is a single normalized event. Only the fields relevant to
// Type are populated. Timestamp is in Unix milliseconds and is assigned
// by the relay when the event is recorded.
type OutputEvent struct {
	Type      EventType       `json:"type"`
	Role      string          `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	ToolID    string          `json:"toolId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	Questions []Question      `json:"questions,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func AssistantMessage(text string) OutputEvent {
	return OutputEvent{Type: EventAssistantMessage, Text: text}
}

func AssistantDelta(text string) OutputEvent {
	return OutputEvent{Type: EventAssistantDelta, Text: text}
}

func ToolUseStart(id, name string, input json.RawMessage, summary string) OutputEvent {
	return OutputEvent{Type: EventToolUseStart, ToolID: id, ToolName: name, Input: input, Summary: summary}
}

func ToolUseUpdate(id, name string, input json.RawMessage, summary string) OutputEvent {
	return OutputEvent{Type: EventToolUseUpdate, ToolID: id, ToolName: name, Input: input, Summary: summary}
}

// ToolResult carries the raw tool output. An empty content is encoded as
// the empty JSON string.
func ToolResult(id string, content json.RawMessage, isError bool) OutputEvent {
	if len(content) == 0 {
		content = TextContent("")
	}
	return OutputEvent{Type: EventToolResult, ToolID: id, Content: content, IsError: isError}
}

func AskQuestion(questions []Question) OutputEvent {
	return OutputEvent{Type: EventAskQuestion, Questions: questions}
}

func QuestionAnswered() OutputEvent {
	return OutputEvent{Type: EventQuestionAnswered}
}

func InputRequired(prompt string) OutputEvent {
	return OutputEvent{Type: EventInputRequired, Prompt: prompt}
}

func Error(message string) OutputEvent {
	return OutputEvent{Type: EventError, Content: TextContent(message)}
}

func Result(subtype string) OutputEvent {
	return OutputEvent{Type: EventResult, Subtype: subtype}
}

// UserMessage is the history entry recorded for text typed by a client.
func UserMessage(content string) OutputEvent {
	return OutputEvent{Type: EventUserMessage, Role: "user", Content: TextContent(content)}
}

// TextContent encodes s as a JSON string.
func TextContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ContentText returns the content when it is a JSON string, and "" for any
// other shape.
func (e OutputEvent) ContentText() string {
	if len(e.Content) == 0 || e.Content[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		return ""
	}
	return s
}

// Preview is the human readable text of an event, used for list summaries.
func (e OutputEvent) Preview() string {
	if e.Text != "" {
		return e.Text
	}
	return e.ContentText()
}

// Truncate shortens s to at most limit runes, appending "..." when cut.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
