package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// MessageType is the "type" discriminator of every WebSocket frame.
type MessageType string

// Agent → relay message types.
const (
	TypeSessionRegister   MessageType = "session_register"
	TypeSessionUnregister MessageType = "session_unregister"
	TypeClaudeOutput      MessageType = "claude_output"
	TypeSessionStatus     MessageType = "session_status"
	TypeInputRequired     MessageType = "input_required"
)

// Client → relay message types. TypeUserMessage is also forwarded from the
// relay to the owning agent. TypeStopMessage is only accepted by the local
// mirror on the agent host.
const (
	TypeSubscribeSession   MessageType = "subscribe_session"
	TypeUnsubscribeSession MessageType = "unsubscribe_session"
	TypeUserMessage        MessageType = "user_message"
	TypeStopMessage        MessageType = "stop_message"
)

// Relay → client message types.
const (
	TypeSessionsUpdated MessageType = "sessions_updated"
	TypeMessageHistory  MessageType = "message_history"
	TypeSessionClosed   MessageType = "session_closed"
	TypeError           MessageType = "error"
)

// Status is the lifecycle state of a session as reported by its agent.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusProcessing    Status = "processing"
	StatusInputRequired Status = "input_required"
	StatusError         Status = "error"
	StatusDisconnected  Status = "disconnected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusProcessing, StatusInputRequired, StatusError, StatusDisconnected:
		return true
	}
	return false
}

// Envelope is the decoded form of any inbound frame. Only the fields
// relevant to Type are populated.
type Envelope struct {
	Type         MessageType  `json:"type"`
	SessionID    string       `json:"sessionId,omitempty"`
	ProjectName  string       `json:"projectName,omitempty"`
	ProjectPath  string       `json:"projectPath,omitempty"`
	SessionToken string       `json:"sessionToken,omitempty"`
	Status       Status       `json:"status,omitempty"`
	Prompt       string       `json:"prompt,omitempty"`
	Content      string       `json:"content,omitempty"`
	Since        int64        `json:"since,omitempty"`
	Message      *OutputEvent `json:"message,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// SessionSummary is one entry of a sessions_updated list.
type SessionSummary struct {
	ID           string `json:"id"`
	ProjectName  string `json:"projectName"`
	Status       Status `json:"status"`
	MessageCount int    `json:"messageCount"`
	LastActivity int64  `json:"lastActivity"`
	LastMessage  string `json:"lastMessage,omitempty"`
}

// Outbound frames. Each carries its own Type so it can be encoded as is.

type SessionRegister struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"sessionId"`
	ProjectName  string      `json:"projectName"`
	ProjectPath  string      `json:"projectPath,omitempty"`
	SessionToken string      `json:"sessionToken,omitempty"`
}

type SessionUnregister struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type ClaudeOutput struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Message   OutputEvent `json:"message"`
}

type SessionStatus struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Status    Status      `json:"status"`
}

type InputRequiredMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Prompt    string      `json:"prompt"`
}

type UserMessageFrame struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Content   string      `json:"content"`
}

type SessionsUpdated struct {
	Type     MessageType      `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

type MessageHistory struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"sessionId"`
	Messages  []OutputEvent `json:"messages"`
}

type SessionClosed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

func NewSessionRegister(id, name, path, token string) SessionRegister {
	return SessionRegister{Type: TypeSessionRegister, SessionID: id, ProjectName: name, ProjectPath: path, SessionToken: token}
}

func NewSessionUnregister(id string) SessionUnregister {
	return SessionUnregister{Type: TypeSessionUnregister, SessionID: id}
}

func NewClaudeOutput(id string, ev OutputEvent) ClaudeOutput {
	return ClaudeOutput{Type: TypeClaudeOutput, SessionID: id, Message: ev}
}

func NewSessionStatus(id string, status Status) SessionStatus {
	return SessionStatus{Type: TypeSessionStatus, SessionID: id, Status: status}
}

func NewInputRequired(id, prompt string) InputRequiredMessage {
	return InputRequiredMessage{Type: TypeInputRequired, SessionID: id, Prompt: prompt}
}

func NewUserMessage(id, content string) UserMessageFrame {
	return UserMessageFrame{Type: TypeUserMessage, SessionID: id, Content: content}
}

func NewSessionsUpdated(sessions []SessionSummary) SessionsUpdated {
	if sessions == nil {
		sessions = []SessionSummary{}
	}
	return SessionsUpdated{Type: TypeSessionsUpdated, Sessions: sessions}
}

func NewMessageHistory(id string, messages []OutputEvent) MessageHistory {
	if messages == nil {
		messages = []OutputEvent{}
	}
	return MessageHistory{Type: TypeMessageHistory, SessionID: id, Messages: messages}
}

func NewSessionClosed(id string) SessionClosed {
	return SessionClosed{Type: TypeSessionClosed, SessionID: id}
}

func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: msg}
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// MustEncode is Encode for frames built from the types in this package,
// which always marshal.
func MustEncode(v any) []byte {
	data, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return data
}
