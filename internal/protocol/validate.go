package protocol

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrUnknownType is returned for well-formed frames whose type is not part
// of the vocabulary of the route they arrived on.
var ErrUnknownType = errors.New("unknown message type")

var agentTypes = map[MessageType]bool{
	TypeSessionRegister:   true,
	TypeSessionUnregister: true,
	TypeClaudeOutput:      true,
	TypeSessionStatus:     true,
	TypeInputRequired:     true,
}

var clientTypes = map[MessageType]bool{
	TypeSubscribeSession:   true,
	TypeUnsubscribeSession: true,
	TypeUserMessage:        true,
}

var mirrorTypes = map[MessageType]bool{
	TypeUserMessage: true,
	TypeStopMessage: true,
}

// DecodeAgentMessage parses a frame received on the agent route. The
// session id may be omitted; the relay falls back to the id bound to the
// connection.
func DecodeAgentMessage(raw []byte) (*Envelope, error) {
	env, err := decode(raw, agentTypes)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeClaudeOutput:
		if env.Message == nil || env.Message.Type == "" {
			return nil, fmt.Errorf("missing required field 'message' in %s", env.Type)
		}
	case TypeSessionStatus:
		if env.Status == "" {
			return nil, fmt.Errorf("missing required field 'status' in %s", env.Type)
		}
	}
	return env, nil
}

// DecodeClientMessage parses a frame received on the client route.
func DecodeClientMessage(raw []byte) (*Envelope, error) {
	env, err := decode(raw, clientTypes)
	if err != nil {
		return nil, err
	}
	if env.Type != TypeUnsubscribeSession {
		if err := requireSession(env); err != nil {
			return nil, err
		}
	}
	if env.Type == TypeUserMessage && env.Content == "" {
		return nil, fmt.Errorf("missing required field 'content' in %s", env.Type)
	}
	return env, nil
}

// DecodeMirrorMessage parses a frame received by the local mirror on the
// agent host.
func DecodeMirrorMessage(raw []byte) (*Envelope, error) {
	env, err := decode(raw, mirrorTypes)
	if err != nil {
		return nil, err
	}
	if err := requireSession(env); err != nil {
		return nil, err
	}
	if env.Type == TypeUserMessage && env.Content == "" {
		return nil, fmt.Errorf("missing required field 'content' in %s", env.Type)
	}
	return env, nil
}

// DecodeRelayMessage parses a frame the relay sends down an agent
// connection.
func DecodeRelayMessage(raw []byte) (*Envelope, error) {
	env, err := decode(raw, map[MessageType]bool{TypeUserMessage: true, TypeError: true})
	if err != nil {
		return nil, err
	}
	if env.Type == TypeUserMessage {
		if err := requireSession(env); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func decode(raw []byte, allowed map[MessageType]bool) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("missing 'type' field")
	}
	if !allowed[env.Type] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
	return &env, nil
}

func requireSession(env *Envelope) error {
	if env.SessionID == "" {
		return fmt.Errorf("missing required field 'sessionId' in %s", env.Type)
	}
	return nil
}
