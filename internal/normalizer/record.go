package normalizer

import (
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Kind is the top-level "type" of an engine record.
type Kind string

const (
	KindAssistant   Kind = "assistant"
	KindUser        Kind = "user"
	KindStreamEvent Kind = "stream_event"
	KindResult      Kind = "result"
)

// Block is one content block of an assistant or user record.
type Block struct {
	Type      string
	Text      string
	ID        string
	Name      string
	Input     json.RawMessage
	ToolUseID string
	Content   json.RawMessage
	IsError   bool
}

// StreamEvent is the partial-message payload of a stream_event record.
type StreamEvent struct {
	Type        string
	BlockType   string
	BlockID     string
	BlockName   string
	BlockInput  json.RawMessage
	DeltaType   string
	Text        string
	PartialJSON string
}

// Record is one decoded line of engine output.
type Record struct {
	Kind          Kind
	SessionID     string
	Blocks        []Block
	ToolUseResult json.RawMessage
	Event         *StreamEvent
	Result        string
	Subtype       string
}

// ParseRecord decodes a raw engine record. It reports false when raw is
// not a JSON object.
func ParseRecord(raw []byte) (Record, bool) {
	if !gjson.ValidBytes(raw) {
		return Record{}, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Record{}, false
	}

	rec := Record{
		Kind:      Kind(root.Get("type").String()),
		SessionID: root.Get("session_id").String(),
	}

	switch rec.Kind {
	case KindAssistant, KindUser:
		msg := root.Get("message")
		if !msg.Exists() {
			msg = root
		}
		content := msg.Get("content")
		if content.IsArray() {
			for _, b := range content.Array() {
				rec.Blocks = append(rec.Blocks, parseBlock(b))
			}
		}
		rec.ToolUseResult = rawOf(root.Get("tool_use_result"))

	case KindStreamEvent:
		ev := root.Get("event")
		if !ev.IsObject() {
			break
		}
		cb := ev.Get("content_block")
		delta := ev.Get("delta")
		rec.Event = &StreamEvent{
			Type:        ev.Get("type").String(),
			BlockType:   cb.Get("type").String(),
			BlockID:     cb.Get("id").String(),
			BlockName:   cb.Get("name").String(),
			BlockInput:  rawOf(cb.Get("input")),
			DeltaType:   delta.Get("type").String(),
			Text:        delta.Get("text").String(),
			PartialJSON: delta.Get("partial_json").String(),
		}

	case KindResult:
		rec.Result = root.Get("result").String()
		rec.Subtype = root.Get("subtype").String()
	}
	return rec, true
}

func parseBlock(b gjson.Result) Block {
	return Block{
		Type:      b.Get("type").String(),
		Text:      b.Get("text").String(),
		ID:        b.Get("id").String(),
		Name:      b.Get("name").String(),
		Input:     rawOf(b.Get("input")),
		ToolUseID: b.Get("tool_use_id").String(),
		Content:   rawOf(b.Get("content")),
		IsError:   b.Get("is_error").Bool(),
	}
}

// rawOf returns the JSON text of r, or nil for missing, null and empty
// string values.
func rawOf(r gjson.Result) json.RawMessage {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	if r.Type == gjson.String && r.Str == "" {
		return nil
	}
	return json.RawMessage(r.Raw)
}
