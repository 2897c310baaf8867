package normalizer

import (
	"context"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"remote-clauding/internal/protocol"
)

type NormalizerSuite struct {
	suite.Suite
	events []protocol.OutputEvent
	n      *Normalizer
}

func (s *NormalizerSuite) SetupTest() {
	s.events = nil
	s.n = New(func(ev protocol.OutputEvent) { s.events = append(s.events, ev) })
	s.n.BeginTurn()
}

func (s *NormalizerSuite) feed(lines ...string) {
	for _, l := range lines {
		s.n.HandleRaw([]byte(l))
	}
}

func (s *NormalizerSuite) types() []protocol.EventType {
	out := make([]protocol.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func delta(text string) string {
	b, _ := json.Marshal(map[string]any{
		"type":  "stream_event",
		"event": map[string]any{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": text}},
	})
	return string(b)
}

func assistantText(text string) string {
	b, _ := json.Marshal(map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": []any{map[string]any{"type": "text", "text": text}}},
	})
	return string(b)
}

func toolUse(id, name string, input map[string]any) string {
	b, _ := json.Marshal(map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": []any{map[string]any{"type": "tool_use", "id": id, "name": name, "input": input}}},
	})
	return string(b)
}

func toolResult(id string, content any, isError bool) string {
	b, _ := json.Marshal(map[string]any{
		"type":    "user",
		"message": map[string]any{"content": []any{map[string]any{"type": "tool_result", "tool_use_id": id, "content": content, "is_error": isError}}},
	})
	return string(b)
}

func (s *NormalizerSuite) TestStreamedTextSuppressesCompleteMessage() {
	s.feed(delta("Hi"), delta(" there"), assistantText("Hi there"))

	s.Equal([]protocol.EventType{protocol.EventAssistantDelta, protocol.EventAssistantDelta}, s.types())
	s.Equal("Hi", s.events[0].Text)
	s.Equal(" there", s.events[1].Text)
}

func (s *NormalizerSuite) TestCompleteMessageWithoutStreaming() {
	s.feed(assistantText("Hello"), `{"type":"result","subtype":"success","result":"Hello"}`)

	s.Equal([]protocol.EventType{protocol.EventAssistantMessage, protocol.EventResult}, s.types())
	s.Equal("Hello", s.events[0].Text)
	s.Equal("success", s.events[1].Subtype)
}

func (s *NormalizerSuite) TestResultFallbackText() {
	s.feed(`{"type":"result","subtype":"success","result":"Only here"}`)

	s.Equal([]protocol.EventType{protocol.EventAssistantMessage, protocol.EventResult}, s.types())
	s.Equal("Only here", s.events[0].Text)
}

func (s *NormalizerSuite) TestResultAfterStreamingHasNoFallback() {
	s.feed(delta("A"), delta("B"), `{"type":"result","subtype":"success","result":"AB"}`)

	s.Equal([]protocol.EventType{protocol.EventAssistantDelta, protocol.EventAssistantDelta, protocol.EventResult}, s.types())
}

func (s *NormalizerSuite) TestDedupResetsPerTurn() {
	s.feed(delta("first"))
	s.n.BeginTurn()
	s.feed(assistantText("second"))

	s.Equal([]protocol.EventType{protocol.EventAssistantDelta, protocol.EventAssistantMessage}, s.types())
}

func (s *NormalizerSuite) TestToolLifecycle() {
	s.feed(
		toolUse("X", "Bash", map[string]any{"command": "ls -la"}),
		toolUse("X", "Bash", map[string]any{"command": "ls -la"}),
		toolResult("X", "total 0", false),
		toolResult("Y", "orphan", false),
	)

	s.Require().Equal([]protocol.EventType{protocol.EventToolUseStart, protocol.EventToolUseUpdate, protocol.EventToolResult}, s.types())
	s.Equal("ls -la", s.events[0].Summary)
	s.Equal("Bash", s.events[0].ToolName)
	s.JSONEq(`{"command":"ls -la"}`, string(s.events[0].Input))
	s.Equal("X", s.events[2].ToolID)
	s.JSONEq(`"total 0"`, string(s.events[2].Content))
	s.False(s.events[2].IsError)
}

func (s *NormalizerSuite) TestStreamedToolStartThenCompleteRecord() {
	s.feed(
		`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","id":"t1","name":"Read","input":{}}}}`,
		toolUse("t1", "Read", map[string]any{"file_path": "/a/b.go"}),
	)

	s.Require().Len(s.events, 2)
	s.Equal(protocol.EventToolUseStart, s.events[0].Type)
	s.Equal("", s.events[0].Summary)
	s.Equal(protocol.EventToolUseUpdate, s.events[1].Type)
	s.Equal("/a/b.go", s.events[1].Summary)
}

func (s *NormalizerSuite) TestToolResultFallsBackToToolUseResult() {
	s.feed(toolUse("t1", "Write", map[string]any{"file_path": "x"}))
	s.feed(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","is_error":true}]},"tool_use_result":{"stdout":"boom"}}`)

	s.Require().Len(s.events, 2)
	s.JSONEq(`{"stdout":"boom"}`, string(s.events[1].Content))
	s.True(s.events[1].IsError)
}

func (s *NormalizerSuite) TestToolResultStructuredContent() {
	s.feed(toolUse("t1", "Read", nil))
	s.feed(toolResult("t1", []any{map[string]any{"type": "text", "text": "x"}}, false))

	s.Require().Len(s.events, 2)
	s.JSONEq(`[{"type":"text","text":"x"}]`, string(s.events[1].Content))
}

func (s *NormalizerSuite) TestAskUserQuestionNeverSurfacesAsTool() {
	s.feed(
		`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","id":"q1","name":"AskUserQuestion"}}}`,
		toolUse("q1", AskUserQuestion, map[string]any{"questions": []any{}}),
		toolResult("q1", "answered", false),
	)
	s.Empty(s.events)
}

func (s *NormalizerSuite) TestQuestionFromRecordOpensPendingOnce() {
	input := map[string]any{"questions": []any{map[string]any{"question": "Which DB?", "header": "DB"}}}
	s.feed(
		`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{}}}}`,
		toolUse("q1", AskUserQuestion, input),
		toolUse("q1", AskUserQuestion, input),
		toolResult("q1", "no answer", true),
	)

	s.Require().Equal([]protocol.EventType{protocol.EventAskQuestion, protocol.EventInputRequired}, s.types())
	s.Equal("Which DB?", s.events[0].Questions[0].Question)
	s.Equal("DB", s.events[0].Questions[0].Header)
	s.Equal("Which DB?", s.events[1].Prompt)
	s.True(s.n.HasPendingQuestion())

	answered, delivered := s.n.Respond("Postgres")
	s.True(answered)
	s.False(delivered)
	s.Equal(protocol.EventQuestionAnswered, s.events[2].Type)
	s.False(s.n.HasPendingQuestion())
}

func (s *NormalizerSuite) TestNewQuestionFromRecordSupersedesOld() {
	s.feed(
		toolUse("q1", AskUserQuestion, map[string]any{"questions": []any{map[string]any{"question": "First?"}}}),
		toolUse("q2", AskUserQuestion, map[string]any{"questions": []any{map[string]any{"question": "Second?"}}}),
	)

	s.Require().Len(s.events, 4)
	s.Equal("Second?", s.events[3].Prompt)
	s.Require().True(s.n.Reply("yes"))
	s.False(s.n.Reply("again"))
}

func (s *NormalizerSuite) TestNoiseDropped() {
	s.feed(
		"not json",
		`[1,2]`,
		`{"type":"system","subtype":"init","session_id":"abc"}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"a"}}}}`,
		`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"text"}}}`,
		`{"type":"stream_event"}`,
	)
	s.Empty(s.events)
	s.Equal("abc", s.n.SessionID())
}

func (s *NormalizerSuite) TestPlainStringContentIgnored() {
	s.feed(`{"type":"assistant","message":{"content":"plain string content"}}`)
	s.Empty(s.events)
}

func TestNormalizerSuite(t *testing.T) {
	suite.Run(t, new(NormalizerSuite))
}

func TestToolSummary(t *testing.T) {
	long := strings.Repeat("x", 100)
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"Read", `{"file_path":"/a.go"}`, "/a.go"},
		{"Edit", `{"file_path":"/b.go"}`, "/b.go"},
		{"Write", `{"file_path":"/c.go"}`, "/c.go"},
		{"Bash", `{"command":"go test ./..."}`, "go test ./..."},
		{"Bash", `{"command":"` + long + `"}`, strings.Repeat("x", 80) + "..."},
		{"Glob", `{"pattern":"**/*.go"}`, "**/*.go"},
		{"Grep", `{"pattern":"TODO"}`, "TODO"},
		{"Grep", `{"pattern":"TODO","path":"internal"}`, "TODO in internal"},
		{"WebFetch", `{"url":"https://example.com"}`, "https://example.com"},
		{"WebSearch", `{"query":"golang"}`, "golang"},
		{"TodoWrite", `{"todos":[]}`, "Updated todos"},
		{"Task", `{"description":"x"}`, ""},
		{"Read", ``, ""},
		{"Bash", `{}`, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ToolSummary(tc.name, json.RawMessage(tc.input)), "%s %s", tc.name, tc.input)
	}
}

func newCollector() (*Normalizer, func() []protocol.OutputEvent) {
	ch := make(chan protocol.OutputEvent, 16)
	n := New(func(ev protocol.OutputEvent) { ch <- ev })
	return n, func() []protocol.OutputEvent {
		var out []protocol.OutputEvent
		for {
			select {
			case ev := <-ch:
				out = append(out, ev)
			default:
				return out
			}
		}
	}
}

func waitPending(t *testing.T, n *Normalizer) {
	t.Helper()
	require.Eventually(t, n.HasPendingQuestion, time.Second, 5*time.Millisecond)
}

var sampleQuestions = []protocol.Question{
	{Question: "Pick a color", Header: "Color", Options: []protocol.Option{{Label: "red"}, {Label: "blue"}}},
	{Question: "Second?"},
}

func TestAsk_Reply(t *testing.T) {
	n, drain := newCollector()

	result := make(chan Answer, 1)
	go func() { result <- n.Ask(context.Background(), sampleQuestions) }()
	waitPending(t, n)

	evs := drain()
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.EventAskQuestion, evs[0].Type)
	assert.Equal(t, sampleQuestions, evs[0].Questions)
	assert.Equal(t, protocol.EventInputRequired, evs[1].Type)
	assert.Equal(t, "Pick a color", evs[1].Prompt)

	require.True(t, n.Reply("blue"))
	ans := <-result
	assert.Equal(t, Allow, ans.Behavior)
	assert.Equal(t, map[string]string{"Pick a color": "blue"}, ans.Answers)
	assert.Equal(t, sampleQuestions, ans.UpdatedInput()["questions"])

	evs = drain()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.EventQuestionAnswered, evs[0].Type)

	assert.False(t, n.Reply("again"))
	assert.False(t, n.Abort())
	assert.Empty(t, drain())
}

func TestAsk_Abort(t *testing.T) {
	n, drain := newCollector()

	result := make(chan Answer, 1)
	go func() { result <- n.Ask(context.Background(), sampleQuestions) }()
	waitPending(t, n)
	drain()

	require.True(t, n.Abort())
	ans := <-result
	assert.Equal(t, Deny, ans.Behavior)
	assert.Empty(t, drain())

	assert.False(t, n.Reply("late"))
	assert.Empty(t, drain())
}

func TestAsk_ContextCancelDenies(t *testing.T) {
	n, drain := newCollector()
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan Answer, 1)
	go func() { result <- n.Ask(ctx, nil) }()
	waitPending(t, n)

	evs := drain()
	require.Len(t, evs, 2)
	assert.Equal(t, "Claude needs your input", evs[1].Prompt)

	cancel()
	ans := <-result
	assert.Equal(t, Deny, ans.Behavior)
	assert.False(t, n.HasPendingQuestion())
}

func TestAsk_ReplyWithNoQuestionsHasEmptyAnswers(t *testing.T) {
	n, _ := newCollector()

	result := make(chan Answer, 1)
	go func() { result <- n.Ask(context.Background(), []protocol.Question{}) }()
	waitPending(t, n)

	require.True(t, n.Reply("ok"))
	ans := <-result
	assert.Equal(t, Allow, ans.Behavior)
	assert.Empty(t, ans.Answers)
}

func TestAsk_JoinsQuestionOpenedByRecord(t *testing.T) {
	n, drain := newCollector()
	n.HandleRaw([]byte(toolUse("q1", AskUserQuestion, map[string]any{"questions": []any{map[string]any{"question": "Pick a color"}, map[string]any{"question": "Second?"}}})))
	require.Len(t, drain(), 2)

	result := make(chan Answer, 1)
	go func() { result <- n.Ask(context.Background(), sampleQuestions) }()
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.pending != nil && n.pending.waiting
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, drain())

	answered, delivered := n.Respond("blue")
	assert.True(t, answered)
	assert.True(t, delivered)
	ans := <-result
	assert.Equal(t, Allow, ans.Behavior)
	assert.Equal(t, map[string]string{"Pick a color": "blue"}, ans.Answers)

	evs := drain()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.EventQuestionAnswered, evs[0].Type)
}

func TestAsk_RecordAfterAskDoesNotEmitAgain(t *testing.T) {
	n, drain := newCollector()

	result := make(chan Answer, 1)
	go func() { result <- n.Ask(context.Background(), sampleQuestions) }()
	waitPending(t, n)
	require.Len(t, drain(), 2)

	n.HandleRaw([]byte(toolUse("q1", AskUserQuestion, map[string]any{"questions": []any{map[string]any{"question": "Pick a color"}, map[string]any{"question": "Second?"}}})))
	assert.Empty(t, drain())

	require.True(t, n.Abort())
	assert.Equal(t, Deny, (<-result).Behavior)
}
