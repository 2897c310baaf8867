// Package normalizer turns raw engine records into the normalized output
// event stream, deduplicating streamed and complete assistant text and
// tracking tool invocations and interactive questions per turn.
package normalizer

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"remote-clauding/internal/protocol"
)

// AskUserQuestion is the engine tool that asks the user a structured
// question. It never surfaces as a tool card.
const AskUserQuestion = "AskUserQuestion"

const defaultQuestionPrompt = "Claude needs your input"

// Behavior is the outcome of a permission decision.
type Behavior string

const (
	Allow Behavior = "allow"
	Deny  Behavior = "deny"
)

// Answer resolves a pending question.
type Answer struct {
	Behavior  Behavior
	Questions []protocol.Question
	Answers   map[string]string
	Message   string
}

// UpdatedInput is the tool input handed back to the engine on allow.
func (a Answer) UpdatedInput() map[string]any {
	return map[string]any{"questions": a.Questions, "answers": a.Answers}
}

// pendingQuestion is the one open question of a session. toolID is set when
// the question was read from a record; waiting is set once a permission
// call blocks on it.
type pendingQuestion struct {
	toolID    string
	questions []protocol.Question
	waiting   bool
	done      chan Answer
}

// Normalizer converts records of one agent session. Emit is called with
// the normalizer lock held and must not call back into it.
type Normalizer struct {
	mu   sync.Mutex
	emit func(protocol.OutputEvent)

	streamedText         bool
	assistantTextEmitted bool
	seenTools            map[string]struct{}

	pending   *pendingQuestion
	sessionID string
}

// New creates a Normalizer that delivers events to emit.
func New(emit func(protocol.OutputEvent)) *Normalizer {
	return &Normalizer{
		emit:      emit,
		seenTools: make(map[string]struct{}),
	}
}

// BeginTurn resets the per-turn dedup state. Call it before every prompt.
func (n *Normalizer) BeginTurn() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.streamedText = false
	n.assistantTextEmitted = false
	n.seenTools = make(map[string]struct{})
}

// SessionID returns the most recent engine session id seen, used to resume
// the conversation on the next turn.
func (n *Normalizer) SessionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionID
}

// HandleRaw parses and handles one raw record. Undecodable input is dropped.
func (n *Normalizer) HandleRaw(raw []byte) {
	rec, ok := ParseRecord(raw)
	if !ok {
		log.Debug().Int("bytes", len(raw)).Msg("dropping undecodable engine record")
		return
	}
	n.Handle(rec)
}

// Handle processes one record, emitting zero or more events.
func (n *Normalizer) Handle(rec Record) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if rec.SessionID != "" {
		n.sessionID = rec.SessionID
	}

	switch rec.Kind {
	case KindAssistant:
		for _, b := range rec.Blocks {
			switch b.Type {
			case "text":
				if b.Text == "" || n.streamedText {
					continue
				}
				n.assistantTextEmitted = true
				n.emit(protocol.AssistantMessage(b.Text))
			case "tool_use":
				n.toolUse(b.ID, b.Name, b.Input)
			}
		}

	case KindUser:
		for _, b := range rec.Blocks {
			if b.Type != "tool_result" {
				continue
			}
			if _, ok := n.seenTools[b.ToolUseID]; !ok {
				log.Debug().Str("tool_id", b.ToolUseID).Msg("dropping result for unknown tool")
				continue
			}
			content := b.Content
			if len(content) == 0 {
				content = rec.ToolUseResult
			}
			n.emit(protocol.ToolResult(b.ToolUseID, content, b.IsError))
		}

	case KindStreamEvent:
		ev := rec.Event
		if ev == nil {
			return
		}
		switch ev.Type {
		case "content_block_start":
			if ev.BlockType == "tool_use" {
				n.toolUse(ev.BlockID, ev.BlockName, ev.BlockInput)
			}
		case "content_block_delta":
			if ev.DeltaType != "text_delta" {
				return
			}
			n.streamedText = true
			if ev.Text != "" {
				n.emit(protocol.AssistantDelta(ev.Text))
			}
		}

	case KindResult:
		if !n.streamedText && !n.assistantTextEmitted && rec.Result != "" {
			n.assistantTextEmitted = true
			n.emit(protocol.AssistantMessage(rec.Result))
		}
		n.emit(protocol.Result(rec.Subtype))
	}
}

func (n *Normalizer) toolUse(id, name string, input []byte) {
	if name == AskUserQuestion {
		n.recordQuestion(id, input)
		return
	}
	summary := ToolSummary(name, input)
	if _, ok := n.seenTools[id]; ok {
		n.emit(protocol.ToolUseUpdate(id, name, input, summary))
		return
	}
	n.seenTools[id] = struct{}{}
	n.emit(protocol.ToolUseStart(id, name, input, summary))
}

// recordQuestion opens the pending question carried by an AskUserQuestion
// tool_use. Repeated records for the same tool id emit nothing.
func (n *Normalizer) recordQuestion(id string, input []byte) {
	var in struct {
		Questions []protocol.Question `json:"questions"`
	}
	if len(input) == 0 || json.Unmarshal(input, &in) != nil || len(in.Questions) == 0 {
		return
	}
	if p := n.pending; p != nil {
		if p.toolID == id || (p.toolID == "" && sameQuestions(p.questions, in.Questions)) {
			p.toolID = id
			return
		}
		n.resolveLocked(Answer{Behavior: Deny, Message: "Superseded by a new question"})
	}
	n.openLocked(&pendingQuestion{toolID: id, questions: in.Questions, done: make(chan Answer, 1)})
}

// Ask blocks until Reply, Abort or ctx cancellation resolves a question.
// When a record already opened the same question Ask waits on it without
// emitting again; otherwise it opens a new one and emits ask_question and
// input_required. A different question still open is denied.
func (n *Normalizer) Ask(ctx context.Context, questions []protocol.Question) Answer {
	n.mu.Lock()
	p := n.pending
	if p == nil || p.waiting || p.toolID == "" || !sameQuestions(p.questions, questions) {
		if p != nil {
			n.resolveLocked(Answer{Behavior: Deny, Message: "Superseded by a new question"})
		}
		p = &pendingQuestion{questions: questions, done: make(chan Answer, 1)}
		n.openLocked(p)
	}
	p.waiting = true
	n.mu.Unlock()

	select {
	case ans := <-p.done:
		return ans
	case <-ctx.Done():
		n.mu.Lock()
		if n.pending == p {
			n.resolveLocked(Answer{Behavior: Deny, Message: "Session aborted"})
		}
		n.mu.Unlock()
		return <-p.done
	}
}

func (n *Normalizer) openLocked(p *pendingQuestion) {
	n.pending = p
	prompt := defaultQuestionPrompt
	if len(p.questions) > 0 && p.questions[0].Question != "" {
		prompt = p.questions[0].Question
	}
	n.emit(protocol.AskQuestion(p.questions))
	n.emit(protocol.InputRequired(prompt))
}

func sameQuestions(a, b []protocol.Question) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Question != b[i].Question {
			return false
		}
	}
	return true
}

// Reply answers the pending question with text. The first question's text
// maps to the reply. It reports false when no question is pending.
func (n *Normalizer) Reply(text string) bool {
	ok, _ := n.Respond(text)
	return ok
}

// Respond is Reply that also reports whether a permission call was waiting
// for the answer. When none was, the engine never sees it and the caller
// must deliver text as the next prompt.
func (n *Normalizer) Respond(text string) (answered, delivered bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		return false, false
	}
	delivered = n.pending.waiting
	answers := make(map[string]string)
	if qs := n.pending.questions; len(qs) > 0 {
		answers[qs[0].Question] = text
	}
	n.resolveLocked(Answer{Behavior: Allow, Questions: n.pending.questions, Answers: answers})
	n.emit(protocol.QuestionAnswered())
	return true, delivered
}

// Abort denies the pending question, if any, without emitting an event.
func (n *Normalizer) Abort() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		return false
	}
	n.resolveLocked(Answer{Behavior: Deny, Message: "Aborted"})
	return true
}

// HasPendingQuestion reports whether a question awaits an answer.
func (n *Normalizer) HasPendingQuestion() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending != nil
}

func (n *Normalizer) resolveLocked(ans Answer) {
	p := n.pending
	n.pending = nil
	p.done <- ans
}
