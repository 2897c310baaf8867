// Package agent is the host side of a shared session: it runs assistant
// turns locally and streams their events to the relay and to local
// listeners.
package agent

import (
	"context"
	"errors"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"remote-clauding/internal/engine"
	"remote-clauding/internal/normalizer"
	"remote-clauding/internal/protocol"
)

// ErrClosed is returned by Send after the bridge stopped.
var ErrClosed = errors.New("bridge closed")

// Sink receives everything a Bridge produces for its session. Calls may
// arrive from the turn goroutine while the normalizer is locked, so a Sink
// must not call back into the Bridge.
type Sink interface {
	Output(sessionID string, ev protocol.OutputEvent)
	Status(sessionID string, status protocol.Status)
	InputRequired(sessionID, prompt string)
}

// Bridge connects one session to the engine. Prompts run one turn at a
// time in arrival order.
type Bridge struct {
	id     string
	dir    string
	engine engine.Engine
	sink   Sink
	norm   *normalizer.Normalizer

	mu      sync.Mutex
	queue   []string
	wake    chan struct{}
	cancel  context.CancelFunc
	running bool
	closed  bool
}

// NewBridge creates a bridge for session id running in dir. Call Run to
// start processing.
func NewBridge(id, dir string, eng engine.Engine, sink Sink) *Bridge {
	b := &Bridge{
		id:     id,
		dir:    dir,
		engine: eng,
		sink:   sink,
		wake:   make(chan struct{}, 1),
	}
	b.norm = normalizer.New(b.emit)
	return b
}

func (b *Bridge) emit(ev protocol.OutputEvent) {
	switch ev.Type {
	case protocol.EventInputRequired:
		b.sink.InputRequired(b.id, ev.Prompt)
	case protocol.EventQuestionAnswered:
		b.sink.Output(b.id, ev)
		b.sink.Status(b.id, protocol.StatusProcessing)
	default:
		b.sink.Output(b.id, ev)
	}
}

// Send answers the pending question when one is open, otherwise queues
// content as the next prompt. An answer nothing in the engine waits for is
// queued as the next prompt as well.
func (b *Bridge) Send(content string) error {
	if _, delivered := b.norm.Respond(content); delivered {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, content)
	queued := len(b.queue)
	busy := b.running
	b.mu.Unlock()

	if busy {
		log.Debug().Str("session", b.id).Int("queued", queued).Msg("prompt queued")
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Abort denies an open question and cancels the running turn. Queued
// prompts are kept.
func (b *Bridge) Abort() {
	asked := b.norm.Abort()
	b.mu.Lock()
	cancel, running := b.cancel, b.running
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if asked && !running {
		b.sink.Status(b.id, protocol.StatusIdle)
	}
}

// Busy reports whether a turn is running.
func (b *Bridge) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Run processes queued prompts until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	defer func() {
		b.mu.Lock()
		b.closed = true
		b.queue = nil
		b.mu.Unlock()
	}()

	for {
		prompt, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.wake:
				continue
			}
		}

		b.turn(ctx, prompt)
		if ctx.Err() != nil {
			return
		}
		if b.idle() && !b.norm.HasPendingQuestion() {
			b.sink.Status(b.id, protocol.StatusIdle)
		}
	}
}

func (b *Bridge) next() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return "", false
	}
	p := b.queue[0]
	b.queue = b.queue[1:]
	b.running = true
	return p, true
}

func (b *Bridge) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	return len(b.queue) == 0
}

func (b *Bridge) turn(ctx context.Context, prompt string) {
	tctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.cancel = nil
		b.mu.Unlock()
		cancel()
	}()

	b.norm.BeginTurn()
	b.sink.Status(b.id, protocol.StatusProcessing)
	resume := b.norm.SessionID()
	log.Info().Str("session", b.id).Str("prompt", protocol.Truncate(prompt, 100)).Str("resume", resume).Msg("running turn")

	err := b.engine.Run(tctx, engine.Request{
		Prompt:     prompt,
		Dir:        b.dir,
		Resume:     resume,
		Permission: b.permission,
	}, b.norm.HandleRaw)

	switch {
	case ctx.Err() != nil:
		// shutting down
	case tctx.Err() != nil:
		log.Info().Str("session", b.id).Msg("turn aborted")
		b.sink.Output(b.id, protocol.Error("Aborted"))
	case err != nil:
		log.Warn().Err(err).Str("session", b.id).Msg("turn failed")
		b.sink.Output(b.id, protocol.Error(err.Error()))
	}
}

// permission routes structured questions to the user and allows every
// other tool unchanged.
func (b *Bridge) permission(ctx context.Context, tool string, input json.RawMessage) engine.Decision {
	if tool != normalizer.AskUserQuestion {
		return engine.Decision{Allow: true}
	}
	var in struct {
		Questions []protocol.Question `json:"questions"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Questions == nil {
		return engine.Decision{Allow: true}
	}

	ans := b.norm.Ask(ctx, in.Questions)
	if ans.Behavior != normalizer.Allow {
		return engine.Decision{Message: ans.Message}
	}
	return engine.Decision{Allow: true, UpdatedInput: ans.UpdatedInput()}
}
