// Package engine is the boundary to the assistant invocation engine. An
// Engine runs one prompt and streams its raw records back.
package engine

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned when the engine binary cannot be located.
var ErrNotFound = errors.New("engine not found")

// Decision answers a tool permission request. A nil UpdatedInput leaves
// the tool input unchanged.
type Decision struct {
	Allow        bool
	UpdatedInput map[string]any
	Message      string
}

// PermissionFunc is consulted before the engine runs a tool. It may block,
// for example while a question waits for the user.
type PermissionFunc func(ctx context.Context, tool string, input json.RawMessage) Decision

// Request describes one turn.
type Request struct {
	Prompt string
	Dir    string
	// Resume continues an earlier engine conversation when set.
	Resume     string
	Permission PermissionFunc
}

// Engine runs a turn, calling onRecord with every raw record in order. Run
// returns when the turn ends or ctx is cancelled.
type Engine interface {
	Run(ctx context.Context, req Request, onRecord func([]byte)) error
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, req Request, onRecord func([]byte)) error

func (f Func) Run(ctx context.Context, req Request, onRecord func([]byte)) error {
	return f(ctx, req, onRecord)
}
