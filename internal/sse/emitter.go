package sse

import "github.com/modelgate/modelgate/internal/domain"

// Emitter builds normalized chat.completion.chunk records for one
// streaming session. The first chunk of a session is always a synthetic
// role announcement, emitted exactly once.
type Emitter struct {
	id      string
	model   string
	created int64
	started bool
}

// NewEmitter creates an emitter for a single streaming session.
func NewEmitter(id, model string, created int64) *Emitter {
	return &Emitter{id: id, model: model, created: created}
}

// ID returns the session chunk ID.
func (e *Emitter) ID() string { return e.id }

// SetID replaces the session chunk ID. Adapters call this when the
// upstream reveals its own conversation identifier mid-stream.
func (e *Emitter) SetID(id string) { e.id = id }

// Started reports whether the role announcement chunk was emitted.
func (e *Emitter) Started() bool { return e.started }

func (e *Emitter) chunk(choice domain.StreamChoice) *domain.StreamChunk {
	return &domain.StreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []domain.StreamChoice{choice},
	}
}

// Start returns the role announcement chunk, or nil if already emitted.
func (e *Emitter) Start() *domain.StreamChunk {
	if e.started {
		return nil
	}
	e.started = true
	return e.chunk(domain.StreamChoice{Delta: domain.Delta{Role: "assistant"}})
}

// Content returns chunks for a content delta, prefixed with the start
// chunk when this is the first emission of the session.
func (e *Emitter) Content(text string) []*domain.StreamChunk {
	var out []*domain.StreamChunk
	if start := e.Start(); start != nil {
		out = append(out, start)
	}
	return append(out, e.chunk(domain.StreamChoice{Delta: domain.Delta{Content: text}}))
}

// Empty returns chunks for an empty keep-alive delta, prefixed with the
// start chunk when needed.
func (e *Emitter) Empty() []*domain.StreamChunk {
	var out []*domain.StreamChunk
	if start := e.Start(); start != nil {
		out = append(out, start)
	}
	return append(out, e.chunk(domain.StreamChoice{Delta: domain.Delta{}}))
}

// Stop returns the terminal chunk carrying the finish reason.
func (e *Emitter) Stop(reason string) []*domain.StreamChunk {
	var out []*domain.StreamChunk
	if start := e.Start(); start != nil {
		out = append(out, start)
	}
	return append(out, e.chunk(domain.StreamChoice{
		Delta:        domain.Delta{},
		FinishReason: &reason,
	}))
}
