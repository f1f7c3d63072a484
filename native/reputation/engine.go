package reputation

import (
	"dmarket/core/events"
	"dmarket/core/types"
	"dmarket/crypto"
)

// Engine wires rating bookkeeping against the ledger abstraction so callers can
// record ratings without re-implementing storage concerns.
type Engine struct {
	ledger  *Ledger
	emitter events.Emitter
}

// NewEngine constructs an engine backed by the provided storage backend.
func NewEngine(store storage) *Engine {
	engine := &Engine{emitter: events.NoopEmitter{}}
	if store != nil {
		engine.ledger = NewLedger(store)
	}
	return engine
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Record stores the rating and emits the updated score.
func (e *Engine) Record(r Rating) (*Score, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrScoreNotFound
	}
	score, err := e.ledger.Record(r)
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(scoreEvent{evt: NewScoreUpdatedEvent(score)})
	return score, nil
}

// Get fetches the running score of subject in role.
func (e *Engine) Get(subject crypto.PartyID, role crypto.Role) (*Score, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrScoreNotFound
	}
	return e.ledger.Get(subject, role)
}

type scoreEvent struct {
	evt *types.Event
}

func (e scoreEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e scoreEvent) Event() *types.Event { return e.evt }
