package ot

import (
	"fmt"

	"github.com/studyhall/collab/types"
)

// Snapshot is the canonical document state: content plus the monotonic
// revision counter, advanced by one per applied operation.
type Snapshot struct {
	Content  string `json:"content"`
	Revision uint64 `json:"revision"`
}

// Engine owns one room's canonical document. It is used only from the
// room's sequencer worker, which is what makes the revision assignment
// single-writer.
type Engine struct {
	snap Snapshot
}

func NewEngine(content string, revision uint64) *Engine {
	return &Engine{snap: Snapshot{Content: content, Revision: revision}}
}

// Snapshot returns the current canonical state.
func (e *Engine) Snapshot() Snapshot { return e.snap }

// Apply rebases a client operation across the concurrent operations applied
// since its base revision and applies it to the canonical document. The
// concurrent slice must hold exactly the applied ops with revisions
// BaseRevision+1 .. current, in revision order; stale revisions are never an
// error, they are what the rebase resolves. A malformed operation leaves the
// snapshot untouched and returns types.ErrMalformedOperation for the caller
// to answer with a resync directive.
func (e *Engine) Apply(client ClientOp, concurrent []AppliedOp) (AppliedOp, error) {
	if client.BaseRevision > e.snap.Revision {
		return AppliedOp{}, fmt.Errorf("%w: base revision %d ahead of document revision %d", types.ErrMalformedOperation, client.BaseRevision, e.snap.Revision)
	}
	if want, got := e.snap.Revision-client.BaseRevision, uint64(len(concurrent)); want != got {
		return AppliedOp{}, fmt.Errorf("%w: need %d concurrent operations, got %d", types.ErrMalformedOperation, want, got)
	}

	// document length as the client knew it
	baseLen := RuneLen(e.snap.Content)
	for _, ap := range concurrent {
		b, err := fromSpans(ap.Spans)
		if err != nil {
			return AppliedOp{}, err
		}
		baseLen -= b.lenDelta()
	}

	a, err := fromOperation(client.Op, baseLen)
	if err != nil {
		return AppliedOp{}, err
	}
	for _, ap := range concurrent {
		b, err := fromSpans(ap.Spans)
		if err != nil {
			return AppliedOp{}, err
		}
		a, err = transform(a, b, client.ClientId < ap.ClientId)
		if err != nil {
			return AppliedOp{}, err
		}
	}

	content, err := a.apply([]rune(e.snap.Content))
	if err != nil {
		return AppliedOp{}, err
	}
	e.snap.Content = string(content)
	e.snap.Revision++
	return AppliedOp{
		OpId:         client.OpId,
		ClientId:     client.ClientId,
		BaseRevision: client.BaseRevision,
		Revision:     e.snap.Revision,
		Spans:        a.wireSpans(),
	}, nil
}

// Replay applies an already-rebased operation, used when a new owner rebuilds
// its working state from the durable log after failover.
func (e *Engine) Replay(ap AppliedOp) error {
	op, err := fromSpans(ap.Spans)
	if err != nil {
		return err
	}
	content, err := op.apply([]rune(e.snap.Content))
	if err != nil {
		return err
	}
	e.snap.Content = string(content)
	e.snap.Revision = ap.Revision
	return nil
}
