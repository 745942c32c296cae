// Package ot maintains the canonical document of a room and rebases
// concurrent edits so that every replica converges to the same content
// regardless of operation arrival order.
package ot

import (
	"fmt"
	"unicode/utf8"

	"github.com/studyhall/collab/types"
)

// Operation kinds accepted from clients.
const (
	OpInsert = "insert"
	OpDelete = "delete"
	OpFormat = "format"
)

// Operation is a single client-generated edit. Positions and lengths are in
// runes, relative to the document at the client's base revision.
type Operation struct {
	Kind       string            `json:"kind" mapstructure:"kind"`
	Pos        int               `json:"pos" mapstructure:"pos"`
	Text       string            `json:"text,omitempty" mapstructure:"text"`
	Length     int               `json:"length,omitempty" mapstructure:"length"`
	Attributes map[string]string `json:"attributes,omitempty" mapstructure:"attributes"`
}

// ClientOp is the op frame payload: one edit tagged with the client's
// locally-known base revision. A client keeps at most one ClientOp in
// flight per document until the matching ack arrives.
type ClientOp struct {
	OpId         string    `json:"op_id" mapstructure:"op_id"`
	ClientId     string    `json:"client_id" mapstructure:"client_id"`
	BaseRevision uint64    `json:"base_revision" mapstructure:"base_revision"`
	Op           Operation `json:"op" mapstructure:"op"`
}

// Span is one run of a rebased operation: exactly one of Retain, Insert or
// Delete is set. Attributes may accompany a Retain to apply formatting.
// A rebased operation is a span sequence covering the whole document.
type Span struct {
	Retain     int               `json:"retain,omitempty"`
	Insert     string            `json:"insert,omitempty"`
	Delete     int               `json:"delete,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AppliedOp is an operation after rebasing: immutable, valid at exactly one
// revision, and what gets logged and broadcast. The original sender receives
// it as its acknowledgment.
type AppliedOp struct {
	OpId         string `json:"op_id"`
	ClientId     string `json:"client_id"`
	BaseRevision uint64 `json:"base_revision"`
	Revision     uint64 `json:"revision"`
	Spans        []Span `json:"spans"`
}

// textOp is the internal normalized form: a span sequence with known input
// and output document lengths.
type textOp struct {
	spans     []span
	baseLen   int
	targetLen int
}

type spanKind int

const (
	spanRetain spanKind = iota
	spanInsert
	spanDelete
)

type span struct {
	kind  spanKind
	n     int // retain/delete length, insert rune count
	text  []rune
	attrs map[string]string
}

func (o *textOp) retain(n int, attrs map[string]string) {
	if n <= 0 {
		return
	}
	o.baseLen += n
	o.targetLen += n
	if last := o.lastSpan(); last != nil && last.kind == spanRetain && sameAttrs(last.attrs, attrs) {
		last.n += n
		return
	}
	o.spans = append(o.spans, span{kind: spanRetain, n: n, attrs: attrs})
}

func (o *textOp) insert(text []rune) {
	if len(text) == 0 {
		return
	}
	o.targetLen += len(text)
	if last := o.lastSpan(); last != nil && last.kind == spanInsert {
		last.text = append(last.text, text...)
		last.n = len(last.text)
		return
	}
	o.spans = append(o.spans, span{kind: spanInsert, n: len(text), text: text})
}

func (o *textOp) delete(n int) {
	if n <= 0 {
		return
	}
	o.baseLen += n
	if last := o.lastSpan(); last != nil && last.kind == spanDelete {
		last.n += n
		return
	}
	o.spans = append(o.spans, span{kind: spanDelete, n: n})
}

func (o *textOp) lastSpan() *span {
	if len(o.spans) == 0 {
		return nil
	}
	return &o.spans[len(o.spans)-1]
}

func sameAttrs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// fromOperation normalizes a client edit against a document of docLen runes.
// Out-of-bounds edits are rejected as malformed; they never touch shared
// state.
func fromOperation(op Operation, docLen int) (textOp, error) {
	out := textOp{}
	switch op.Kind {
	case OpInsert:
		if op.Pos < 0 || op.Pos > docLen {
			return out, fmt.Errorf("%w: insert at %d outside document of length %d", types.ErrMalformedOperation, op.Pos, docLen)
		}
		out.retain(op.Pos, nil)
		out.insert([]rune(op.Text))
		out.retain(docLen-op.Pos, nil)

	case OpDelete:
		if op.Length <= 0 || op.Pos < 0 || op.Pos+op.Length > docLen {
			return out, fmt.Errorf("%w: delete [%d,%d) outside document of length %d", types.ErrMalformedOperation, op.Pos, op.Pos+op.Length, docLen)
		}
		out.retain(op.Pos, nil)
		out.delete(op.Length)
		out.retain(docLen-op.Pos-op.Length, nil)

	case OpFormat:
		if op.Length <= 0 || op.Pos < 0 || op.Pos+op.Length > docLen {
			return out, fmt.Errorf("%w: format [%d,%d) outside document of length %d", types.ErrMalformedOperation, op.Pos, op.Pos+op.Length, docLen)
		}
		if len(op.Attributes) == 0 {
			return out, fmt.Errorf("%w: format without attributes", types.ErrMalformedOperation)
		}
		out.retain(op.Pos, nil)
		out.retain(op.Length, op.Attributes)
		out.retain(docLen-op.Pos-op.Length, nil)

	default:
		return out, fmt.Errorf("%w: unknown operation kind %q", types.ErrMalformedOperation, op.Kind)
	}
	return out, nil
}

// fromSpans rebuilds the normalized form of a logged operation.
func fromSpans(spans []Span) (textOp, error) {
	out := textOp{}
	for _, s := range spans {
		switch {
		case s.Insert != "":
			out.insert([]rune(s.Insert))
		case s.Delete > 0:
			out.delete(s.Delete)
		case s.Retain > 0:
			out.retain(s.Retain, s.Attributes)
		default:
			return out, fmt.Errorf("%w: empty span", types.ErrMalformedOperation)
		}
	}
	return out, nil
}

func (o *textOp) wireSpans() []Span {
	spans := make([]Span, 0, len(o.spans))
	for _, s := range o.spans {
		switch s.kind {
		case spanRetain:
			spans = append(spans, Span{Retain: s.n, Attributes: s.attrs})
		case spanInsert:
			spans = append(spans, Span{Insert: string(s.text)})
		case spanDelete:
			spans = append(spans, Span{Delete: s.n})
		}
	}
	return spans
}

// lenDelta is the content length change produced by the operation.
func (o *textOp) lenDelta() int { return o.targetLen - o.baseLen }

// apply runs the operation over the content. The content length must equal
// the operation's base length.
func (o *textOp) apply(content []rune) ([]rune, error) {
	if len(content) != o.baseLen {
		return nil, fmt.Errorf("%w: operation base length %d, document length %d", types.ErrMalformedOperation, o.baseLen, len(content))
	}
	out := make([]rune, 0, o.targetLen)
	pos := 0
	for _, s := range o.spans {
		switch s.kind {
		case spanRetain:
			out = append(out, content[pos:pos+s.n]...)
			pos += s.n
		case spanInsert:
			out = append(out, s.text...)
		case spanDelete:
			pos += s.n
		}
	}
	return out, nil
}

// RuneLen returns the rune length of a document.
func RuneLen(content string) int { return utf8.RuneCountInString(content) }
