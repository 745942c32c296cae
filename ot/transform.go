package ot

import (
	"fmt"

	"github.com/studyhall/collab/types"
)

// transform rebases a against b, where both operations were generated
// against the same document state and b has already been applied. The result
// is a with positions adjusted to apply after b:
//
//   - text retained by a but deleted by b disappears from a (a delete over
//     an already-deleted range becomes a no-op),
//   - text inserted by b is retained by a (a delete overlapping the insert
//     is narrowed to skip the inserted span),
//   - simultaneous inserts at the same position are ordered by aFirst, which
//     callers derive from the stable ascending client-id tie-break.
func transform(a, b textOp, aFirst bool) (textOp, error) {
	if a.baseLen != b.baseLen {
		return textOp{}, fmt.Errorf("%w: transform length mismatch (%d vs %d)", types.ErrMalformedOperation, a.baseLen, b.baseLen)
	}
	out := textOp{}
	as := cloneSpans(a.spans)
	bs := cloneSpans(b.spans)
	ia, ib := 0, 0
	for ia < len(as) || ib < len(bs) {
		if ia < len(as) && as[ia].kind == spanInsert && (ib >= len(bs) || bs[ib].kind != spanInsert || aFirst) {
			out.insert(as[ia].text)
			ia++
			continue
		}
		if ib < len(bs) && bs[ib].kind == spanInsert {
			out.retain(bs[ib].n, nil)
			ib++
			continue
		}
		if ia >= len(as) || ib >= len(bs) {
			return textOp{}, fmt.Errorf("%w: transform ran past operation end", types.ErrMalformedOperation)
		}
		sa, sb := &as[ia], &bs[ib]
		n := sa.n
		if sb.n < n {
			n = sb.n
		}
		switch {
		case sa.kind == spanRetain && sb.kind == spanRetain:
			out.retain(n, sa.attrs)
		case sa.kind == spanDelete && sb.kind == spanRetain:
			out.delete(n)
		case sa.kind == spanRetain && sb.kind == spanDelete:
			// the text a retained is gone, nothing to carry over
		case sa.kind == spanDelete && sb.kind == spanDelete:
			// already deleted by b, a's delete becomes a no-op here
		}
		advance(sa, &ia, n)
		advance(sb, &ib, n)
	}
	return out, nil
}

func advance(s *span, idx *int, n int) {
	s.n -= n
	if s.kind == spanInsert {
		s.text = s.text[n:]
	}
	if s.n == 0 {
		*idx++
	}
}

func cloneSpans(spans []span) []span {
	out := make([]span, len(spans))
	copy(out, spans)
	for i := range out {
		if out[i].kind == spanInsert {
			text := make([]rune, len(out[i].text))
			copy(text, out[i].text)
			out[i].text = text
		}
	}
	return out
}
