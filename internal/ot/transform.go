package ot

// This file implements operational transformation for the primitive
// operations in operation.go. TransformPair is the core: given two operations
// generated against the same base text, it rewrites each so it applies after
// the other, such that both application orders converge to identical text
// (transform property TP1).
//
// Concurrent insertions at the same position are ordered by
// (timestamp, clientId) ascending. Overlapping deletes remove the shared span
// exactly once. An insertion inside a concurrently deleted range survives at
// the deletion start boundary, which forces the delete to split around it,
// hence transforms return slices.

// InsertsBefore reports whether insert a wins the position tie against
// insert b, i.e. a's text ends up left of b's.
func InsertsBefore(a, b Operation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.ClientID != b.ClientID {
		return a.ClientID < b.ClientID
	}
	return a.OperationID < b.OperationID
}

// TransformPair rebases a and b against each other. The returned aPrime
// applies after b, bPrime after a. Either side may be empty (a delete fully
// shadowed by the other) or hold two primitives (a delete split by an
// insert).
func TransformPair(a, b Operation) (aPrime, bPrime []Operation) {
	return transformOne(a, b), transformOne(b, a)
}

// Transform returns the version of a that applies cleanly after b.
func Transform(a, b Operation) []Operation {
	return transformOne(a, b)
}

// TransformSeq rebases the sequential operation list as against the
// sequential list bs, both lists starting from the same base text. It returns
// both rebased lists, decomposing the problem into single-pair transforms via
// the usual diamond construction.
func TransformSeq(as, bs []Operation) (asPrime, bsPrime []Operation) {
	if len(as) == 0 || len(bs) == 0 {
		return as, bs
	}
	if len(as) == 1 && len(bs) == 1 {
		return TransformPair(as[0], bs[0])
	}
	if len(as) > 1 {
		headPrime, bsMid := TransformSeq(as[:1], bs)
		tailPrime, bsOut := TransformSeq(as[1:], bsMid)
		return append(headPrime, tailPrime...), bsOut
	}
	asMid, headPrime := TransformSeq(as, bs[:1])
	asOut, tailPrime := TransformSeq(asMid, bs[1:])
	return asOut, append(headPrime, tailPrime...)
}

func transformOne(a, b Operation) []Operation {
	if a.IsNoop() && a.Kind != Retain {
		// zero-span insert/delete, nothing to reposition
		return nil
	}
	if b.IsNoop() {
		return []Operation{a}
	}
	if a.Kind == Retain {
		return []Operation{a}
	}

	switch {
	case a.Kind == Insert && b.Kind == Insert:
		return []Operation{transformInsertInsert(a, b)}
	case a.Kind == Insert && b.Kind == Delete:
		return []Operation{transformInsertDelete(a, b)}
	case a.Kind == Delete && b.Kind == Insert:
		return transformDeleteInsert(a, b)
	case a.Kind == Delete && b.Kind == Delete:
		return transformDeleteDelete(a, b)
	}
	return []Operation{a}
}

func transformInsertInsert(a, b Operation) Operation {
	if b.Position < a.Position || (b.Position == a.Position && InsertsBefore(b, a)) {
		a.Position += b.Span()
	}
	return a
}

func transformInsertDelete(a, b Operation) Operation {
	switch {
	case b.End() <= a.Position:
		// deletion entirely before the insert
		a.Position -= b.Length
	case b.Position < a.Position:
		// insert falls inside the deleted range: it survives, remapped to
		// the deletion start boundary
		a.Position = b.Position
	}
	return a
}

func transformDeleteInsert(a, b Operation) []Operation {
	switch {
	case b.Position <= a.Position:
		// insert before the range, shift right
		a.Position += b.Span()
		return []Operation{a}
	case b.Position >= a.End():
		return []Operation{a}
	}
	// Insert landed strictly inside the range being deleted. The inserted
	// text must survive, so the delete splits around it: left part first,
	// then the remainder, whose position accounts for both the removed left
	// part and the inserted text.
	left := a
	left.Length = b.Position - a.Position
	right := a
	right.Position = a.Position + b.Span()
	right.Length = a.Length - left.Length
	return []Operation{left, right}
}

func transformDeleteDelete(a, b Operation) []Operation {
	switch {
	case b.End() <= a.Position:
		a.Position -= b.Length
		return []Operation{a}
	case a.End() <= b.Position:
		return []Operation{a}
	}
	// Overlap: the shared span is already gone, delete only what remains.
	overlap := min(a.End(), b.End()) - max(a.Position, b.Position)
	remaining := a.Length - overlap
	if remaining == 0 {
		return nil
	}
	a.Position = min(a.Position, b.Position)
	a.Length = remaining
	return []Operation{a}
}

// TransformPosition maps a caret position across a committed operation.
// trailing controls behavior for an insert landing exactly at pos: a
// trailing position (range end, caret) stays put, a leading position (range
// start) shifts right so the original character span is preserved.
func TransformPosition(pos int, op Operation, trailing bool) int {
	switch op.Kind {
	case Insert:
		if op.Position < pos || (op.Position == pos && !trailing) {
			return pos + op.Span()
		}
		return pos
	case Delete:
		if pos <= op.Position {
			return pos
		}
		if pos >= op.End() {
			return pos - op.Length
		}
		return op.Position
	}
	return pos
}

// TransformRange maps [start, end) across a committed operation. collapsed
// reports that the operation deleted the entire range.
func TransformRange(start, end int, op Operation) (newStart, newEnd int, collapsed bool) {
	if op.Kind == Delete && op.Position <= start && end <= op.End() {
		return op.Position, op.Position, true
	}
	newStart = TransformPosition(start, op, false)
	newEnd = TransformPosition(end, op, true)
	if newEnd < newStart {
		newEnd = newStart
	}
	return newStart, newEnd, false
}
