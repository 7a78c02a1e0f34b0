package ot

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func insertAt(pos int, body, clientID string, ts time.Time) Operation {
	return Operation{Kind: Insert, Position: pos, Body: body, ClientID: clientID, Timestamp: ts}
}

func deleteAt(pos, length int, clientID string, ts time.Time) Operation {
	return Operation{Kind: Delete, Position: pos, Length: length, ClientID: clientID, Timestamp: ts}
}

// applyBoth applies a then the rebased b (and vice versa) and requires both
// orders to converge.
func requireConverges(t *testing.T, doc string, a, b Operation) string {
	t.Helper()
	aPrime, bPrime := TransformPair(a, b)

	afterA, err := Apply(doc, a)
	require.NoError(t, err)
	viaA, err := ApplyAll(afterA, bPrime)
	require.NoError(t, err)

	afterB, err := Apply(doc, b)
	require.NoError(t, err)
	viaB, err := ApplyAll(afterB, aPrime)
	require.NoError(t, err)

	require.Equal(t, viaA, viaB, "divergence for a=%+v b=%+v doc=%q", a, b, doc)
	return viaA
}

func TestTransformPair_InsertInsertTieBreak(t *testing.T) {
	doc := "abcdef"

	// Same position, earlier timestamp wins the left slot.
	early := insertAt(3, "X", "client-z", baseTime)
	late := insertAt(3, "Y", "client-a", baseTime.Add(time.Second))
	final := requireConverges(t, doc, early, late)
	assert.Equal(t, "abcXYdef", final)

	// Identical timestamps fall back to client id ordering.
	a := insertAt(3, "X", "client-a", baseTime)
	z := insertAt(3, "Y", "client-z", baseTime)
	final = requireConverges(t, doc, a, z)
	assert.Equal(t, "abcXYdef", final)
}

func TestTransformPair_InsertBeforeAndAfterDelete(t *testing.T) {
	doc := "0123456789"

	// Insert after the deleted range shifts left.
	ins := insertAt(8, "X", "a", baseTime)
	del := deleteAt(2, 4, "b", baseTime)
	final := requireConverges(t, doc, ins, del)
	assert.Equal(t, "0167X89", final)

	// Insert before the deleted range is untouched.
	ins = insertAt(1, "X", "a", baseTime)
	final = requireConverges(t, doc, ins, del)
	assert.Equal(t, "0X16789", final)
}

func TestTransformPair_InsertInsideDeleteSurvives(t *testing.T) {
	doc := "0123456789"
	ins := insertAt(4, "XY", "a", baseTime)
	del := deleteAt(2, 6, "b", baseTime)

	final := requireConverges(t, doc, ins, del)
	// the insert survives, remapped to the deletion start boundary
	assert.Equal(t, "01XY89", final)

	// and the delete had to split around the inserted text
	delPrime := Transform(del, ins)
	require.Len(t, delPrime, 2)
	assert.Equal(t, Delete, delPrime[0].Kind)
	assert.Equal(t, Delete, delPrime[1].Kind)
	assert.Equal(t, del.Length, delPrime[0].Length+delPrime[1].Length)
}

func TestTransformPair_OverlappingDeletesRemoveOnce(t *testing.T) {
	doc := "0123456789AB"
	a := deleteAt(2, 6, "a", baseTime) // [2,8)
	b := deleteAt(4, 6, "b", baseTime) // [4,10)

	final := requireConverges(t, doc, a, b)
	assert.Equal(t, "01AB", final)
}

func TestTransformPair_FullyShadowedDeleteIsDropped(t *testing.T) {
	inner := deleteAt(4, 2, "a", baseTime)
	outer := deleteAt(2, 6, "b", baseTime)

	innerPrime := Transform(inner, outer)
	assert.Empty(t, innerPrime)

	final := requireConverges(t, "0123456789", inner, outer)
	assert.Equal(t, "0189", final)
}

// Scenario from the concurrent editing contract: A inserts "Hello " at 0
// while B deletes the first five characters of the same base text.
func TestTransformPair_InsertVersusLeadingDelete(t *testing.T) {
	doc := "World and more"
	ins := insertAt(0, "Hello ", "client-a", baseTime)
	del := deleteAt(0, 5, "client-b", baseTime.Add(time.Millisecond))

	final := requireConverges(t, doc, ins, del)
	assert.Equal(t, "Hello  and more", final)
}

func TestTransformSeq_Convergence(t *testing.T) {
	doc := "0123456789"
	as := []Operation{
		insertAt(2, "foo", "a", baseTime),
		deleteAt(6, 3, "a", baseTime.Add(time.Millisecond)),
	}
	bs := []Operation{
		deleteAt(1, 4, "b", baseTime.Add(2*time.Millisecond)),
		insertAt(3, "bar", "b", baseTime.Add(3*time.Millisecond)),
	}

	asPrime, bsPrime := TransformSeq(as, bs)

	afterAs, err := ApplyAll(doc, as)
	require.NoError(t, err)
	viaAs, err := ApplyAll(afterAs, bsPrime)
	require.NoError(t, err)

	afterBs, err := ApplyAll(doc, bs)
	require.NoError(t, err)
	viaBs, err := ApplyAll(afterBs, asPrime)
	require.NoError(t, err)

	assert.Equal(t, viaAs, viaBs)
}

// Randomized convergence property over single-operation pairs.
func TestTransformPair_ConvergenceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		doc := randomText(rng, 1+rng.Intn(30))
		a := randomOp(rng, len(doc), "client-a", i)
		b := randomOp(rng, len(doc), "client-b", i)
		requireConverges(t, doc, a, b)
	}
}

// Randomized convergence property over operation sequences.
func TestTransformSeq_ConvergenceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		doc := randomText(rng, 5+rng.Intn(30))
		as := randomSeq(rng, doc, "client-a", i)
		bs := randomSeq(rng, doc, "client-b", i)

		asPrime, bsPrime := TransformSeq(as, bs)

		afterAs, err := ApplyAll(doc, as)
		require.NoError(t, err)
		viaAs, err := ApplyAll(afterAs, bsPrime)
		require.NoError(t, err)

		afterBs, err := ApplyAll(doc, bs)
		require.NoError(t, err)
		viaBs, err := ApplyAll(afterBs, asPrime)
		require.NoError(t, err)

		require.Equal(t, viaAs, viaBs, "iteration %d doc=%q as=%+v bs=%+v", i, doc, as, bs)
	}
}

func TestTransformPosition(t *testing.T) {
	ins := insertAt(3, "XX", "a", baseTime)
	assert.Equal(t, 2, TransformPosition(2, ins, true))
	assert.Equal(t, 3, TransformPosition(3, ins, true), "trailing position at insert point stays")
	assert.Equal(t, 5, TransformPosition(3, ins, false), "leading position at insert point shifts")
	assert.Equal(t, 7, TransformPosition(5, ins, true))

	del := deleteAt(2, 4, "a", baseTime) // [2,6)
	assert.Equal(t, 2, TransformPosition(2, del, true))
	assert.Equal(t, 2, TransformPosition(4, del, true), "position inside range clamps to start")
	assert.Equal(t, 4, TransformPosition(8, del, true))
}

func TestTransformRange(t *testing.T) {
	// Insert strictly before: both bounds shift, span preserved.
	start, end, collapsed := TransformRange(4, 8, insertAt(1, "XYZ", "a", baseTime))
	assert.False(t, collapsed)
	assert.Equal(t, 7, start)
	assert.Equal(t, 11, end)

	// Delete overlapping the front shrinks the range.
	start, end, collapsed = TransformRange(4, 8, deleteAt(2, 4, "a", baseTime))
	assert.False(t, collapsed)
	assert.Equal(t, 2, start)
	assert.Equal(t, 4, end)

	// Delete fully containing the range collapses it.
	start, end, collapsed = TransformRange(4, 8, deleteAt(3, 7, "a", baseTime))
	assert.True(t, collapsed)
	assert.Equal(t, start, end)
}

func randomText(rng *rand.Rand, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(buf)
}

func randomOp(rng *rand.Rand, docLen int, clientID string, seq int) Operation {
	ts := baseTime.Add(time.Duration(rng.Intn(3)) * time.Millisecond)
	if docLen == 0 || rng.Intn(2) == 0 {
		pos := rng.Intn(docLen + 1)
		return Operation{
			Kind: Insert, Position: pos, Body: fmt.Sprintf("<%s%d>", clientID[:1], seq%10),
			ClientID: clientID, Timestamp: ts,
		}
	}
	pos := rng.Intn(docLen)
	length := 1 + rng.Intn(docLen-pos)
	return Operation{Kind: Delete, Position: pos, Length: length, ClientID: clientID, Timestamp: ts}
}

func randomSeq(rng *rand.Rand, doc string, clientID string, seq int) []Operation {
	n := 1 + rng.Intn(3)
	ops := make([]Operation, 0, n)
	current := doc
	for i := 0; i < n; i++ {
		op := randomOp(rng, len(current), clientID, seq*10+i)
		next, err := Apply(current, op)
		if err != nil {
			continue
		}
		ops = append(ops, op)
		current = next
	}
	return ops
}
