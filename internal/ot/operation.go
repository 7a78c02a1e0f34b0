package ot

import (
	"fmt"
	"time"
)

// Kind discriminates the primitive text mutations.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
	Retain Kind = "retain"
)

// Operation is a single primitive text mutation generated by one client
// against a known document revision. Operations are immutable once committed.
type Operation struct {
	DocumentID  string    `json:"document_id"`
	ClientID    string    `json:"client_id"`
	OperationID uint64    `json:"operation_id"` // client-assigned, strictly increasing per client
	Kind        Kind      `json:"kind"`
	Position    int       `json:"position"`
	Body        string    `json:"body,omitempty"`   // insert payload
	Length      int       `json:"length,omitempty"` // delete/retain span
	Timestamp   time.Time `json:"timestamp"`
}

// Span is the number of characters the operation touches.
func (op Operation) Span() int {
	if op.Kind == Insert {
		return len(op.Body)
	}
	return op.Length
}

// End is the exclusive upper bound of a delete/retain range.
func (op Operation) End() int {
	return op.Position + op.Length
}

// IsNoop reports whether applying the operation leaves text unchanged.
func (op Operation) IsNoop() bool {
	return op.Kind == Retain || op.Span() == 0
}

// Validate checks structural sanity independent of any document content.
func (op Operation) Validate() error {
	switch op.Kind {
	case Insert, Delete, Retain:
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if op.Position < 0 {
		return fmt.Errorf("negative position %d", op.Position)
	}
	if op.Length < 0 {
		return fmt.Errorf("negative length %d", op.Length)
	}
	if op.Kind == Insert && op.Length != 0 {
		return fmt.Errorf("insert carries a length")
	}
	if op.Kind != Insert && op.Body != "" {
		return fmt.Errorf("%s carries a body", op.Kind)
	}
	return nil
}

// Apply produces the text resulting from op against content. Out-of-bounds
// positions return an error and leave the caller's state untouched.
func Apply(content string, op Operation) (string, error) {
	switch op.Kind {
	case Retain:
		if op.End() > len(content) {
			return "", fmt.Errorf("retain [%d,%d) exceeds length %d", op.Position, op.End(), len(content))
		}
		return content, nil
	case Insert:
		if op.Position > len(content) {
			return "", fmt.Errorf("insert at %d exceeds length %d", op.Position, len(content))
		}
		return content[:op.Position] + op.Body + content[op.Position:], nil
	case Delete:
		if op.End() > len(content) {
			return "", fmt.Errorf("delete [%d,%d) exceeds length %d", op.Position, op.End(), len(content))
		}
		return content[:op.Position] + content[op.End():], nil
	}
	return "", fmt.Errorf("unknown operation kind %q", op.Kind)
}

// ApplyAll folds a sequence of operations over content, in order.
func ApplyAll(content string, ops []Operation) (string, error) {
	var err error
	for _, op := range ops {
		content, err = Apply(content, op)
		if err != nil {
			return "", err
		}
	}
	return content, nil
}
