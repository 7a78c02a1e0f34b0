package oplog

import (
	"context"
	"fmt"
	"sync"
	"time"

	apierrors "collab-engine/internal/errors"
	"collab-engine/internal/ot"

	"github.com/rs/zerolog"
)

// CommittedOp is an operation that was assigned a revision. Immutable.
type CommittedOp struct {
	Revision uint64       `json:"revision"`
	AuthorID uint64       `json:"author_id"`
	Op       ot.Operation `json:"op"`
}

// CommitResult reports the outcome of an append. Revision is the head after
// commit; Transformed holds the primitives actually applied (a stale base
// revision may have reshaped, split, or cancelled the original operation).
type CommitResult struct {
	Revision    uint64
	Transformed []ot.Operation
}

// Storage is the durable collaborator consumed by the log. Implementations
// must be safe for concurrent use across documents.
type Storage interface {
	PersistOperation(ctx context.Context, op CommittedOp) error
	// LoadOperationsSince returns committed ops with revision > afterRevision
	// in ascending revision order.
	LoadOperationsSince(ctx context.Context, documentID string, afterRevision uint64) ([]CommittedOp, error)
	// LoadLatestSnapshot returns the newest checkpoint, or ("", 0, nil) when
	// the document has never been snapshotted.
	LoadLatestSnapshot(ctx context.Context, documentID string) (content string, revision uint64, err error)
	// DeleteOperationsThrough compacts persisted ops with revision <= revision.
	DeleteOperationsThrough(ctx context.Context, documentID string, revision uint64) error
}

// CommitHook runs synchronously inside the document critical section after
// each committed primitive, before the next one applies. Used by the comment
// anchor tracker to keep its projection consistent with the log.
type CommitHook func(op CommittedOp, content string)

// Log is the append-only operation log for a single document, and that
// document's exclusive serialization point: every mutation funnels through
// its mutex.
type Log struct {
	mu sync.Mutex

	documentID string
	revision   uint64
	content    string

	recent  []CommittedOp // ring of recent commits, oldest first
	ringCap int
	// oldest revision still reachable (ring or storage); revisions at or
	// below it, other than 0, have been compacted away
	compactedThrough uint64

	lastOpByClient map[string]uint64

	storage Storage
	hooks   []CommitHook
	logger  zerolog.Logger
}

func newLog(documentID string, storage Storage, ringCap int, logger zerolog.Logger) *Log {
	if ringCap <= 0 {
		ringCap = 1024
	}
	return &Log{
		documentID:     documentID,
		ringCap:        ringCap,
		lastOpByClient: make(map[string]uint64),
		storage:        storage,
		logger:         logger.With().Str("document_id", documentID).Logger(),
	}
}

// hydrate loads the nearest snapshot and replays persisted operations after
// it. Called once, under the registry's lock, before the log is published.
func (l *Log) hydrate(ctx context.Context) error {
	content, revision, err := l.storage.LoadLatestSnapshot(ctx, l.documentID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	l.content = content
	l.revision = revision
	l.compactedThrough = revision

	ops, err := l.storage.LoadOperationsSince(ctx, l.documentID, revision)
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	for _, c := range ops {
		next, err := ot.Apply(l.content, c.Op)
		if err != nil {
			return fmt.Errorf("replay revision %d: %w", c.Revision, err)
		}
		l.content = next
		l.revision = c.Revision
		l.pushRecent(c)
		if c.Op.ClientID != "" && c.Op.OperationID > l.lastOpByClient[c.Op.ClientID] {
			l.lastOpByClient[c.Op.ClientID] = c.Op.OperationID
		}
	}
	return nil
}

// OnCommit registers a hook. Must be called before the log receives traffic.
func (l *Log) OnCommit(h CommitHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Content returns the current text and head revision.
func (l *Log) Content() (string, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.content, l.revision
}

// Append commits op generated against expectedRevision. A stale base is
// rebased through the transform engine against everything committed since.
// Committed operations are never rolled back, even if the originating client
// disconnects before seeing the ack.
func (l *Log) Append(ctx context.Context, authorID uint64, op ot.Operation, expectedRevision uint64) (CommitResult, error) {
	if err := op.Validate(); err != nil {
		return CommitResult{}, apierrors.BadRequest("Invalid operation", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if op.ClientID != "" {
		if last, ok := l.lastOpByClient[op.ClientID]; ok && op.OperationID <= last {
			return CommitResult{Revision: l.revision}, apierrors.ErrDuplicateOperation
		}
	}
	if expectedRevision > l.revision {
		return CommitResult{}, apierrors.ErrRevisionAhead
	}

	transformed := []ot.Operation{op}
	if expectedRevision < l.revision {
		concurrent, err := l.operationsSinceLocked(ctx, expectedRevision)
		if err != nil {
			return CommitResult{}, err
		}
		for _, c := range concurrent {
			transformed, _ = ot.TransformSeq(transformed, []ot.Operation{c.Op})
		}
	}

	// A fully cancelled operation still owns a revision so the client gets a
	// definite ack and per-client ordering stays observable in the history.
	if len(transformed) == 0 {
		transformed = []ot.Operation{{
			DocumentID:  op.DocumentID,
			ClientID:    op.ClientID,
			OperationID: op.OperationID,
			Kind:        ot.Retain,
			Timestamp:   op.Timestamp,
		}}
	}

	// Dry-run every primitive before mutating anything: either the whole
	// submission commits or none of it does.
	staged := l.content
	for _, p := range transformed {
		next, err := ot.Apply(staged, p)
		if err != nil {
			l.logger.Error().Err(err).
				Str("client_id", op.ClientID).
				Uint64("operation_id", op.OperationID).
				Msg("transform invariant violation, dropping operation")
			return CommitResult{}, fmt.Errorf("%w: %v", apierrors.ErrTransformInvariant, err)
		}
		staged = next
	}

	for _, p := range transformed {
		next, _ := ot.Apply(l.content, p)
		l.revision++
		c := CommittedOp{Revision: l.revision, AuthorID: authorID, Op: p}
		if err := l.storage.PersistOperation(ctx, c); err != nil {
			// revision was not observed outside the lock yet, safe to undo
			l.revision--
			return CommitResult{}, fmt.Errorf("persist operation: %w", err)
		}
		l.content = next
		l.pushRecent(c)
		for _, h := range l.hooks {
			h(c, l.content)
		}
	}

	if op.ClientID != "" {
		l.lastOpByClient[op.ClientID] = op.OperationID
	}
	return CommitResult{Revision: l.revision, Transformed: transformed}, nil
}

// Replace commits a synthetic full-content replacement (delete-all followed
// by insert) at the head revision. Used by version restore so the restore
// participates in the same convergence machinery as ordinary edits.
func (l *Log) Replace(ctx context.Context, authorID uint64, clientID string, operationID uint64, content string) (CommitResult, error) {
	l.mu.Lock()
	head := l.revision
	current := l.content
	l.mu.Unlock()

	now := time.Now().UTC()
	del := ot.Operation{
		DocumentID: l.documentID, ClientID: clientID, OperationID: operationID,
		Kind: ot.Delete, Position: 0, Length: len(current), Timestamp: now,
	}
	ins := ot.Operation{
		DocumentID: l.documentID, ClientID: clientID, OperationID: operationID + 1,
		Kind: ot.Insert, Position: 0, Body: content, Timestamp: now,
	}

	delRes, err := l.Append(ctx, authorID, del, head)
	if err != nil {
		return CommitResult{}, err
	}
	// the insert is based on the delete's commit revision; Append rebases it
	// if anything else slipped in between
	return l.Append(ctx, authorID, ins, delRes.Revision)
}

// OperationsSince returns committed operations with revision > revision in
// order. Returns ErrRevisionNotFound when the revision predates retained
// history; the caller must fall back to snapshot + partial replay.
func (l *Log) OperationsSince(ctx context.Context, revision uint64) ([]CommittedOp, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.operationsSinceLocked(ctx, revision)
}

func (l *Log) operationsSinceLocked(ctx context.Context, revision uint64) ([]CommittedOp, error) {
	if revision >= l.revision {
		return nil, nil
	}
	// served from the in-memory ring when it reaches back far enough
	if n := len(l.recent); n > 0 && l.recent[0].Revision <= revision+1 {
		out := make([]CommittedOp, 0, n)
		for _, c := range l.recent {
			if c.Revision > revision {
				out = append(out, c)
			}
		}
		return out, nil
	}
	if revision < l.compactedThrough {
		return nil, apierrors.ErrRevisionNotFound
	}
	return l.storage.LoadOperationsSince(ctx, l.documentID, revision)
}

// CompactThrough drops persisted history up to and including revision,
// typically right after a snapshot covering it was made durable.
func (l *Log) CompactThrough(ctx context.Context, revision uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if revision <= l.compactedThrough {
		return nil
	}
	if err := l.storage.DeleteOperationsThrough(ctx, l.documentID, revision); err != nil {
		return err
	}
	l.compactedThrough = revision
	return nil
}

func (l *Log) pushRecent(c CommittedOp) {
	if len(l.recent) == l.ringCap {
		copy(l.recent, l.recent[1:])
		l.recent = l.recent[:len(l.recent)-1]
	}
	l.recent = append(l.recent, c)
}
