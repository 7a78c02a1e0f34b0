package comment

import (
	"context"
	"fmt"
	"sync"

	apierrors "collab-engine/internal/errors"
	"collab-engine/internal/ot"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Filter narrows anchor listings.
type Filter string

const (
	FilterOpen     Filter = "open"
	FilterResolved Filter = "resolved"
	FilterAll      Filter = "all"
)

// Service keeps comment anchors consistent with the operation log. Anchor
// repositioning runs inside the document's critical section (as a commit
// hook), so all anchor math for one document is serialized with its edits.
type Service struct {
	mu      sync.Mutex
	threads map[string][]*Comment // documentID -> all comments, projection of the repository
	loaded  map[string]bool

	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		threads: make(map[string][]*Comment),
		loaded:  make(map[string]bool),
		repo:    repo,
		logger:  logger.With().Str("component", "comment").Logger(),
	}
}

// CreateInput is the payload for a new comment or reply.
type CreateInput struct {
	DocumentID string
	AuthorID   uint64
	AuthorName string
	Content    string
	// Anchor range and the revision it was captured against. Ignored for
	// replies, which inherit the thread of their parent.
	AnchorStart int
	AnchorEnd   int
	Revision    uint64
	ParentID    string
}

// Create anchors a new thread, or appends a reply to an existing one.
// currentText is the document content at in.Revision, used to capture the
// anchored text.
func (s *Service) Create(ctx context.Context, in CreateInput, currentText string) (*Comment, error) {
	if in.Content == "" {
		return nil, apierrors.BadRequest("Comment content is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx, in.DocumentID); err != nil {
		return nil, err
	}

	c := &Comment{
		ID:         xid.New().String(),
		DocumentID: in.DocumentID,
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Content:    in.Content,
		Status:     StatusOpen,
	}

	if in.ParentID != "" {
		parent := s.findLocked(in.DocumentID, in.ParentID)
		if parent == nil {
			return nil, apierrors.NotFound("Parent comment not found", nil)
		}
		c.ThreadID = parent.ThreadID
		c.ParentID = &parent.ID
	} else {
		if in.AnchorStart < 0 || in.AnchorEnd < in.AnchorStart || in.AnchorEnd > len(currentText) {
			return nil, apierrors.UnprocessableEntity(
				fmt.Sprintf("Anchor [%d,%d) out of bounds", in.AnchorStart, in.AnchorEnd), nil)
		}
		c.ThreadID = c.ID
		c.AnchorStart = in.AnchorStart
		c.AnchorEnd = in.AnchorEnd
		c.AnchoredText = currentText[in.AnchorStart:in.AnchorEnd]
		c.RevisionAtCreation = in.Revision
	}

	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.threads[in.DocumentID] = append(s.threads[in.DocumentID], c)
	copied := *c
	return &copied, nil
}

// Resolve marks a thread resolved. The status flip applies to the thread
// root only; replies are untouched. Resolving by a reply id resolves its
// thread's root.
func (s *Service) Resolve(ctx context.Context, documentID, commentID string) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx, documentID); err != nil {
		return nil, err
	}

	c := s.findLocked(documentID, commentID)
	if c == nil {
		return nil, apierrors.NotFound("Comment not found", nil)
	}
	root := s.findLocked(documentID, c.ThreadID)
	if root == nil {
		return nil, apierrors.NotFound("Thread root not found", nil)
	}
	if root.Status == StatusOpen {
		root.Status = StatusResolved
		if err := s.repo.Update(ctx, root); err != nil {
			return nil, err
		}
	}
	copied := *root
	return &copied, nil
}

// List returns comments for a document; filter applies to thread-root status,
// replies follow their root.
func (s *Service) List(ctx context.Context, documentID string, filter Filter) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx, documentID); err != nil {
		return nil, err
	}

	rootStatus := make(map[string]Status)
	for _, c := range s.threads[documentID] {
		if c.IsThreadRoot() {
			rootStatus[c.ThreadID] = c.Status
		}
	}

	out := make([]Comment, 0, len(s.threads[documentID]))
	for _, c := range s.threads[documentID] {
		switch filter {
		case FilterOpen:
			if st := rootStatus[c.ThreadID]; st != StatusOpen && st != StatusOrphaned {
				continue
			}
		case FilterResolved:
			if rootStatus[c.ThreadID] != StatusResolved {
				continue
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

// ApplyOperation repositions every anchor on the document for one committed
// operation, using the same positional transform the log uses to rebase
// operations. currentText is the content after the operation applied.
func (s *Service) ApplyOperation(ctx context.Context, op ot.Operation, currentText string) {
	if op.IsNoop() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx, op.DocumentID); err != nil {
		s.logger.Error().Err(err).Str("document_id", op.DocumentID).Msg("anchor load failed")
		return
	}

	for _, c := range s.threads[op.DocumentID] {
		if !c.IsThreadRoot() || c.Status == StatusOrphaned {
			continue
		}
		start, end, collapsed := ot.TransformRange(c.AnchorStart, c.AnchorEnd, op)
		if start == c.AnchorStart && end == c.AnchorEnd && !collapsed {
			continue
		}
		c.AnchorStart = start
		c.AnchorEnd = end
		if collapsed {
			// the full anchored span was deleted: keep the record, flag it
			c.Status = StatusOrphaned
			c.AnchoredText = ""
		} else if end <= len(currentText) {
			c.AnchoredText = currentText[start:end]
		}
		if err := s.repo.Update(ctx, c); err != nil {
			s.logger.Error().Err(err).Str("comment_id", c.ID).Msg("anchor persist failed")
		}
	}
}

func (s *Service) ensureLoaded(ctx context.Context, documentID string) error {
	if s.loaded[documentID] {
		return nil
	}
	stored, err := s.repo.ListByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	s.threads[documentID] = stored
	s.loaded[documentID] = true
	return nil
}

func (s *Service) findLocked(documentID, commentID string) *Comment {
	for _, c := range s.threads[documentID] {
		if c.ID == commentID {
			return c
		}
	}
	return nil
}
