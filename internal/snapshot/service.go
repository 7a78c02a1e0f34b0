package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apierrors "collab-engine/internal/errors"
	"collab-engine/internal/oplog"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"
	"gorm.io/gorm"
)

// Service creates, lists, diffs, and restores document versions. Auto-saves
// are throttled per document; manual saves always go through.
type Service struct {
	mu         sync.Mutex
	perDoc     map[string]*docState
	repo       Repository
	logs       *oplog.Registry
	minGap     time.Duration
	minOpCount uint64
	now        func() time.Time
	logger     zerolog.Logger
}

type docState struct {
	nextVersion    uint64
	lastAutoSave   time.Time
	lastAutoSaveAt uint64 // revision covered by the last auto snapshot
	loaded         bool
}

func NewService(repo Repository, logs *oplog.Registry, minGap time.Duration, minOpCount uint64, logger zerolog.Logger) *Service {
	return &Service{
		perDoc:     make(map[string]*docState),
		repo:       repo,
		logs:       logs,
		minGap:     minGap,
		minOpCount: minOpCount,
		now:        time.Now,
		logger:     logger.With().Str("component", "snapshot").Logger(),
	}
}

// CreateInput describes a snapshot request.
type CreateInput struct {
	DocumentID        string
	AuthorID          uint64
	ChangeDescription string
	Trigger           Trigger
}

// Create captures the document head as a new version. Auto-save requests are
// silently skipped (nil, nil) when neither enough time nor enough operations
// have passed since the last auto snapshot; manual requests are never
// throttled. History older than the new snapshot is compacted afterwards.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Snapshot, error) {
	log, err := s.logs.Get(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	content, revision := log.Content()

	s.mu.Lock()
	st, err := s.stateLocked(ctx, in.DocumentID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if in.Trigger == TriggerAuto {
		elapsed := s.now().Sub(st.lastAutoSave)
		opsSince := revision - st.lastAutoSaveAt
		if elapsed < s.minGap && opsSince < s.minOpCount {
			s.mu.Unlock()
			return nil, nil
		}
		st.lastAutoSave = s.now()
		st.lastAutoSaveAt = revision
	}
	snap := &Snapshot{
		DocumentID:         in.DocumentID,
		VersionNumber:      st.nextVersion,
		RevisionAtSnapshot: revision,
		ContentHash:        HashContent(content),
		Content:            content,
		AuthorID:           in.AuthorID,
		ChangeDescription:  in.ChangeDescription,
		IsAutoSave:         in.Trigger == TriggerAuto,
	}
	st.nextVersion++
	s.mu.Unlock()

	if err := s.repo.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	s.logger.Info().
		Str("document_id", in.DocumentID).
		Uint64("version", snap.VersionNumber).
		Uint64("revision", revision).
		Bool("auto", snap.IsAutoSave).
		Msg("snapshot created")

	// ops covered by this snapshot are no longer needed for hydration
	if err := log.CompactThrough(ctx, revision); err != nil {
		s.logger.Warn().Err(err).Str("document_id", in.DocumentID).Msg("compaction failed")
	}
	return snap, nil
}

// Restore commits the content of an earlier version as a new edit at the
// head. History is never rewritten; concurrent editors see the restore as a
// replace operation and converge on it like any other edit.
func (s *Service) Restore(ctx context.Context, documentID string, version uint64, authorID uint64) (*Snapshot, error) {
	target, err := s.repo.FindByVersion(ctx, documentID, version)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierrors.NotFound("Version not found", err)
	}
	if err != nil {
		return nil, err
	}

	log, err := s.logs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := log.Replace(ctx, authorID, "restore:"+xid.New().String(), 1, target.Content); err != nil {
		return nil, err
	}

	return s.Create(ctx, CreateInput{
		DocumentID:        documentID,
		AuthorID:          authorID,
		ChangeDescription: fmt.Sprintf("Restored from version %d", version),
		Trigger:           TriggerManual,
	})
}

// Get returns one version including its content.
func (s *Service) Get(ctx context.Context, documentID string, version uint64) (*Snapshot, error) {
	snap, err := s.repo.FindByVersion(ctx, documentID, version)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierrors.NotFound("Version not found", err)
	}
	return snap, err
}

// List returns versions newest first, paginated.
func (s *Service) List(ctx context.Context, documentID string, page, perPage int) ([]Snapshot, int64, error) {
	return s.repo.ListByDocument(ctx, documentID, page, perPage)
}

// LineChange is one row of a version diff.
type LineChange struct {
	Type string `json:"type"` // "added", "removed", "unchanged"
	Text string `json:"text"`
}

// Diff compares two versions line by line.
func (s *Service) Diff(ctx context.Context, documentID string, fromVersion, toVersion uint64) ([]LineChange, error) {
	from, err := s.Get(ctx, documentID, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := s.Get(ctx, documentID, toVersion)
	if err != nil {
		return nil, err
	}
	return DiffLines(from.Content, to.Content), nil
}

// DiffLines computes a line-level diff using diff-match-patch's line mode.
func DiffLines(before, after string) []LineChange {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	out := make([]LineChange, 0, len(diffs))
	for _, d := range diffs {
		var typ string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			typ = "added"
		case diffmatchpatch.DiffDelete:
			typ = "removed"
		default:
			typ = "unchanged"
		}
		out = append(out, LineChange{Type: typ, Text: d.Text})
	}
	return out
}

// stateLocked lazily seeds the per-document version counter from storage.
func (s *Service) stateLocked(ctx context.Context, documentID string) (*docState, error) {
	st, ok := s.perDoc[documentID]
	if !ok {
		st = &docState{}
		s.perDoc[documentID] = st
	}
	if !st.loaded {
		latest, err := s.repo.Latest(ctx, documentID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			st.nextVersion = 1
		case err != nil:
			return nil, err
		default:
			st.nextVersion = latest.VersionNumber + 1
			if latest.IsAutoSave {
				st.lastAutoSave = latest.CreatedAt
				st.lastAutoSaveAt = latest.RevisionAtSnapshot
			}
		}
		st.loaded = true
	}
	return st, nil
}
