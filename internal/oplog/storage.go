package oplog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"collab-engine/internal/ot"

	"gorm.io/gorm"
)

// OperationRecord is the persisted form of a committed operation.
type OperationRecord struct {
	ID          uint64 `gorm:"primaryKey"`
	DocumentID  string `gorm:"index:idx_doc_revision,unique"`
	Revision    uint64 `gorm:"index:idx_doc_revision,unique"`
	AuthorID    uint64
	ClientID    string
	OperationID uint64
	Kind        string
	Position    int
	Body        string
	Length      int
	Timestamp   time.Time
	CreatedAt   time.Time
}

// SnapshotLoader supplies the newest durable checkpoint; implemented by the
// snapshot repository and injected here to keep the two schemas separate.
type SnapshotLoader interface {
	LatestContent(ctx context.Context, documentID string) (content string, revision uint64, err error)
}

// GormStorage persists operations through gorm and delegates snapshot reads
// to the snapshot repository.
type GormStorage struct {
	db        *gorm.DB
	snapshots SnapshotLoader
}

func NewGormStorage(db *gorm.DB, snapshots SnapshotLoader) *GormStorage {
	return &GormStorage{db: db, snapshots: snapshots}
}

func (s *GormStorage) PersistOperation(ctx context.Context, c CommittedOp) error {
	rec := OperationRecord{
		DocumentID:  c.Op.DocumentID,
		Revision:    c.Revision,
		AuthorID:    c.AuthorID,
		ClientID:    c.Op.ClientID,
		OperationID: c.Op.OperationID,
		Kind:        string(c.Op.Kind),
		Position:    c.Op.Position,
		Body:        c.Op.Body,
		Length:      c.Op.Length,
		Timestamp:   c.Op.Timestamp,
		CreatedAt:   time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *GormStorage) LoadOperationsSince(ctx context.Context, documentID string, afterRevision uint64) ([]CommittedOp, error) {
	var recs []OperationRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND revision > ?", documentID, afterRevision).
		Order("revision ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]CommittedOp, 0, len(recs))
	for _, r := range recs {
		out = append(out, CommittedOp{
			Revision: r.Revision,
			AuthorID: r.AuthorID,
			Op: ot.Operation{
				DocumentID:  r.DocumentID,
				ClientID:    r.ClientID,
				OperationID: r.OperationID,
				Kind:        ot.Kind(r.Kind),
				Position:    r.Position,
				Body:        r.Body,
				Length:      r.Length,
				Timestamp:   r.Timestamp,
			},
		})
	}
	return out, nil
}

func (s *GormStorage) LoadLatestSnapshot(ctx context.Context, documentID string) (string, uint64, error) {
	return s.snapshots.LatestContent(ctx, documentID)
}

func (s *GormStorage) DeleteOperationsThrough(ctx context.Context, documentID string, revision uint64) error {
	return s.db.WithContext(ctx).
		Where("document_id = ? AND revision <= ?", documentID, revision).
		Delete(&OperationRecord{}).Error
}

// MemoryStorage keeps everything in process. Used by tests and as a fallback
// when no database is configured.
type MemoryStorage struct {
	mu        sync.Mutex
	ops       map[string][]CommittedOp
	snapshots map[string]memorySnapshot
}

type memorySnapshot struct {
	content  string
	revision uint64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		ops:       make(map[string][]CommittedOp),
		snapshots: make(map[string]memorySnapshot),
	}
}

func (s *MemoryStorage) PersistOperation(_ context.Context, c CommittedOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// deep-ish copy through json keeps callers from aliasing stored state
	buf, _ := json.Marshal(c)
	var stored CommittedOp
	_ = json.Unmarshal(buf, &stored)
	s.ops[c.Op.DocumentID] = append(s.ops[c.Op.DocumentID], stored)
	return nil
}

func (s *MemoryStorage) LoadOperationsSince(_ context.Context, documentID string, afterRevision uint64) ([]CommittedOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.ops[documentID]
	out := make([]CommittedOp, 0, len(all))
	for _, c := range all {
		if c.Revision > afterRevision {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

func (s *MemoryStorage) LoadLatestSnapshot(_ context.Context, documentID string) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshots[documentID]
	return snap.content, snap.revision, nil
}

// SetSnapshot records a checkpoint, mirroring what the snapshot repository
// does in the gorm-backed setup.
func (s *MemoryStorage) SetSnapshot(documentID, content string, revision uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[documentID] = memorySnapshot{content: content, revision: revision}
}

func (s *MemoryStorage) DeleteOperationsThrough(_ context.Context, documentID string, revision uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ops[documentID][:0]
	for _, c := range s.ops[documentID] {
		if c.Revision > revision {
			kept = append(kept, c)
		}
	}
	s.ops[documentID] = kept
	return nil
}
