package snapshot

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Repository is the durable store for version snapshots. It also serves as
// the operation log's snapshot loader.
type Repository interface {
	Create(ctx context.Context, s *Snapshot) error
	FindByVersion(ctx context.Context, documentID string, version uint64) (*Snapshot, error)
	Latest(ctx context.Context, documentID string) (*Snapshot, error)
	ListByDocument(ctx context.Context, documentID string, page, perPage int) ([]Snapshot, int64, error)
	// LatestContent implements oplog.SnapshotLoader. A document with no
	// snapshots yet yields ("", 0, nil).
	LatestContent(ctx context.Context, documentID string) (string, uint64, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Create(ctx context.Context, s *Snapshot) error {
	s.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *GormRepository) FindByVersion(ctx context.Context, documentID string, version uint64) (*Snapshot, error) {
	var s Snapshot
	err := r.db.WithContext(ctx).
		First(&s, "document_id = ? AND version_number = ?", documentID, version).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormRepository) Latest(ctx context.Context, documentID string) (*Snapshot, error) {
	var s Snapshot
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number DESC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormRepository) ListByDocument(ctx context.Context, documentID string, page, perPage int) ([]Snapshot, int64, error) {
	var total int64
	q := r.db.WithContext(ctx).Model(&Snapshot{}).Where("document_id = ?", documentID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []Snapshot
	err := q.Order("version_number DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&out).Error
	return out, total, err
}

func (r *GormRepository) LatestContent(ctx context.Context, documentID string) (string, uint64, error) {
	s, err := r.Latest(ctx, documentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return s.Content, s.RevisionAtSnapshot, nil
}

// MemoryRepository backs tests and database-less runs.
type MemoryRepository struct {
	mu    sync.Mutex
	byDoc map[string][]Snapshot
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byDoc: make(map[string][]Snapshot)}
}

func (r *MemoryRepository) Create(_ context.Context, s *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.CreatedAt = time.Now().UTC()
	r.byDoc[s.DocumentID] = append(r.byDoc[s.DocumentID], *s)
	return nil
}

func (r *MemoryRepository) FindByVersion(_ context.Context, documentID string, version uint64) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byDoc[documentID] {
		if s.VersionNumber == version {
			copied := s
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryRepository) Latest(_ context.Context, documentID string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.byDoc[documentID]
	if len(all) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	latest := all[0]
	for _, s := range all[1:] {
		if s.VersionNumber > latest.VersionNumber {
			latest = s
		}
	}
	return &latest, nil
}

func (r *MemoryRepository) ListByDocument(_ context.Context, documentID string, page, perPage int) ([]Snapshot, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := append([]Snapshot(nil), r.byDoc[documentID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].VersionNumber > all[j].VersionNumber })
	total := int64(len(all))
	start := (page - 1) * perPage
	if start >= len(all) {
		return nil, total, nil
	}
	end := min(start+perPage, len(all))
	return all[start:end], total, nil
}

func (r *MemoryRepository) LatestContent(ctx context.Context, documentID string) (string, uint64, error) {
	s, err := r.Latest(ctx, documentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return s.Content, s.RevisionAtSnapshot, nil
}
