package comment

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Repository is the durable store for comments and their anchors.
type Repository interface {
	Create(ctx context.Context, c *Comment) error
	Update(ctx context.Context, c *Comment) error
	FindByID(ctx context.Context, commentID string) (*Comment, error)
	ListByDocument(ctx context.Context, documentID string) ([]*Comment, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Create(ctx context.Context, c *Comment) error {
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *GormRepository) Update(ctx context.Context, c *Comment) error {
	c.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(c).Error
}

func (r *GormRepository) FindByID(ctx context.Context, commentID string) (*Comment, error) {
	var c Comment
	err := r.db.WithContext(ctx).First(&c, "id = ?", commentID).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormRepository) ListByDocument(ctx context.Context, documentID string) ([]*Comment, error) {
	var out []*Comment
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// MemoryRepository backs tests and database-less runs.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*Comment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*Comment)}
}

func (r *MemoryRepository) Create(_ context.Context, c *Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	copied := *c
	r.byID[c.ID] = &copied
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, c *Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	copied := *c
	r.byID[c.ID] = &copied
	return nil
}

func (r *MemoryRepository) FindByID(_ context.Context, commentID string) (*Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[commentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *MemoryRepository) ListByDocument(_ context.Context, documentID string) ([]*Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Comment
	for _, c := range r.byID {
		if c.DocumentID == documentID {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}
