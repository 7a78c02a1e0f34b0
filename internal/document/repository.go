package document

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// CollaboratorRow is a collaborator joined with their user record.
type CollaboratorRow struct {
	UserID uint64
	Name   string
	Email  string
	Role   string
}

// DocumentsMeta carries pagination info.
type DocumentsMeta struct {
	Page      int   `json:"page"`
	PerPage   int   `json:"per_page"`
	TotalRows int64 `json:"total_rows"`
}

type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	FindByID(ctx context.Context, docID string) (*Document, error)
	UpdateTitle(ctx context.Context, docID string, title string) (*Document, error)
	Delete(ctx context.Context, docID string) error
	ListByUserID(ctx context.Context, userID uint64, page, pageSize int) ([]Document, DocumentsMeta, error)
	ListShared(ctx context.Context, userID uint64, page, pageSize int) ([]Document, DocumentsMeta, error)

	GetUserRole(ctx context.Context, docID string, userID uint64) (string, error)
	AddCollaborator(ctx context.Context, docID string, userID, grantedByID uint64, role string) error
	UpdateCollaboratorRole(ctx context.Context, docID string, userID uint64, role string) error
	RemoveCollaborator(ctx context.Context, docID string, userID uint64) error
	ListCollaborators(ctx context.Context, docID string) ([]CollaboratorRow, error)
}

type DocumentRepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) DocumentRepository {
	return &DocumentRepositoryImpl{db: db}
}

// Create inserts the document and the owner's collaborator row atomically.
func (r *DocumentRepositoryImpl) Create(ctx context.Context, doc *Document) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		return tx.Create(&DocumentCollaborator{
			DocumentID:  doc.ID,
			UserID:      doc.OwnerID,
			Role:        RoleOwner,
			GrantedByID: doc.OwnerID,
		}).Error
	})
}

func (r *DocumentRepositoryImpl) FindByID(ctx context.Context, docID string) (*Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).First(&doc, "id = ?", docID).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *DocumentRepositoryImpl) UpdateTitle(ctx context.Context, docID string, title string) (*Document, error) {
	doc, err := r.FindByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc.Title = title
	doc.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Save(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes the document and its dependents.
func (r *DocumentRepositoryImpl) Delete(ctx context.Context, docID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", docID).Delete(&DocumentCollaborator{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Document{}, "id = ?", docID).Error
	})
}

func (r *DocumentRepositoryImpl) ListByUserID(ctx context.Context, userID uint64, page, pageSize int) ([]Document, DocumentsMeta, error) {
	q := r.db.WithContext(ctx).Model(&Document{}).Where("owner_id = ?", userID)
	return r.paginate(q, page, pageSize)
}

func (r *DocumentRepositoryImpl) ListShared(ctx context.Context, userID uint64, page, pageSize int) ([]Document, DocumentsMeta, error) {
	q := r.db.WithContext(ctx).Model(&Document{}).
		Joins("JOIN document_collaborators dc ON dc.document_id = documents.id").
		Where("dc.user_id = ? AND dc.role <> ?", userID, RoleOwner)
	return r.paginate(q, page, pageSize)
}

func (r *DocumentRepositoryImpl) paginate(q *gorm.DB, page, pageSize int) ([]Document, DocumentsMeta, error) {
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, DocumentsMeta{}, err
	}
	var docs []Document
	err := q.Order("updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&docs).Error
	meta := DocumentsMeta{Page: page, PerPage: pageSize, TotalRows: total}
	return docs, meta, err
}

func (r *DocumentRepositoryImpl) GetUserRole(ctx context.Context, docID string, userID uint64) (string, error) {
	var collab DocumentCollaborator
	err := r.db.WithContext(ctx).
		First(&collab, "document_id = ? AND user_id = ?", docID, userID).Error
	if err != nil {
		return "", err
	}
	return collab.Role, nil
}

func (r *DocumentRepositoryImpl) AddCollaborator(ctx context.Context, docID string, userID, grantedByID uint64, role string) error {
	return r.db.WithContext(ctx).Create(&DocumentCollaborator{
		DocumentID:  docID,
		UserID:      userID,
		GrantedByID: grantedByID,
		Role:        role,
	}).Error
}

func (r *DocumentRepositoryImpl) UpdateCollaboratorRole(ctx context.Context, docID string, userID uint64, role string) error {
	return r.db.WithContext(ctx).Model(&DocumentCollaborator{}).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Updates(map[string]any{"role": role, "updated_at": time.Now().UTC()}).Error
}

func (r *DocumentRepositoryImpl) RemoveCollaborator(ctx context.Context, docID string, userID uint64) error {
	return r.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Delete(&DocumentCollaborator{}).Error
}

func (r *DocumentRepositoryImpl) ListCollaborators(ctx context.Context, docID string) ([]CollaboratorRow, error) {
	var rows []CollaboratorRow
	err := r.db.WithContext(ctx).
		Table("document_collaborators dc").
		Select("dc.user_id, u.name, u.email, dc.role").
		Joins("JOIN users u ON u.id = dc.user_id").
		Where("dc.document_id = ?", docID).
		Scan(&rows).Error
	return rows, err
}
