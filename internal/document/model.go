package document

import (
	"time"
)

// Role of a collaborator on a document.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Document is the editable unit. Content is never stored here; it lives in
// the operation log and the version snapshots.
type Document struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Title     string `json:"title"`
	OwnerID   uint64 `gorm:"index" json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentCollaborator grants a user a role on a document. The owner row is
// created together with the document.
type DocumentCollaborator struct {
	ID          uint64 `gorm:"primaryKey"`
	DocumentID  string `gorm:"index:idx_doc_user,unique"`
	UserID      uint64 `gorm:"index:idx_doc_user,unique"`
	Role        string
	GrantedByID uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
