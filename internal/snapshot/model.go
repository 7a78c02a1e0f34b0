package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Trigger distinguishes user-requested saves from automatic checkpoints.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// Snapshot is an immutable, durable checkpoint of a document. Version
// numbers increase monotonically per document and are never reused;
// compaction may archive but never renumber.
type Snapshot struct {
	ID                 uint64    `gorm:"primaryKey" json:"-"`
	DocumentID         string    `gorm:"index:idx_doc_version,unique" json:"document_id"`
	VersionNumber      uint64    `gorm:"index:idx_doc_version,unique" json:"version_number"`
	RevisionAtSnapshot uint64    `json:"revision_at_snapshot"`
	ContentHash        string    `json:"content_hash"`
	Content            string    `json:"-"`
	AuthorID           uint64    `json:"author_id"`
	ChangeDescription  string    `json:"change_description,omitempty"`
	IsAutoSave         bool      `json:"is_auto_save"`
	CreatedAt          time.Time `json:"created_at"`
}

// HashContent computes the dedup/integrity hash for snapshot content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
