package comment

import (
	"time"
)

// Status tracks the anchor lifecycle. Orphaned anchors are retained for
// audit, never deleted.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusOrphaned Status = "orphaned"
)

// Comment is a threaded annotation anchored to a text range. The anchor
// bounds are maintained by the tracker as operations commit; replies carry
// their parent's ThreadID and an empty anchor.
type Comment struct {
	ID         string  `gorm:"primaryKey" json:"comment_id"`
	DocumentID string  `gorm:"index" json:"document_id"`
	ThreadID   string  `gorm:"index" json:"thread_id"`
	ParentID   *string `json:"parent_id,omitempty"`
	AuthorID   uint64  `json:"author_id"`
	AuthorName string  `json:"author_name"`
	Content    string  `json:"content"`

	AnchorStart        int    `json:"anchor_start"`
	AnchorEnd          int    `json:"anchor_end"`
	AnchoredText       string `json:"anchored_text"`
	RevisionAtCreation uint64 `json:"revision_at_creation"`
	Status             Status `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsThreadRoot reports whether the comment heads its thread.
func (c *Comment) IsThreadRoot() bool {
	return c.ParentID == nil
}
