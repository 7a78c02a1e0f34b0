package document

import (
	"net/http"
	"strconv"

	"collab-engine/internal/comment"
	"collab-engine/internal/errors"
	"collab-engine/internal/oplog"
	"collab-engine/internal/snapshot"
	"collab-engine/internal/utils"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service   Service
	logs      *oplog.Registry
	snapshots *snapshot.Service
	comments  *comment.Service
}

func NewHandler(service Service, logs *oplog.Registry, snapshots *snapshot.Service, comments *comment.Service) *Handler {
	return &Handler{service: service, logs: logs, snapshots: snapshots, comments: comments}
}

type CreateOrRenameRequest struct {
	Title string `json:"title" binding:"required,min=1,max=255"`
}

func (h *Handler) Create(c *gin.Context) {
	var form CreateOrRenameRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	userID, _ := c.Get("user_id")

	doc := &Document{Title: form.Title}
	if err := h.service.CreateUserDocument(c.Request.Context(), userID.(uint64), doc); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) Rename(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	var input CreateOrRenameRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	doc, err := h.service.RenameDocument(c.Request.Context(), docID, userID.(uint64), input.Title)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (h *Handler) ShowUserDocuments(c *gin.Context) {
	userID, _ := c.Get("user_id")

	page, pageSize := utils.GetPaginationParams(c)
	result, err := h.service.GetUserDocuments(c.Request.Context(), userID.(uint64), page, pageSize)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) ShowSharedDocuments(c *gin.Context) {
	userID, _ := c.Get("user_id")

	page, pageSize := utils.GetPaginationParams(c)
	result, err := h.service.GetSharedDocuments(c.Request.Context(), userID.(uint64), page, pageSize)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) ShowDocument(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	doc, err := h.service.GetDocumentByID(c.Request.Context(), docID, userID.(uint64))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

// ShowContent returns the current text and head revision, reconstructed from
// the operation log. Non-realtime clients use this instead of the socket.
func (h *Handler) ShowContent(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.CanAccess(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	log, err := h.logs.Get(c.Request.Context(), docID)
	if err != nil {
		c.Error(errors.Internal(err))
		return
	}
	content, revision := log.Content()

	c.JSON(http.StatusOK, gin.H{
		"document_id": docID,
		"content":     content,
		"revision":    revision,
	})
}

func (h *Handler) DeleteDocument(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.DeleteDocument(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) ListCollaborators(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	result, err := h.service.ListCollaborators(c.Request.Context(), docID, userID.(uint64))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type AddCollaboratorRequest struct {
	UserID uint64 `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required,oneof=editor viewer"`
}

func (h *Handler) AddCollaborator(c *gin.Context) {
	docID := c.Param("id")

	var req AddCollaboratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	requesterID, _ := c.Get("user_id")

	result, err := h.service.AddCollaborator(c.Request.Context(), docID, requesterID.(uint64), req.UserID, req.Role)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

type ChangeCollaboratorRoleRequest struct {
	Role         string `json:"role" binding:"required,oneof=editor viewer"`
	TargetUserID uint64 `json:"user_id" binding:"required"`
}

func (h *Handler) ChangeCollaboratorRole(c *gin.Context) {
	docID := c.Param("id")

	var req ChangeCollaboratorRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	requesterID, _ := c.Get("user_id")

	result, err := h.service.ChangeCollaboratorRole(c.Request.Context(), docID, requesterID.(uint64), req.TargetUserID, req.Role)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) RemoveCollaborator(c *gin.Context) {
	docID := c.Param("id")

	targetUserID, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		c.Error(errors.BadRequest("Invalid user id", err))
		return
	}

	requesterID, _ := c.Get("user_id")

	if err := h.service.RemoveCollaborator(c.Request.Context(), docID, requesterID.(uint64), targetUserID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "collaborator removed"})
}

// ----- version history -----

type CreateVersionRequest struct {
	ChangeDescription string `json:"change_description" binding:"max=500"`
}

func (h *Handler) CreateVersion(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.CanEdit(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	var req CreateVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	snap, err := h.snapshots.Create(c.Request.Context(), snapshot.CreateInput{
		DocumentID:        docID,
		AuthorID:          userID.(uint64),
		ChangeDescription: req.ChangeDescription,
		Trigger:           snapshot.TriggerManual,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, snap)
}

func (h *Handler) ListVersions(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.CanAccess(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	page, pageSize := utils.GetPaginationParams(c)
	versions, total, err := h.snapshots.List(c.Request.Context(), docID, page, pageSize)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": versions,
		"meta": DocumentsMeta{Page: page, PerPage: pageSize, TotalRows: total},
	})
}

func (h *Handler) ShowVersion(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.CanAccess(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	version, err := strconv.ParseUint(c.Param("version"), 10, 64)
	if err != nil {
		c.Error(errors.BadRequest("Invalid version number", err))
		return
	}

	snap, err := h.snapshots.Get(c.Request.Context(), docID, version)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version": snap,
		"content": snap.Content,
	})
}

func (h *Handler) RestoreVersion(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.CanEdit(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	version, err := strconv.ParseUint(c.Param("version"), 10, 64)
	if err != nil {
		c.Error(errors.BadRequest("Invalid version number", err))
		return
	}

	snap, err := h.snapshots.Restore(c.Request.Context(), docID, version, userID.(uint64))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *Handler) DiffVersions(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.CanAccess(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	from, err := strconv.ParseUint(c.Query("from"), 10, 64)
	if err != nil {
		c.Error(errors.BadRequest("Invalid 'from' version", err))
		return
	}
	to, err := strconv.ParseUint(c.Query("to"), 10, 64)
	if err != nil {
		c.Error(errors.BadRequest("Invalid 'to' version", err))
		return
	}

	changes, err := h.snapshots.Diff(c.Request.Context(), docID, from, to)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

// ----- comments -----

func (h *Handler) ListComments(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.CanAccess(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	filter := comment.Filter(c.DefaultQuery("status", "open"))
	switch filter {
	case comment.FilterOpen, comment.FilterResolved, comment.FilterAll:
	default:
		c.Error(errors.BadRequest("Invalid status filter", nil))
		return
	}

	comments, err := h.comments.List(c.Request.Context(), docID, filter)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, comments)
}

func (h *Handler) ResolveComment(c *gin.Context) {
	docID := c.Param("id")
	userID, _ := c.Get("user_id")

	if err := h.service.CanEdit(c.Request.Context(), docID, userID.(uint64)); err != nil {
		c.Error(err)
		return
	}

	resolved, err := h.comments.Resolve(c.Request.Context(), docID, c.Param("commentId"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resolved)
}
