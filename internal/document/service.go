package document

import (
	"context"
	defError "errors"
	"fmt"
	"time"

	"collab-engine/internal/errors"
	"collab-engine/internal/oplog"
	"collab-engine/internal/user"
	"collab-engine/redis"

	"github.com/rs/xid"
	"gorm.io/gorm"
)

type Service interface {
	CreateUserDocument(ctx context.Context, userID uint64, document *Document) error
	RenameDocument(ctx context.Context, docID string, userID uint64, title string) (*Document, error)
	GetUserDocuments(ctx context.Context, userID uint64, page, pageSize int) (*PaginatedDocuments, error)
	GetSharedDocuments(ctx context.Context, userID uint64, page, pageSize int) (*PaginatedDocuments, error)
	GetDocumentByID(ctx context.Context, docID string, userID uint64) (*DocumentShowResponse, error)
	DeleteDocument(ctx context.Context, docID string, userID uint64) error
	FetchUserRole(ctx context.Context, docID string, userID uint64) (string, error)
	CanAccess(ctx context.Context, docID string, userID uint64) error
	CanEdit(ctx context.Context, docID string, userID uint64) error
	ListCollaborators(ctx context.Context, docID string, requesterID uint64) ([]DocumentCollaboratorDTO, error)
	AddCollaborator(ctx context.Context, docID string, requesterID, targetUserID uint64, role string) (*DocumentCollaboratorDTO, error)
	ChangeCollaboratorRole(ctx context.Context, docID string, requesterID, targetUserID uint64, newRole string) (*DocumentCollaboratorDTO, error)
	RemoveCollaborator(ctx context.Context, docID string, requesterID, targetUserID uint64) error
}

type UserProvider interface {
	GetUserByID(id uint64) (*user.User, error)
}

type DefaultService struct {
	repository DocumentRepository
	userProv   UserProvider
	cache      *redis.Cache
	logs       *oplog.Registry
}

func NewService(
	repository DocumentRepository,
	userProvider UserProvider,
	cache *redis.Cache,
	logs *oplog.Registry,
) Service {
	return &DefaultService{
		repository: repository,
		userProv:   userProvider,
		cache:      cache,
		logs:       logs,
	}
}

func (s *DefaultService) CreateUserDocument(ctx context.Context, userID uint64, document *Document) error {
	document.ID = xid.New().String()
	document.OwnerID = userID

	err := s.repository.Create(ctx, document)
	if err == nil {
		// bump cache version so any new fetch sees the new document
		versionKey := fmt.Sprintf("user:%d:docs:version", userID)
		s.cache.IncrementVersion(ctx, versionKey)
	}
	return err
}

func (s *DefaultService) RenameDocument(ctx context.Context, docID string, userID uint64, title string) (*Document, error) {
	if title == "" {
		return nil, errors.BadRequest("Title cannot be empty", nil)
	}
	if err := s.CanEdit(ctx, docID, userID); err != nil {
		return nil, err
	}

	doc, err := s.repository.UpdateTitle(ctx, docID, title)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Document not found", err)
		}
		return nil, err
	}
	versionKey := fmt.Sprintf("user:%d:docs:version", doc.OwnerID)
	s.cache.IncrementVersion(ctx, versionKey)

	return doc, nil
}

type PaginatedDocuments struct {
	Data []Document    `json:"data"`
	Meta DocumentsMeta `json:"meta"`
}

func (s *DefaultService) GetUserDocuments(ctx context.Context, userID uint64, page, pageSize int) (*PaginatedDocuments, error) {
	// Versioned cache key: bumping the version key invalidates all pages
	versionKey := fmt.Sprintf("user:%d:docs:version", userID)
	v := s.cache.GetVersion(ctx, versionKey)
	cacheKey := fmt.Sprintf("docs:u:%d:v:%d:p:%d:ps:%d", userID, v, page, pageSize)

	var result PaginatedDocuments
	found, _ := s.cache.Get(ctx, cacheKey, &result)
	if found {
		return &result, nil
	}

	documents, meta, err := s.repository.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	result = PaginatedDocuments{Data: documents, Meta: meta}
	go s.cache.Set(context.Background(), cacheKey, result, 24*time.Hour)

	return &result, nil
}

func (s *DefaultService) GetSharedDocuments(ctx context.Context, userID uint64, page, pageSize int) (*PaginatedDocuments, error) {
	documents, meta, err := s.repository.ListShared(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &PaginatedDocuments{Data: documents, Meta: meta}, nil
}

type DocumentShowResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Role      string    `json:"role"`
	OwnerID   uint64    `json:"owner_id"`
}

func (s *DefaultService) GetDocumentByID(ctx context.Context, docID string, userID uint64) (*DocumentShowResponse, error) {
	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Document not found", err)
		}
		return nil, err
	}

	role, err := s.repository.GetUserRole(ctx, docID, userID)
	if err != nil {
		return nil, errors.Forbidden("You're not a collaborator", err)
	}

	return &DocumentShowResponse{
		ID:        doc.ID,
		Title:     doc.Title,
		Role:      role,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		OwnerID:   doc.OwnerID,
	}, nil
}

func (s *DefaultService) FetchUserRole(ctx context.Context, docID string, userID uint64) (string, error) {
	return s.repository.GetUserRole(ctx, docID, userID)
}

// CanAccess lets any collaborator in; the gateway uses this before the
// websocket upgrade.
func (s *DefaultService) CanAccess(ctx context.Context, docID string, userID uint64) error {
	_, err := s.repository.GetUserRole(ctx, docID, userID)
	if err != nil {
		return errors.Forbidden("You're not a collaborator", err)
	}
	return nil
}

// CanEdit requires owner or editor.
func (s *DefaultService) CanEdit(ctx context.Context, docID string, userID uint64) error {
	role, err := s.repository.GetUserRole(ctx, docID, userID)
	if err != nil {
		return errors.Forbidden("You're not a collaborator", err)
	}
	if role == RoleViewer {
		return errors.Forbidden("Viewer can't edit!", nil)
	}
	return nil
}

type UserDTO struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type DocumentCollaboratorDTO struct {
	User UserDTO `json:"user"`
	Role string  `json:"role"`
}

func (s *DefaultService) ListCollaborators(ctx context.Context, docID string, requesterID uint64) ([]DocumentCollaboratorDTO, error) {
	// viewer not allowed to
	role, err := s.FetchUserRole(ctx, docID, requesterID)
	if err != nil {
		return nil, errors.Forbidden("You're not a collaborator", err)
	}
	if role == RoleViewer {
		return nil, errors.Forbidden("Viewer can't show collaborators", nil)
	}

	rows, err := s.repository.ListCollaborators(ctx, docID)
	if err != nil {
		return nil, err
	}

	result := make([]DocumentCollaboratorDTO, 0, len(rows))
	for _, r := range rows {
		result = append(result, DocumentCollaboratorDTO{
			User: UserDTO{ID: r.UserID, Name: r.Name, Email: r.Email},
			Role: r.Role,
		})
	}
	return result, nil
}

func (s *DefaultService) AddCollaborator(ctx context.Context, docID string, requesterID, targetUserID uint64, role string) (*DocumentCollaboratorDTO, error) {
	// only owner can add
	requesterRole, err := s.repository.GetUserRole(ctx, docID, requesterID)
	if err != nil {
		return nil, errors.Forbidden("You're not a collaborator", err)
	}
	if requesterRole != RoleOwner {
		return nil, errors.Forbidden("Only owner can add new collaborator!", nil)
	}

	// Prevent self-add
	if requesterID == targetUserID {
		return nil, errors.UnprocessableEntity("Can't add yourself!", nil)
	}

	// Ensure target user exists
	target, err := s.userProv.GetUserByID(targetUserID)
	if err != nil {
		return nil, errors.UnprocessableEntity("Can't find user!", err)
	}

	if err := s.repository.AddCollaborator(ctx, docID, targetUserID, requesterID, role); err != nil {
		if defError.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.Conflict("User already added!", err)
		}
		return nil, err
	}

	return &DocumentCollaboratorDTO{
		User: UserDTO{ID: target.ID, Name: target.Name, Email: target.Email},
		Role: role,
	}, nil
}

func (s *DefaultService) ChangeCollaboratorRole(ctx context.Context, docID string, requesterID, targetUserID uint64, newRole string) (*DocumentCollaboratorDTO, error) {
	// must be owner
	requesterRole, err := s.repository.GetUserRole(ctx, docID, requesterID)
	if err != nil {
		return nil, errors.Forbidden("You're not a collaborator", err)
	}
	if requesterRole != RoleOwner {
		return nil, errors.Forbidden("Only owner can change role!", nil)
	}

	// Prevent self-demotion
	if requesterID == targetUserID {
		return nil, errors.UnprocessableEntity("Can't change your own role!", nil)
	}

	// Ensure target collaborator exists
	currentRole, err := s.repository.GetUserRole(ctx, docID, targetUserID)
	if err != nil {
		return nil, errors.UnprocessableEntity("Can't find user!", err)
	}

	// No-op check
	if currentRole == newRole {
		return nil, errors.UnprocessableEntity("User role already match", nil)
	}

	if err := s.repository.UpdateCollaboratorRole(ctx, docID, targetUserID, newRole); err != nil {
		return nil, err
	}

	target, err := s.userProv.GetUserByID(targetUserID)
	if err != nil {
		return nil, err
	}

	return &DocumentCollaboratorDTO{
		User: UserDTO{ID: target.ID, Name: target.Name, Email: target.Email},
		Role: newRole,
	}, nil
}

func (s *DefaultService) RemoveCollaborator(ctx context.Context, docID string, requesterID, targetUserID uint64) error {
	// must be owner
	requesterRole, err := s.repository.GetUserRole(ctx, docID, requesterID)
	if err != nil {
		return errors.Forbidden("You're not a collaborator", err)
	}
	if requesterRole != RoleOwner {
		return errors.Forbidden("Only owner can remove collaborator", nil)
	}

	// Prevent owner removing themselves
	if requesterID == targetUserID {
		return errors.UnprocessableEntity("Can't remove yourself", nil)
	}

	// Ensure target exists
	if _, err := s.repository.GetUserRole(ctx, docID, targetUserID); err != nil {
		return errors.UnprocessableEntity("Can't find user", err)
	}

	return s.repository.RemoveCollaborator(ctx, docID, targetUserID)
}

func (s *DefaultService) DeleteDocument(ctx context.Context, docID string, userID uint64) error {
	role, err := s.repository.GetUserRole(ctx, docID, userID)
	if err != nil {
		return errors.UnprocessableEntity("You're not collaborator", err)
	}
	if role != RoleOwner {
		return errors.Forbidden("Only owner can delete document", nil)
	}

	if err := s.repository.Delete(ctx, docID); err != nil {
		return err
	}

	// drop the in-memory log; durable edit history stays for audit
	s.logs.Evict(docID)

	versionKey := fmt.Sprintf("user:%d:docs:version", userID)
	s.cache.IncrementVersion(ctx, versionKey)
	return nil
}
