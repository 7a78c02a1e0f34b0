package document

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collab-engine/internal/comment"
	apierrors "collab-engine/internal/errors"
	"collab-engine/internal/middleware"
	"collab-engine/internal/oplog"
	"collab-engine/internal/ot"
	"collab-engine/internal/snapshot"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mock implementation of the Service interface
type MockService struct {
	mock.Mock
}

func (m *MockService) CreateUserDocument(ctx context.Context, userID uint64, document *Document) error {
	args := m.Called(ctx, userID, document)
	return args.Error(0)
}

func (m *MockService) RenameDocument(ctx context.Context, docID string, userID uint64, title string) (*Document, error) {
	args := m.Called(ctx, docID, userID, title)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Document), args.Error(1)
}

func (m *MockService) GetUserDocuments(ctx context.Context, userID uint64, page, pageSize int) (*PaginatedDocuments, error) {
	args := m.Called(ctx, userID, page, pageSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaginatedDocuments), args.Error(1)
}

func (m *MockService) GetSharedDocuments(ctx context.Context, userID uint64, page, pageSize int) (*PaginatedDocuments, error) {
	args := m.Called(ctx, userID, page, pageSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaginatedDocuments), args.Error(1)
}

func (m *MockService) GetDocumentByID(ctx context.Context, docID string, userID uint64) (*DocumentShowResponse, error) {
	args := m.Called(ctx, docID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DocumentShowResponse), args.Error(1)
}

func (m *MockService) DeleteDocument(ctx context.Context, docID string, userID uint64) error {
	args := m.Called(ctx, docID, userID)
	return args.Error(0)
}

func (m *MockService) FetchUserRole(ctx context.Context, docID string, userID uint64) (string, error) {
	args := m.Called(ctx, docID, userID)
	return args.String(0), args.Error(1)
}

func (m *MockService) CanAccess(ctx context.Context, docID string, userID uint64) error {
	args := m.Called(ctx, docID, userID)
	return args.Error(0)
}

func (m *MockService) CanEdit(ctx context.Context, docID string, userID uint64) error {
	args := m.Called(ctx, docID, userID)
	return args.Error(0)
}

func (m *MockService) ListCollaborators(ctx context.Context, docID string, requesterID uint64) ([]DocumentCollaboratorDTO, error) {
	args := m.Called(ctx, docID, requesterID)
	if args.Get(0) == nil {
		return []DocumentCollaboratorDTO{}, args.Error(1)
	}
	return args.Get(0).([]DocumentCollaboratorDTO), args.Error(1)
}

func (m *MockService) AddCollaborator(ctx context.Context, docID string, requesterID, targetUserID uint64, role string) (*DocumentCollaboratorDTO, error) {
	args := m.Called(ctx, docID, requesterID, targetUserID, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DocumentCollaboratorDTO), args.Error(1)
}

func (m *MockService) ChangeCollaboratorRole(ctx context.Context, docID string, requesterID, targetUserID uint64, newRole string) (*DocumentCollaboratorDTO, error) {
	args := m.Called(ctx, docID, requesterID, targetUserID, newRole)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DocumentCollaboratorDTO), args.Error(1)
}

func (m *MockService) RemoveCollaborator(ctx context.Context, docID string, requesterID, targetUserID uint64) error {
	args := m.Called(ctx, docID, requesterID, targetUserID)
	return args.Error(0)
}

func newTestHandler(mockService *MockService) (*Handler, *oplog.Registry) {
	logs := oplog.NewRegistry(oplog.NewMemoryStorage(), 64, zerolog.Nop())
	snapshots := snapshot.NewService(snapshot.NewMemoryRepository(), logs, time.Minute, 20, zerolog.Nop())
	comments := comment.NewService(comment.NewMemoryRepository(), zerolog.Nop())
	return NewHandler(mockService, logs, snapshots, comments), logs
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandler())
	return router
}

func seedContent(t *testing.T, logs *oplog.Registry, docID, content string) {
	t.Helper()
	log, err := logs.Get(context.Background(), docID)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), 1, ot.Operation{
		DocumentID: docID, ClientID: "seed", OperationID: 1,
		Kind: ot.Insert, Position: 0, Body: content,
		Timestamp: time.Now().UTC(),
	}, 0)
	require.NoError(t, err)
}

// TestCreateDocument_Success tests successful document creation
func TestCreateDocument_Success(t *testing.T) {
	mockService := new(MockService)
	handler, _ := newTestHandler(mockService)
	router := setupRouter()

	mockService.On("CreateUserDocument", mock.Anything, uint64(1), mock.MatchedBy(func(doc *Document) bool {
		return doc.Title == "Test Document"
	})).Return(nil).Run(func(args mock.Arguments) {
		doc := args.Get(2).(*Document)
		doc.ID = "doc-1"
	})

	router.POST("/documents", func(c *gin.Context) {
		c.Set("user_id", uint64(1))
		handler.Create(c)
	})

	payload := CreateOrRenameRequest{Title: "Test Document"}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest("POST", "/documents", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	mockService.AssertExpectations(t)
}

// TestCreateDocument_InvalidInput tests document creation with a missing title
func TestCreateDocument_InvalidInput(t *testing.T) {
	mockService := new(MockService)
	handler, _ := newTestHandler(mockService)
	router := setupRouter()

	router.POST("/documents", func(c *gin.Context) {
		c.Set("user_id", uint64(1))
		handler.Create(c)
	})

	req := httptest.NewRequest("POST", "/documents", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	mockService.AssertNotCalled(t, "CreateUserDocument")
}

func TestShowDocument_Success(t *testing.T) {
	mockService := new(MockService)
	handler, _ := newTestHandler(mockService)
	router := setupRouter()

	mockService.On("GetDocumentByID", mock.Anything, "doc-1", uint64(1)).
		Return(&DocumentShowResponse{ID: "doc-1", Title: "Notes", Role: RoleOwner}, nil)

	router.GET("/documents/:id", func(c *gin.Context) {
		c.Set("user_id", uint64(1))
		handler.ShowDocument(c)
	})

	req := httptest.NewRequest("GET", "/documents/doc-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp DocumentShowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Notes", resp.Title)
	assert.Equal(t, RoleOwner, resp.Role)
	mockService.AssertExpectations(t)
}

func TestDeleteDocument_Forbidden(t *testing.T) {
	mockService := new(MockService)
	handler, _ := newTestHandler(mockService)
	router := setupRouter()

	mockService.On("DeleteDocument", mock.Anything, "doc-1", uint64(2)).
		Return(apierrors.Forbidden("Only owner can delete document", nil))

	router.DELETE("/documents/:id", func(c *gin.Context) {
		c.Set("user_id", uint64(2))
		handler.DeleteDocument(c)
	})

	req := httptest.NewRequest("DELETE", "/documents/doc-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	mockService.AssertExpectations(t)
}

func TestShowContent_ReturnsHeadRevision(t *testing.T) {
	mockService := new(MockService)
	handler, logs := newTestHandler(mockService)
	router := setupRouter()

	seedContent(t, logs, "doc-1", "hello world")
	mockService.On("CanAccess", mock.Anything, "doc-1", uint64(1)).Return(nil)

	router.GET("/documents/:id/content", func(c *gin.Context) {
		c.Set("user_id", uint64(1))
		handler.ShowContent(c)
	})

	req := httptest.NewRequest("GET", "/documents/doc-1/content", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello world", resp["content"])
	assert.Equal(t, float64(1), resp["revision"])
	mockService.AssertExpectations(t)
}

func TestVersionLifecycle_CreateListRestore(t *testing.T) {
	mockService := new(MockService)
	handler, logs := newTestHandler(mockService)
	router := setupRouter()

	seedContent(t, logs, "doc-1", "first draft")
	mockService.On("CanEdit", mock.Anything, "doc-1", uint64(1)).Return(nil)
	mockService.On("CanAccess", mock.Anything, "doc-1", uint64(1)).Return(nil)

	withUser := func(h gin.HandlerFunc) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set("user_id", uint64(1))
			h(c)
		}
	}
	router.POST("/documents/:id/versions", withUser(handler.CreateVersion))
	router.GET("/documents/:id/versions", withUser(handler.ListVersions))
	router.POST("/documents/:id/versions/:version/restore", withUser(handler.RestoreVersion))

	body, _ := json.Marshal(CreateVersionRequest{ChangeDescription: "draft"})
	req := httptest.NewRequest("POST", "/documents/doc-1/versions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest("GET", "/documents/doc-1/versions", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Data []snapshot.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Data, 1)
	assert.Equal(t, uint64(1), listResp.Data[0].VersionNumber)

	// edit after the save, then restore version 1
	log, err := logs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	_, err = log.Append(context.Background(), 1, ot.Operation{
		DocumentID: "doc-1", ClientID: "seed", OperationID: 2,
		Kind: ot.Insert, Position: 11, Body: "!!!",
		Timestamp: time.Now().UTC(),
	}, 1)
	require.NoError(t, err)

	req = httptest.NewRequest("POST", "/documents/doc-1/versions/1/restore", bytes.NewBufferString(`{}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	content, _ := log.Content()
	assert.Equal(t, "first draft", content)
}

func TestListComments_FiltersStatus(t *testing.T) {
	mockService := new(MockService)
	handler, logs := newTestHandler(mockService)
	router := setupRouter()

	seedContent(t, logs, "doc-1", "the quick brown fox")
	mockService.On("CanAccess", mock.Anything, "doc-1", uint64(1)).Return(nil)

	_, err := handler.comments.Create(context.Background(), comment.CreateInput{
		DocumentID: "doc-1", AuthorID: 1, Content: "hm",
		AnchorStart: 4, AnchorEnd: 9, Revision: 1,
	}, "the quick brown fox")
	require.NoError(t, err)

	router.GET("/documents/:id/comments", func(c *gin.Context) {
		c.Set("user_id", uint64(1))
		handler.ListComments(c)
	})

	req := httptest.NewRequest("GET", "/documents/doc-1/comments?status=open", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var comments []comment.Comment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &comments))
	require.Len(t, comments, 1)
	assert.Equal(t, "quick", comments[0].AnchoredText)

	req = httptest.NewRequest("GET", "/documents/doc-1/comments?status=bogus", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
