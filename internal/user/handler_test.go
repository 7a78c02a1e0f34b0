package user_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"collab-engine/internal/config"
	apierrors "collab-engine/internal/errors"
	"collab-engine/internal/middleware"
	"collab-engine/internal/user"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mock implementation of the Service interface
type MockUserService struct {
	mock.Mock
}

func (m *MockUserService) Register(u *user.User) error {
	args := m.Called(u)
	return args.Error(0)
}

func (m *MockUserService) Login(email, password string) (*user.User, error) {
	args := m.Called(email, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*user.User), args.Error(1)
}

func (m *MockUserService) GetUserByID(id uint64) (*user.User, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*user.User), args.Error(1)
}

func (m *MockUserService) SearchUsers(query string) ([]user.SafeUser, error) {
	args := m.Called(query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]user.SafeUser), args.Error(1)
}

func (m *MockUserService) IncreaseTokenVersion(id uint64) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockUserService) DeactivateUser(id uint64) error {
	args := m.Called(id)
	return args.Error(0)
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	config.AppConfig.JWTSecret = "test-secret"
	router := gin.New()
	router.Use(middleware.ErrorHandler())
	return router
}

func TestRegister_Success(t *testing.T) {
	mockService := new(MockUserService)
	handler := user.NewHandler(mockService)
	router := setupRouter()

	mockService.On("Register", mock.MatchedBy(func(u *user.User) bool {
		return u.Email == "alice@example.com" && u.Name == "Alice"
	})).Return(nil).Run(func(args mock.Arguments) {
		args.Get(0).(*user.User).ID = 1
	})

	router.POST("/register", handler.Register)

	body, _ := json.Marshal(user.FormRegister{Name: "Alice", Email: "alice@example.com", Password: "secret123"})
	req := httptest.NewRequest("POST", "/register", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
	mockService.AssertExpectations(t)
}

func TestRegister_InvalidEmail(t *testing.T) {
	mockService := new(MockUserService)
	handler := user.NewHandler(mockService)
	router := setupRouter()

	router.POST("/register", handler.Register)

	body, _ := json.Marshal(user.FormRegister{Name: "Alice", Email: "not-an-email", Password: "secret123"})
	req := httptest.NewRequest("POST", "/register", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	mockService.AssertNotCalled(t, "Register")
}

func TestLogin_Success(t *testing.T) {
	mockService := new(MockUserService)
	handler := user.NewHandler(mockService)
	router := setupRouter()

	mockService.On("Login", "alice@example.com", "secret123").
		Return(&user.User{ID: 1, Name: "Alice", Email: "alice@example.com", IsActive: true}, nil)

	router.POST("/login", handler.Login)

	body, _ := json.Marshal(user.FormLogin{Email: "alice@example.com", Password: "secret123"})
	req := httptest.NewRequest("POST", "/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["access_token"])

	// refresh token travels as an HttpOnly cookie, not in the body
	cookies := w.Result().Cookies()
	var found bool
	for _, c := range cookies {
		if c.Name == "refresh_token" {
			found = c.HttpOnly
		}
	}
	assert.True(t, found)
	mockService.AssertExpectations(t)
}

func TestLogin_WrongPassword(t *testing.T) {
	mockService := new(MockUserService)
	handler := user.NewHandler(mockService)
	router := setupRouter()

	mockService.On("Login", "alice@example.com", "bad").
		Return(nil, apierrors.UnprocessableEntity("Wrong password", nil))

	router.POST("/login", handler.Login)

	body, _ := json.Marshal(user.FormLogin{Email: "alice@example.com", Password: "bad"})
	req := httptest.NewRequest("POST", "/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	mockService.AssertExpectations(t)
}

func TestGetProfile_Success(t *testing.T) {
	mockService := new(MockUserService)
	handler := user.NewHandler(mockService)
	router := setupRouter()

	mockService.On("GetUserByID", uint64(1)).
		Return(&user.User{ID: 1, Name: "Alice", Email: "alice@example.com", IsActive: true}, nil)

	router.GET("/profile", func(c *gin.Context) {
		c.Set("user_id", uint64(1))
		handler.GetProfile(c)
	})

	req := httptest.NewRequest("GET", "/profile", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp user.SafeUser
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Alice", resp.Name)
}

func TestLogout_BumpsTokenVersion(t *testing.T) {
	mockService := new(MockUserService)
	handler := user.NewHandler(mockService)
	router := setupRouter()

	mockService.On("IncreaseTokenVersion", uint64(1)).Return(nil)

	router.DELETE("/logout", func(c *gin.Context) {
		c.Set("user_id", uint64(1))
		handler.Logout(c)
	})

	req := httptest.NewRequest("DELETE", "/logout", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	mockService.AssertExpectations(t)
}
