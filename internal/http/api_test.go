package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bucketgate/internal/auth"
	"bucketgate/internal/health"
	"bucketgate/internal/objectstore"
	"bucketgate/internal/repository/sqlite"
	"bucketgate/internal/service"
	"bucketgate/internal/storage"
)

type downBackend struct {
	storage.Backend
}

func (downBackend) List(context.Context, string, storage.ListOptions) ([]storage.ObjectInfo, error) {
	return nil, errors.New("dial tcp: connection refused")
}

type testServer struct {
	router *gin.Engine
}

func newTestServer(t *testing.T, backend storage.Backend, maxBytes int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewUserRepository(db)
	require.NoError(t, repo.Init(ctx))

	tokens := auth.NewTokenService("api-test-secret", time.Hour)
	users, err := service.NewUserService(repo, auth.NewPasswordHasher(bcrypt.MinCost), tokens)
	require.NoError(t, err)

	gateway, err := objectstore.NewGateway(backend, objectstore.Options{Bucket: "uploads", Logger: logger})
	require.NoError(t, err)

	aggregator := health.NewAggregator(
		health.DatabaseCheck("database", repo),
		health.ObjectStoreCheck("s3", gateway),
	)

	router := gin.New()
	NewHandler(users, auth.NewGuard(tokens, users, logger), gateway, aggregator, Options{
		MaxObjectBytes: maxBytes,
		Logger:         logger,
	}).RegisterRoutes(router)

	return &testServer{router: router}
}

func (s *testServer) do(t *testing.T, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(t *testing.T, method, target, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return s.do(t, method, target, token, strings.NewReader(string(data)))
}

func (s *testServer) signup(t *testing.T, username, password string) (UserResponse, string) {
	t.Helper()
	rec := s.doJSON(t, http.MethodPost, "/api/user/register", "", credentialsRequest{Username: username, Password: password})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var user UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))

	return user, s.login(t, username, password)
}

func (s *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := s.doJSON(t, http.MethodPost, "/api/user/login", "", credentialsRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	msg, _ := resp["error"].(string)
	return msg
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)

	admin, _ := s.signup(t, "gosho", "123456")
	assert.Equal(t, "ADMIN", string(admin.Role))
	assert.Equal(t, "gosho", admin.Username)

	plain, _ := s.signup(t, "pesho", "123456")
	assert.Equal(t, "NONE", string(plain.Role))

	rec := s.doJSON(t, http.MethodPost, "/api/user/register", "", credentialsRequest{Username: "gosho", Password: "other"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Creating User Failed", errorOf(t, rec))

	rec = s.doJSON(t, http.MethodPost, "/api/user/login", "", credentialsRequest{Username: "gosho", Password: "wrong"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid credentials", errorOf(t, rec))

	rec = s.doJSON(t, http.MethodPost, "/api/user/login", "", credentialsRequest{Username: "nobody", Password: "123456"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid credentials", errorOf(t, rec))
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)
	_, adminToken := s.signup(t, "gosho", "123456")
	_, plainToken := s.signup(t, "pesho", "123456")

	rec := s.do(t, http.MethodGet, "/api/user/all", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 2)
	for _, u := range users {
		assert.NotContains(t, u, "passwordHash")
		assert.NotContains(t, u, "PasswordHash")
	}

	rec = s.do(t, http.MethodGet, "/api/user/all", plainToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.ReasonUnauthorizedRole, errorOf(t, rec))

	rec = s.do(t, http.MethodGet, "/api/user/all", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.ReasonMissingHeader, errorOf(t, rec))

	rec = s.do(t, http.MethodGet, "/api/user/all", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.ReasonInvalidToken, errorOf(t, rec))
}

func TestDemotedAdminLosesAccessWithOldToken(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)
	_, rootToken := s.signup(t, "root", "pw")
	second, _ := s.signup(t, "second", "pw")

	rec := s.doJSON(t, http.MethodPost, "/api/user/role", rootToken, changeRoleRequest{UserID: second.ID, Role: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	promotedToken := s.login(t, "second", "pw")
	rec = s.do(t, http.MethodGet, "/api/user/all", promotedToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/api/user/role", rootToken, changeRoleRequest{UserID: second.ID, Role: "NONE"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/user/all", promotedToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.ReasonUnauthorizedRole, errorOf(t, rec))
}

func TestChangeRoleRejectsUnknownUserOrRole(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)
	admin, token := s.signup(t, "root", "pw")

	rec := s.doJSON(t, http.MethodPost, "/api/user/role", token, changeRoleRequest{UserID: 999, Role: "ADMIN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid user", errorOf(t, rec))

	rec = s.doJSON(t, http.MethodPost, "/api/user/role", token, changeRoleRequest{UserID: admin.ID, Role: "ROOT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid user", errorOf(t, rec))
}

func TestMe(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)
	s.signup(t, "root", "pw")
	plain, token := s.signup(t, "plain", "pw")

	rec := s.do(t, http.MethodGet, "/api/user/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, plain.ID, me.ID)
	assert.Equal(t, "NONE", string(me.Role))
}

func TestObjectLifecycle(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)
	_, token := s.signup(t, "root", "pw")

	rec := s.do(t, http.MethodPost, "/api/objects?key=report&extension=txt", token, strings.NewReader("v1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"key":"report.txt"}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/objects?key=report.txt&extension=txt", token, strings.NewReader("v2"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/objects/report.txt", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	rec = s.do(t, http.MethodPut, "/api/objects/report.txt", token, strings.NewReader("v3"))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/objects/report.txt", token, nil)
	assert.Equal(t, "v3", rec.Body.String())

	rec = s.do(t, http.MethodDelete, "/api/objects/report.txt", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rec = s.do(t, method, "/api/objects/report.txt", token, strings.NewReader("x"))
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
	}
}

func TestObjectsRequireAuthentication(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)

	rec := s.do(t, http.MethodPost, "/api/objects?key=a&extension=txt", "", strings.NewReader("x"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/objects/a.txt", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestObjectNestedKey(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)
	_, token := s.signup(t, "root", "pw")

	rec := s.do(t, http.MethodPost, "/api/objects?key=docs/2024/q1&extension=csv", token, strings.NewReader("a,b"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/objects/docs/2024/q1.csv", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a,b", rec.Body.String())
}

func TestObjectTooLarge(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 4)
	_, token := s.signup(t, "root", "pw")

	rec := s.do(t, http.MethodPost, "/api/objects?key=big&extension=bin", token, strings.NewReader("0123456789"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/objects/big.bin", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestObjectStoreUnavailable(t *testing.T) {
	s := newTestServer(t, downBackend{}, 0)
	_, token := s.signup(t, "root", "pw")

	rec := s.do(t, http.MethodPost, "/api/objects?key=a&extension=txt", token, strings.NewReader("x"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "object store unavailable", resp["error"])
	assert.Contains(t, resp["diagnostic"], "connection refused")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)
	rec := s.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusOK, report.Status)
	assert.Contains(t, report.Info, "database")
	assert.Contains(t, report.Info, "s3")

	down := newTestServer(t, downBackend{}, 0)
	rec = down.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusError, report.Status)
	assert.Contains(t, report.Error, "s3")
	assert.Equal(t, "up", report.Details["database"].Status)
}

func TestMiddleware(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryBackend(), 0)

	rec := s.do(t, http.MethodOptions, "/api/objects", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(t, http.MethodGet, "/api/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
}
