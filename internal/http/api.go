package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bucketgate/internal/auth"
	"bucketgate/internal/domain"
	"bucketgate/internal/health"
	"bucketgate/internal/objectstore"
	"bucketgate/internal/service"
)

const (
	msgCreatingUserFailed = "Creating User Failed"
	msgInvalidCredentials = "Invalid credentials"
	msgInvalidUser        = "Invalid user"
)

// ObjectStore is the existence-guarded object API exposed over HTTP.
type ObjectStore interface {
	Add(ctx context.Context, base, ext string, body io.Reader) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Update(ctx context.Context, key string, body io.Reader) error
	Delete(ctx context.Context, key string) error
}

// HealthReporter produces the composite dependency report.
type HealthReporter interface {
	Run(ctx context.Context) health.Report
}

type Options struct {
	// MaxObjectBytes caps upload bodies.
	MaxObjectBytes int64
	Logger         *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	users    service.UserService
	guard    *auth.Guard
	objects  ObjectStore
	health   HealthReporter
	maxBytes int64
	logger   *logrus.Logger
}

func NewHandler(users service.UserService, guard *auth.Guard, objects ObjectStore, reporter HealthReporter, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	maxBytes := opts.MaxObjectBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &Handler{
		users:    users,
		guard:    guard,
		objects:  objects,
		health:   reporter,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// route declares one endpoint and the roles allowed to call it. Public routes skip
// the guard; an empty role set admits any authenticated user.
type route struct {
	method string
	path   string
	public bool
	roles  []domain.Role
	handle gin.HandlerFunc
}

func (h *Handler) routes() []route {
	return []route{
		{method: http.MethodPost, path: "/api/user/register", public: true, handle: h.register},
		{method: http.MethodPost, path: "/api/user/login", public: true, handle: h.login},
		{method: http.MethodGet, path: "/api/user/all", roles: []domain.Role{domain.RoleAdmin}, handle: h.listUsers},
		{method: http.MethodPost, path: "/api/user/role", roles: []domain.Role{domain.RoleAdmin}, handle: h.changeRole},
		{method: http.MethodGet, path: "/api/user/me", handle: h.me},
		{method: http.MethodPost, path: "/api/objects", handle: h.addObject},
		{method: http.MethodGet, path: "/api/objects/*key", handle: h.getObject},
		{method: http.MethodPut, path: "/api/objects/*key", handle: h.updateObject},
		{method: http.MethodDelete, path: "/api/objects/*key", handle: h.deleteObject},
		{method: http.MethodGet, path: "/api/health", public: true, handle: h.healthCheck},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestIDMiddleware(), accessLogMiddleware(h.logger), recoveryMiddleware(h.logger), corsMiddleware())

	for _, r := range h.routes() {
		handlers := make([]gin.HandlerFunc, 0, 2)
		if !r.public {
			handlers = append(handlers, h.guard.Require(r.roles...))
		}
		handlers = append(handlers, r.handle)
		router.Handle(r.method, r.path, handlers...)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changeRoleRequest struct {
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
}

type UserResponse struct {
	ID        int64       `json:"id"`
	Username  string      `json:"username"`
	Role      domain.Role `json:"role"`
	CreatedAt string      `json:"createdAt,omitempty"`
	UpdatedAt string      `json:"updatedAt,omitempty"`
}

func userToResponse(user domain.User) UserResponse {
	resp := UserResponse{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
	}
	if !user.CreatedAt.IsZero() {
		resp.CreatedAt = user.CreatedAt.Format(time.RFC3339)
	}
	if !user.UpdatedAt.IsZero() {
		resp.UpdatedAt = user.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgCreatingUserFailed})
		return
	}

	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.requestLogger(c).WithError(err).Info("registration refused")
		c.JSON(http.StatusBadRequest, gin.H{"error": msgCreatingUserFailed})
		return
	}

	c.JSON(http.StatusCreated, userToResponse(*user))
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidCredentials})
		return
	}

	token, err := h.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidCredentials})
			return
		}
		h.internalError(c, "login", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"accessToken": token})
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		h.internalError(c, "list users", err)
		return
	}

	resp := make([]UserResponse, len(users))
	for i := range users {
		resp[i] = userToResponse(users[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) changeRole(c *gin.Context) {
	var req changeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidUser})
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidUser})
		return
	}

	user, err := h.users.ChangeRole(c.Request.Context(), req.UserID, role)
	if err != nil {
		if errors.Is(err, service.ErrInvalidUser) {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidUser})
			return
		}
		h.internalError(c, "change role", err)
		return
	}

	if actor, ok := auth.CurrentUser(c); ok {
		h.requestLogger(c).WithFields(logrus.Fields{
			"user_id":   actor.ID,
			"target_id": user.ID,
			"role":      user.Role,
		}).Info("role changed")
	}
	c.JSON(http.StatusOK, userToResponse(*user))
}

func (h *Handler) me(c *gin.Context) {
	user, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ReasonUserNotFound})
		return
	}
	c.JSON(http.StatusOK, userToResponse(*user))
}

func (h *Handler) addObject(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	key, err := h.objects.Add(c.Request.Context(), c.Query("key"), c.Query("extension"), body)
	if err != nil {
		h.objectError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key})
}

func (h *Handler) getObject(c *gin.Context) {
	key := objectKey(c)
	rc, err := h.objects.Get(c.Request.Context(), key)
	if err != nil {
		h.objectError(c, err)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}

func (h *Handler) updateObject(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	key := objectKey(c)
	if err := h.objects.Update(c.Request.Context(), key, body); err != nil {
		h.objectError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (h *Handler) deleteObject(c *gin.Context) {
	key := objectKey(c)
	if err := h.objects.Delete(c.Request.Context(), key); err != nil {
		h.objectError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

func (h *Handler) healthCheck(c *gin.Context) {
	report := h.health.Run(c.Request.Context())
	status := http.StatusOK
	if report.Status != health.StatusOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// readBody buffers the upload so an oversized body is refused before the store is touched.
func (h *Handler) readBody(c *gin.Context) (io.Reader, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "object too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return nil, false
	}
	return bytes.NewReader(data), true
}

func objectKey(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("key"), "/")
}

func (h *Handler) objectError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, objectstore.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, objectstore.ErrKeyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": objectstore.ErrKeyConflict.Error()})
	case errors.Is(err, objectstore.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": objectstore.ErrKeyNotFound.Error()})
	case errors.Is(err, objectstore.ErrStoreUnavailable):
		resp := gin.H{"error": objectstore.ErrStoreUnavailable.Error()}
		var serr *objectstore.StoreError
		if errors.As(err, &serr) {
			resp["diagnostic"] = serr.Diagnostic()
		}
		h.requestLogger(c).WithError(err).Warn("object store unavailable")
		c.JSON(http.StatusServiceUnavailable, resp)
	default:
		h.internalError(c, "object operation", err)
	}
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.requestLogger(c).WithError(err).WithField("op", op).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
