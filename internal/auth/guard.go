package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bucketgate/internal/domain"
	"bucketgate/internal/repository"
)

// Reasons reported with an UnauthorizedError. They are the only detail a caller sees.
const (
	ReasonMissingHeader    = "missing header"
	ReasonMissingToken     = "missing token"
	ReasonInvalidToken     = "invalid token"
	ReasonUserNotFound     = "user not found"
	ReasonUnauthorizedRole = "unauthorized role"
)

// ErrUnauthorized matches every UnauthorizedError via errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrUnauthorized
}

func unauthorized(reason string) error {
	return &UnauthorizedError{Reason: reason}
}

// TokenVerifier validates session tokens.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// UserFinder resolves live user records.
type UserFinder interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// Guard authenticates a request and enforces its declared role set.
type Guard struct {
	tokens TokenVerifier
	users  UserFinder
	logger *logrus.Logger
}

func NewGuard(tokens TokenVerifier, users UserFinder, logger *logrus.Logger) *Guard {
	if logger == nil {
		logger = logrus.New()
	}
	return &Guard{tokens: tokens, users: users, logger: logger}
}

// Authorize runs extract, verify, resolve and role check, stopping at the first failure.
//
// The role decision uses the live user record, never the role claim inside the token:
// a demoted admin loses access on the next request even though the old token still
// says ADMIN. The claim only locates the user.
func (g *Guard) Authorize(ctx context.Context, authHeader string, required ...domain.Role) (*domain.User, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, unauthorized(ReasonMissingHeader)
	}
	token, ok := bearerToken(authHeader)
	if !ok {
		return nil, unauthorized(ReasonMissingToken)
	}

	claims, err := g.tokens.Verify(token)
	if err != nil {
		return nil, unauthorized(ReasonInvalidToken)
	}

	user, err := g.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, unauthorized(ReasonUserNotFound)
		}
		return nil, fmt.Errorf("resolve user %d: %w", claims.UserID, err)
	}
	if user == nil {
		return nil, unauthorized(ReasonUserNotFound)
	}

	if len(required) > 0 && !slices.Contains(required, user.Role) {
		return nil, unauthorized(ReasonUnauthorizedRole)
	}
	return user, nil
}

// Require returns middleware guarding a route with the given role set.
// No roles means any authenticated user.
func (g *Guard) Require(roles ...domain.Role) gin.HandlerFunc {
	declared := slices.Clone(roles)
	return func(c *gin.Context) {
		user, err := g.Authorize(c.Request.Context(), c.GetHeader("Authorization"), declared...)
		if err != nil {
			var uerr *UnauthorizedError
			if errors.As(err, &uerr) {
				g.logger.WithFields(logrus.Fields{
					"path":   c.FullPath(),
					"reason": uerr.Reason,
				}).Info("request rejected by guard")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": uerr.Reason})
				return
			}
			g.logger.WithError(err).Error("guard could not resolve user")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Set(GinUserKey, user)
		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), user))
		c.Next()
	}
}

// bearerToken pulls the token out of "Bearer <token>".
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
