package auth

import (
	"context"

	"github.com/gin-gonic/gin"

	"bucketgate/internal/domain"
)

type contextKey string

const contextKeyUser = contextKey("user")

// GinUserKey is the gin context key holding the authenticated *domain.User.
const GinUserKey = "auth.user"

// WithUser attaches the authenticated user to ctx.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, contextKeyUser, user)
}

// UserFromContext returns the user attached by the guard, if any.
func UserFromContext(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(contextKeyUser).(*domain.User)
	return user, ok && user != nil
}

// CurrentUser reads the authenticated user from a gin request.
func CurrentUser(c *gin.Context) (*domain.User, bool) {
	if v, ok := c.Get(GinUserKey); ok {
		if user, ok := v.(*domain.User); ok && user != nil {
			return user, true
		}
	}
	return UserFromContext(c.Request.Context())
}
