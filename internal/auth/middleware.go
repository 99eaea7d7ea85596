// Package auth verifies bearer tokens from the identity provider and exposes
// the caller identity to handlers.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"uniattend/internal/model"
)

const identityKey = "identity"

// Bearer enforces bearer JWT tokens signed with HS256.
func Bearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "unauthenticated"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthenticated"})
			return
		}
		c.Set(identityKey, model.Identity{UserID: claims.Subject, Role: claims.Role})
		c.Next()
	}
}

// FromGin returns the identity stored by Bearer. The zero model.Identity means the
// request was not authenticated.
func FromGin(c *gin.Context) model.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return model.Identity{}
	}
	id, _ := v.(model.Identity)
	return id
}

// SetIdentity stores id on the gin context; used by tests and trusted internal routes.
func SetIdentity(c *gin.Context, id model.Identity) {
	c.Set(identityKey, id)
}
