package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

const bearerPrefix = "Bearer "

// anonymous is the identity used when authentication is disabled.
var anonymous = Identity{Subject: "anonymous", Roles: []Role{RoleAdmin}}

// ExtractBearerToken returns the token from an Authorization header value,
// or "" when the header is not a bearer credential.
func ExtractBearerToken(header string) string {
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// Middleware authenticates the request and stores the identity in the
// request context. Failures abort with 401.
func Middleware(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := anonymous
		if !v.Disabled() {
			var err error
			id, err = v.Validate(c.Request.Context(), ExtractBearerToken(c.GetHeader("Authorization")))
			if err != nil {
				abort(c, http.StatusUnauthorized, err)
				return
			}
		}
		c.Request = c.Request.WithContext(ContextWithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// Optional stores the caller's identity when the request carries a valid
// bearer token granting p, and otherwise lets it through unauthenticated.
// Routes behind it decide what an anonymous caller may do. With
// authentication disabled no identity is stored.
func Optional(v *Validator, p Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearerToken(c.GetHeader("Authorization"))
		if token == "" || v.Disabled() {
			c.Next()
			return
		}
		if id, err := v.Validate(c.Request.Context(), token); err == nil && id.Can(p) {
			c.Request = c.Request.WithContext(ContextWithIdentity(c.Request.Context(), id))
		}
		c.Next()
	}
}

// Require aborts with 403 unless the authenticated identity holds p.
func Require(p Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFromContext(c.Request.Context())
		if !ok {
			abort(c, http.StatusUnauthorized, sserr.New(sserr.CodeAuthentication, "auth: request is not authenticated"))
			return
		}
		if !id.Can(p) {
			abort(c, http.StatusForbidden, sserr.Newf(sserr.CodeAuthorization, "auth: %s may not %s", id.Subject, p))
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, err error) {
	e := sserr.FromError(err)
	c.AbortWithStatusJSON(status, gin.H{"code": e.Code, "message": e.Message})
}
