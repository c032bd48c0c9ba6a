package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ctxActor = "ledger_actor"

// RequireActor returns a middleware that authenticates write requests with an
// HS256 bearer token and stores its subject as the acting user. With an empty
// secret every request passes and no actor is recorded.
func RequireActor(secret, issuer string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	key := []byte(secret)

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(strings.TrimPrefix(authHeader, "Bearer "), claims,
			func(*jwt.Token) (any, error) { return key, nil }, opts...)
		if err == nil && claims.Subject == "" {
			err = fmt.Errorf("token has no subject")
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		c.Set(ctxActor, claims.Subject)
		c.Next()
	}
}

// ActorFromCtx returns the subject injected by RequireActor, if any.
func ActorFromCtx(c *gin.Context) string {
	v, _ := c.Get(ctxActor)
	s, _ := v.(string)
	return s
}
