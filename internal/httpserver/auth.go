package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const authUserKey = "auth_user_id"

// authMiddleware validates the Bearer token on every API request and stores
// the authenticated user id in the gin context. Tokens are HS256-signed with
// the subject claim carrying the user id.
func authMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized"))
			return
		}
		rawToken := strings.TrimPrefix(header, "Bearer ")

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized"))
			return
		}

		ctx.Set(authUserKey, claims.Subject)
		ctx.Next()
	}
}

func authenticatedUser(ctx *gin.Context) (string, bool) {
	value, ok := ctx.Get(authUserKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok && userID != ""
}
