package httpserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyClaims   = "auth_claims"
	bearerPrefix       = "Bearer "
	headerAuthorize    = "Authorization"
	signingMethodHS256 = "HS256"
)

// SessionClaims is the JWT payload issued by the dashboard's auth service.
// Subject carries the user id.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the session carries the named role.
func (claims *SessionClaims) HasRole(role string) bool {
	for _, candidate := range claims.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

func authMiddleware(signingKey []byte, issuer string, cookieName string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethodHS256}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	return func(ctx *gin.Context) {
		raw := extractToken(ctx, cookieName)
		if raw == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := &SessionClaims{}
		token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return signingKey, nil
		})
		if err != nil || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.HasRole(role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient role"))
			return
		}
		ctx.Next()
	}
}

func extractToken(ctx *gin.Context, cookieName string) string {
	header := ctx.GetHeader(headerAuthorize)
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	cookie, err := ctx.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie
}

func getClaims(ctx *gin.Context) *SessionClaims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*SessionClaims)
	return claims
}
