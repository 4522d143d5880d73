package middlewares

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/utils"
)

// Context keys set by AuthMiddleware.
const (
	CtxUserID = "userID"
	CtxName   = "name"
	CtxRole   = "role"
	CtxToken  = "token"
)

func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.RespondError(c, http.StatusUnauthorized, errors.New("Authorization header missing"))
			c.Abort()
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			utils.RespondError(c, http.StatusUnauthorized, errors.New("Authorization header must be a bearer token"))
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if !setClaims(c, tokenString) {
			utils.RespondError(c, http.StatusUnauthorized, errors.New("Invalid or expired token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func setClaims(c *gin.Context, tokenString string) bool {
	claims, err := utils.ValidateToken(tokenString)
	if err != nil || claims.UserID == 0 {
		return false
	}
	c.Set(CtxUserID, claims.UserID)
	c.Set(CtxName, claims.Name)
	c.Set(CtxRole, claims.Role)
	c.Set(CtxToken, tokenString)
	return true
}
