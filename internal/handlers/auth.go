package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/4xmen/jashn/internal/auth"
	"github.com/4xmen/jashn/pkg/i18n"
)

type AuthHandler struct {
	authSvc *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

type CredentialsRequest struct {
	Nickname string `json:"nickname" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token    string `json:"token"`
	Nickname string `json:"nickname"`
}

// fail writes an error body in the caller's Accept-Language.
func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), message)})
}

// Register creates a member account and signs it in.
func (h *AuthHandler) Register(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	memberID, err := h.authSvc.Register(req.Nickname, req.Password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrNicknameTaken) {
			status = http.StatusConflict
		}
		fail(c, status, err.Error())
		return
	}

	nickname := strings.TrimSpace(req.Nickname)
	token, err := h.authSvc.GenerateToken(memberID, nickname)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to generate token")
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{Token: token, Nickname: nickname})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	token, nickname, err := h.authSvc.Login(req.Nickname, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			fail(c, http.StatusUnauthorized, err.Error())
			return
		}
		c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token, Nickname: nickname})
}

// AuthMiddleware validates the JWT from the Authorization header or, for the
// websocket upgrade, the token query parameter.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if header := c.GetHeader("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			fail(c, http.StatusUnauthorized, "missing authorization token")
			c.Abort()
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			fail(c, http.StatusUnauthorized, "invalid token")
			c.Abort()
			return
		}

		exists, err := h.authSvc.MemberExists(claims.MemberID)
		if err != nil {
			fail(c, http.StatusInternalServerError, "failed to validate member")
			c.Abort()
			return
		}
		if !exists {
			fail(c, http.StatusUnauthorized, "member not found")
			c.Abort()
			return
		}

		c.Set("member_id", claims.MemberID)
		c.Set("nickname", claims.Nickname)
		c.Next()
	}
}
