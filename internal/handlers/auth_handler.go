package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/streamly/internal/auth"
	"github.com/tullo/streamly/internal/middleware"
)

type TokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token    string `json:"token"`
	Operator string `json:"operator"`
}

// AuthHandler issues tokens to the single configured operator account.
type AuthHandler struct {
	operator   auth.Operator
	jwtService *auth.JWTService
}

func NewAuthHandler(operator auth.Operator, jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{
		operator:   operator,
		jwtService: jwtService,
	}
}

// IssueToken handles operator login
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.operator.Authenticate(req.Username, req.Password); err != nil {
		ErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(req.Username)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	c.JSON(http.StatusOK, TokenResponse{Token: token, Operator: req.Username})
}

// GetMe returns the current operator
func (h *AuthHandler) GetMe(c *gin.Context) {
	operator, _ := c.Get(middleware.OperatorKey)
	c.JSON(http.StatusOK, gin.H{"operator": operator})
}
