package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/config"
	"github.com/civicstack/fundtrace/internal/middleware"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/internal/repository"
)

// AuthHandler handles registration, login and profile requests.
type AuthHandler struct {
	cfg   *config.Config
	users *repository.UserRepository
	log   *logrus.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(cfg *config.Config, users *repository.UserRepository, log *logrus.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, users: users, log: log}
}

// RegisterRequest is the signup payload.
type RegisterRequest struct {
	Email        string      `json:"email" binding:"required,email"`
	Password     string      `json:"password" binding:"required,min=8"`
	FullName     string      `json:"fullName" binding:"required"`
	Organization string      `json:"organization"`
	Designation  string      `json:"designation"`
	Phone        string      `json:"phone"`
	Address      string      `json:"address"`
	Role         models.Role `json:"role"`
}

// Register creates a new account. Admin accounts cannot be registered
// through the public endpoint.
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Role == "" {
		req.Role = models.RolePublic
	}
	if req.Role == models.RoleAdmin || !models.ValidRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}
	if req.Role == models.RoleAgency && req.Organization == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agency accounts require an organization"})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	existing, err := h.users.GetByEmail(c.Request.Context(), email)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	}

	now := time.Now()
	user := &models.User{
		ID:           uuid.New(),
		Email:        email,
		FullName:     req.FullName,
		Organization: req.Organization,
		Designation:  req.Designation,
		Phone:        req.Phone,
		Address:      req.Address,
		Role:         req.Role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.users.Create(c.Request.Context(), user, req.Password); err != nil {
		respondError(c, h.log, err)
		return
	}

	token, err := middleware.IssueToken(h.cfg, user)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.WithFields(logrus.Fields{"email": email, "role": user.Role}).Info("user registered")
	c.JSON(http.StatusCreated, gin.H{"token": token, "user": user})
}

// LoginRequest is the login payload.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates a user and issues a token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := h.users.GetByEmail(c.Request.Context(), email)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if user == nil || !h.users.ValidatePassword(user, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !user.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "account is disabled"})
		return
	}

	if err := h.users.UpdateLastLogin(c.Request.Context(), user.ID); err != nil {
		h.log.WithError(err).Warn("failed to update last login")
	}

	token, err := middleware.IssueToken(h.cfg, user)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// Profile returns the authenticated user's account.
func (h *AuthHandler) Profile(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateProfileRequest is the profile update payload.
type UpdateProfileRequest struct {
	FullName    string `json:"fullName"`
	Designation string `json:"designation"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
}

// UpdateProfile updates the mutable fields of the caller's account.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	if req.FullName != "" {
		user.FullName = req.FullName
	}
	if req.Designation != "" {
		user.Designation = req.Designation
	}
	if req.Phone != "" {
		user.Phone = req.Phone
	}
	if req.Address != "" {
		user.Address = req.Address
	}

	if err := h.users.UpdateProfile(c.Request.Context(), user); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
