package controllers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type UserController struct {
	DB *gorm.DB
}

func NewUserController(db *gorm.DB) *UserController {
	return &UserController{DB: db}
}

// Register creates a staff or admin account. Admin only.
func (uc *UserController) Register(c *gin.Context) {
	type request struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=8"`
		Role     string `json:"role" binding:"required,oneof=admin staff"`
	}
	var req request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}

	user := models.AdminAccount{
		Name:     req.Name,
		Email:    strings.ToLower(req.Email),
		Password: string(hashed),
		Role:     req.Role,
	}
	if err := uc.DB.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		utils.RespondError(c, http.StatusConflict, errors.New("an account with this email already exists"))
		return
	}

	utils.InfoLogger.WithField("email", user.Email).WithField("role", user.Role).Info("Admin account registered")
	utils.RespondJSON(c, http.StatusCreated, "User registered", gin.H{
		"user_id": user.ID,
	})
}

// Login checks the password and returns a JWT.
func (uc *UserController) Login(c *gin.Context) {
	var input struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	var user models.AdminAccount
	if err := uc.DB.WithContext(c.Request.Context()).Where("email = ?", strings.ToLower(input.Email)).First(&user).Error; err != nil {
		utils.RespondError(c, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.Password)); err != nil {
		utils.RespondError(c, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token, err := utils.GenerateToken(user.ID, user.Name, user.Role)
	if err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}

	utils.InfoLogger.WithField("email", user.Email).Info("Login successful")
	utils.RespondJSON(c, http.StatusOK, "Login successful", gin.H{
		"token":     token,
		"user_role": strings.ToLower(user.Role),
	})
}

// Logout revokes the caller's token.
func (uc *UserController) Logout(c *gin.Context) {
	token := c.GetString("token")
	if claims, err := utils.ParseToken(token); err == nil && claims.ExpiresAt != nil {
		utils.BlacklistToken(token, claims.ExpiresAt.Time)
	} else {
		utils.BlacklistToken(token, time.Now().Add(24*time.Hour))
	}
	utils.RespondJSON(c, http.StatusOK, "Logged out", nil)
}

func (uc *UserController) GetProfile(c *gin.Context) {
	userID, ok := c.Get("userID")
	if !ok {
		utils.RespondError(c, http.StatusUnauthorized, errors.New("user id not found in context"))
		return
	}

	var user models.AdminAccount
	if err := uc.DB.WithContext(c.Request.Context()).First(&user, userID).Error; err != nil {
		utils.RespondError(c, http.StatusNotFound, errors.New("account not found"))
		return
	}

	utils.RespondJSON(c, http.StatusOK, "Profile data retrieved successfully", gin.H{
		"id":    user.ID,
		"name":  user.Name,
		"email": user.Email,
		"role":  user.Role,
	})
}

func (uc *UserController) GetAllUsers(c *gin.Context) {
	var users []models.AdminAccount
	if err := uc.DB.WithContext(c.Request.Context()).Find(&users).Error; err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "All users", users)
}
