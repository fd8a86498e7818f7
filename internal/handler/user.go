package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"conference-backend/internal/auth"
	"conference-backend/internal/model"
)

// UserHandler account profile endpoints
type UserHandler struct {
	db *gorm.DB
}

// NewUserHandler creates a UserHandler
func NewUserHandler(db *gorm.DB) *UserHandler {
	return &UserHandler{db: db}
}

// UpdateMeRequest profile update request
type UpdateMeRequest struct {
	Nickname   string  `json:"nickname"`
	ProfileImg *string `json:"profile_img"`
}

// UpdateMe updates the signed-in account's profile
func (h *UserHandler) UpdateMe(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req UpdateMeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	var user model.User
	if err := h.db.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "user not found",
		})
	}

	if req.Nickname != "" {
		nickname := sanitizeString(req.Nickname)
		if len(nickname) > 100 {
			nickname = nickname[:100]
		}
		user.Nickname = nickname
	}
	if req.ProfileImg != nil {
		user.ProfileImg = req.ProfileImg
	}

	if err := h.db.Save(&user).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to update user",
		})
	}

	return c.JSON(toUserResponse(&user))
}

// SearchUsersResponse user search response
type SearchUsersResponse struct {
	Users []UserResponse `json:"users"`
	Total int64          `json:"total"`
}

// SearchUsers finds accounts by nickname or email, excluding the caller
func (h *UserHandler) SearchUsers(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "search query is required",
		})
	}
	if len(query) < 2 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "search query must be at least 2 characters",
		})
	}

	query = sanitizeString(query)
	searchPattern := "%" + query + "%"

	var users []model.User
	var total int64

	result := h.db.Model(&model.User{}).
		Where("id != ?", claims.UserID).
		Where("nickname ILIKE ? OR email ILIKE ?", searchPattern, searchPattern).
		Count(&total)
	if result.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to search users",
		})
	}

	result = h.db.
		Where("id != ?", claims.UserID).
		Where("nickname ILIKE ? OR email ILIKE ?", searchPattern, searchPattern).
		Limit(10).
		Find(&users)
	if result.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to search users",
		})
	}

	userResponses := make([]UserResponse, len(users))
	for i, user := range users {
		userResponses[i] = toUserResponse(&user)
	}

	return c.JSON(SearchUsersResponse{
		Users: userResponses,
		Total: total,
	})
}
