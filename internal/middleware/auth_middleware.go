package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/synapse-api/internal/utils"
)

// UserIDKey ключ c.Locals с ID авторизованного пользователя
const UserIDKey = "userID"

// AuthMiddleware создаёт middleware для проверки JWT
func AuthMiddleware(jwtService *utils.JWTService) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authorization header",
			})
		}

		// Проверяем Bearer токен
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		tokenString := parts[1]
		userID, err := jwtService.ExtractUserID(tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		// Проверяем, что userID является валидным UUID
		_, err = uuid.Parse(userID)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid user ID",
			})
		}

		// Добавляем userID в контекст
		c.Locals(UserIDKey, userID)

		return c.Next()
	}
}

// CurrentUserID возвращает ID пользователя, положенный AuthMiddleware
func CurrentUserID(c fiber.Ctx) string {
	userID, _ := c.Locals(UserIDKey).(string)
	return userID
}

// RequireOwner пропускает запрос в next, только если параметр пути param
// совпадает с авторизованным пользователем
func RequireOwner(param string, next fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Params(param) != CurrentUserID(c) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Forbidden: Access Denied",
			})
		}
		return next(c)
	}
}
