package chat

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/synapse-api/internal/middleware"
)

// SetupRoutes настраивает маршруты для API чатов
func (s *ChatService) SetupRoutes(app *fiber.App) {
	// Все маршруты чатов требуют авторизации
	auth := middleware.AuthMiddleware(s.jwtService)

	// Переписка с собеседником
	messages := app.Group("/messages", auth)
	messages.Get("/:userId/:friendId", middleware.RequireOwner("userId", s.GetTranscript))
	messages.Post("/", middleware.RateLimit(s.limiter, s.SendMessage))

	// Сводки чатов
	info := app.Group("/chat-info", auth)
	info.Get("/unread/:userId", middleware.RequireOwner("userId", s.HasUnread))
	info.Patch("/read/:chatId/:userId", middleware.RequireOwner("userId", s.MarkRead))
	// Список чатов можно смотреть и для другого пользователя
	info.Get("/:userId", s.GetChats)
}
