package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/synapse-api/internal/config"
	"github.com/rajivgeraev/synapse-api/internal/db"
	"github.com/rajivgeraev/synapse-api/internal/messaging"
	"github.com/rajivgeraev/synapse-api/internal/metrics"
	"github.com/rajivgeraev/synapse-api/internal/middleware"
	"github.com/rajivgeraev/synapse-api/internal/utils"
	"github.com/rajivgeraev/synapse-api/internal/websocket"
)

// ChatService представляет HTTP-обработчики для работы с чатами
type ChatService struct {
	cfg        *config.Config
	jwtService *utils.JWTService
	chats      *messaging.Service
	notifier   websocket.Notifier
	limiter    *middleware.RateLimiter
}

// SendMessageRequest тело запроса POST /messages
type SendMessageRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

// NewChatService создает новый экземпляр ChatService. notifier может быть nil,
// тогда события в реальном времени не отправляются.
func NewChatService(cfg *config.Config, chats *messaging.Service, notifier websocket.Notifier) *ChatService {
	return &ChatService{
		cfg:        cfg,
		jwtService: utils.NewJWTService(cfg.JWTSecret),
		chats:      chats,
		notifier:   notifier,
		limiter:    middleware.NewRateLimiter(cfg.SendRateLimit.RPS, cfg.SendRateLimit.Burst, 10*time.Minute),
	}
}

// Close останавливает фоновые задачи сервиса
func (s *ChatService) Close() {
	s.limiter.Shutdown()
}

// GetTranscript возвращает переписку пользователя с собеседником
func (s *ChatService) GetTranscript(c fiber.Ctx) error {
	userID := c.Params("userId")
	friendID := c.Params("friendId")

	if !isUUID(friendID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid friend ID"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	messages, err := s.chats.Transcript(ctx, userID, friendID)
	if err != nil {
		log.Printf("Ошибка получения переписки %s/%s: %v", userID, friendID, err)
		return respondError(c, err, "Failed to get messages")
	}

	return c.JSON(fiber.Map{
		"messages": messages,
	})
}

// SendMessage отправляет сообщение и создаёт чат при первом сообщении
func (s *ChatService) SendMessage(c fiber.Ctx) error {
	userID := middleware.CurrentUserID(c)

	var req SendMessageRequest
	if err := c.Bind().Body(&req); err != nil {
		metrics.SendFailures.WithLabelValues("validation").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if req.SenderID == "" || req.ReceiverID == "" || req.Text == "" {
		metrics.SendFailures.WithLabelValues("validation").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "senderId, receiverId and text are required"})
	}

	// Отправлять можно только от своего имени
	if req.SenderID != userID {
		metrics.SendFailures.WithLabelValues("forbidden").Inc()
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden: Access Denied"})
	}

	if !isUUID(req.ReceiverID) {
		metrics.SendFailures.WithLabelValues("validation").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid receiver ID"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	result, err := s.chats.SendMessage(ctx, req.SenderID, req.ReceiverID, req.Text)
	if err != nil {
		metrics.SendFailures.WithLabelValues(failureReason(err)).Inc()
		log.Printf("Ошибка отправки сообщения %s -> %s: %v", req.SenderID, req.ReceiverID, err)
		return respondError(c, err, "Failed to send message")
	}

	metrics.MessagesSent.Inc()
	if result.CreatedThread {
		metrics.ThreadsCreated.Inc()
	}

	s.publishNewMessage(result)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"chat_id":    result.ThreadID,
		"message_id": result.MessageID,
		"is_new":     result.CreatedThread,
	})
}

// GetChats возвращает список чатов пользователя, новые сверху
func (s *ChatService) GetChats(c fiber.Ctx) error {
	userID := c.Params("userId")
	if !isUUID(userID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user ID"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	chats, err := s.chats.ListThreads(ctx, userID)
	if err != nil {
		log.Printf("Ошибка запроса чатов пользователя %s: %v", userID, err)
		return respondError(c, err, "Failed to get chats")
	}

	return c.JSON(fiber.Map{
		"chats": chats,
		"count": len(chats),
	})
}

// HasUnread сообщает, есть ли у пользователя непрочитанные сообщения
func (s *ChatService) HasUnread(c fiber.Ctx) error {
	userID := c.Params("userId")

	ctx, cancel := db.GetContext()
	defer cancel()

	hasNew, err := s.chats.HasUnread(ctx, userID)
	if err != nil {
		log.Printf("Ошибка проверки непрочитанных для %s: %v", userID, err)
		return respondError(c, err, "Failed to check unread messages")
	}

	return c.JSON(fiber.Map{
		"has_new_messages": hasNew,
	})
}

// MarkRead обнуляет счётчик непрочитанных пользователя в чате
func (s *ChatService) MarkRead(c fiber.Ctx) error {
	chatID := c.Params("chatId")
	userID := c.Params("userId")

	if !isUUID(chatID) {
		metrics.ReadReceipts.WithLabelValues("invalid").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid chat ID"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	modified, err := s.chats.MarkRead(ctx, chatID, userID)
	if err != nil {
		metrics.ReadReceipts.WithLabelValues(failureReason(err)).Inc()
		log.Printf("Ошибка отметки прочтения чата %s пользователем %s: %v", chatID, userID, err)
		return respondError(c, err, "Failed to mark messages as read")
	}

	message := "Messages marked as read"
	if modified == 0 {
		metrics.ReadReceipts.WithLabelValues("noop").Inc()
		message = "No unread messages"
	} else {
		metrics.ReadReceipts.WithLabelValues("cleared").Inc()
	}

	s.publishRead(ctx, chatID, userID)

	return c.JSON(fiber.Map{
		"success":  true,
		"modified": modified,
		"message":  message,
	})
}

// publishNewMessage уведомляет обоих участников. Ошибки доставки не влияют на ответ.
func (s *ChatService) publishNewMessage(result *messaging.SendResult) {
	if s.notifier == nil {
		return
	}

	payload, err := json.Marshal(result.Message)
	if err != nil {
		log.Printf("Error marshaling message: %v", err)
		return
	}

	event := websocket.Event{
		Type:      websocket.EventNewMessage,
		ChatID:    result.ThreadID,
		MessageID: result.MessageID,
		UserID:    result.Message.SenderID,
		Timestamp: result.Message.CreatedAt,
		Payload:   payload,
	}
	s.notifier.SendToUser(result.Message.SenderID, event)
	s.notifier.SendToUser(result.Message.ReceiverID, event)
	s.notifier.SendToUser(result.Message.ReceiverID, websocket.UnreadEvent(result.Message.ReceiverID, true))
}

// publishRead уведомляет читателя и собеседника и обновляет признак непрочитанных
func (s *ChatService) publishRead(ctx context.Context, chatID, userID string) {
	if s.notifier == nil {
		return
	}

	event := websocket.Event{
		Type:   websocket.EventMessageRead,
		ChatID: chatID,
		UserID: userID,
	}
	s.notifier.SendToUser(userID, event)

	if other, err := s.chats.OtherParticipant(ctx, chatID, userID); err == nil {
		s.notifier.SendToUser(other, event)
	}
	if hasNew, err := s.chats.HasUnread(ctx, userID); err == nil {
		s.notifier.SendToUser(userID, websocket.UnreadEvent(userID, hasNew))
	}
}

// respondError переводит ошибки предметной области в HTTP-статусы
func respondError(c fiber.Ctx, err error, internalMessage string) error {
	switch {
	case errors.Is(err, messaging.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, messaging.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	case errors.Is(err, messaging.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden: Access Denied"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": internalMessage})
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, messaging.ErrValidation):
		return "validation"
	case errors.Is(err, messaging.ErrNotFound):
		return "not_found"
	case errors.Is(err, messaging.ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}

func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
