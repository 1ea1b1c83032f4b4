package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rajivgeraev/synapse-api/internal/models"
)

// SendResult результат отправки сообщения
type SendResult struct {
	ThreadID      string
	MessageID     string
	CreatedThread bool
	Message       models.Message
}

// Service реализует переписку: отправку, прочтение и списки чатов
type Service struct {
	store     Store
	directory Directory
	now       func() time.Time
}

// Option настраивает Service
type Option func(*Service)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создает новый экземпляр Service. directory может быть nil,
// тогда получатель не проверяется, а в списке чатов нет данных собеседника.
func NewService(store Store, directory Directory, opts ...Option) *Service {
	s := &Service{
		store:     store,
		directory: directory,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendMessage находит или создаёт чат пары, обновляет его сводку и счётчики
// и добавляет сообщение в журнал. Всё выполняется в одной транзакции хранилища.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID, text string) (*SendResult, error) {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)

	if senderID == "" || receiverID == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: senderId, receiverId and text are required", ErrValidation)
	}
	if senderID == receiverID {
		return nil, fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
	}

	if s.directory != nil {
		exists, err := s.directory.UserExists(ctx, receiverID)
		if err != nil {
			return nil, storageError("check receiver", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: receiver %s", ErrNotFound, receiverID)
		}
	}

	var result SendResult
	err := s.store.WithTx(ctx, func(tx Store) error {
		// Одна метка времени и для сводки чата, и для самого сообщения
		now := s.now().UTC().Truncate(time.Microsecond)

		thread, err := tx.FindThreadByPair(ctx, senderID, receiverID)
		switch {
		case errors.Is(err, ErrNotFound):
			thread, err = tx.CreateThread(ctx, senderID, receiverID, senderID, text, now)
			if errors.Is(err, ErrThreadExists) {
				// Чат успел создать параллельный запрос, продолжаем как обновление
				thread, err = tx.FindThreadByPair(ctx, senderID, receiverID)
				if err != nil {
					return err
				}
				if err := tx.RecordNewMessage(ctx, thread.ID, senderID, receiverID, text, now); err != nil {
					return err
				}
			} else if err != nil {
				return err
			} else {
				result.CreatedThread = true
			}
		case err != nil:
			return err
		default:
			if err := tx.RecordNewMessage(ctx, thread.ID, senderID, receiverID, text, now); err != nil {
				return err
			}
		}

		messageID, err := tx.Append(ctx, thread.ID, senderID, receiverID, text, now)
		if err != nil {
			return err
		}

		result.ThreadID = thread.ID
		result.MessageID = messageID
		result.Message = models.Message{
			ID:         messageID,
			ThreadID:   thread.ID,
			SenderID:   senderID,
			ReceiverID: receiverID,
			Text:       text,
			CreatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, storageError("send message", err)
	}

	return &result, nil
}

// MarkRead обнуляет счётчик непрочитанных пользователя в чате.
// Повторный вызов успешен и возвращает 0 изменений.
func (s *Service) MarkRead(ctx context.Context, threadID, userID string) (int64, error) {
	if threadID == "" || userID == "" {
		return 0, fmt.Errorf("%w: chatId and userId are required", ErrValidation)
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return 0, storageError("get thread", err)
	}
	if !thread.HasParticipant(userID) {
		return 0, fmt.Errorf("%w: user %s is not a participant of chat %s", ErrForbidden, userID, threadID)
	}

	modified, err := s.store.ResetUnreadCounter(ctx, threadID, userID)
	if err != nil {
		return 0, storageError("reset unread counter", err)
	}
	return modified, nil
}

// Transcript возвращает переписку двух пользователей от старых сообщений к новым.
// Если чата ещё нет, возвращается пустой список.
func (s *Service) Transcript(ctx context.Context, userID, friendID string) ([]models.Message, error) {
	if userID == "" || friendID == "" {
		return nil, fmt.Errorf("%w: userId and friendId are required", ErrValidation)
	}

	thread, err := s.store.FindThreadByPair(ctx, userID, friendID)
	if errors.Is(err, ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, storageError("find thread", err)
	}

	messages, err := s.store.ListForThread(ctx, thread.ID)
	if err != nil {
		return nil, storageError("list messages", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// ListThreads возвращает чаты пользователя с данными собеседников, новые сверху
func (s *Service) ListThreads(ctx context.Context, userID string) ([]models.ThreadSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}

	summaries, err := s.store.ListThreadsForUser(ctx, userID)
	if err != nil {
		return nil, storageError("list threads", err)
	}
	if summaries == nil {
		return []models.ThreadSummary{}, nil
	}

	if s.directory == nil || len(summaries) == 0 {
		return summaries, nil
	}

	ids := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		ids = append(ids, summary.OtherUserID)
	}

	users, err := s.directory.GetUsers(ctx, ids)
	if err != nil {
		return nil, storageError("get users", err)
	}

	for i := range summaries {
		if user, ok := users[summaries[i].OtherUserID]; ok {
			summaries[i].OtherUser = &user
		}
	}
	return summaries, nil
}

// HasUnread сообщает, есть ли у пользователя непрочитанные сообщения хоть в одном чате
func (s *Service) HasUnread(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("%w: userId is required", ErrValidation)
	}

	ok, err := s.store.HasUnreadMessages(ctx, userID)
	if err != nil {
		return false, storageError("check unread", err)
	}
	return ok, nil
}

// OtherParticipant возвращает собеседника userID в чате threadID
func (s *Service) OtherParticipant(ctx context.Context, threadID, userID string) (string, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return "", storageError("get thread", err)
	}
	if !thread.HasParticipant(userID) {
		return "", fmt.Errorf("%w: user %s is not a participant of chat %s", ErrForbidden, userID, threadID)
	}
	return thread.Other(userID), nil
}

// storageError оставляет ошибки предметной области как есть,
// всё остальное считается отказом хранилища.
func storageError(op string, err error) error {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInternal):
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}
