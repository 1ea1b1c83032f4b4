package messaging

import (
	"context"
	"time"

	"github.com/rajivgeraev/synapse-api/internal/models"
)

// ThreadStore хранит по одной записи чата на неупорядоченную пару участников
type ThreadStore interface {
	// FindThreadByPair ищет чат по паре участников независимо от порядка аргументов.
	// Возвращает ErrNotFound, если чата нет.
	FindThreadByPair(ctx context.Context, userA, userB string) (*models.Thread, error)

	// GetThread возвращает чат по ID или ErrNotFound
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)

	// CreateThread создаёт чат с первым сообщением: счётчик отправителя 0, получателя 1.
	// Возвращает ErrThreadExists, если чат для пары уже существует.
	CreateThread(ctx context.Context, participantA, participantB, sender, text string, at time.Time) (*models.Thread, error)

	// RecordNewMessage обновляет last_message*, атомарно увеличивает счётчик получателя
	// и сбрасывает счётчик отправителя.
	RecordNewMessage(ctx context.Context, threadID, sender, receiver, text string, at time.Time) error

	// ResetUnreadCounter обнуляет счётчик пользователя и возвращает число изменённых записей
	ResetUnreadCounter(ctx context.Context, threadID, userID string) (int64, error)

	// ListThreadsForUser возвращает чаты пользователя, новые сверху
	ListThreadsForUser(ctx context.Context, userID string) ([]models.ThreadSummary, error)

	// HasUnreadMessages проверяет, есть ли у пользователя хотя бы один счётчик > 0
	HasUnreadMessages(ctx context.Context, userID string) (bool, error)
}

// MessageLog журнал сообщений, только добавление
type MessageLog interface {
	Append(ctx context.Context, threadID, sender, receiver, text string, at time.Time) (string, error)

	// ListForThread возвращает сообщения чата от старых к новым
	ListForThread(ctx context.Context, threadID string) ([]models.Message, error)
}

// Store объединяет чаты и сообщения с общей транзакцией
type Store interface {
	ThreadStore
	MessageLog

	// WithTx выполняет fn атомарно: либо применяются все записи, либо ни одной
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Directory внешний справочник пользователей
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	GetUsers(ctx context.Context, userIDs []string) (map[string]models.User, error)
}

// PairKey возвращает канонический ключ пары: отсортированные ID через ":"
func PairKey(userA, userB string) string {
	a, b := SortPair(userA, userB)
	return a + ":" + b
}

// SortPair упорядочивает пару участников
func SortPair(userA, userB string) (string, string) {
	if userB < userA {
		return userB, userA
	}
	return userA, userB
}
