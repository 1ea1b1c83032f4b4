package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/synapse-api/internal/messaging"
	"github.com/rajivgeraev/synapse-api/internal/models"
)

// querier общий интерфейс пула и транзакции
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ChatStore хранит чаты и сообщения в PostgreSQL.
// Уникальность пары обеспечивает UNIQUE (pair_key), счётчики меняются
// атомарными upsert-ами по одной строке (thread_id, user_id).
type ChatStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

var _ messaging.Store = (*ChatStore)(nil)

// NewChatStore создает новый экземпляр ChatStore
func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{pool: pool, q: pool}
}

// WithTx выполняет fn в транзакции. Вложенный вызов использует текущую транзакцию.
func (s *ChatStore) WithTx(ctx context.Context, fn func(tx messaging.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка при начале транзакции: %w", err)
	}
	defer tx.Rollback(ctx) // Откатываем транзакцию в случае ошибки

	if err := fn(&ChatStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

func (s *ChatStore) FindThreadByPair(ctx context.Context, userA, userB string) (*models.Thread, error) {
	a, okA := parseID(userA)
	b, okB := parseID(userB)
	if !okA || !okB {
		return nil, messaging.ErrNotFound
	}

	row := s.q.QueryRow(ctx, `
		SELECT id, participant_a, participant_b, last_message, last_message_at, last_message_sender, created_at
		FROM chat_threads
		WHERE pair_key = $1
	`, messaging.PairKey(a.String(), b.String()))

	return s.scanThread(ctx, row)
}

func (s *ChatStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	id, ok := parseID(threadID)
	if !ok {
		return nil, messaging.ErrNotFound
	}

	row := s.q.QueryRow(ctx, `
		SELECT id, participant_a, participant_b, last_message, last_message_at, last_message_sender, created_at
		FROM chat_threads
		WHERE id = $1
	`, id)

	return s.scanThread(ctx, row)
}

func (s *ChatStore) CreateThread(ctx context.Context, participantA, participantB, sender, text string, at time.Time) (*models.Thread, error) {
	a, okA := parseID(participantA)
	b, okB := parseID(participantB)
	senderID, okS := parseID(sender)
	if !okA || !okB || !okS {
		return nil, fmt.Errorf("%w: invalid participant id", messaging.ErrValidation)
	}
	if a == b {
		return nil, fmt.Errorf("%w: participants must differ", messaging.ErrValidation)
	}
	if senderID != a && senderID != b {
		return nil, fmt.Errorf("%w: sender must be a participant", messaging.ErrValidation)
	}

	receiverID := a
	if senderID == a {
		receiverID = b
	}
	first, second := messaging.SortPair(a.String(), b.String())
	threadID := uuid.New()

	err := s.WithTx(ctx, func(tx messaging.Store) error {
		q := tx.(*ChatStore).q

		var inserted uuid.UUID
		err := q.QueryRow(ctx, `
			INSERT INTO chat_threads (id, participant_a, participant_b, pair_key, last_message, last_message_at, last_message_sender, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $6)
			ON CONFLICT (pair_key) DO NOTHING
			RETURNING id
		`, threadID, uuid.MustParse(first), uuid.MustParse(second), messaging.PairKey(first, second), text, at, senderID).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			return messaging.ErrThreadExists
		}
		if err != nil {
			return fmt.Errorf("ошибка создания чата: %w", err)
		}

		_, err = q.Exec(ctx, `
			INSERT INTO chat_unread_counters (thread_id, user_id, unread_count)
			VALUES ($1, $2, 0), ($1, $3, 1)
		`, threadID, senderID, receiverID)
		if err != nil {
			return fmt.Errorf("ошибка создания счётчиков: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &models.Thread{
		ID:                threadID.String(),
		Participants:      [2]string{first, second},
		LastMessage:       text,
		LastMessageAt:     at,
		LastMessageSender: senderID.String(),
		UnreadCounters:    models.UnreadCounters{senderID.String(): 0, receiverID.String(): 1},
		CreatedAt:         at,
	}, nil
}

func (s *ChatStore) RecordNewMessage(ctx context.Context, threadID, sender, receiver, text string, at time.Time) error {
	id, okT := parseID(threadID)
	if !okT {
		return messaging.ErrNotFound
	}
	senderID, okS := parseID(sender)
	receiverID, okR := parseID(receiver)
	if !okS || !okR {
		return fmt.Errorf("%w: invalid participant id", messaging.ErrValidation)
	}

	return s.WithTx(ctx, func(tx messaging.Store) error {
		q := tx.(*ChatStore).q

		tag, err := q.Exec(ctx, `
			UPDATE chat_threads
			SET last_message = $2, last_message_at = $3, last_message_sender = $4
			WHERE id = $1
		`, id, text, at, senderID)
		if err != nil {
			return fmt.Errorf("ошибка обновления информации о чате: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return messaging.ErrNotFound
		}

		// Инкремент одного ключа без чтения всей карты счётчиков
		_, err = q.Exec(ctx, `
			INSERT INTO chat_unread_counters (thread_id, user_id, unread_count)
			VALUES ($1, $2, 1)
			ON CONFLICT (thread_id, user_id)
			DO UPDATE SET unread_count = chat_unread_counters.unread_count + 1
		`, id, receiverID)
		if err != nil {
			return fmt.Errorf("ошибка увеличения счётчика: %w", err)
		}

		_, err = q.Exec(ctx, `
			INSERT INTO chat_unread_counters (thread_id, user_id, unread_count)
			VALUES ($1, $2, 0)
			ON CONFLICT (thread_id, user_id)
			DO UPDATE SET unread_count = 0
		`, id, senderID)
		if err != nil {
			return fmt.Errorf("ошибка сброса счётчика отправителя: %w", err)
		}
		return nil
	})
}

func (s *ChatStore) ResetUnreadCounter(ctx context.Context, threadID, userID string) (int64, error) {
	id, okT := parseID(threadID)
	if !okT {
		return 0, messaging.ErrNotFound
	}
	user, okU := parseID(userID)

	if okU {
		tag, err := s.q.Exec(ctx, `
			UPDATE chat_unread_counters
			SET unread_count = 0
			WHERE thread_id = $1 AND user_id = $2 AND unread_count <> 0
		`, id, user)
		if err != nil {
			return 0, fmt.Errorf("ошибка сброса счётчика: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return tag.RowsAffected(), nil
		}
	}

	// Ничего не изменилось: отличаем "уже 0" от "чата нет"
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chat_threads WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("ошибка проверки существования чата: %w", err)
	}
	if !exists {
		return 0, messaging.ErrNotFound
	}
	return 0, nil
}

func (s *ChatStore) ListThreadsForUser(ctx context.Context, userID string) ([]models.ThreadSummary, error) {
	user, ok := parseID(userID)
	if !ok {
		return []models.ThreadSummary{}, nil
	}

	rows, err := s.q.Query(ctx, `
		SELECT t.id,
		       CASE WHEN t.participant_a = $1 THEN t.participant_b ELSE t.participant_a END AS other_user_id,
		       t.last_message, t.last_message_at, t.last_message_sender,
		       COALESCE(c.unread_count, 0) AS unread_count
		FROM chat_threads t
		LEFT JOIN chat_unread_counters c ON c.thread_id = t.id AND c.user_id = $1
		WHERE t.participant_a = $1 OR t.participant_b = $1
		ORDER BY t.last_message_at DESC
	`, user)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса чатов: %w", err)
	}
	defer rows.Close()

	summaries := []models.ThreadSummary{}
	for rows.Next() {
		var (
			summary      models.ThreadSummary
			threadUUID   uuid.UUID
			otherUUID    uuid.UUID
			lastSenderID uuid.UUID
		)
		if err := rows.Scan(
			&threadUUID,
			&otherUUID,
			&summary.LastMessage,
			&summary.LastMessageAt,
			&lastSenderID,
			&summary.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования строки: %w", err)
		}

		summary.ThreadID = threadUUID.String()
		summary.OtherUserID = otherUUID.String()
		summary.LastMessageSender = lastSenderID.String()
		summary.LastMessageAt = summary.LastMessageAt.UTC()
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения чатов: %w", err)
	}
	return summaries, nil
}

func (s *ChatStore) HasUnreadMessages(ctx context.Context, userID string) (bool, error) {
	user, ok := parseID(userID)
	if !ok {
		return false, nil
	}

	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM chat_unread_counters WHERE user_id = $1 AND unread_count > 0)
	`, user).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки непрочитанных: %w", err)
	}
	return exists, nil
}

func (s *ChatStore) Append(ctx context.Context, threadID, sender, receiver, text string, at time.Time) (string, error) {
	id, okT := parseID(threadID)
	senderID, okS := parseID(sender)
	receiverID, okR := parseID(receiver)
	if !okT || !okS || !okR {
		return "", fmt.Errorf("%w: invalid message ids", messaging.ErrValidation)
	}

	messageID := uuid.New()
	_, err := s.q.Exec(ctx, `
		INSERT INTO chat_messages (id, thread_id, sender_id, receiver_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, messageID, id, senderID, receiverID, text, at)
	if err != nil {
		return "", fmt.Errorf("ошибка сохранения сообщения: %w", err)
	}
	return messageID.String(), nil
}

func (s *ChatStore) ListForThread(ctx context.Context, threadID string) ([]models.Message, error) {
	id, ok := parseID(threadID)
	if !ok {
		return []models.Message{}, nil
	}

	rows, err := s.q.Query(ctx, `
		SELECT id, thread_id, sender_id, receiver_id, text, created_at
		FROM chat_messages
		WHERE thread_id = $1
		ORDER BY created_at ASC, seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса сообщений: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var msgID, threadUUID, senderID, receiverID uuid.UUID
		if err := rows.Scan(&msgID, &threadUUID, &senderID, &receiverID, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования сообщения: %w", err)
		}

		msg.ID = msgID.String()
		msg.ThreadID = threadUUID.String()
		msg.SenderID = senderID.String()
		msg.ReceiverID = receiverID.String()
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения сообщений: %w", err)
	}
	return messages, nil
}

// scanThread читает строку chat_threads и подгружает счётчики
func (s *ChatStore) scanThread(ctx context.Context, row pgx.Row) (*models.Thread, error) {
	var thread models.Thread
	var id, a, b, sender uuid.UUID
	err := row.Scan(&id, &a, &b, &thread.LastMessage, &thread.LastMessageAt, &sender, &thread.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, messaging.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения чата: %w", err)
	}

	thread.ID = id.String()
	thread.Participants = [2]string{a.String(), b.String()}
	thread.LastMessageSender = sender.String()
	thread.LastMessageAt = thread.LastMessageAt.UTC()
	thread.CreatedAt = thread.CreatedAt.UTC()

	rows, err := s.q.Query(ctx, `
		SELECT user_id, unread_count FROM chat_unread_counters WHERE thread_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения счётчиков: %w", err)
	}
	defer rows.Close()

	thread.UnreadCounters = make(models.UnreadCounters, 2)
	for rows.Next() {
		var (
			userID uuid.UUID
			unread int64
		)
		if err := rows.Scan(&userID, &unread); err != nil {
			return nil, fmt.Errorf("ошибка сканирования счётчика: %w", err)
		}
		thread.UnreadCounters[userID.String()] = unread
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения счётчиков: %w", err)
	}
	return &thread, nil
}

// parseID разбирает UUID; невалидный ID в этой базе не может существовать
func parseID(id string) (uuid.UUID, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, false
	}
	return parsed, true
}
