package models

import (
	"time"
)

// UnreadCounters хранит счётчики непрочитанных сообщений по ID участника.
// Это снимок состояния: изменяются счётчики только через хранилище
// (атомарный инкремент или сброс одного ключа).
type UnreadCounters map[string]int64

// Get возвращает счётчик участника или 0, если записи нет
func (u UnreadCounters) Get(userID string) int64 {
	if u == nil {
		return 0
	}
	return u[userID]
}

// Thread представляет чат между двумя пользователями (chat info)
type Thread struct {
	ID                string         `json:"id"`
	Participants      [2]string      `json:"participants"`
	LastMessage       string         `json:"last_message"`
	LastMessageAt     time.Time      `json:"last_message_at"`
	LastMessageSender string         `json:"last_message_sender_id"`
	UnreadCounters    UnreadCounters `json:"unread_count"`
	CreatedAt         time.Time      `json:"created_at"`
}

// HasParticipant проверяет, является ли пользователь участником чата
func (t *Thread) HasParticipant(userID string) bool {
	return t.Participants[0] == userID || t.Participants[1] == userID
}

// Other возвращает второго участника чата
func (t *Thread) Other(userID string) string {
	if t.Participants[0] == userID {
		return t.Participants[1]
	}
	return t.Participants[0]
}

// Message представляет сообщение в чате
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// ThreadSummary описывает чат глазами одного из участников
type ThreadSummary struct {
	ThreadID          string    `json:"id"`
	OtherUserID       string    `json:"other_user_id"`
	LastMessage       string    `json:"last_message"`
	LastMessageAt     time.Time `json:"last_message_at"`
	LastMessageSender string    `json:"last_message_sender_id"`
	UnreadCount       int64     `json:"unread_count"`

	// Дополнительные поля для API
	OtherUser *User `json:"other_user,omitempty"`
}
