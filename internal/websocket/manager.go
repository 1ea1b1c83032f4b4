package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/synapse-api/internal/metrics"
)

// EventType определяет тип события WebSocket
type EventType string

const (
	EventNewMessage  EventType = "new_message"
	EventMessageRead EventType = "message_read"
	EventConnected   EventType = "connected"
	EventTyping      EventType = "typing"
	EventStopTyping  EventType = "stop_typing"
	EventUnreadCount EventType = "unread_count"
	EventError       EventType = "error"
)

// Event представляет структуру сообщения для WebSocket
type Event struct {
	Type      EventType       `json:"type"`
	ChatID    string          `json:"chat_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Notifier доставляет событие всем соединениям пользователя.
// Реализуется Manager (локально) и events.Bus (через NATS).
type Notifier interface {
	SendToUser(userID string, event Event)
}

// ChatBackend описывает операции над чатами, которые может вызвать клиент
type ChatBackend interface {
	OtherParticipant(ctx context.Context, threadID, userID string) (string, error)
	MarkRead(ctx context.Context, threadID, userID string) (int64, error)
}

// Manager представляет центральный менеджер для всех WebSocket соединений
type Manager struct {
	clients      map[uuid.UUID]*Client
	clientsMutex sync.RWMutex
	userClients  map[string]map[uuid.UUID]bool // userID -> map[clientID]bool
	userMutex    sync.RWMutex

	backend  ChatBackend
	notifier Notifier

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager создает новый экземпляр Manager. backend может быть nil,
// тогда события клиентов typing и message_read игнорируются.
func NewManager(backend ChatBackend) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		clients:     make(map[uuid.UUID]*Client),
		userClients: make(map[string]map[uuid.UUID]bool),
		backend:     backend,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.notifier = m
	return m
}

// SetNotifier задаёт, через что рассылаются события, пришедшие от клиентов.
// По умолчанию это сам Manager, с NATS шина, чтобы событие дошло до других инстансов.
func (m *Manager) SetNotifier(n Notifier) {
	if n == nil {
		n = m
	}
	m.notifier = n
}

// AddClient регистрирует нового клиента
func (m *Manager) AddClient(client *Client) {
	m.clientsMutex.Lock()
	m.clients[client.ID] = client
	m.clientsMutex.Unlock()

	// Связываем клиент с пользователем
	m.userMutex.Lock()
	if _, exists := m.userClients[client.UserID]; !exists {
		m.userClients[client.UserID] = make(map[uuid.UUID]bool)
	}
	m.userClients[client.UserID][client.ID] = true
	m.userMutex.Unlock()

	metrics.WebsocketClients.Inc()
	log.Printf("WebSocket client %s connected for user %s", client.ID, client.UserID)
}

// RemoveClient удаляет клиента. Повторный вызов ничего не делает.
func (m *Manager) RemoveClient(clientID uuid.UUID) {
	m.clientsMutex.Lock()
	client, exists := m.clients[clientID]
	if exists {
		delete(m.clients, clientID)
	}
	m.clientsMutex.Unlock()

	if !exists {
		return
	}

	userID := client.UserID

	m.userMutex.Lock()
	if clients, ok := m.userClients[userID]; ok {
		delete(clients, clientID)
		// Если это был последний клиент пользователя, удаляем запись пользователя
		if len(clients) == 0 {
			delete(m.userClients, userID)
		}
	}
	m.userMutex.Unlock()

	metrics.WebsocketClients.Dec()
	log.Printf("WebSocket client %s disconnected for user %s", clientID, userID)
}

// IsOnline проверяет, есть ли у пользователя соединения на этом инстансе
func (m *Manager) IsOnline(userID string) bool {
	m.userMutex.RLock()
	defer m.userMutex.RUnlock()
	return len(m.userClients[userID]) > 0
}

// SendToUser отправляет событие всем соединениям пользователя на этом инстансе
func (m *Manager) SendToUser(userID string, event Event) {
	if userID == "" {
		return
	}

	m.userMutex.RLock()
	clientIDs := make([]uuid.UUID, 0, len(m.userClients[userID]))
	for id := range m.userClients[userID] {
		clientIDs = append(clientIDs, id)
	}
	m.userMutex.RUnlock()

	if len(clientIDs) == 0 {
		// Пользователь не онлайн, сообщение уже сохранено в хранилище
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}

	for _, clientID := range clientIDs {
		m.clientsMutex.RLock()
		client, exists := m.clients[clientID]
		m.clientsMutex.RUnlock()

		if !exists {
			continue
		}

		select {
		case client.send <- eventJSON:
		default:
			// Канал заполнен, клиент слишком медленный - закрываем соединение
			log.Printf("Send channel full for client %s, closing connection", client.ID)
			client.close()
			m.RemoveClient(client.ID)
		}
	}
}

// NotifyUnread сообщает пользователю, есть ли у него непрочитанные чаты
func (m *Manager) NotifyUnread(userID string, hasUnread bool) {
	m.notifier.SendToUser(userID, UnreadEvent(userID, hasUnread))
}

// UnreadEvent формирует событие unread_count
func UnreadEvent(userID string, hasUnread bool) Event {
	payload, _ := json.Marshal(map[string]bool{"has_new_messages": hasUnread})
	return Event{
		Type:      EventUnreadCount,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Shutdown корректно завершает работу менеджера WebSocket
func (m *Manager) Shutdown() {
	m.cancel()

	m.clientsMutex.Lock()
	for _, client := range m.clients {
		client.close()
	}
	m.clients = make(map[uuid.UUID]*Client)
	m.clientsMutex.Unlock()

	m.userMutex.Lock()
	m.userClients = make(map[string]map[uuid.UUID]bool)
	m.userMutex.Unlock()

	metrics.WebsocketClients.Set(0)
}
