package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Максимальное время ожидания для pong от клиента
	pongWait = 60 * time.Second

	// Отправлять ping-сообщения клиенту с этим интервалом
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер сообщения от клиента
	maxMessageSize = 64 * 1024

	// Размер буфера для отправляемых сообщений
	writeBufferSize = 256

	writeWait = 10 * time.Second

	// Таймаут обращения к хранилищу из обработчика событий клиента
	backendTimeout = 5 * time.Second
)

// Client представляет собой отдельное WebSocket соединение
type Client struct {
	ID        uuid.UUID
	UserID    string
	conn      *websocket.Conn
	send      chan []byte // Буферизованный канал исходящих сообщений
	manager   *Manager
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewClient создает новый экземпляр Client
func NewClient(userID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:        uuid.New(),
		UserID:    userID,
		conn:      conn,
		send:      make(chan []byte, writeBufferSize),
		manager:   manager,
		closeChan: make(chan struct{}),
	}
}

// Start регистрирует клиента и запускает горутины чтения и записи
func (c *Client) Start() {
	c.manager.AddClient(c)

	c.manager.SendToUserClient(c, Event{
		Type:   EventConnected,
		UserID: c.UserID,
	})

	go c.readPump()
	go c.writePump()
}

// close закрывает соединение и останавливает writePump
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump обрабатывает входящие сообщения от клиента
func (c *Client) readPump() {
	defer func() {
		c.manager.RemoveClient(c.ID)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Unexpected close error: %v", err)
			}
			break
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("Error unmarshaling event: %v", err)
			continue
		}
		c.manager.HandleClientEvent(c, event)
	}
}

// writePump отправляет сообщения клиенту
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Error writing message: %v", err)
				return
			}
		case <-ticker.C:
			// Отправляем ping для поддержания соединения
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// SendToUserClient отправляет событие только в это соединение
func (m *Manager) SendToUserClient(c *Client, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("Send channel full for client %s, dropping event %s", c.ID, event.Type)
	}
}

// HandleClientEvent обрабатывает событие, полученное от клиента
func (m *Manager) HandleClientEvent(c *Client, event Event) {
	// Отправителем события всегда считается владелец соединения
	if event.UserID != "" && event.UserID != c.UserID {
		log.Printf("UserID mismatch in message: %s vs %s", event.UserID, c.UserID)
		return
	}
	event.UserID = c.UserID
	event.Timestamp = time.Now().UTC()

	switch event.Type {
	case EventTyping, EventStopTyping, EventMessageRead:
	default:
		log.Printf("Unhandled event type: %s", event.Type)
		return
	}

	if event.ChatID == "" {
		m.sendError(c, "chat_id is required")
		return
	}
	if m.backend == nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, backendTimeout)
	defer cancel()

	other, err := m.backend.OtherParticipant(ctx, event.ChatID, c.UserID)
	if err != nil {
		log.Printf("Ошибка получения собеседника для чата %s: %v", event.ChatID, err)
		m.sendError(c, "chat is not available")
		return
	}

	switch event.Type {
	case EventTyping, EventStopTyping:
		event.Payload = nil
		m.notifier.SendToUser(other, event)
	case EventMessageRead:
		if _, err := m.backend.MarkRead(ctx, event.ChatID, c.UserID); err != nil {
			log.Printf("Ошибка отметки прочтения чата %s: %v", event.ChatID, err)
			m.sendError(c, "failed to mark chat as read")
			return
		}
		event.Payload = nil
		m.notifier.SendToUser(c.UserID, event)
		m.notifier.SendToUser(other, event)
	}
}

func (m *Manager) sendError(c *Client, message string) {
	if errors.Is(m.ctx.Err(), context.Canceled) {
		return
	}
	payload, _ := json.Marshal(map[string]string{"error": message})
	m.SendToUserClient(c, Event{
		Type:    EventError,
		UserID:  c.UserID,
		Payload: payload,
	})
}
