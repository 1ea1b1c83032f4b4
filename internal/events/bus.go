// Package events связывает инстансы API через NATS: событие для пользователя
// публикуется в его subject, а каждый инстанс доставляет его своим WebSocket-клиентам.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rajivgeraev/synapse-api/internal/config"
	"github.com/rajivgeraev/synapse-api/internal/websocket"
)

// Bus публикует и принимает события пользователей
type Bus struct {
	nc     *nats.Conn
	prefix string
	sub    *nats.Subscription
}

// Connect подключается к NATS
func Connect(cfg config.NatsConfig) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("synapse-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("⚠️ NATS отключён: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS переподключён к %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewBus(nc, cfg.SubjectPrefix), nil
}

// NewBus оборачивает готовое соединение
func NewBus(nc *nats.Conn, prefix string) *Bus {
	return &Bus{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// SendToUser публикует событие в subject пользователя.
// Ошибка публикации только логируется: сообщение уже сохранено.
func (b *Bus) SendToUser(userID string, event websocket.Event) {
	if userID == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}

	subject := UserSubject(b.prefix, userID)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Printf("Ошибка публикации в %s: %v", subject, err)
	}
}

// Forward подписывается на события всех пользователей и передаёт их в local
func (b *Bus) Forward(local websocket.Notifier) error {
	subject := b.prefix + ".user.*"
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		userID, ok := UserFromSubject(b.prefix, msg.Subject)
		if !ok {
			return
		}
		var event websocket.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("Error unmarshaling event from subject '%s': %v", msg.Subject, err)
			return
		}
		local.SendToUser(userID, event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
	}
	b.sub = sub
	log.Printf("Subscribing to %s", subject)
	return nil
}

// Close снимает подписку и закрывает соединение, дождавшись отправки буфера
func (b *Bus) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
}

// UserSubject возвращает subject событий пользователя: <prefix>.user.<userID>
func UserSubject(prefix, userID string) string {
	return fmt.Sprintf("%s.user.%s", prefix, userID)
}

// UserFromSubject извлекает userID из subject, построенного UserSubject
func UserFromSubject(prefix, subject string) (string, bool) {
	userID, ok := strings.CutPrefix(subject, prefix+".user.")
	if !ok || userID == "" || strings.Contains(userID, ".") {
		return "", false
	}
	return userID, true
}
