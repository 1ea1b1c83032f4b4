package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/synapse-api/internal/messaging"
	"github.com/rajivgeraev/synapse-api/internal/utils"
)

type fakeBackend struct {
	mu      sync.Mutex
	threads map[string][2]string
	reads   []string
}

func (b *fakeBackend) OtherParticipant(ctx context.Context, threadID, userID string) (string, error) {
	pair, ok := b.threads[threadID]
	if !ok {
		return "", messaging.ErrNotFound
	}
	switch userID {
	case pair[0]:
		return pair[1], nil
	case pair[1]:
		return pair[0], nil
	}
	return "", messaging.ErrForbidden
}

func (b *fakeBackend) MarkRead(ctx context.Context, threadID, userID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads = append(b.reads, threadID+"/"+userID)
	return 1, nil
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.send:
		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

func TestManager_SendToUser(t *testing.T) {
	m := NewManager(nil)
	phone := NewClient("alice", nil, m)
	laptop := NewClient("alice", nil, m)
	other := NewClient("bob", nil, m)
	m.AddClient(phone)
	m.AddClient(laptop)
	m.AddClient(other)

	m.SendToUser("alice", Event{Type: EventNewMessage, ChatID: "c1"})

	for _, c := range []*Client{phone, laptop} {
		event := receive(t, c)
		assert.Equal(t, EventNewMessage, event.Type)
		assert.Equal(t, "c1", event.ChatID)
		assert.False(t, event.Timestamp.IsZero())
	}
	assertNoEvent(t, other)

	// Офлайн-пользователь просто пропускается
	m.SendToUser("carol", Event{Type: EventNewMessage})
}

func TestManager_RemoveClient(t *testing.T) {
	m := NewManager(nil)
	c := NewClient("alice", nil, m)
	m.AddClient(c)
	assert.True(t, m.IsOnline("alice"))

	m.RemoveClient(c.ID)
	m.RemoveClient(c.ID)
	assert.False(t, m.IsOnline("alice"))

	m.SendToUser("alice", Event{Type: EventNewMessage})
	assertNoEvent(t, c)
}

func TestManager_SlowClientIsDropped(t *testing.T) {
	m := NewManager(nil)
	c := NewClient("alice", nil, m)
	m.AddClient(c)

	for i := 0; i < writeBufferSize+1; i++ {
		m.SendToUser("alice", Event{Type: EventNewMessage})
	}
	assert.False(t, m.IsOnline("alice"))
}

func TestHandleClientEvent_Typing(t *testing.T) {
	backend := &fakeBackend{threads: map[string][2]string{"c1": {"alice", "bob"}}}
	m := NewManager(backend)
	alice := NewClient("alice", nil, m)
	bob := NewClient("bob", nil, m)
	m.AddClient(alice)
	m.AddClient(bob)

	m.HandleClientEvent(alice, Event{Type: EventTyping, ChatID: "c1"})

	event := receive(t, bob)
	assert.Equal(t, EventTyping, event.Type)
	assert.Equal(t, "alice", event.UserID)
	assert.Equal(t, "c1", event.ChatID)
	assertNoEvent(t, alice)
}

func TestHandleClientEvent_Rejects(t *testing.T) {
	backend := &fakeBackend{threads: map[string][2]string{"c1": {"alice", "bob"}}}
	m := NewManager(backend)
	mallory := NewClient("mallory", nil, m)
	bob := NewClient("bob", nil, m)
	m.AddClient(mallory)
	m.AddClient(bob)

	// Подмена отправителя игнорируется
	m.HandleClientEvent(mallory, Event{Type: EventTyping, ChatID: "c1", UserID: "alice"})
	assertNoEvent(t, bob)
	assertNoEvent(t, mallory)

	// Чужой чат
	m.HandleClientEvent(mallory, Event{Type: EventTyping, ChatID: "c1"})
	assert.Equal(t, EventError, receive(t, mallory).Type)
	assertNoEvent(t, bob)

	// Без chat_id
	m.HandleClientEvent(mallory, Event{Type: EventStopTyping})
	assert.Equal(t, EventError, receive(t, mallory).Type)

	// Неизвестный тип
	m.HandleClientEvent(mallory, Event{Type: "dance", ChatID: "c1"})
	assertNoEvent(t, mallory)
}

func TestHandleClientEvent_MessageRead(t *testing.T) {
	backend := &fakeBackend{threads: map[string][2]string{"c1": {"alice", "bob"}}}
	m := NewManager(backend)
	alice := NewClient("alice", nil, m)
	bob := NewClient("bob", nil, m)
	m.AddClient(alice)
	m.AddClient(bob)

	m.HandleClientEvent(bob, Event{Type: EventMessageRead, ChatID: "c1"})

	assert.Equal(t, []string{"c1/bob"}, backend.reads)
	assert.Equal(t, EventMessageRead, receive(t, bob).Type)

	event := receive(t, alice)
	assert.Equal(t, EventMessageRead, event.Type)
	assert.Equal(t, "bob", event.UserID)
}

type captureNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *captureNotifier) SendToUser(userID string, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
}

func TestManager_SetNotifier(t *testing.T) {
	backend := &fakeBackend{threads: map[string][2]string{"c1": {"alice", "bob"}}}
	m := NewManager(backend)
	n := &captureNotifier{}
	m.SetNotifier(n)

	alice := NewClient("alice", nil, m)
	m.AddClient(alice)

	m.HandleClientEvent(alice, Event{Type: EventTyping, ChatID: "c1"})
	m.NotifyUnread("alice", true)
	assert.Equal(t, []string{"bob", "alice"}, n.users)
}

func TestUnreadEvent(t *testing.T) {
	event := UnreadEvent("alice", true)
	assert.Equal(t, EventUnreadCount, event.Type)
	assert.JSONEq(t, `{"has_new_messages":true}`, string(event.Payload))
}

func TestGateway(t *testing.T) {
	jwtService := utils.NewJWTService("secret")
	backend := &fakeBackend{threads: map[string][2]string{"c1": {"alice", "bob"}}}
	m := NewManager(backend)
	gw := NewGateway(":0", jwtService, m, []string{"*"})

	srv := httptest.NewServer(gw.Router())
	defer srv.Close()
	defer m.Shutdown()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwtService.GenerateToken("alice", time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected Event
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, EventConnected, connected.Type)
	assert.Equal(t, "alice", connected.UserID)
	assert.True(t, m.IsOnline("alice"))

	m.SendToUser("alice", Event{Type: EventNewMessage, ChatID: "c1"})
	var pushed Event
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, EventNewMessage, pushed.Type)
	assert.Equal(t, "c1", pushed.ChatID)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
