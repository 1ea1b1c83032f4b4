package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/synapse-api/internal/config"
	"github.com/rajivgeraev/synapse-api/internal/kvstore"
	"github.com/rajivgeraev/synapse-api/internal/messaging"
	"github.com/rajivgeraev/synapse-api/internal/models"
	"github.com/rajivgeraev/synapse-api/internal/utils"
	"github.com/rajivgeraev/synapse-api/internal/websocket"
)

// recorder запоминает события вместо отправки в WebSocket
type recorder struct {
	mu     sync.Mutex
	events map[string][]websocket.Event
}

func (r *recorder) SendToUser(userID string, event websocket.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[userID] = append(r.events[userID], event)
}

func (r *recorder) types(userID string) []websocket.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []websocket.EventType
	for _, e := range r.events[userID] {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	app   *fiber.App
	jwt   *utils.JWTService
	store *kvstore.Store
	rec   *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := kvstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		JWTSecret:     "test-secret",
		SendRateLimit: config.RateLimitConfig{RPS: 1000, Burst: 1000},
	}
	rec := &recorder{events: make(map[string][]websocket.Event)}

	service := NewChatService(cfg, messaging.NewService(store, store), rec)
	t.Cleanup(service.Close)

	app := fiber.New()
	service.SetupRoutes(app)

	return &testEnv{
		app:   app,
		jwt:   utils.NewJWTService(cfg.JWTSecret),
		store: store,
		rec:   rec,
	}
}

func (e *testEnv) user(t *testing.T, name string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, e.store.PutUser(context.Background(), models.User{ID: id, Name: name}))
	return id
}

func (e *testEnv) do(t *testing.T, method, path, asUser string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if asUser != "" {
		token, err := e.jwt.GenerateToken(asUser, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func sendBody(from, to, text string) map[string]string {
	return map[string]string{"senderId": from, "receiverId": to, "text": text}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.user(t, "Alice"), env.user(t, "Bob")

	status, body := env.do(t, http.MethodPost, "/messages", alice, sendBody(alice, bob, "hi"))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["is_new"])
	assert.NotEmpty(t, body["chat_id"])
	assert.NotEmpty(t, body["message_id"])

	status, again := env.do(t, http.MethodPost, "/messages", alice, sendBody(alice, bob, "again"))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, false, again["is_new"])
	assert.Equal(t, body["chat_id"], again["chat_id"])

	assert.Equal(t, []websocket.EventType{websocket.EventNewMessage, websocket.EventNewMessage}, env.rec.types(alice))
	assert.Equal(t, []websocket.EventType{
		websocket.EventNewMessage, websocket.EventUnreadCount,
		websocket.EventNewMessage, websocket.EventUnreadCount,
	}, env.rec.types(bob))
}

func TestSendMessage_Errors(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.user(t, "Alice"), env.user(t, "Bob")

	tests := []struct {
		name   string
		asUser string
		body   any
		status int
	}{
		{name: "no token", asUser: "", body: sendBody(alice, bob, "hi"), status: http.StatusUnauthorized},
		{name: "missing text", asUser: alice, body: sendBody(alice, bob, ""), status: http.StatusBadRequest},
		{name: "missing receiver", asUser: alice, body: sendBody(alice, "", "hi"), status: http.StatusBadRequest},
		{name: "bad receiver id", asUser: alice, body: sendBody(alice, "bob", "hi"), status: http.StatusBadRequest},
		{name: "impersonation", asUser: bob, body: sendBody(alice, bob, "hi"), status: http.StatusForbidden},
		{name: "self chat", asUser: alice, body: sendBody(alice, alice, "hi"), status: http.StatusBadRequest},
		{name: "unknown receiver", asUser: alice, body: sendBody(alice, uuid.NewString(), "hi"), status: http.StatusNotFound},
		{name: "malformed json", asUser: alice, body: "not an object", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/messages", tt.asUser, tt.body)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	store, err := kvstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		JWTSecret:     "test-secret",
		SendRateLimit: config.RateLimitConfig{RPS: 0.001, Burst: 1},
	}
	service := NewChatService(cfg, messaging.NewService(store, nil), nil)
	t.Cleanup(service.Close)
	app := fiber.New()
	service.SetupRoutes(app)
	env := &testEnv{app: app, jwt: utils.NewJWTService(cfg.JWTSecret), store: store}

	alice, bob := uuid.NewString(), uuid.NewString()

	status, _ := env.do(t, http.MethodPost, "/messages", alice, sendBody(alice, bob, "one"))
	assert.Equal(t, http.StatusCreated, status)

	status, body := env.do(t, http.MethodPost, "/messages", alice, sendBody(alice, bob, "two"))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.NotEmpty(t, body["error"])
}

func TestGetTranscript(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.user(t, "Alice"), env.user(t, "Bob")

	status, body := env.do(t, http.MethodGet, "/messages/"+alice+"/"+bob, alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{}, body["messages"])

	env.do(t, http.MethodPost, "/messages", alice, sendBody(alice, bob, "hi"))
	env.do(t, http.MethodPost, "/messages", bob, sendBody(bob, alice, "hey"))

	status, body = env.do(t, http.MethodGet, "/messages/"+bob+"/"+alice, bob, nil)
	require.Equal(t, http.StatusOK, status)
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "hi", messages[0].(map[string]any)["text"])
	assert.Equal(t, "hey", messages[1].(map[string]any)["text"])

	status, _ = env.do(t, http.MethodGet, "/messages/"+alice+"/"+bob, bob, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, http.MethodGet, "/messages/"+alice+"/not-a-uuid", alice, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetChats(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, carol := env.user(t, "Alice"), env.user(t, "Bob"), env.user(t, "Carol")

	env.do(t, http.MethodPost, "/messages", bob, sendBody(bob, alice, "from bob"))
	env.do(t, http.MethodPost, "/messages", carol, sendBody(carol, alice, "from carol"))

	// Чужой список смотреть можно
	status, body := env.do(t, http.MethodGet, "/chat-info/"+alice, bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])

	chats := body["chats"].([]any)
	require.Len(t, chats, 2)
	newest := chats[0].(map[string]any)
	assert.Equal(t, carol, newest["other_user_id"])
	assert.Equal(t, "from carol", newest["last_message"])
	assert.Equal(t, float64(1), newest["unread_count"])
	assert.Equal(t, "Carol", newest["other_user"].(map[string]any)["name"])

	status, _ = env.do(t, http.MethodGet, "/chat-info/"+alice, "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/chat-info/nobody", alice, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUnreadAndMarkRead(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, carol := env.user(t, "Alice"), env.user(t, "Bob"), env.user(t, "Carol")

	status, body := env.do(t, http.MethodGet, "/chat-info/unread/"+bob, bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["has_new_messages"])

	_, sent := env.do(t, http.MethodPost, "/messages", alice, sendBody(alice, bob, "hi"))
	chatID := sent["chat_id"].(string)

	_, body = env.do(t, http.MethodGet, "/chat-info/unread/"+bob, bob, nil)
	assert.Equal(t, true, body["has_new_messages"])

	status, _ = env.do(t, http.MethodGet, "/chat-info/unread/"+bob, alice, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = env.do(t, http.MethodPatch, "/chat-info/read/"+chatID+"/"+bob, bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["modified"])

	// Повторное прочтение успешно и ничего не меняет
	status, body = env.do(t, http.MethodPatch, "/chat-info/read/"+chatID+"/"+bob, bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["modified"])

	_, body = env.do(t, http.MethodGet, "/chat-info/unread/"+bob, bob, nil)
	assert.Equal(t, false, body["has_new_messages"])

	assert.Contains(t, env.rec.types(alice), websocket.EventMessageRead)

	status, _ = env.do(t, http.MethodPatch, "/chat-info/read/"+uuid.NewString()+"/"+bob, bob, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPatch, "/chat-info/read/"+chatID+"/"+carol, carol, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, http.MethodPatch, "/chat-info/read/"+chatID+"/"+bob, alice, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, http.MethodPatch, "/chat-info/read/bad-id/"+bob, bob, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// A пишет B, B читает и отвечает; у A появляется непрочитанное
func TestConversationOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.user(t, "A"), env.user(t, "B")

	status, sent := env.do(t, http.MethodPost, "/messages", a, sendBody(a, b, "hi"))
	require.Equal(t, http.StatusCreated, status)
	chatID := sent["chat_id"].(string)

	_, list := env.do(t, http.MethodGet, "/chat-info/"+b, b, nil)
	chat := list["chats"].([]any)[0].(map[string]any)
	assert.Equal(t, "hi", chat["last_message"])
	assert.Equal(t, float64(1), chat["unread_count"])

	env.do(t, http.MethodPatch, "/chat-info/read/"+chatID+"/"+b, b, nil)

	_, list = env.do(t, http.MethodGet, "/chat-info/"+b, b, nil)
	assert.Equal(t, float64(0), list["chats"].([]any)[0].(map[string]any)["unread_count"])

	env.do(t, http.MethodPost, "/messages", b, sendBody(b, a, "hey"))

	_, list = env.do(t, http.MethodGet, "/chat-info/"+a, a, nil)
	assert.Equal(t, float64(1), list["chats"].([]any)[0].(map[string]any)["unread_count"])

	_, transcript := env.do(t, http.MethodGet, "/messages/"+a+"/"+b, a, nil)
	messages := transcript["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "hi", messages[0].(map[string]any)["text"])
	assert.Equal(t, "hey", messages[1].(map[string]any)["text"])
}
