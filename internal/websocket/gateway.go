package websocket

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rajivgeraev/synapse-api/internal/utils"
)

// Gateway отдельный HTTP-сервер для WebSocket, метрик и проверки живости
type Gateway struct {
	manager    *Manager
	jwtService *utils.JWTService
	upgrader   websocket.Upgrader
	server     *http.Server
}

// NewGateway создаёт шлюз. allowOrigins со значением "*" разрешает любой Origin.
func NewGateway(addr string, jwtService *utils.JWTService, manager *Manager, allowOrigins []string) *Gateway {
	g := &Gateway{
		manager:    manager,
		jwtService: jwtService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowOrigins),
		},
	}
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Router возвращает маршруты шлюза
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", g.serveWS).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// ListenAndServe блокируется до остановки сервера
func (g *Gateway) ListenAndServe() error {
	log.Printf("🔌 WebSocket шлюз слушает %s", g.server.Addr)
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown останавливает приём соединений и закрывает открытые
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	g.manager.Shutdown()
	return err
}

// serveWS принимает токен в query-параметре: браузер не умеет ставить заголовки при upgrade
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, `{"error":"Missing token"}`, http.StatusUnauthorized)
		return
	}

	userID, err := g.jwtService.ExtractUserID(token)
	if err != nil {
		http.Error(w, `{"error":"Invalid or expired token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже записал ответ клиенту
		log.Printf("Ошибка WebSocket upgrade: %v", err)
		return
	}

	NewClient(userID, conn, g.manager).Start()
}

func originChecker(allowOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(allowOrigins))
	for _, origin := range allowOrigins {
		if origin == "*" {
			return func(r *http.Request) bool { return true }
		}
		allowed[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Не браузерные клиенты Origin не присылают
		return origin == "" || allowed[origin]
	}
}
