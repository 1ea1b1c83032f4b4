package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/rajivgeraev/synapse-api/internal/config"
	"github.com/rajivgeraev/synapse-api/internal/db"
	"github.com/rajivgeraev/synapse-api/internal/events"
	"github.com/rajivgeraev/synapse-api/internal/kvstore"
	"github.com/rajivgeraev/synapse-api/internal/messaging"
	"github.com/rajivgeraev/synapse-api/internal/services/chat"
	"github.com/rajivgeraev/synapse-api/internal/utils"
	"github.com/rajivgeraev/synapse-api/internal/websocket"
)

func main() {
	// Загружаем конфигурацию
	cfg := config.LoadConfig()

	// Открываем хранилище чатов
	store, directory, closeStore, err := openStorage(context.Background(), cfg)
	if err != nil {
		log.Fatalf("❌ Ошибка при инициализации хранилища: %v", err)
	}
	defer closeStore()

	chats := messaging.NewService(store, directory)

	// WebSocket и, если задан NATS, шина между инстансами
	manager := websocket.NewManager(chats)
	var notifier websocket.Notifier = manager
	if cfg.NatsConfig.URL != "" {
		bus, err := events.Connect(cfg.NatsConfig)
		if err != nil {
			log.Fatalf("❌ Ошибка подключения к NATS: %v", err)
		}
		defer bus.Close()

		if err := bus.Forward(manager); err != nil {
			log.Fatalf("❌ Ошибка подписки NATS: %v", err)
		}
		manager.SetNotifier(bus)
		notifier = bus
		log.Println("✅ NATS подключён")
	}

	jwtService := utils.NewJWTService(cfg.JWTSecret)
	gateway := websocket.NewGateway(cfg.GatewayAddr, jwtService, manager, cfg.AllowOrigins)
	go func() {
		if err := gateway.ListenAndServe(); err != nil {
			log.Fatalf("❌ Ошибка WebSocket шлюза: %v", err)
		}
	}()

	// Создаём экземпляр Fiber
	app := fiber.New(fiber.Config{
		AppName:      "Synapse API",
		ErrorHandler: errorHandler(cfg),
	})

	// Добавляем middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowCredentials: false,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Synapse API is running")
	})

	// Регистрируем маршруты
	chatService := chat.NewChatService(cfg, chats, notifier)
	defer chatService.Close()
	chatService.SetupRoutes(app)

	go func() {
		log.Printf("✅ Synapse API запущен на порту %s", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("❌ Ошибка запуска сервера: %v", err)
		}
	}()

	// Корректное завершение
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Останавливаем сервер...")

	if err := app.Shutdown(); err != nil {
		log.Printf("Ошибка остановки Fiber: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateway.Shutdown(ctx); err != nil {
		log.Printf("Ошибка остановки WebSocket шлюза: %v", err)
	}

	log.Println("Сервер остановлен")
}

// openStorage открывает выбранное хранилище. Для pebble справочник пользователей
// не подключается: профили живут во внешнем сервисе.
func openStorage(ctx context.Context, cfg *config.Config) (messaging.Store, messaging.Directory, func(), error) {
	switch cfg.StorageDriver {
	case config.StorageDriverPebble:
		store, err := kvstore.Open(cfg.PebblePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() {
			if err := store.Close(); err != nil {
				log.Printf("Ошибка закрытия pebble: %v", err)
			}
		}, nil
	default:
		pool, err := db.Open(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return db.NewChatStore(pool), db.NewUserDirectory(pool), pool.Close, nil
	}
}

// errorHandler обрабатывает ошибки Fiber. Текст внутренних ошибок
// отдаётся клиенту только в development.
func errorHandler(cfg *config.Config) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
			message = e.Message
		} else {
			log.Printf("Необработанная ошибка %s %s: %v", c.Method(), c.Path(), err)
			if cfg.IsDevelopment() {
				message = err.Error()
			}
		}

		return c.Status(code).JSON(fiber.Map{
			"error": message,
		})
	}
}
