package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverPebble   = "pebble"
)

// Config структура конфигурации
type Config struct {
	Port           string
	GatewayAddr    string // адрес WebSocket-шлюза и /metrics
	JWTSecret      string
	AppEnv         string
	StorageDriver  string
	DatabaseURL    string
	DatabaseConfig DatabaseConfig
	PebblePath     string
	NatsConfig     NatsConfig
	SendRateLimit  RateLimitConfig
	AllowOrigins   []string
}

// DatabaseConfig содержит конфигурацию базы данных
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// NatsConfig содержит настройки шины событий между инстансами. Пустой URL отключает NATS.
type NatsConfig struct {
	URL           string
	SubjectPrefix string
}

// RateLimitConfig задаёт ограничение частоты отправки сообщений на пользователя
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// LoadConfig загружает переменные из .env и завершает процесс при ошибке
func LoadConfig() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("⚠️ .env файл не найден, используем переменные окружения")
	}

	cfg, err := Load()
	if err != nil {
		log.Fatalf("❌ Ошибка конфигурации: %v", err)
	}
	return cfg
}

// Load читает конфигурацию из переменных окружения
func Load() (*Config, error) {
	dbConfig := DatabaseConfig{
		Host:     getEnv("PGHOST", "localhost"),
		Port:     getEnv("PGPORT", "5432"),
		User:     getEnv("PGUSER", "synapse_user"),
		Password: getEnv("PGPASSWORD", "synapse_pass"),
		Name:     getEnv("PGDATABASE", "synapse"),
		SSLMode:  getEnv("PGSSLMODE", "disable"),
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 10)
	if err != nil {
		return nil, err
	}
	minConns, err := getEnvInt("DB_MIN_CONNS", 2)
	if err != nil {
		return nil, err
	}
	dbConfig.MaxConns = int32(maxConns)
	dbConfig.MinConns = int32(minConns)

	// Формируем строку подключения к базе данных, если она не задана целиком
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" {
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbConfig.User, dbConfig.Password, dbConfig.Host, dbConfig.Port, dbConfig.Name, dbConfig.SSLMode)
	}

	rps, err := strconv.ParseFloat(getEnv("SEND_RATE_RPS", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("SEND_RATE_RPS: %w", err)
	}
	burst, err := getEnvInt("SEND_RATE_BURST", 10)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GatewayAddr:    getEnv("GATEWAY_ADDR", ":8081"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AppEnv:         getEnv("APP_ENV", "production"), // По умолчанию production
		StorageDriver:  strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverPostgres)),
		DatabaseURL:    dbURL,
		DatabaseConfig: dbConfig,
		PebblePath:     getEnv("PEBBLE_PATH", "./data/chat"),
		NatsConfig: NatsConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "synapse.chat"),
		},
		SendRateLimit: RateLimitConfig{
			RPS:   rps,
			Burst: burst,
		},
		AllowOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("не задана обязательная переменная JWT_SECRET")
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres, StorageDriverPebble:
	default:
		return nil, fmt.Errorf("неизвестный STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	return cfg, nil
}

// IsDevelopment проверяет, что это локальное окружение
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// getEnv получает переменную окружения или использует дефолтное значение
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
