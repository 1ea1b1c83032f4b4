package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Таблица users принадлежит сервису профилей, здесь она создаётся только
// если её ещё нет (локальная разработка).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		email       TEXT UNIQUE,
		user_image  TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS chat_threads (
		id                  UUID PRIMARY KEY,
		participant_a       UUID NOT NULL,
		participant_b       UUID NOT NULL,
		pair_key            TEXT NOT NULL,
		last_message        TEXT NOT NULL,
		last_message_at     TIMESTAMPTZ NOT NULL,
		last_message_sender UUID NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		CONSTRAINT chat_threads_pair_key_uniq UNIQUE (pair_key),
		CONSTRAINT chat_threads_sorted_pair CHECK (participant_a < participant_b)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_threads_participant_a ON chat_threads (participant_a, last_message_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_threads_participant_b ON chat_threads (participant_b, last_message_at DESC)`,

	`CREATE TABLE IF NOT EXISTS chat_unread_counters (
		thread_id    UUID NOT NULL REFERENCES chat_threads (id),
		user_id      UUID NOT NULL,
		unread_count BIGINT NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		PRIMARY KEY (thread_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_unread_pending ON chat_unread_counters (user_id) WHERE unread_count > 0`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		id          UUID PRIMARY KEY,
		seq         BIGSERIAL,
		thread_id   UUID NOT NULL REFERENCES chat_threads (id),
		sender_id   UUID NOT NULL,
		receiver_id UUID NOT NULL,
		text        TEXT NOT NULL CHECK (text <> ''),
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages (thread_id, created_at, seq)`,
}

// Migrate создаёт таблицы чатов, если их нет
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ошибка при создании схемы: %w", err)
		}
	}
	return nil
}
