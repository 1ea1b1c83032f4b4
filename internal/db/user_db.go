package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/synapse-api/internal/messaging"
	"github.com/rajivgeraev/synapse-api/internal/models"
)

// UserDirectory справочник пользователей поверх таблицы users.
// Только чтение: профили ведёт другой сервис.
type UserDirectory struct {
	pool *pgxpool.Pool
}

var _ messaging.Directory = (*UserDirectory)(nil)

// NewUserDirectory создает новый экземпляр UserDirectory
func NewUserDirectory(pool *pgxpool.Pool) *UserDirectory {
	return &UserDirectory{pool: pool}
}

// UserExists проверяет, существует ли пользователь
func (d *UserDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	id, ok := parseID(userID)
	if !ok {
		return false, nil
	}

	var exists bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки существования пользователя: %w", err)
	}
	return exists, nil
}

// GetUsers получает базовую информацию о пользователях одним запросом
func (d *UserDirectory) GetUsers(ctx context.Context, userIDs []string) (map[string]models.User, error) {
	ids := make([]uuid.UUID, 0, len(userIDs))
	for _, userID := range userIDs {
		if id, ok := parseID(userID); ok {
			ids = append(ids, id)
		}
	}

	users := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	rows, err := d.pool.Query(ctx, `
		SELECT id, name, user_image, role
		FROM users
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения данных пользователей: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var user models.User
		if err := rows.Scan(&id, &user.Name, &user.UserImage, &user.Role); err != nil {
			return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
		}
		user.ID = id.String()
		users[user.ID] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения пользователей: %w", err)
	}
	return users, nil
}
