package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/rajivgeraev/synapse-api/internal/messaging"
	"github.com/rajivgeraev/synapse-api/internal/models"
)

// PutUser сохраняет пользователя в локальном справочнике
func (s *Store) PutUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user id is required", messaging.ErrValidation)
	}
	return s.update(ctx, func(batch *pebble.Batch) error {
		return setJSON(batch, userKey(user.ID), user)
	})
}

func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := getValue(s.reader(), userKey(userID))
	if errors.Is(err, messaging.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetUsers(ctx context.Context, userIDs []string) (map[string]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	users := make(map[string]models.User, len(userIDs))
	for _, id := range userIDs {
		if _, ok := users[id]; ok {
			continue
		}
		var user models.User
		err := getJSON(s.reader(), userKey(id), &user)
		if errors.Is(err, messaging.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users[id] = user
	}
	return users, nil
}
