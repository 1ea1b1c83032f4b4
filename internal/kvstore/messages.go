package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/rajivgeraev/synapse-api/internal/models"
)

func (s *Store) Append(ctx context.Context, threadID, sender, receiver, text string, at time.Time) (string, error) {
	message := models.Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       text,
		CreatedAt:  at,
	}

	err := s.update(ctx, func(batch *pebble.Batch) error {
		seq, err := getInt(batch, seqKey(threadID))
		if err != nil {
			return err
		}
		seq++
		if err := setInt(batch, seqKey(threadID), seq); err != nil {
			return err
		}
		return setJSON(batch, messageKey(threadID, at, seq), message)
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

func (s *Store) ListForThread(ctx context.Context, threadID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := []models.Message{}
	err := scanPrefix(s.reader(), messagePrefix(threadID), func(key string, value []byte) (bool, error) {
		var message models.Message
		if err := json.Unmarshal(value, &message); err != nil {
			return false, fmt.Errorf("повреждённое сообщение %s: %w", key, err)
		}
		messages = append(messages, message)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}
