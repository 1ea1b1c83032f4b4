package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/rajivgeraev/synapse-api/internal/messaging"
	"github.com/rajivgeraev/synapse-api/internal/models"
)

// threadRecord хранится по ключу chat:t:<id>. Счётчики лежат отдельно.
type threadRecord struct {
	ID                string    `json:"id"`
	Participants      [2]string `json:"participants"`
	LastMessage       string    `json:"last_message"`
	LastMessageAt     time.Time `json:"last_message_at"`
	LastMessageSender string    `json:"last_message_sender_id"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *Store) FindThreadByPair(ctx context.Context, userA, userB string) (*models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := s.reader()

	threadID, err := getValue(r, pairKey(messaging.PairKey(userA, userB)))
	if err != nil {
		return nil, err
	}
	return loadThread(r, string(threadID))
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return loadThread(s.reader(), threadID)
}

func (s *Store) CreateThread(ctx context.Context, participantA, participantB, sender, text string, at time.Time) (*models.Thread, error) {
	if participantA == participantB {
		return nil, fmt.Errorf("%w: participants must differ", messaging.ErrValidation)
	}
	if sender != participantA && sender != participantB {
		return nil, fmt.Errorf("%w: sender must be a participant", messaging.ErrValidation)
	}

	a, b := messaging.SortPair(participantA, participantB)
	record := threadRecord{
		ID:                uuid.New().String(),
		Participants:      [2]string{a, b},
		LastMessage:       text,
		LastMessageAt:     at,
		LastMessageSender: sender,
		CreatedAt:         at,
	}
	receiver := participantA
	if sender == participantA {
		receiver = participantB
	}

	err := s.update(ctx, func(batch *pebble.Batch) error {
		pk := pairKey(messaging.PairKey(a, b))
		if _, err := getValue(batch, pk); err == nil {
			return messaging.ErrThreadExists
		} else if !errors.Is(err, messaging.ErrNotFound) {
			return err
		}

		if err := setJSON(batch, threadKey(record.ID), record); err != nil {
			return err
		}
		if err := batch.Set([]byte(pk), []byte(record.ID), nil); err != nil {
			return err
		}
		if err := setCounter(batch, sender, record.ID, 0); err != nil {
			return err
		}
		return setCounter(batch, receiver, record.ID, 1)
	})
	if err != nil {
		return nil, err
	}

	return &models.Thread{
		ID:                record.ID,
		Participants:      record.Participants,
		LastMessage:       record.LastMessage,
		LastMessageAt:     record.LastMessageAt,
		LastMessageSender: record.LastMessageSender,
		UnreadCounters:    models.UnreadCounters{sender: 0, receiver: 1},
		CreatedAt:         record.CreatedAt,
	}, nil
}

func (s *Store) RecordNewMessage(ctx context.Context, threadID, sender, receiver, text string, at time.Time) error {
	return s.update(ctx, func(batch *pebble.Batch) error {
		var record threadRecord
		if err := getJSON(batch, threadKey(threadID), &record); err != nil {
			return err
		}

		record.LastMessage = text
		record.LastMessageAt = at
		record.LastMessageSender = sender
		if err := setJSON(batch, threadKey(threadID), record); err != nil {
			return err
		}

		unread, err := getCounter(batch, receiver, threadID)
		if err != nil {
			return err
		}
		if err := setCounter(batch, receiver, threadID, unread+1); err != nil {
			return err
		}
		return setCounter(batch, sender, threadID, 0)
	})
}

func (s *Store) ResetUnreadCounter(ctx context.Context, threadID, userID string) (int64, error) {
	var modified int64
	err := s.update(ctx, func(batch *pebble.Batch) error {
		if _, err := getValue(batch, threadKey(threadID)); err != nil {
			return err
		}

		unread, err := getCounter(batch, userID, threadID)
		if err != nil {
			return err
		}
		if unread == 0 {
			return nil
		}

		modified = 1
		return setCounter(batch, userID, threadID, 0)
	})
	if err != nil {
		return 0, err
	}
	return modified, nil
}

func (s *Store) ListThreadsForUser(ctx context.Context, userID string) ([]models.ThreadSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := s.reader()
	prefix := counterPrefix(userID)

	var summaries []models.ThreadSummary
	err := scanPrefix(r, prefix, func(key string, value []byte) (bool, error) {
		unread, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return false, fmt.Errorf("повреждённый счётчик %s: %w", key, err)
		}

		var record threadRecord
		if err := getJSON(r, threadKey(threadIDFromCounterKey(key, prefix)), &record); err != nil {
			return false, err
		}

		other := record.Participants[0]
		if other == userID {
			other = record.Participants[1]
		}

		summaries = append(summaries, models.ThreadSummary{
			ThreadID:          record.ID,
			OtherUserID:       other,
			LastMessage:       record.LastMessage,
			LastMessageAt:     record.LastMessageAt,
			LastMessageSender: record.LastMessageSender,
			UnreadCount:       unread,
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
	})
	return summaries, nil
}

func (s *Store) HasUnreadMessages(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	found := false
	err := scanPrefix(s.reader(), counterPrefix(userID), func(key string, value []byte) (bool, error) {
		unread, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return false, fmt.Errorf("повреждённый счётчик %s: %w", key, err)
		}
		if unread > 0 {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

func loadThread(r reader, threadID string) (*models.Thread, error) {
	var record threadRecord
	if err := getJSON(r, threadKey(threadID), &record); err != nil {
		return nil, err
	}

	counters := make(models.UnreadCounters, 2)
	for _, userID := range record.Participants {
		unread, err := getCounter(r, userID, threadID)
		if err != nil {
			return nil, err
		}
		counters[userID] = unread
	}

	return &models.Thread{
		ID:                record.ID,
		Participants:      record.Participants,
		LastMessage:       record.LastMessage,
		LastMessageAt:     record.LastMessageAt,
		LastMessageSender: record.LastMessageSender,
		UnreadCounters:    counters,
		CreatedAt:         record.CreatedAt,
	}, nil
}

// getCounter возвращает 0, если счётчика ещё нет
func getCounter(r reader, userID, threadID string) (int64, error) {
	return getInt(r, counterKey(userID, threadID))
}

func setCounter(batch *pebble.Batch, userID, threadID string, value int64) error {
	return setInt(batch, counterKey(userID, threadID), value)
}

func getInt(r reader, key string) (int64, error) {
	v, err := getValue(r, key)
	if errors.Is(err, messaging.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(v), 10, 64)
}

func setInt(batch *pebble.Batch, key string, value int64) error {
	return batch.Set([]byte(key), []byte(strconv.FormatInt(value, 10)), nil)
}
