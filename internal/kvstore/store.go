// Package kvstore реализует встраиваемое хранилище чатов на pebble.
// Подходит для одного инстанса и для тестов (OpenInMemory).
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/rajivgeraev/synapse-api/internal/messaging"
)

// Store реализует messaging.Store и messaging.Directory поверх pebble.
// Все записи выполняются под одним мьютексом через индексированный batch,
// поэтому read-modify-write счётчиков и проверка уникальности пары атомарны.
type Store struct {
	db    *pebble.DB
	mu    *sync.Mutex
	batch *pebble.Batch // не nil внутри WithTx
	owned bool
}

var (
	_ messaging.Store     = (*Store)(nil)
	_ messaging.Directory = (*Store)(nil)
)

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// Open открывает хранилище в каталоге path
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("ошибка при открытии pebble (%s): %w", path, err)
	}
	log.Printf("✅ Хранилище pebble открыто: %s", path)
	return &Store{db: db, mu: &sync.Mutex{}, owned: true}, nil
}

// OpenInMemory открывает хранилище в памяти
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("ошибка при открытии pebble в памяти: %w", err)
	}
	return &Store{db: db, mu: &sync.Mutex{}, owned: true}, nil
}

// Close закрывает базу
func (s *Store) Close() error {
	if s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

// WithTx выполняет fn в одном batch. Вложенный вызов использует текущий batch.
func (s *Store) WithTx(ctx context.Context, fn func(tx messaging.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.batch != nil {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()

	if err := fn(&Store{db: s.db, mu: s.mu, batch: b}); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *Store) reader() reader {
	if s.batch != nil {
		return s.batch
	}
	return s.db
}

// update выполняет fn под мьютексом записи и фиксирует batch
func (s *Store) update(ctx context.Context, fn func(b *pebble.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.batch != nil {
		return fn(s.batch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()

	if err := fn(b); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func getValue(r reader, key string) ([]byte, error) {
	v, closer, err := r.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, messaging.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func getJSON(r reader, key string, v any) error {
	data, err := getValue(r, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("повреждённая запись %s: %w", key, err)
	}
	return nil
}

func setJSON(b *pebble.Batch, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set([]byte(key), data, nil)
}

// scanPrefix вызывает fn для каждого ключа с префиксом, по возрастанию
func scanPrefix(r reader, prefix string, fn func(key string, value []byte) (bool, error)) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(string(iter.Key()), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
