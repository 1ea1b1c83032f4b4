package kvstore

import (
	"fmt"
	"strings"
	"time"
)

const (
	// формат ключей:
	// chat:t:<thread_id>                        запись чата
	// chat:p:<pair_key>                         пара участников -> thread_id (уникальность)
	// chat:u:<user_id>:t:<thread_id>            счётчик непрочитанных, он же индекс чатов пользователя
	// chat:s:<thread_id>                        последний порядковый номер сообщения
	// chat:m:<thread_id>:<unix_nano>:<seq>      сообщение
	// user:<user_id>                            справочник пользователей
	threadKeyFmt  = "chat:t:%s"
	pairKeyFmt    = "chat:p:%s"
	counterKeyFmt = "chat:u:%s:t:%s"
	seqKeyFmt     = "chat:s:%s"
	messageKeyFmt = "chat:m:%s:%020d:%020d"
	userKeyFmt    = "user:%s"
)

func threadKey(threadID string) string {
	return fmt.Sprintf(threadKeyFmt, threadID)
}

func pairKey(pair string) string {
	return fmt.Sprintf(pairKeyFmt, pair)
}

func counterKey(userID, threadID string) string {
	return fmt.Sprintf(counterKeyFmt, userID, threadID)
}

func counterPrefix(userID string) string {
	return fmt.Sprintf("chat:u:%s:t:", userID)
}

func seqKey(threadID string) string {
	return fmt.Sprintf(seqKeyFmt, threadID)
}

// messageKey упорядочивает сообщения по времени, при равенстве по порядку вставки
func messageKey(threadID string, at time.Time, seq int64) string {
	return fmt.Sprintf(messageKeyFmt, threadID, at.UnixNano(), seq)
}

func messagePrefix(threadID string) string {
	return fmt.Sprintf("chat:m:%s:", threadID)
}

func userKey(userID string) string {
	return fmt.Sprintf(userKeyFmt, userID)
}

// threadIDFromCounterKey достаёт thread_id из ключа счётчика
func threadIDFromCounterKey(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}
