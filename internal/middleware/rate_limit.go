package middleware

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"golang.org/x/time/rate"

	"github.com/rajivgeraev/synapse-api/internal/metrics"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// RateLimiter хранит пул ограничителей по ключу (ID пользователя).
// Неиспользуемые ограничители удаляются через ttl.
type RateLimiter struct {
	mu     sync.Mutex
	m      map[string]*limiterEntry
	rps    rate.Limit
	burst  int
	ttl    time.Duration
	stopCh chan struct{}
	once   sync.Once
}

// NewRateLimiter создаёт пул и запускает очистку
func NewRateLimiter(rps float64, burst int, ttl time.Duration) *RateLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	p := &RateLimiter{
		m:      make(map[string]*limiterEntry),
		rps:    rate.Limit(rps),
		burst:  burst,
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go p.cleanupLoop(time.Minute)
	return p
}

// Allow возвращает true, если запрос по ключу укладывается в лимит
func (p *RateLimiter) Allow(key string) bool {
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = time.Now()
	p.mu.Unlock()

	return e.l.Allow()
}

// Shutdown останавливает горутину очистки
func (p *RateLimiter) Shutdown() {
	p.once.Do(func() {
		close(p.stopCh)
	})
}

func (p *RateLimiter) cleanupLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(time.Now())
		case <-p.stopCh:
			return
		}
	}
}

// evictIdle удаляет ограничители, не использованные дольше ttl
func (p *RateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// RateLimit ограничивает запросы авторизованного пользователя к next.
// Должен стоять после AuthMiddleware.
func RateLimit(limiter *RateLimiter, next fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) error {
		key := CurrentUserID(c)
		if key == "" {
			key = c.IP()
		}
		if !limiter.Allow(key) {
			metrics.RateLimited.Inc()
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests",
			})
		}
		return next(c)
	}
}
