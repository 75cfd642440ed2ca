package throttle

// Package throttle — ограничение скорости исходящих команд к внешним сервисам.
// В основе — токен-бакет (RPS + burst) поверх golang.org/x/time/rate. Дополнительно
// пакет умеет извлекать серверные указания подождать (FLOOD_WAIT, SLOWMODE_WAIT
// и т.п.) из ошибок через настраиваемые WaitExtractor. Троттлер потокобезопасен:
// Wait может вызываться параллельно; регистрация экстракторов — до начала работы.

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstMultiplier задаёт burst по умолчанию как кратный rate: кратковременно
// допускается «впрыск» до 2*rate операций в секунду.
const burstMultiplier = 2

// WaitExtractor анализирует ошибку и, если распознал её формат, возвращает
// длительность ожидания. Экстракторы вызываются в порядке регистрации;
// первый совпавший определяет паузу.
type WaitExtractor func(err error) (time.Duration, bool)

// Option задаёт дополнительные параметры троттлера при создании.
type Option func(*Throttler)

// WithBurst переопределяет ёмкость токен-бакета. Значение <= 0 означает
// значение по умолчанию burstMultiplier*rps.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithExtractors регистрирует экстракторы серверных пауз.
func WithExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		t.extractors = append(t.extractors, extractors...)
	}
}

// Throttler ограничивает скорость операций токен-бакетом.
type Throttler struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	burst      int
	extractors []WaitExtractor
}

// New создаёт троттлер с заданной скоростью (операций в секунду).
// rps <= 0 трактуется как 1.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}
	t := &Throttler{}
	for _, opt := range opts {
		opt(t)
	}
	if t.burst <= 0 {
		t.burst = rps * burstMultiplier
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)
	return t
}

// Wait блокируется до получения токена либо до отмены контекста.
func (t *Throttler) Wait(ctx context.Context) error {
	t.mu.Lock()
	lim := t.limiter
	t.mu.Unlock()
	return lim.Wait(ctx)
}

// Allow неблокирующе пытается взять токен.
func (t *Throttler) Allow() bool {
	t.mu.Lock()
	lim := t.limiter
	t.mu.Unlock()
	return lim.Allow()
}

// ExtractWait прогоняет ошибку через зарегистрированные экстракторы и
// возвращает серверную паузу, если какой-то из них распознал формат.
func (t *Throttler) ExtractWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	t.mu.Lock()
	extractors := t.extractors
	t.mu.Unlock()
	for _, extract := range extractors {
		if d, ok := extract(err); ok {
			return d, true
		}
	}
	return 0, false
}
