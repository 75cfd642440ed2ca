// Package workercache — TTL-кэш конфигурации детекции, общий для воркеров.
// Держит снимки паттернов фаз, каталога действий и паттернов действий, а также
// разрешённые ActionConfig на пару (аккаунт, действие). Снимает горячие
// обращения к хранилищу при обработке сообщений.
//
// Каждая запись живёт под собственной короткой критической секцией; loader
// вызывается внутри неё, поэтому параллельные промахи по одной записи не
// порождают дублирующих чтений хранилища. Счётчики hits/misses — для диагностики.
package workercache

import (
	"sync"
	"sync/atomic"
	"time"

	"qmanager/internal/infra/store"
)

// defaultTTL — время жизни записи кэша.
const defaultTTL = 5 * time.Minute

// ActionConfig — разрешённая конфигурация действия для конкретного аккаунта:
// слияние глобального правила целей, оверрайда, чёрного списка, задержек,
// пар и строки каталога.
type ActionConfig struct {
	Targets               []string
	TargetPairs           []store.TargetPair
	Blacklist             []string
	DelayMinSeconds       int
	DelayMaxSeconds       int
	ButtonType            string
	RandomFallbackEnabled bool
	IsTwoStep             bool
}

// cachedItem — значение с моментом истечения.
type cachedItem[T any] struct {
	data      T
	expiresAt time.Time
}

func (c *cachedItem[T]) valid() bool {
	return c != nil && time.Now().Before(c.expiresAt)
}

// slot — одна TTL-запись с собственным мьютексом.
type slot[T any] struct {
	mu   sync.Mutex
	item *cachedItem[T]
}

// getOrLoad возвращает валидное значение либо зовёт loader под локом записи.
func getOrLoad[T any](s *slot[T], ttl time.Duration, hits, misses *atomic.Uint64, loader func() (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.item.valid() {
		hits.Add(1)
		return s.item.data, nil
	}

	misses.Add(1)
	data, err := loader()
	if err != nil {
		var zero T
		return zero, err
	}
	s.item = &cachedItem[T]{data: data, expiresAt: time.Now().Add(ttl)}
	return data, nil
}

func (s *slot[T]) invalidate() {
	s.mu.Lock()
	s.item = nil
	s.mu.Unlock()
}

// configKey — ключ per-account конфигурации действия.
type configKey struct {
	accountID int64
	actionID  int64
}

// Cache — кэш конфигурации детекции. Потокобезопасен.
type Cache struct {
	ttl time.Duration

	phasePatterns  slot[[]store.PhasePatternWithInfo]
	actions        slot[[]store.Action]
	actionPatterns slot[[]store.ActionPattern]

	configsMu sync.Mutex
	configs   map[configKey]*cachedItem[ActionConfig]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New создаёт кэш со стандартным TTL.
func New() *Cache {
	return &Cache{
		ttl:     defaultTTL,
		configs: make(map[configKey]*cachedItem[ActionConfig]),
	}
}

// GetPhasePatterns возвращает снимок паттернов фаз, загружая его при промахе.
func (c *Cache) GetPhasePatterns(loader func() ([]store.PhasePatternWithInfo, error)) ([]store.PhasePatternWithInfo, error) {
	return getOrLoad(&c.phasePatterns, c.ttl, &c.hits, &c.misses, loader)
}

// GetActions возвращает снимок каталога действий.
func (c *Cache) GetActions(loader func() ([]store.Action, error)) ([]store.Action, error) {
	return getOrLoad(&c.actions, c.ttl, &c.hits, &c.misses, loader)
}

// GetActionPatterns возвращает снимок паттернов действий.
func (c *Cache) GetActionPatterns(loader func() ([]store.ActionPattern, error)) ([]store.ActionPattern, error) {
	return getOrLoad(&c.actionPatterns, c.ttl, &c.hits, &c.misses, loader)
}

// GetActionConfig возвращает разрешённую конфигурацию действия для аккаунта,
// загружая её при промахе.
func (c *Cache) GetActionConfig(accountID, actionID int64, loader func() (ActionConfig, error)) (ActionConfig, error) {
	key := configKey{accountID: accountID, actionID: actionID}

	c.configsMu.Lock()
	defer c.configsMu.Unlock()

	if item := c.configs[key]; item.valid() {
		c.hits.Add(1)
		return item.data, nil
	}

	c.misses.Add(1)
	data, err := loader()
	if err != nil {
		return ActionConfig{}, err
	}
	c.configs[key] = &cachedItem[ActionConfig]{data: data, expiresAt: time.Now().Add(c.ttl)}
	return data, nil
}

// SetActionConfig кладёт готовую конфигурацию (используется предзагрузкой воркера).
func (c *Cache) SetActionConfig(accountID, actionID int64, data ActionConfig) {
	c.configsMu.Lock()
	c.configs[configKey{accountID: accountID, actionID: actionID}] =
		&cachedItem[ActionConfig]{data: data, expiresAt: time.Now().Add(c.ttl)}
	c.configsMu.Unlock()
}

// InvalidatePatterns сбрасывает снимки паттернов/каталога и все per-account
// конфигурации. Вызывается при изменении конфигурации.
func (c *Cache) InvalidatePatterns() {
	c.phasePatterns.invalidate()
	c.actions.invalidate()
	c.actionPatterns.invalidate()
	c.InvalidateActionConfigs()
}

// InvalidateTargets сбрасывает конфигурации действий только указанного аккаунта.
func (c *Cache) InvalidateTargets(accountID int64) {
	c.configsMu.Lock()
	for key := range c.configs {
		if key.accountID == accountID {
			delete(c.configs, key)
		}
	}
	c.configsMu.Unlock()
}

// InvalidateActionConfigs сбрасывает все per-account конфигурации действий.
func (c *Cache) InvalidateActionConfigs() {
	c.configsMu.Lock()
	c.configs = make(map[configKey]*cachedItem[ActionConfig])
	c.configsMu.Unlock()
}

// Stats — счётчики попаданий для диагностики.
type Stats struct {
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// GetStats возвращает текущее состояние счётчиков.
func (c *Cache) GetStats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	st := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total) * 100
	}
	return st
}

var (
	sharedOnce sync.Once
	shared     *Cache
)

// Shared возвращает процессный кэш, общий для всех воркеров.
func Shared() *Cache {
	sharedOnce.Do(func() { shared = New() })
	return shared
}
