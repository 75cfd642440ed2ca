// Package regexcache — процессный ограниченный LRU-кэш скомпилированных
// регулярных выражений, общий для всех воркеров. Кэш снимает повторную
// компиляцию паттернов детекции в горячем пути обработки сообщений.
//
// Инварианты:
//   - компиляция выполняется вне критической секции: медленный паттерн не
//     блокирует параллельные обращения;
//   - вставка делает повторную проверку, чтобы при гонке двух компиляций в
//     кэше остался один экземпляр;
//   - неудачная компиляция в кэше не сохраняется: ошибка уходит вызывающему
//     вместе с исходным текстом паттерна.
package regexcache

import (
	"container/list"
	"regexp"
	"sync"

	"github.com/go-faster/errors"
)

// maxEntries — ёмкость кэша. Константа времени компиляции: число уникальных
// паттернов на порядок меньше, запас нужен только на перезагрузки конфигурации.
const maxEntries = 512

type entry struct {
	pattern string
	re      *regexp.Regexp
}

// Cache — LRU от исходной строки к *regexp.Regexp. Возвращаемые значения
// иммутабельны и безопасны для конкурентного использования.
type Cache struct {
	mu      sync.Mutex
	order   *list.List               // от свежего к старому
	entries map[string]*list.Element // pattern → элемент order
	cap     int
}

// New создаёт кэш со стандартной ёмкостью.
func New() *Cache {
	return newWithCapacity(maxEntries)
}

func newWithCapacity(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
		cap:     capacity,
	}
}

// Get возвращает скомпилированный матчер для паттерна, компилируя и кэшируя
// его при первом обращении. Попадание продвигает запись в голову LRU.
func (c *Cache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	if el, ok := c.entries[pattern]; ok {
		c.order.MoveToFront(el)
		re := el.Value.(*entry).re
		c.mu.Unlock()
		return re, nil
	}
	c.mu.Unlock()

	// Компилируем без блокировки кэша.
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid regex %q", pattern)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Повторная проверка: другой вызов мог успеть вставить тот же паттерн.
	if el, ok := c.entries[pattern]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*entry).re, nil
	}
	c.entries[pattern] = c.order.PushFront(&entry{pattern: pattern, re: re})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).pattern)
	}
	return re, nil
}

// Clear опустошает кэш. Вызывается после перезагрузки паттернов.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.cap)
}

// Len возвращает текущее число записей.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

var (
	sharedMu sync.RWMutex
	shared   = New()
)

// Shared возвращает процессный кэш, общий для всех воркеров.
func Shared() *Cache {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return shared
}
