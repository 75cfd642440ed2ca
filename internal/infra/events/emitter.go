// Package events — доставка событий наблюдателю (GUI/консоль) в режиме
// fire-and-forget. Воркеры и супервизор публикуют именованные события с
// JSON-телом; подписчики получают их через буферизованные каналы. Медленный
// подписчик теряет события (неблокирующая отправка) — это осознанное решение:
// наблюдатель не должен влиять на конвейер автоматизации.
//
// Повторные одинаковые статусные события по одному аккаунту подавляются
// дебаунсером (~500 мс), чтобы не заливать наблюдателя при частых переходах.
package events

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"qmanager/internal/infra/concurrency"
	"qmanager/internal/infra/logger"
)

// Имена событий наблюдателя. Контракт с фронтендом: менять синхронно.
const (
	EventAccountStatus        = "account-status"
	EventPhaseDetected        = "phase-detected"
	EventActionDetected       = "action-detected"
	EventJoinAttempt          = "join-attempt"
	EventAccountLog           = "account-log"
	EventRegexValidationError = "regex-validation-error"
	EventLoginProgress        = "login-progress"
)

const subscriberBuffer = 128

// statusDebounceInterval подавляет дубли account-status по одному аккаунту.
const statusDebounceInterval = 500 * time.Millisecond

// Event — одно именованное событие с типизированным телом.
type Event struct {
	Name    string
	Payload any
}

// AccountStatusPayload — тело события account-status.
type AccountStatusPayload struct {
	AccountID int64  `json:"account_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// PhaseDetectedPayload — тело события phase-detected.
type PhaseDetectedPayload struct {
	AccountID   int64  `json:"account_id"`
	AccountName string `json:"account_name"`
	PhaseName   string `json:"phase_name"`
	Timestamp   string `json:"timestamp"`
}

// ActionDetectedPayload — тело события action-detected.
type ActionDetectedPayload struct {
	AccountID     int64  `json:"account_id"`
	AccountName   string `json:"account_name"`
	ActionName    string `json:"action_name"`
	ButtonClicked string `json:"button_clicked,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// JoinAttemptPayload — тело события join-attempt.
type JoinAttemptPayload struct {
	AccountID   int64  `json:"account_id"`
	AccountName string `json:"account_name"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Success     bool   `json:"success"`
	Timestamp   string `json:"timestamp"`
}

// AccountLogPayload — тело события account-log.
type AccountLogPayload struct {
	AccountID   int64  `json:"account_id"`
	AccountName string `json:"account_name"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
}

// RegexValidationErrorPayload — тело события regex-validation-error.
type RegexValidationErrorPayload struct {
	Scope   string `json:"scope"`
	Pattern string `json:"pattern"`
	Error   string `json:"error"`
}

// LoginProgressPayload — тело события login-progress.
type LoginProgressPayload struct {
	Token    string `json:"token"`
	Step     string `json:"step"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

// Subscription — активная подписка наблюдателя.
type Subscription struct {
	id int
	ch chan Event
}

// Ch возвращает канал получения событий.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Emitter раздаёт события подписчикам. Потокобезопасен.
type Emitter struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64

	statusDebounce *concurrency.KeyedDebouncer[string]
	lastStatus     sync.Map // accountID → последний отправленный статус
}

// NewEmitter создаёт пустой эмиттер без подписчиков.
func NewEmitter() *Emitter {
	return &Emitter{
		subs:           make(map[int]*Subscription),
		statusDebounce: concurrency.NewKeyedDebouncer[string](statusDebounceInterval),
	}
}

// Subscribe создаёт подписку на все события. Канал буферизован; при переполнении
// события теряются, счётчик потерь доступен через Dropped().
func (e *Emitter) Subscribe() *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	sub := &Subscription{id: e.nextID, ch: make(chan Event, subscriberBuffer)}
	e.subs[sub.id] = sub
	return sub
}

// Unsubscribe снимает подписку и закрывает её канал.
func (e *Emitter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[sub.id]; ok {
		delete(e.subs, sub.id)
		close(sub.ch)
	}
}

// Dropped возвращает суммарное число потерянных событий.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// publish неблокирующе раздаёт событие всем подписчикам.
func (e *Emitter) publish(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			e.dropped.Add(1)
		}
	}
}

// nowStamp — единый формат временных меток событий.
func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// EmitAccountStatus публикует смену статуса аккаунта. Повторная публикация того
// же статуса по тому же аккаунту в пределах окна дебаунса подавляется; смена
// статуса всегда проходит (окно сбрасывается).
func (e *Emitter) EmitAccountStatus(accountID int64, status, message string) {
	if prev, ok := e.lastStatus.Load(accountID); ok && prev.(string) == status {
		key := statusKey(accountID, status)
		if !e.statusDebounce.ShouldExecute(key) {
			return
		}
	} else {
		e.statusDebounce.Reset(statusKey(accountID, status))
		e.statusDebounce.MarkExecuted(statusKey(accountID, status))
	}
	e.lastStatus.Store(accountID, status)

	e.publish(Event{Name: EventAccountStatus, Payload: AccountStatusPayload{
		AccountID: accountID,
		Status:    status,
		Message:   message,
	}})
}

// EmitPhaseDetected публикует детекцию фазы.
func (e *Emitter) EmitPhaseDetected(accountID int64, accountName, phaseName string) {
	e.publish(Event{Name: EventPhaseDetected, Payload: PhaseDetectedPayload{
		AccountID:   accountID,
		AccountName: accountName,
		PhaseName:   phaseName,
		Timestamp:   nowStamp(),
	}})
}

// EmitActionDetected публикует детекцию действия с текстом нажатой кнопки.
func (e *Emitter) EmitActionDetected(accountID int64, accountName, actionName, buttonClicked string) {
	e.publish(Event{Name: EventActionDetected, Payload: ActionDetectedPayload{
		AccountID:     accountID,
		AccountName:   accountName,
		ActionName:    actionName,
		ButtonClicked: buttonClicked,
		Timestamp:     nowStamp(),
	}})
}

// EmitJoinAttempt публикует попытку вступления в игру.
func (e *Emitter) EmitJoinAttempt(accountID int64, accountName string, attempt, maxAttempts int, success bool) {
	e.publish(Event{Name: EventJoinAttempt, Payload: JoinAttemptPayload{
		AccountID:   accountID,
		AccountName: accountName,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Success:     success,
		Timestamp:   nowStamp(),
	}})
}

// EmitLog публикует строку журнала аккаунта с уровнем.
func (e *Emitter) EmitLog(accountID int64, accountName, level, message string) {
	e.publish(Event{Name: EventAccountLog, Payload: AccountLogPayload{
		AccountID:   accountID,
		AccountName: accountName,
		Level:       level,
		Message:     message,
		Timestamp:   nowStamp(),
	}})
}

// EmitRegexValidationError публикует ошибку компиляции паттерна.
func (e *Emitter) EmitRegexValidationError(scope, pattern string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	logger.Warnf("invalid regex in %s: %q: %s", scope, pattern, msg)
	e.publish(Event{Name: EventRegexValidationError, Payload: RegexValidationErrorPayload{
		Scope:   scope,
		Pattern: pattern,
		Error:   msg,
	}})
}

// EmitLoginProgress публикует шаг мастера входа.
func (e *Emitter) EmitLoginProgress(token, step, message string, progress int) {
	e.publish(Event{Name: EventLoginProgress, Payload: LoginProgressPayload{
		Token:    token,
		Step:     step,
		Message:  message,
		Progress: progress,
	}})
}

func statusKey(accountID int64, status string) string {
	return status + "/" + strconv.FormatInt(accountID, 10)
}
