// Package login — драйвер мастера входа поверх wire-протокола subprocess.
// Ведёт состояние not_started → waiting_phone_number → waiting_code →
// waiting_password → ready, шлёт наблюдателю прогресс login-progress и по
// готовности фиксирует идентичность аккаунта в хранилище. Ввод/вывод
// (телефон, код, скрытый пароль) остаётся на вызывающей консоли.
package login

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/infra/events"
	"qmanager/internal/infra/logger"
)

// Client — минимальный клиент subprocess для логина.
type Client interface {
	Request(ctx context.Context, command string, payload any) (*telethon.Response, error)
	Shutdown()
}

// IdentityStore фиксирует результат входа.
type IdentityStore interface {
	UpdateAccountIdentity(accountID, userID int64, phone, telegramName string) error
}

// Шаги прогресса мастера, транслируемые наблюдателю.
const (
	StepStarted  = "started"
	StepPhone    = "phone"
	StepCode     = "code"
	StepPassword = "password"
	StepReady    = "ready"
	StepFailed   = "failed"
)

// Session — один проход мастера входа для одного аккаунта.
type Session struct {
	token     string
	accountID int64
	client    Client
	st        IdentityStore
	emitter   *events.Emitter

	state telethon.StatePayload
}

// NewSession создаёт сессию логина поверх уже запущенного клиента.
func NewSession(accountID int64, client Client, st IdentityStore, emitter *events.Emitter) *Session {
	return &Session{
		token:     uuid.NewString(),
		accountID: accountID,
		client:    client,
		st:        st,
		emitter:   emitter,
	}
}

// Token — идентификатор сессии в событиях login-progress.
func (s *Session) Token() string { return s.token }

// State — последнее известное состояние процесса входа.
func (s *Session) State() telethon.StatePayload { return s.state }

// Begin запрашивает текущее состояние subprocess и эмитит стартовый прогресс.
func (s *Session) Begin(ctx context.Context) (telethon.StatePayload, error) {
	s.emitter.EmitLoginProgress(s.token, StepStarted, "Connecting to Telegram...", 10)
	return s.roundTrip(ctx, telethon.CommandState, map[string]any{})
}

// SendPhone передаёт номер телефона.
func (s *Session) SendPhone(ctx context.Context, phone string) (telethon.StatePayload, error) {
	s.emitter.EmitLoginProgress(s.token, StepPhone, "Sending phone number...", 30)
	return s.roundTrip(ctx, telethon.CommandSendPhone, map[string]any{"phone": phone})
}

// SendCode передаёт код подтверждения.
func (s *Session) SendCode(ctx context.Context, code string) (telethon.StatePayload, error) {
	s.emitter.EmitLoginProgress(s.token, StepCode, "Verifying code...", 60)
	return s.roundTrip(ctx, telethon.CommandSendCode, map[string]any{"code": code})
}

// SendPassword передаёт пароль 2FA.
func (s *Session) SendPassword(ctx context.Context, password string) (telethon.StatePayload, error) {
	s.emitter.EmitLoginProgress(s.token, StepPassword, "Checking password...", 80)
	return s.roundTrip(ctx, telethon.CommandSendPassword, map[string]any{"password": password})
}

// roundTrip выполняет команду и разбирает состояние; ready завершает мастер
// записью идентичности, error — событием failed.
func (s *Session) roundTrip(ctx context.Context, command string, payload any) (telethon.StatePayload, error) {
	resp, err := s.client.Request(ctx, command, payload)
	if err != nil {
		s.emitter.EmitLoginProgress(s.token, StepFailed, err.Error(), 0)
		return telethon.StatePayload{}, errors.Wrapf(err, "login: %s", command)
	}
	if !resp.OK {
		we := telethon.ParseWireError(resp)
		s.emitter.EmitLoginProgress(s.token, StepFailed, we.Message, 0)
		return telethon.StatePayload{}, errors.Errorf("login: %s: %s", command, we.Message)
	}

	var state telethon.StatePayload
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &state); err != nil {
			return telethon.StatePayload{}, errors.Wrap(err, "login: parse state")
		}
	}
	s.state = state

	switch state.State {
	case telethon.StateReady:
		if err := s.finish(state); err != nil {
			return state, err
		}
	case telethon.StateError:
		s.emitter.EmitLoginProgress(s.token, StepFailed, state.Message, 0)
		return state, errors.Errorf("login: worker error: %s", state.Message)
	}
	return state, nil
}

// finish фиксирует идентичность аккаунта и эмитит завершение.
func (s *Session) finish(state telethon.StatePayload) error {
	name := state.FirstName
	if state.LastName != "" {
		if name != "" {
			name += " "
		}
		name += state.LastName
	}
	if err := s.st.UpdateAccountIdentity(s.accountID, state.UserID, state.Phone, name); err != nil {
		logger.Warnf("login: persist identity for account %d: %v", s.accountID, err)
	}
	s.emitter.EmitLoginProgress(s.token, StepReady, "Logged in as "+name, 100)
	logger.Infof("login: account %d authorized as user %d", s.accountID, state.UserID)
	return nil
}
