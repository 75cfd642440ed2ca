// Реконнект: классификация ошибок и ограниченный экспоненциальный backoff.
//
// Восстановимыми считаются только явные сетевые/временные классы; ошибки
// авторизации и неизвестные классы останавливают воркер — так исключаются
// патологические циклы повторов. Каждая попытка: сон по экспоненте, снос
// старого клиента, запуск нового на той же сессии, start_updates, перезагрузка
// паттернов. Все ожидания прерываемы Shutdown.

package worker

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/infra/logger"
)

const (
	reconnectDelayBase    = time.Second
	reconnectDelayMax     = 30 * time.Second
	reconnectMultiplier   = 2.0
	maxReconnectAttempts  = 5
	clientTeardownGraceMS = 250
)

// recoverableMarkers — подстроки ошибок, трактуемых как временные.
var recoverableMarkers = []string{
	"network", "timeout", "connection", "disconnected", "retry",
	"temporarily", "temporary", "flood", "unreachable", "unavailable",
	"broken pipe", "closed pipe", "file already closed",
}

// nonRecoverableMarkers — классы, требующие вмешательства пользователя.
var nonRecoverableMarkers = []string{
	"auth", "password", "phone", "code", "banned", "deleted",
	"deactivated", "terminated", "revoked", "invalid session", "unauthorized",
}

// isRecoverableError классифицирует текст ошибки. Неизвестные ошибки —
// невосстановимые по умолчанию.
func isRecoverableError(errText string) bool {
	lowered := strings.ToLower(errText)

	for _, marker := range nonRecoverableMarkers {
		if strings.Contains(lowered, marker) {
			return false
		}
	}
	for _, marker := range recoverableMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}

	logger.Warnf("unknown error class (treating as non-recoverable): %s", errText)
	return false
}

// reconnectDelay — задержка перед попыткой attempt (считая с нуля), с капом.
func reconnectDelay(attempt int) time.Duration {
	delay := float64(reconnectDelayBase)
	for i := 0; i < attempt; i++ {
		delay *= reconnectMultiplier
	}
	if capped := float64(reconnectDelayMax); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// handleConnectionLost запускает цикл реконнекта. Возвращает nil при успехе,
// errFatal — при исчерпании попыток, errStepAborted — если воркер вышел из
// Running. Ошибки отдельных попыток только логируются.
func (w *Worker) handleConnectionLost(ctx context.Context, commands <-chan Command, reason string) error {
	logger.Warnf("[%s] connection lost: %s", w.cfg.AccountName, reason)
	w.emitWorkerLog("warn", "Connection lost: "+reason+". Attempting to reconnect...")

	for {
		if w.state != StateRunning {
			return errors.Wrap(errStepAborted, "worker is stopping; reconnect aborted")
		}
		if w.reconnectAttempts >= maxReconnectAttempts {
			return w.reconnectExhausted()
		}

		ok, err := w.attemptReconnect(ctx, commands)
		if err != nil {
			logger.Errorf("[%s] reconnection error: %v", w.cfg.AccountName, err)
		}
		if ok {
			w.emitWorkerLog("info", "Successfully reconnected to Telegram")
			return nil
		}
		if w.state != StateRunning {
			return errors.Wrap(errStepAborted, "worker is stopping; reconnect aborted")
		}
	}
}

// attemptReconnect выполняет одну попытку: сон, пересоздание клиента,
// start_updates, сброс счётчика и перезагрузка паттернов при успехе.
func (w *Worker) attemptReconnect(ctx context.Context, commands <-chan Command) (bool, error) {
	delay := reconnectDelay(w.reconnectAttempts)
	w.reconnectAttempts++

	logger.Infof("[%s] reconnection attempt %s (waiting %s)",
		w.cfg.AccountName, fmtAttempts(w.reconnectAttempts, maxReconnectAttempts), delay)

	if !w.sleepInterruptible(ctx, commands, delay) {
		return false, nil
	}

	if w.client != nil {
		w.client.Shutdown()
		w.client = nil
		if !w.sleepInterruptible(ctx, commands, clientTeardownGraceMS*time.Millisecond) {
			return false, nil
		}
	}

	client, err := w.spawn(w.cfg.APIID, w.cfg.APIHash, w.sessionPath())
	if err != nil {
		return false, errors.Wrap(err, "spawn client")
	}

	resp, err := client.Request(ctx, telethon.CommandStartUpdates, map[string]any{})
	if err != nil {
		client.Shutdown()
		return false, errors.Wrap(err, "start_updates")
	}
	if !resp.OK {
		client.Shutdown()
		logger.Warnf("[%s] reconnect start_updates failed: %s",
			w.cfg.AccountName, telethon.ParseWireError(resp).Message)
		return false, nil
	}

	w.client = client
	w.reconnectAttempts = 0
	w.state = StateRunning
	w.emitter.EmitAccountStatus(w.cfg.AccountID, "running", "")
	logger.Infof("[%s] reconnection successful", w.cfg.AccountName)

	if err := w.loadDetectionPatterns(); err != nil {
		logger.Warnf("[%s] failed to reload patterns after reconnect: %v", w.cfg.AccountName, err)
	}
	return true, nil
}

// reconnectExhausted фиксирует исчерпание попыток и завершает цикл фаталом.
func (w *Worker) reconnectExhausted() error {
	msg := "Failed to reconnect after " + strconv.Itoa(maxReconnectAttempts) + " attempts"
	logger.Errorf("[%s] %s", w.cfg.AccountName, msg)
	w.emitWorkerLog("error", msg+". Worker stopped.")
	w.failFatal(msg)
	return errors.Wrap(errFatal, "max reconnection attempts exceeded")
}
