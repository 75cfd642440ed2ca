// Основной цикл воркера: select по {команда, опрос событий} с мягким backoff
// на холостом ходу. Обработка сообщения: фильтр подписки → дебаунс last_seen →
// перехват предупреждений о бане → конвейер детекции → обработчики фаз и действий.

package worker

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/domain/detection"
	"qmanager/internal/infra/logger"
)

// errFatal помечает ошибки, завершающие цикл с переходом в Error.
var errFatal = errors.New("worker: fatal")

// RunLoop крутит основной цикл до Shutdown, отмены контекста или фатальной
// ошибки. Возвращает ошибку только для фатального завершения.
func (w *Worker) RunLoop(ctx context.Context, commands <-chan Command) error {
	logger.Infof("[%s] entering message loop", w.cfg.AccountName)
	idleCycles := 0

	for w.state == StateRunning {
		backoff := idleBackoffBase
		if idleCycles > idleCyclesThreshold {
			backoff = idleBackoffMax
		}

		select {
		case <-ctx.Done():
			w.state = StateStopping

		case cmd, ok := <-commands:
			if !ok || cmd == CommandShutdown {
				logger.Infof("[%s] shutdown signal received", w.cfg.AccountName)
				w.state = StateStopping
				break
			}
			if cmd == CommandReloadPatterns {
				logger.Infof("[%s] reloading detection patterns", w.cfg.AccountName)
				w.cache.InvalidatePatterns()
				w.cache.InvalidateTargets(w.cfg.AccountID)
				if err := w.loadDetectionPatterns(); err != nil {
					logger.Errorf("[%s] failed to reload patterns: %v", w.cfg.AccountName, err)
				}
			}

		case <-time.After(backoff):
			evs := w.client.PollEvents()
			if len(evs) == 0 {
				idleCycles++
				break
			}
			idleCycles = 0
			for _, ev := range evs {
				if err := w.handleEvent(ctx, commands, ev); err != nil {
					if errors.Is(err, errFatal) {
						logger.Errorf("[%s] worker error: %v", w.cfg.AccountName, err)
						return err
					}
					// Нефатальные проблемы уже залогированы по месту; шаг пропущен.
					logger.Debugf("[%s] event skipped: %v", w.cfg.AccountName, err)
				}
				if w.state != StateRunning {
					break
				}
			}
		}
	}

	logger.Infof("[%s] message loop ended", w.cfg.AccountName)
	return nil
}

// handleEvent маршрутизирует событие subprocess. Любое доставленное событие —
// признак живого канала, поэтому счётчик реконнектов сбрасывается здесь.
func (w *Worker) handleEvent(ctx context.Context, commands <-chan Command, ev telethon.Event) error {
	w.reconnectAttempts = 0

	switch ev.Kind {
	case "message", "message_edited":
		if ev.Message == nil {
			return nil
		}
		return w.handleMessage(ctx, commands, ev.Message)
	default:
		logger.Debugf("[%s] ignoring event kind %q", w.cfg.AccountName, ev.Kind)
		return nil
	}
}

// handleMessage — полный конвейер обработки одного сообщения.
func (w *Worker) handleMessage(ctx context.Context, commands <-chan Command, msg *telethon.Message) error {
	if msg.IsOutgoing {
		return nil
	}

	isGroupMessage := containsID(w.cfg.GroupChatIDs, msg.ChatID)
	isBotPM := containsID(w.cfg.ModeratorBotIDs, msg.SenderID)
	if !isGroupMessage && !isBotPM {
		return nil
	}

	// Дебаунс записи last_seen: не чаще одного раза в интервал на аккаунт.
	if lastSeenDebounce.ShouldExecute(w.cfg.AccountID) {
		if err := w.st.UpdateLastSeen(w.cfg.AccountID); err != nil {
			logger.Debugf("[%s] last_seen update failed: %v", w.cfg.AccountName, err)
		}
	}

	preview := msg.Text
	// Обрезаем по рунам, чтобы не порвать UTF-8 в журнале.
	if runes := []rune(preview); len(runes) > 50 {
		preview = string(runes[:50])
	}
	logger.Debugf("[%s] message from %s: %s", w.cfg.AccountName, sourceLabel(isGroupMessage), preview)

	// Перехват предупреждения о бане в личке от бота — до детекции.
	if isBotPM && !w.game.BanWarned && w.checkBanWarning(msg.Text) {
		w.game.BanWarned = true
		w.stopJoinAttempts("ban warning received")
		w.emitWorkerLog("warn", "Ban warning received from moderator bot. Join attempts stopped.")
		// Детекция по этому же сообщению всё равно выполняется.
	}

	event := detection.MessageEvent{
		Text:      msg.Text,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		IsPrivate: !isGroupMessage,
	}

	for _, result := range w.pipeline.Process(event) {
		var err error
		switch result.Kind {
		case detection.KindPhase:
			err = w.handlePhase(ctx, commands, result.PhaseName, msg)
		case detection.KindAction:
			err = w.handleAction(ctx, commands, result.ActionID, result.ActionName, result.Step, msg)
		}
		if err != nil {
			if errors.Is(err, errFatal) {
				return err
			}
			logger.Warnf("[%s] handler error: %v", w.cfg.AccountName, err)
		}
		if w.state != StateRunning {
			break
		}
	}
	return nil
}

func sourceLabel(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "bot PM"
}

// checkBanWarning сообщает, совпал ли текст с каким-либо паттерном бана.
func (w *Worker) checkBanWarning(text string) bool {
	for _, bp := range w.banPatterns {
		matched := false
		if bp.isRegex {
			matched = bp.re != nil && bp.re.MatchString(text)
		} else {
			matched = strings.Contains(text, bp.pattern)
		}
		if matched {
			logger.Warnf("[%s] ban warning detected: %s", w.cfg.AccountName, bp.pattern)
			return true
		}
	}
	return false
}

// stopJoinAttempts обнуляет счётчик и метку попыток вступления.
func (w *Worker) stopJoinAttempts(reason string) {
	if w.joinAttempts > 0 || !w.lastJoinAttempt.IsZero() {
		logger.Warnf("[%s] stopping join attempts: %s", w.cfg.AccountName, reason)
	}
	w.joinAttempts = 0
	w.lastJoinAttempt = time.Time{}
}

// handlePhase применяет обнаруженную фазу к игровому состоянию.
func (w *Worker) handlePhase(ctx context.Context, commands <-chan Command, phaseName string, msg *telethon.Message) error {
	logger.Infof("[%s] phase detected: %s", w.cfg.AccountName, phaseName)
	w.emitter.EmitPhaseDetected(w.cfg.AccountID, w.cfg.AccountName, phaseName)

	switch phaseName {
	case "join_time":
		if !w.game.Joined && w.canAttemptJoin() {
			return w.attemptJoin(ctx, commands, msg)
		}
	case "join_confirmation":
		w.game.Joined = true
		w.stopJoinAttempts("join confirmation received")
		logger.Infof("[%s] join confirmed", w.cfg.AccountName)
	case "game_start":
		w.game.GameStarted = true
		w.stopJoinAttempts("game started")
		logger.Infof("[%s] game started", w.cfg.AccountName)
	case "game_end":
		w.game.GameEnded = true
		logger.Infof("[%s] game ended", w.cfg.AccountName)
		w.resetGameState()
	}
	return nil
}

// canAttemptJoin проверяет cooldown, лимит попыток и игровые флаги.
func (w *Worker) canAttemptJoin() bool {
	if w.game.BanWarned || w.game.Joined || w.game.GameStarted {
		return false
	}
	if w.joinAttempts >= w.cfg.MaxJoinAttempts {
		return false
	}
	if !w.lastJoinAttempt.IsZero() && time.Since(w.lastJoinAttempt) < w.cfg.JoinCooldown {
		return false
	}
	return true
}

// attemptJoin ищет в сообщении URL-кнопку формата bot-start и отправляет
// /start модератору. Подтверждение приходит позже отдельной фазой.
func (w *Worker) attemptJoin(ctx context.Context, commands <-chan Command, msg *telethon.Message) error {
	w.joinAttempts++
	w.lastJoinAttempt = time.Now()

	logger.Infof("[%s] attempting to join (%s)", w.cfg.AccountName,
		fmtAttempts(w.joinAttempts, w.cfg.MaxJoinAttempts))
	w.emitter.EmitJoinAttempt(w.cfg.AccountID, w.cfg.AccountName,
		w.joinAttempts, w.cfg.MaxJoinAttempts, false)

	botID, haveBot := w.moderatorForGroup(msg.ChatID)

	for _, button := range msg.FlatButtons() {
		if button.Kind != telethon.ButtonKindURL || button.URL == "" {
			continue
		}
		param, ok := parseStartParameter(button.URL)
		if !ok {
			continue
		}
		if !haveBot {
			w.emitWorkerLog("warn", "join button found but no moderator bot configured")
			return nil
		}
		logger.Infof("[%s] sending /start %s to bot %d", w.cfg.AccountName, param, botID)
		return w.sendStartMessage(ctx, commands, botID, param)
	}

	logger.Warnf("[%s] no join button found", w.cfg.AccountName)
	return nil
}

// resetGameState возвращает игровое состояние к значениям по умолчанию.
func (w *Worker) resetGameState() {
	w.game = GameState{}
	w.joinAttempts = 0
	w.lastJoinAttempt = time.Time{}
}

// sleepInterruptible спит d, просыпаясь по отмене контекста или Shutdown из
// канала команд. Возвращает false, если цикл должен завершаться.
func (w *Worker) sleepInterruptible(ctx context.Context, commands <-chan Command, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.state = StateStopping
			return false
		case cmd, ok := <-commands:
			if !ok || cmd == CommandShutdown {
				w.state = StateStopping
				return false
			}
			// ReloadPatterns безопасен в точке ожидания: шаг ещё не начат.
			if cmd == CommandReloadPatterns {
				w.cache.InvalidatePatterns()
				w.cache.InvalidateTargets(w.cfg.AccountID)
				if err := w.loadDetectionPatterns(); err != nil {
					logger.Errorf("[%s] failed to reload patterns: %v", w.cfg.AccountName, err)
				}
			}
		case <-timer.C:
			return true
		}
	}
}
