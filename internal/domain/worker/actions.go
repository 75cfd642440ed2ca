// Обработка обнаруженных действий: одношаговый клик и двухшаговые пары.
//
// Двухшаговое действие (например, выбор пары Купидоном) кликает по кнопке из
// ПЕРВОГО промпта и по кнопке из ВТОРОГО, пришедшего позже. Первый шаг только
// кэшируется (один слот на действие, свежий step=1 перезаписывает старый);
// разрешение пары и оба клика происходят на втором шаге, после чего кэш
// очищается. Это единственное состояние воркера, переживающее границу сообщений.

package worker

import (
	"context"
	"math/rand/v2"
	"strings"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/domain/workercache"
	"qmanager/internal/infra/logger"
)

// twoStepEntry — кэш первого промпта двухшагового действия.
type twoStepEntry struct {
	actionID  int64
	chatID    int64
	messageID int64
	buttons   []telethon.Button
}

// handleAction обрабатывает один результат детекции действия.
func (w *Worker) handleAction(ctx context.Context, commands <-chan Command,
	actionID int64, actionName string, step int, msg *telethon.Message,
) error {
	logger.Infof("[%s] action detected: %s (id=%d, step=%d)",
		w.cfg.AccountName, actionName, actionID, step)

	cfg, err := w.actionConfig(actionID)
	if err != nil {
		logger.Warnf("[%s] action config unavailable for %q: %v", w.cfg.AccountName, actionName, err)
		return nil
	}

	if cfg.IsTwoStep {
		return w.handleTwoStepAction(ctx, commands, actionID, actionName, step, cfg, msg)
	}

	button := w.selectTargetButton(cfg, msg.FlatButtons())
	if button == nil {
		return nil
	}

	if delay := actionDelay(cfg); delay > 0 {
		logger.Debugf("[%s] waiting %s before clicking", w.cfg.AccountName, delay)
		if !w.sleepInterruptible(ctx, commands, delay) {
			return nil
		}
	}

	if err := w.clickButton(ctx, commands, msg.ChatID, msg.ID, button); err != nil {
		return err
	}
	w.emitter.EmitActionDetected(w.cfg.AccountID, w.cfg.AccountName, actionName, button.Text)
	return nil
}

// handleTwoStepAction кэширует первый промпт и разрешает пару на втором.
func (w *Worker) handleTwoStepAction(ctx context.Context, commands <-chan Command,
	actionID int64, actionName string, step int, cfg workercache.ActionConfig, msg *telethon.Message,
) error {
	buttons := msg.FlatButtons()

	switch step {
	case 1:
		// Свежий первый промпт всегда замещает предыдущий для этого действия.
		w.dropTwoStepEntry(actionID)
		w.twoStep = append(w.twoStep, twoStepEntry{
			actionID:  actionID,
			chatID:    msg.ChatID,
			messageID: msg.ID,
			buttons:   buttons,
		})
		return nil

	case 2:
		entry, ok := w.findTwoStepEntry(actionID)
		if !ok {
			logger.Warnf("[%s] step 2 of %q received but no cached step 1 exists",
				w.cfg.AccountName, actionName)
			return nil
		}

		targetA, targetB, resolved := resolvePair(cfg, entry.buttons, buttons)
		if resolved {
			if err := w.clickTwoStepPair(ctx, commands, actionName, cfg, entry, msg, targetA, targetB); err != nil {
				w.dropTwoStepEntry(actionID)
				return err
			}
		}
		w.dropTwoStepEntry(actionID)
		return nil

	default:
		logger.Warnf("[%s] unexpected step %d for action %q", w.cfg.AccountName, step, actionName)
		return nil
	}
}

// resolvePair выбирает пару (A, B): первую сконфигурированную, у которой A
// есть среди кнопок первого промпта, а B — среди второго; иначе случайную
// незаблокированную при включённом fallback. Совпавшие случайные A и B
// разводятся сдвигом к следующему кандидату второго шага.
func resolvePair(cfg workercache.ActionConfig, firstButtons, secondButtons []telethon.Button) (string, string, bool) {
	buttonHas := func(list []telethon.Button, target string) bool {
		for _, b := range list {
			if strings.Contains(b.Text, target) {
				return true
			}
		}
		return false
	}

	for _, pair := range cfg.TargetPairs {
		if buttonHas(firstButtons, pair.TargetA) && buttonHas(secondButtons, pair.TargetB) {
			return pair.TargetA, pair.TargetB, true
		}
	}

	if !cfg.RandomFallbackEnabled {
		return "", "", false
	}
	availableA := filterBlacklisted(firstButtons, cfg.Blacklist)
	availableB := filterBlacklisted(secondButtons, cfg.Blacklist)
	if len(availableA) == 0 || len(availableB) == 0 {
		return "", "", false
	}

	a := availableA[rand.IntN(len(availableA))].Text
	bIdx := rand.IntN(len(availableB))
	if availableB[bIdx].Text == a && len(availableB) > 1 {
		bIdx = (bIdx + 1) % len(availableB)
	}
	return a, availableB[bIdx].Text, true
}

// clickTwoStepPair кликает кнопку A в кэшированном первом сообщении, затем —
// после независимой задержки — кнопку B во втором. Ровно два клика, A первым.
func (w *Worker) clickTwoStepPair(ctx context.Context, commands <-chan Command,
	actionName string, cfg workercache.ActionConfig,
	entry twoStepEntry, secondMsg *telethon.Message, targetA, targetB string,
) error {
	if buttonA := findButtonContaining(entry.buttons, targetA); buttonA != nil {
		if delay := actionDelay(cfg); delay > 0 {
			if !w.sleepInterruptible(ctx, commands, delay) {
				return nil
			}
		}
		if err := w.clickButton(ctx, commands, entry.chatID, entry.messageID, buttonA); err != nil {
			return err
		}
		w.emitter.EmitActionDetected(w.cfg.AccountID, w.cfg.AccountName,
			actionName+" (Step 1)", targetA)
	}

	if buttonB := findButtonContaining(secondMsg.FlatButtons(), targetB); buttonB != nil {
		if delay := actionDelay(cfg); delay > 0 {
			if !w.sleepInterruptible(ctx, commands, delay) {
				return nil
			}
		}
		if err := w.clickButton(ctx, commands, secondMsg.ChatID, secondMsg.ID, buttonB); err != nil {
			return err
		}
		w.emitter.EmitActionDetected(w.cfg.AccountID, w.cfg.AccountName,
			actionName+" (Step 2)", targetB)
	}
	return nil
}

// findButtonContaining возвращает первую кнопку с вхождением текста.
func findButtonContaining(buttons []telethon.Button, text string) *telethon.Button {
	for i := range buttons {
		if strings.Contains(buttons[i].Text, text) {
			return &buttons[i]
		}
	}
	return nil
}

func (w *Worker) findTwoStepEntry(actionID int64) (twoStepEntry, bool) {
	for _, entry := range w.twoStep {
		if entry.actionID == actionID {
			return entry, true
		}
	}
	return twoStepEntry{}, false
}

func (w *Worker) dropTwoStepEntry(actionID int64) {
	kept := w.twoStep[:0]
	for _, entry := range w.twoStep {
		if entry.actionID != actionID {
			kept = append(kept, entry)
		}
	}
	w.twoStep = kept
}
