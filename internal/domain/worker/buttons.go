// Выбор кнопки по правилам действия и отправка кликов.
//
// Стратегии по button_type:
//   - player_list: первая кнопка, содержащая цель как подстроку; явные цели
//     игнорируют чёрный список; random fallback — равномерно из не
//     заблокированных кнопок;
//   - yes_no: голова списка целей нормализуется в класс «да»/«нет»
//     (английский, локализованные эквиваленты, метки ✓/✗); fallback — первая кнопка;
//   - fixed: точное совпадение текста, затем вхождение подстроки;
//   - неизвестный тип ведёт себя как player_list.

package worker

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/domain/workercache"
	"qmanager/internal/infra/logger"
	"qmanager/internal/infra/store"
)

// errStepAborted сигнализирует, что текущий шаг пропущен (нефатально).
var errStepAborted = errors.New("worker: step aborted")

// yesMarkers/noMarkers — распознаваемые эквиваленты классов «да»/«нет»:
// английский, фиксированный набор локализаций и графические метки.
var (
	yesHeads   = []string{"yes", "بله", "آره"}
	noHeads    = []string{"no", "خیر", "نه"}
	yesMarkers = []string{"yes", "بله", "آره", "✓", "✅"}
	noMarkers  = []string{"no", "خیر", "نه", "✗", "❌"}
)

// selectTargetButton выбирает кнопку для одношагового действия.
// Возвращает nil, если по правилам кликать нечего.
func (w *Worker) selectTargetButton(cfg workercache.ActionConfig, buttons []telethon.Button) *telethon.Button {
	if len(buttons) == 0 {
		return nil
	}

	switch cfg.ButtonType {
	case "yes_no":
		return selectYesNo(cfg, buttons)
	case "fixed":
		return selectFixed(cfg, buttons)
	default:
		// player_list и неизвестные типы: поиск по вхождению подстроки.
		return selectPlayerList(cfg, buttons)
	}
}

func selectPlayerList(cfg workercache.ActionConfig, buttons []telethon.Button) *telethon.Button {
	for _, target := range cfg.Targets {
		for i := range buttons {
			if strings.Contains(buttons[i].Text, target) {
				// Явная цель важнее чёрного списка.
				return &buttons[i]
			}
		}
	}
	if cfg.RandomFallbackEnabled {
		available := filterBlacklisted(buttons, cfg.Blacklist)
		if len(available) > 0 {
			return &available[rand.IntN(len(available))]
		}
	}
	return nil
}

func selectYesNo(cfg workercache.ActionConfig, buttons []telethon.Button) *telethon.Button {
	head := "yes"
	if len(cfg.Targets) > 0 {
		head = cfg.Targets[0]
	}

	markers := markersForHead(head)
	for i := range buttons {
		text := strings.ToLower(buttons[i].Text)
		if markers != nil {
			for _, marker := range markers {
				if strings.Contains(text, marker) {
					return &buttons[i]
				}
			}
			continue
		}
		// Цель вне классов да/нет: обычное вхождение.
		if strings.Contains(buttons[i].Text, head) {
			return &buttons[i]
		}
	}

	if cfg.RandomFallbackEnabled {
		return &buttons[0]
	}
	return nil
}

// markersForHead относит голову целей к классу да/нет; nil — вне классов.
func markersForHead(head string) []string {
	lowered := strings.ToLower(head)
	for _, h := range yesHeads {
		if lowered == h {
			return yesMarkers
		}
	}
	for _, h := range noHeads {
		if lowered == h {
			return noMarkers
		}
	}
	return nil
}

func selectFixed(cfg workercache.ActionConfig, buttons []telethon.Button) *telethon.Button {
	for _, target := range cfg.Targets {
		for i := range buttons {
			if buttons[i].Text == target {
				return &buttons[i]
			}
		}
	}
	// Fallback: вхождение подстроки.
	for _, target := range cfg.Targets {
		for i := range buttons {
			if strings.Contains(buttons[i].Text, target) {
				return &buttons[i]
			}
		}
	}
	return nil
}

// filterBlacklisted возвращает кнопки, текст которых не в чёрном списке.
func filterBlacklisted(buttons []telethon.Button, blacklist []string) []telethon.Button {
	if len(blacklist) == 0 {
		return buttons
	}
	blocked := make(map[string]struct{}, len(blacklist))
	for _, text := range blacklist {
		blocked[text] = struct{}{}
	}
	var out []telethon.Button
	for _, b := range buttons {
		if _, ok := blocked[b.Text]; !ok {
			out = append(out, b)
		}
	}
	return out
}

// actionDelay выбирает равномерную случайную задержку из [min, max] секунд
// конфигурации действия, кламплённую к допустимому диапазону.
func actionDelay(cfg workercache.ActionConfig) time.Duration {
	minSec, maxSec := clampSeconds(cfg.DelayMinSeconds), clampSeconds(cfg.DelayMaxSeconds)
	if minSec >= maxSec {
		return time.Duration(minSec) * time.Second
	}
	return time.Duration(minSec+rand.IntN(maxSec-minSec+1)) * time.Second
}

func clampSeconds(v int) int {
	if v < store.MinDelaySeconds {
		return store.MinDelaySeconds
	}
	if v > store.MaxDelaySeconds {
		return store.MaxDelaySeconds
	}
	return v
}

// parseStartParameter извлекает параметр из bot-start ссылки вида
// https://t.me/<bot>?start=<param>. Возвращает false для прочих форм URL.
func parseStartParameter(raw string) (string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", false
	}
	if parsed.Host != "t.me" {
		return "", false
	}
	param := parsed.Query().Get("start")
	if param == "" {
		return "", false
	}
	return param, true
}

// clickButton отправляет клик по кнопке. Для callback — click_button, для url
// формата bot-start — send_message "/start <param>" модератору чата. Прочие
// формы URL пропускаются с предупреждением.
func (w *Worker) clickButton(ctx context.Context, commands <-chan Command, chatID, messageID int64, button *telethon.Button) error {
	logger.Infof("[%s] clicking button: %s", w.cfg.AccountName, button.Text)

	switch button.Kind {
	case telethon.ButtonKindCallback:
		if button.Data == "" {
			w.emitWorkerLog("warn", "callback button without data, skipping")
			return nil
		}
		return w.sendCommand(ctx, commands, telethon.CommandClickButton, map[string]any{
			"chat_id":    chatID,
			"message_id": messageID,
			"data":       button.Data,
		})

	case telethon.ButtonKindURL:
		param, ok := parseStartParameter(button.URL)
		if !ok {
			w.emitWorkerLog("warn", "url button is not a bot start link, skipping: "+button.URL)
			return nil
		}
		botID, haveBot := w.moderatorForGroup(chatID)
		if !haveBot {
			w.emitWorkerLog("warn", "no moderator bot configured for start link")
			return nil
		}
		return w.sendStartMessage(ctx, commands, botID, param)

	default:
		logger.Warnf("[%s] unknown button kind %q", w.cfg.AccountName, button.Kind)
		return nil
	}
}

// sendStartMessage отправляет "/start <param>" указанному боту.
func (w *Worker) sendStartMessage(ctx context.Context, commands <-chan Command, botID int64, param string) error {
	return w.sendCommand(ctx, commands, telethon.CommandSendMessage, map[string]any{
		"chat_id": botID,
		"text":    "/start " + param,
	})
}

// sendCommand — единая точка исходящих команд: токен-бакет, запрос, разбор
// ответа и классификация ошибок транспорта (реконнект либо фатал).
func (w *Worker) sendCommand(ctx context.Context, commands <-chan Command, command string, payload any) error {
	if err := w.throttle.Wait(ctx); err != nil {
		w.state = StateStopping
		return errors.Wrap(errStepAborted, "throttle interrupted")
	}

	resp, err := w.client.Request(ctx, command, payload)
	if err != nil {
		if ctx.Err() != nil {
			w.state = StateStopping
			return errors.Wrap(errStepAborted, "context cancelled")
		}
		if isRecoverableError(err.Error()) {
			if rerr := w.handleConnectionLost(ctx, commands, err.Error()); rerr != nil {
				return rerr // errFatal при исчерпании попыток
			}
			// Реконнект удался; шаг не повторяется.
			return errors.Wrapf(errStepAborted, "%s interrupted by reconnect", command)
		}
		w.failFatal(err.Error())
		return errors.Wrapf(errFatal, "%s: %s", command, err.Error())
	}

	return w.handleResponse(ctx, commands, command, resp)
}

// handleResponse применяет политику к неуспешному ответу subprocess:
// серверные паузы (FLOOD_WAIT/SLOWMODE_WAIT через WaitExtractor'ы троттлера) —
// предупреждение и сон, затем успех без повтора; AUTH_REVOKED — фатал;
// прочее — лог и ошибка на шаг выше.
func (w *Worker) handleResponse(ctx context.Context, commands <-chan Command, command string, resp *telethon.Response) error {
	if resp.OK {
		return nil
	}

	we := telethon.ParseWireError(resp)
	if wait, ok := w.throttle.ExtractWait(we); ok {
		w.emitWorkerLog("warn", we.Code+" requires wait of "+wait.String())
		w.sleepInterruptible(ctx, commands, wait)
		return nil
	}

	switch we.Code {
	case telethon.CodeAuthRevoked:
		msg := we.Message
		if msg == "" {
			msg = "Session revoked or duplicated"
		}
		w.failFatal(msg)
		return errors.Wrapf(errFatal, "%s: %s", command, msg)

	default:
		msg := we.Message
		if msg == "" {
			msg = "telethon request failed"
		}
		logger.Warnf("[%s] telethon %s failed: %s", w.cfg.AccountName, command, msg)
		return errors.Errorf("%s: %s", command, msg)
	}
}

// failFatal переводит воркер в Error, фиксирует статус в хранилище и эмитит его.
func (w *Worker) failFatal(msg string) {
	w.toError(msg)
	if err := w.st.UpdateAccountStatus(w.cfg.AccountID, "error"); err != nil {
		logger.Warnf("[%s] failed to persist error status: %v", w.cfg.AccountName, err)
	}
	w.emitter.EmitAccountStatus(w.cfg.AccountID, "error", msg)
}
