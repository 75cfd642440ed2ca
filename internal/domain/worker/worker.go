// Package worker — машина состояний одного аккаунта Telegram.
//
// Воркер владеет клиентом subprocess-процесса, конвейером детекции и игровым
// состоянием. Жизненный цикл: Stopped → Starting → Running → Stopping → выход;
// фатальные ошибки переводят в Error. Внутри задачи исполнение строго
// последовательное: основной цикл — select по {канал команд, опрос событий},
// все точки ожидания отменяемы командой Shutdown либо отменой контекста.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-faster/errors"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/domain/detection"
	"qmanager/internal/domain/workercache"
	"qmanager/internal/infra/concurrency"
	"qmanager/internal/infra/events"
	"qmanager/internal/infra/logger"
	"qmanager/internal/infra/regexcache"
	"qmanager/internal/infra/store"
	"qmanager/internal/infra/throttle"
)

// State — состояние машины воркера.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String — имя состояния для журнала.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Command — команда работающему воркеру.
type Command int

const (
	CommandShutdown Command = iota
	CommandReloadPatterns
)

// Параметры основного цикла и дебаунса.
const (
	idleBackoffBase      = 10 * time.Millisecond
	idleBackoffMax       = 50 * time.Millisecond
	idleCyclesThreshold  = 10
	lastSeenInterval     = 30 * time.Second
	sessionFileName      = "telethon.session"
	defaultMaxJoin       = 5
	defaultJoinCooldownS = 5
)

// lastSeenDebounce — процессный дебаунсер записи last_seen, ключ — id аккаунта.
var lastSeenDebounce = concurrency.NewKeyedDebouncer[int64](lastSeenInterval)

// Client — интерфейс клиента subprocess-процесса, достаточный воркеру.
type Client interface {
	Request(ctx context.Context, command string, payload any) (*telethon.Response, error)
	PollEvents() []telethon.Event
	Shutdown()
}

// ClientFactory порождает клиент для сессии аккаунта.
type ClientFactory func(apiID int64, apiHash, sessionPath string) (Client, error)

// ConfigStore — срез хранилища, который использует воркер.
type ConfigStore interface {
	ListPhasePatternsWithInfo() ([]store.PhasePatternWithInfo, error)
	ListActions() ([]store.Action, error)
	ListActionPatterns() ([]store.ActionPattern, error)
	GetSettings() (store.Settings, error)
	GetEffectiveTargetRule(accountID, actionID int64) (string, error)
	GetBlacklist(accountID, actionID int64) ([]string, error)
	GetEffectiveDelay(accountID, actionID int64) (int, int, error)
	GetTargetPairs(accountID, actionID int64) ([]store.TargetPair, error)
	UpdateLastSeen(accountID int64) error
	UpdateAccountStatus(accountID int64, status string) error
}

// GroupSlotConfig — слот группы с разрешённым модератором.
type GroupSlotConfig struct {
	GroupID        int64
	GroupTitle     string
	ModeratorKind  string
	ModeratorBotID int64
}

// Config — собранная супервизором конфигурация воркера.
type Config struct {
	AccountID       int64
	AccountName     string
	APIID           int64
	APIHash         string
	SessionDir      string
	GroupSlots      []GroupSlotConfig
	GroupChatIDs    []int64
	ModeratorBotIDs []int64
	MainBotID       int64
	BetaBotID       int64
	MaxJoinAttempts int
	JoinCooldown    time.Duration
}

// GameState — игровое состояние аккаунта; живёт только в памяти воркера.
type GameState struct {
	Joined      bool
	GameStarted bool
	GameEnded   bool
	BanWarned   bool
}

// banPattern — скомпилированный паттерн предупреждения о бане.
type banPattern struct {
	pattern string
	isRegex bool
	re      *regexp.Regexp
}

// Worker — воркер одного аккаунта. Все поля мутируются только владеющей задачей.
type Worker struct {
	cfg      Config
	st       ConfigStore
	emitter  *events.Emitter
	cache    *workercache.Cache
	regexes  *regexcache.Cache
	spawn    ClientFactory
	throttle *throttle.Throttler
	pipeline *detection.Pipeline

	client   Client
	state    State
	stateErr string

	game            GameState
	joinAttempts    int
	lastJoinAttempt time.Time

	banPatterns []banPattern
	twoStep     []twoStepEntry

	reconnectAttempts int
}

// New собирает воркер. cache/regexes == nil означают процессные синглтоны.
func New(cfg Config, st ConfigStore, emitter *events.Emitter, spawn ClientFactory,
	cache *workercache.Cache, regexes *regexcache.Cache, sendLimiter *throttle.Throttler,
) *Worker {
	if cfg.MaxJoinAttempts <= 0 {
		cfg.MaxJoinAttempts = defaultMaxJoin
	}
	if cfg.JoinCooldown <= 0 {
		cfg.JoinCooldown = defaultJoinCooldownS * time.Second
	}
	if cache == nil {
		cache = workercache.Shared()
	}
	if regexes == nil {
		regexes = regexcache.Shared()
	}
	if sendLimiter == nil {
		sendLimiter = throttle.New(1, throttle.WithExtractors(telethon.ExtractWait))
	}

	w := &Worker{
		cfg:      cfg,
		st:       st,
		emitter:  emitter,
		cache:    cache,
		regexes:  regexes,
		spawn:    spawn,
		throttle: sendLimiter,
		state:    StateStopped,
	}
	w.pipeline = detection.New(regexes, emitter.EmitRegexValidationError)
	return w
}

// AccountID возвращает id аккаунта.
func (w *Worker) AccountID() int64 { return w.cfg.AccountID }

// State возвращает текущее состояние машины.
func (w *Worker) State() State { return w.state }

// sessionPath — путь к файлу сессии внутри каталога аккаунта.
func (w *Worker) sessionPath() string {
	return filepath.Join(w.cfg.SessionDir, sessionFileName)
}

// Start переводит воркер Stopped → Starting → Running: поднимает клиент,
// делает обязательный round-trip start_updates и загружает паттерны.
func (w *Worker) Start(ctx context.Context) error {
	if w.state != StateStopped {
		return errors.Errorf("worker %s: not stopped", w.cfg.AccountName)
	}
	w.state = StateStarting
	logger.Infof("[%s] starting worker", w.cfg.AccountName)

	client, err := w.spawn(w.cfg.APIID, w.cfg.APIHash, w.sessionPath())
	if err != nil {
		w.toError(err.Error())
		return errors.Wrapf(err, "worker %s: spawn client", w.cfg.AccountName)
	}

	resp, err := client.Request(ctx, telethon.CommandStartUpdates, map[string]any{})
	if err != nil {
		client.Shutdown()
		w.toError(err.Error())
		return errors.Wrapf(err, "worker %s: start_updates", w.cfg.AccountName)
	}
	if !resp.OK {
		client.Shutdown()
		we := telethon.ParseWireError(resp)
		w.toError(we.Message)
		return errors.Errorf("worker %s: start_updates failed: %s", w.cfg.AccountName, we.Message)
	}

	w.client = client
	w.state = StateRunning

	if err := w.loadDetectionPatterns(); err != nil {
		// Паттерны можно перезагрузить позже; старт не валим.
		logger.Errorf("[%s] failed to load detection patterns: %v", w.cfg.AccountName, err)
	}

	logger.Infof("[%s] worker started", w.cfg.AccountName)
	return nil
}

// Stop переводит воркер в Stopping, гасит клиент и сбрасывает всё состояние.
func (w *Worker) Stop() {
	if w.state == StateStopped {
		return
	}
	w.state = StateStopping
	logger.Infof("[%s] stopping worker", w.cfg.AccountName)

	if w.client != nil {
		w.client.Shutdown()
		w.client = nil
	}

	w.game = GameState{}
	w.joinAttempts = 0
	w.lastJoinAttempt = time.Time{}
	w.reconnectAttempts = 0
	w.twoStep = nil
	w.state = StateStopped

	logger.Infof("[%s] worker stopped", w.cfg.AccountName)
}

// loadDetectionPatterns загружает в конвейер снимки паттернов через общий кэш,
// предзагружает конфигурации действий аккаунта и паттерны предупреждений о бане.
func (w *Worker) loadDetectionPatterns() error {
	phasePatterns, err := w.cache.GetPhasePatterns(w.st.ListPhasePatternsWithInfo)
	if err != nil {
		return errors.Wrap(err, "load phase patterns")
	}
	actions, err := w.cache.GetActions(w.st.ListActions)
	if err != nil {
		return errors.Wrap(err, "load actions")
	}
	actionPatterns, err := w.cache.GetActionPatterns(w.st.ListActionPatterns)
	if err != nil {
		return errors.Wrap(err, "load action patterns")
	}
	settings, err := w.st.GetSettings()
	if err != nil {
		return errors.Wrap(err, "load settings")
	}

	phaseInputs := make([]detection.PhasePatternInput, 0, len(phasePatterns))
	for _, p := range phasePatterns {
		phaseInputs = append(phaseInputs, detection.PhasePatternInput{
			ID:            p.Pattern.ID,
			PhaseName:     p.PhaseName,
			PhasePriority: p.PhasePriority,
			Pattern:       p.Pattern.Pattern,
			IsRegex:       p.Pattern.IsRegex,
			Enabled:       p.Pattern.Enabled,
			Priority:      p.Pattern.Priority,
		})
	}
	w.pipeline.LoadPhasePatterns(phaseInputs)

	actionInputs := make([]detection.ActionInput, 0, len(actions))
	for _, a := range actions {
		actionInputs = append(actionInputs, detection.ActionInput{ID: a.ID, Name: a.Name})
	}
	patternInputs := make([]detection.ActionPatternInput, 0, len(actionPatterns))
	for _, p := range actionPatterns {
		patternInputs = append(patternInputs, detection.ActionPatternInput{
			ID:       p.ID,
			ActionID: p.ActionID,
			Pattern:  p.Pattern,
			IsRegex:  p.IsRegex,
			Enabled:  p.Enabled,
			Priority: p.Priority,
			Step:     p.Step,
		})
	}
	w.pipeline.LoadActionPatterns(actionInputs, patternInputs)
	w.regexes.Clear()

	logger.Infof("[%s] loaded %d phase and %d action patterns",
		w.cfg.AccountName, w.pipeline.PhasePatternCount(), w.pipeline.ActionPatternCount())

	// Предзагрузка per-account конфигураций, чтобы не ходить в базу на каждом промпте.
	for _, action := range actions {
		action := action
		cfg, err := w.buildActionConfig(action)
		if err != nil {
			logger.Warnf("[%s] preload action config %q: %v", w.cfg.AccountName, action.Name, err)
			continue
		}
		w.cache.SetActionConfig(w.cfg.AccountID, action.ID, cfg)
	}

	w.banPatterns = parseBanWarningPatterns(settings.BanWarningPatternsJSON)
	logger.Infof("[%s] loaded %d ban warning patterns", w.cfg.AccountName, len(w.banPatterns))
	return nil
}

// buildActionConfig сливает правило целей, чёрный список, задержки и пары в
// разрешённую конфигурацию действия для этого аккаунта.
func (w *Worker) buildActionConfig(action store.Action) (workercache.ActionConfig, error) {
	minSec, maxSec, err := w.st.GetEffectiveDelay(w.cfg.AccountID, action.ID)
	if err != nil {
		minSec, maxSec = store.DefaultDelayMinSeconds, store.DefaultDelayMaxSeconds
	}
	pairs, err := w.st.GetTargetPairs(w.cfg.AccountID, action.ID)
	if err != nil {
		pairs = nil
	}
	blacklist, err := w.st.GetBlacklist(w.cfg.AccountID, action.ID)
	if err != nil {
		blacklist = nil
	}

	cfg := workercache.ActionConfig{
		TargetPairs:           pairs,
		Blacklist:             blacklist,
		DelayMinSeconds:       minSec,
		DelayMaxSeconds:       maxSec,
		ButtonType:            action.ButtonType,
		RandomFallbackEnabled: action.RandomFallbackEnabled,
		IsTwoStep:             action.IsTwoStep,
	}

	ruleJSON, err := w.st.GetEffectiveTargetRule(w.cfg.AccountID, action.ID)
	if err == nil && ruleJSON != "" {
		var rule struct {
			Targets        []string `json:"targets"`
			RandomFallback *bool    `json:"random_fallback"`
		}
		if err := json.Unmarshal([]byte(ruleJSON), &rule); err == nil {
			cfg.Targets = rule.Targets
			if rule.RandomFallback != nil {
				cfg.RandomFallbackEnabled = *rule.RandomFallback
			}
		}
	}
	return cfg, nil
}

// actionConfig возвращает конфигурацию действия из кэша, лениво собирая её.
func (w *Worker) actionConfig(actionID int64) (workercache.ActionConfig, error) {
	return w.cache.GetActionConfig(w.cfg.AccountID, actionID, func() (workercache.ActionConfig, error) {
		actions, err := w.cache.GetActions(w.st.ListActions)
		if err != nil {
			return workercache.ActionConfig{}, err
		}
		for _, a := range actions {
			if a.ID == actionID {
				return w.buildActionConfig(a)
			}
		}
		return workercache.ActionConfig{}, errors.Errorf("action %d not found", actionID)
	})
}

// parseBanWarningPatterns разбирает JSON настроек в скомпилированные паттерны.
// Невалидные регэкспы пропускаются (паттерн без компиляции бесполезен).
func parseBanWarningPatterns(raw string) []banPattern {
	var items []struct {
		Pattern string `json:"pattern"`
		IsRegex bool   `json:"is_regex"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}

	var out []banPattern
	for _, item := range items {
		if item.Pattern == "" || (item.Enabled != nil && !*item.Enabled) {
			continue
		}
		bp := banPattern{pattern: item.Pattern, isRegex: item.IsRegex}
		if item.IsRegex {
			re, err := regexp.Compile(item.Pattern)
			if err != nil {
				continue
			}
			bp.re = re
		}
		out = append(out, bp)
	}
	return out
}

// toError переводит воркер в состояние Error с сообщением.
func (w *Worker) toError(msg string) {
	w.state = StateError
	w.stateErr = msg
}

// emitWorkerLog шлёт строку журнала аккаунта наблюдателю и в общий лог.
func (w *Worker) emitWorkerLog(level, msg string) {
	switch level {
	case "warn":
		logger.Warnf("[%s] %s", w.cfg.AccountName, msg)
	case "error":
		logger.Errorf("[%s] %s", w.cfg.AccountName, msg)
	default:
		logger.Infof("[%s] %s", w.cfg.AccountName, msg)
	}
	w.emitter.EmitLog(w.cfg.AccountID, w.cfg.AccountName, level, msg)
}

// moderatorForGroup возвращает бота-модератора слота группы либо первого
// известного бота как fallback.
func (w *Worker) moderatorForGroup(groupID int64) (int64, bool) {
	for _, slot := range w.cfg.GroupSlots {
		if slot.GroupID == groupID && slot.ModeratorBotID > 0 {
			return slot.ModeratorBotID, true
		}
	}
	if len(w.cfg.ModeratorBotIDs) > 0 {
		return w.cfg.ModeratorBotIDs[0], true
	}
	return 0, false
}

// containsID — линейный поиск по маленьким спискам конфигурации.
func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// fmtAttempts — короткий формат счётчика попыток для журнала.
func fmtAttempts(n, max int) string {
	return fmt.Sprintf("%d/%d", n, max)
}
