// Package supervisor — процессный реестр воркеров аккаунтов.
//
// Хранит не более одного живого воркера на account_id, раздаёт команды через
// буферизованные каналы и гарантирует монотонные статусы в пределах цикла
// start→stop: stopped → starting → running → (error →)? stopping → stopped.
// Массовые операции выполняются с ограниченной конкуррентностью; остановка
// одного воркера не зависит от остальных.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/domain/checks"
	"qmanager/internal/domain/worker"
	"qmanager/internal/infra/events"
	"qmanager/internal/infra/logger"
	"qmanager/internal/infra/store"
	"qmanager/internal/infra/throttle"
)

const (
	commandBuffer       = 8
	stopPollInterval    = 100 * time.Millisecond
	defaultStopTimeout  = 5 * time.Second
	defaultBulkInFlight = 5
	defaultSendRPS      = 1
)

// Store — срез хранилища для супервизора; включает всё, что нужно воркерам.
type Store interface {
	worker.ConfigStore
	GetAccount(accountID int64) (store.Account, error)
	ListAccounts() ([]store.Account, error)
	ListEnabledGroupSlots(accountID int64) ([]store.GroupSlot, error)
}

// Checker выполняет pre-flight проверки и резолвит каталог сессии.
type Checker interface {
	CheckAccountCanStart(accountID int64) checks.Result
	SessionDir(account store.Account) string
}

// handle — управление одним живым воркером.
type handle struct {
	accountID   int64
	accountName string
	commands    chan worker.Command
	done        chan struct{} // закрывается при завершении задачи
}

func (h *handle) isRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Options — настройки супервизора.
type Options struct {
	StopTimeout  time.Duration
	BulkInFlight int
	SendRPS      int // лимит исходящих команд (клики/сообщения) на воркера
}

// Supervisor — реестр воркеров. Потокобезопасен: карта под RW-мьютексом,
// изменение — только под writer-локом.
type Supervisor struct {
	st      Store
	emitter *events.Emitter
	checker Checker
	spawn   worker.ClientFactory

	opts Options

	mu      sync.RWMutex
	workers map[int64]*handle

	rootCtx context.Context
}

// New создаёт супервизор. spawn порождает клиенты subprocess для воркеров.
func New(rootCtx context.Context, st Store, emitter *events.Emitter, checker Checker,
	spawn worker.ClientFactory, opts Options,
) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.BulkInFlight <= 0 {
		opts.BulkInFlight = defaultBulkInFlight
	}
	if opts.SendRPS <= 0 {
		opts.SendRPS = defaultSendRPS
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Supervisor{
		st:      st,
		emitter: emitter,
		checker: checker,
		spawn:   spawn,
		opts:    opts,
		workers: make(map[int64]*handle),
		rootCtx: rootCtx,
	}
}

// StartAccount поднимает воркер аккаунта. Повторный старт живого воркера —
// ошибка; завершившаяся запись молча замещается.
func (s *Supervisor) StartAccount(accountID int64) error {
	s.mu.RLock()
	if h, ok := s.workers[accountID]; ok && h.isRunning() {
		s.mu.RUnlock()
		return errors.Errorf("supervisor: account %d is already running", accountID)
	}
	s.mu.RUnlock()

	account, err := s.st.GetAccount(accountID)
	if err != nil {
		return errors.Wrapf(err, "supervisor: account %d", accountID)
	}
	settings, err := s.st.GetSettings()
	if err != nil {
		return errors.Wrap(err, "supervisor: settings")
	}
	slots, err := s.st.ListEnabledGroupSlots(accountID)
	if err != nil {
		return errors.Wrap(err, "supervisor: group slots")
	}

	cfg, err := s.buildWorkerConfig(account, settings, slots)
	if err != nil {
		return err
	}

	s.emitter.EmitAccountStatus(accountID, "starting", "")
	if err := s.st.UpdateAccountStatus(accountID, "starting"); err != nil {
		logger.Warnf("supervisor: persist starting status for %d: %v", accountID, err)
	}

	h := &handle{
		accountID:   accountID,
		accountName: account.AccountName,
		commands:    make(chan worker.Command, commandBuffer),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	// Повторная проверка под writer-локом: гонка двух StartAccount.
	if existing, ok := s.workers[accountID]; ok && existing.isRunning() {
		s.mu.Unlock()
		return errors.Errorf("supervisor: account %d is already running", accountID)
	}
	s.workers[accountID] = h
	s.mu.Unlock()

	go s.runWorkerTask(h, cfg)
	return nil
}

// buildWorkerConfig собирает конфигурацию воркера из аккаунта, настроек и слотов.
func (s *Supervisor) buildWorkerConfig(account store.Account, settings store.Settings,
	slots []store.GroupSlot,
) (worker.Config, error) {
	apiID := account.APIIDOverride
	if apiID == 0 {
		apiID = settings.APIID
	}
	apiHash := account.APIHashOverride
	if apiHash == "" {
		apiHash = settings.APIHash
	}
	if apiID <= 0 {
		return worker.Config{}, errors.New("supervisor: API ID is not configured")
	}
	if apiHash == "" {
		return worker.Config{}, errors.New("supervisor: API Hash is not configured")
	}

	mainBot := settings.MainBotUserID
	betaBot := settings.BetaBotUserID

	var moderatorIDs []int64
	if mainBot > 0 {
		moderatorIDs = append(moderatorIDs, mainBot)
	}
	if betaBot > 0 {
		moderatorIDs = append(moderatorIDs, betaBot)
	}
	if len(moderatorIDs) == 0 {
		logger.Warnf("[%s] no moderator bot IDs configured; phase prompts will not be detected",
			account.AccountName)
	}

	var groupIDs []int64
	var slotConfigs []worker.GroupSlotConfig
	for _, slot := range slots {
		if slot.GroupID == 0 {
			continue
		}
		groupIDs = append(groupIDs, slot.GroupID)

		// beta-слот разрешается в beta-бота с fallback на main, main — наоборот.
		botID := mainBot
		if slot.ModeratorKind == "beta" {
			if betaBot > 0 {
				botID = betaBot
			}
		} else if botID <= 0 {
			botID = betaBot
		}
		slotConfigs = append(slotConfigs, worker.GroupSlotConfig{
			GroupID:        slot.GroupID,
			GroupTitle:     slot.GroupTitle,
			ModeratorKind:  slot.ModeratorKind,
			ModeratorBotID: botID,
		})
	}
	if len(groupIDs) == 0 {
		logger.Warnf("[%s] no game groups configured; the account will not monitor any groups",
			account.AccountName)
	}

	maxAttempts := account.JoinMaxAttemptsOverride
	if maxAttempts <= 0 {
		maxAttempts = settings.JoinMaxAttemptsDefault
	}
	cooldown := account.JoinCooldownSecondsOverride
	if cooldown < 0 {
		cooldown = settings.JoinCooldownSecondsDefault
	}

	return worker.Config{
		AccountID:       account.ID,
		AccountName:     account.AccountName,
		APIID:           apiID,
		APIHash:         apiHash,
		SessionDir:      s.checker.SessionDir(account),
		GroupSlots:      slotConfigs,
		GroupChatIDs:    groupIDs,
		ModeratorBotIDs: moderatorIDs,
		MainBotID:       mainBot,
		BetaBotID:       betaBot,
		MaxJoinAttempts: maxAttempts,
		JoinCooldown:    time.Duration(cooldown) * time.Second,
	}, nil
}

// runWorkerTask — тело задачи воркера: старт, основной цикл, остановка и
// атомарная очистка реестра со статусом stopped (error сохраняется).
func (s *Supervisor) runWorkerTask(h *handle, cfg worker.Config) {
	logger.Infof("[%s] worker task started", h.accountName)
	// Троттлер исходящих команд — свой на воркера: лимит per-account, не общий.
	sendLimiter := throttle.New(s.opts.SendRPS, throttle.WithExtractors(telethon.ExtractWait))
	w := worker.New(cfg, s.st, s.emitter, s.spawn, nil, nil, sendLimiter)

	// Worker.Stop() сбрасывает машину в Stopped, поэтому фатальный исход
	// фиксируется до остановки: error не должен перетираться stopped.
	hadFatal := false

	defer func() {
		close(h.done)

		s.mu.Lock()
		if current, ok := s.workers[h.accountID]; ok && current == h {
			delete(s.workers, h.accountID)
		}
		s.mu.Unlock()

		if !hadFatal {
			s.emitter.EmitAccountStatus(h.accountID, "stopped", "")
			if err := s.st.UpdateAccountStatus(h.accountID, "stopped"); err != nil {
				logger.Warnf("supervisor: persist stopped status for %d: %v", h.accountID, err)
			}
		}
		logger.Infof("[%s] worker task ended", h.accountName)
	}()

	if err := w.Start(s.rootCtx); err != nil {
		hadFatal = true
		logger.Errorf("[%s] failed to start worker: %v", h.accountName, err)
		s.emitter.EmitAccountStatus(h.accountID, "error", err.Error())
		if uerr := s.st.UpdateAccountStatus(h.accountID, "error"); uerr != nil {
			logger.Warnf("supervisor: persist error status for %d: %v", h.accountID, uerr)
		}
		return
	}

	s.emitter.EmitAccountStatus(h.accountID, "running", "")
	if err := s.st.UpdateAccountStatus(h.accountID, "running"); err != nil {
		logger.Warnf("supervisor: persist running status for %d: %v", h.accountID, err)
	}

	if err := w.RunLoop(s.rootCtx, h.commands); err != nil {
		// Фатальный путь уже эмитнул error и записал статус (failFatal).
		hadFatal = true
		logger.Errorf("[%s] worker loop error: %v", h.accountName, err)
	}
	w.Stop()
}

// StopAccount гасит воркер: статус stopping, команда Shutdown, ожидание до
// таймаута с опросом, принудительная очистка записи по его истечении.
func (s *Supervisor) StopAccount(accountID int64) error {
	s.mu.RLock()
	h, ok := s.workers[accountID]
	s.mu.RUnlock()

	if !ok {
		// Воркера нет — просто нормализуем статусный тег.
		if err := s.st.UpdateAccountStatus(accountID, "stopped"); err != nil {
			return errors.Wrap(err, "supervisor: persist stopped status")
		}
		return nil
	}

	if !h.isRunning() {
		s.removeHandle(accountID, h)
		if err := s.st.UpdateAccountStatus(accountID, "stopped"); err != nil {
			logger.Warnf("supervisor: persist stopped status for %d: %v", accountID, err)
		}
		return nil
	}

	s.emitter.EmitAccountStatus(accountID, "stopping", "")
	if err := s.st.UpdateAccountStatus(accountID, "stopping"); err != nil {
		logger.Warnf("supervisor: persist stopping status for %d: %v", accountID, err)
	}

	select {
	case h.commands <- worker.CommandShutdown:
	default:
		// Канал переполнен: воркер и так завершится по ранее отправленной команде.
	}

	deadline := time.NewTimer(s.opts.StopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			s.removeHandle(accountID, h)
			return nil
		case <-deadline.C:
			logger.Warnf("supervisor: timeout waiting for worker %d to stop", accountID)
			s.removeHandle(accountID, h)
			return nil
		case <-ticker.C:
			if !h.isRunning() {
				s.removeHandle(accountID, h)
				return nil
			}
		}
	}
}

// removeHandle убирает запись, только если она всё ещё принадлежит h.
func (s *Supervisor) removeHandle(accountID int64, h *handle) {
	s.mu.Lock()
	if current, ok := s.workers[accountID]; ok && current == h {
		delete(s.workers, accountID)
	}
	s.mu.Unlock()
}

// ReloadPatterns шлёт живому воркеру команду перезагрузки паттернов.
func (s *Supervisor) ReloadPatterns(accountID int64) error {
	s.mu.RLock()
	h, ok := s.workers[accountID]
	s.mu.RUnlock()

	if !ok || !h.isRunning() {
		return errors.Errorf("supervisor: account %d is not running", accountID)
	}
	select {
	case h.commands <- worker.CommandReloadPatterns:
		return nil
	default:
		return errors.Errorf("supervisor: account %d command queue is full", accountID)
	}
}

// ReloadAllPatterns шлёт перезагрузку всем живым воркерам; ошибки только логируются.
func (s *Supervisor) ReloadAllPatterns() {
	for _, accountID := range s.RunningAccounts() {
		if err := s.ReloadPatterns(accountID); err != nil {
			logger.Warnf("supervisor: reload patterns for %d: %v", accountID, err)
		}
	}
}

// IsRunning сообщает, жив ли воркер аккаунта.
func (s *Supervisor) IsRunning(accountID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.workers[accountID]
	return ok && h.isRunning()
}

// RunningAccounts возвращает идентификаторы аккаунтов с живыми воркерами.
func (s *Supervisor) RunningAccounts() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int64
	for accountID, h := range s.workers {
		if h.isRunning() {
			out = append(out, accountID)
		}
	}
	return out
}

// GetWorkerCounts возвращает (всего записей, живых).
func (s *Supervisor) GetWorkerCounts() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	running := 0
	for _, h := range s.workers {
		if h.isRunning() {
			running++
		}
	}
	return len(s.workers), running
}

// StopAll останавливает всех конкуррентно; ошибки логируются и не всплывают.
// Застрявший воркер не задерживает остальных дольше собственного таймаута.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.workers))
	for accountID := range s.workers {
		ids = append(ids, accountID)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, accountID := range ids {
		accountID := accountID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.StopAccount(accountID); err != nil {
				logger.Errorf("supervisor: failed to stop account %d: %v", accountID, err)
			}
		}()
	}
	wg.Wait()
}

// BulkStartReport — итог одного элемента массового запуска.
type BulkStartReport struct {
	AccountID   int64               `json:"account_id"`
	AccountName string              `json:"account_name"`
	Started     bool                `json:"started"`
	Errors      []checks.CheckError `json:"errors"`
}

// StartAllWithChecks запускает аккаунты, прошедшие фильтр, с ограниченной
// конкуррентностью и pre-flight проверками.
func (s *Supervisor) StartAllWithChecks(filter func(store.Account) bool) ([]BulkStartReport, error) {
	accounts, err := s.st.ListAccounts()
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: list accounts")
	}

	var selected []store.Account
	for _, account := range accounts {
		if filter == nil || filter(account) {
			selected = append(selected, account)
		}
	}
	return s.startBatch(selected), nil
}

// StartSelectedWithChecks запускает перечисленные аккаунты; отсутствующие
// попадают в отчёт с блокирующей ошибкой.
func (s *Supervisor) StartSelectedWithChecks(accountIDs []int64) ([]BulkStartReport, error) {
	accounts, err := s.st.ListAccounts()
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: list accounts")
	}
	byID := make(map[int64]store.Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}

	var reports []BulkStartReport
	var selected []store.Account
	for _, accountID := range accountIDs {
		account, ok := byID[accountID]
		if !ok {
			reports = append(reports, BulkStartReport{
				AccountID:   accountID,
				AccountName: "",
				Started:     false,
				Errors: []checks.CheckError{checks.Blocking("ACCOUNT_NOT_FOUND",
					"Account not found", "This account no longer exists.")},
			})
			continue
		}
		selected = append(selected, account)
	}

	reports = append(reports, s.startBatch(selected)...)
	return reports, nil
}

// startBatch — фан-аут с семафором на opts.BulkInFlight одновременных стартов.
func (s *Supervisor) startBatch(accounts []store.Account) []BulkStartReport {
	reports := make([]BulkStartReport, len(accounts))
	sem := make(chan struct{}, s.opts.BulkInFlight)
	var wg sync.WaitGroup

	for i, account := range accounts {
		i, account := i, account
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			reports[i] = s.startWithChecks(account)
		}()
	}
	wg.Wait()
	return reports
}

// startWithChecks — pre-flight, затем StartAccount; блокирующие ошибки
// отменяют запуск, предупреждения попадают в отчёт.
func (s *Supervisor) startWithChecks(account store.Account) BulkStartReport {
	result := s.checker.CheckAccountCanStart(account.ID)
	report := BulkStartReport{
		AccountID:   account.ID,
		AccountName: account.AccountName,
		Errors:      result.Errors,
	}
	if !result.CanProceed {
		return report
	}

	if err := s.StartAccount(account.ID); err != nil {
		report.Errors = append(report.Errors,
			checks.Blocking("START_FAILED", "Failed to start account", err.Error()))
		return report
	}
	report.Started = true
	return report
}
