// Package checks — структурированные pre-flight проверки перед запуском
// аккаунтов. Каждая проба возвращает код, сообщение и признак блокировки;
// батч схлопывается в {can_proceed, errors[]}. Блокирующие ошибки не дают
// супервизору поднять воркер, предупреждения — только информируют.
package checks

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"qmanager/internal/infra/store"
)

// CheckError — результат одной пробы.
type CheckError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	IsBlocking bool   `json:"is_blocking"`
}

// Blocking создаёт блокирующую ошибку.
func Blocking(code, message, details string) CheckError {
	return CheckError{Code: code, Message: message, Details: details, IsBlocking: true}
}

// Warning создаёт неблокирующее предупреждение.
func Warning(code, message, details string) CheckError {
	return CheckError{Code: code, Message: message, Details: details, IsBlocking: false}
}

// Result — свёртка набора проб.
type Result struct {
	CanProceed bool         `json:"can_proceed"`
	Errors     []CheckError `json:"errors"`
}

// Success — пустой успешный результат.
func Success() Result {
	return Result{CanProceed: true}
}

// Add добавляет ошибку, опуская can_proceed для блокирующих.
func (r *Result) Add(err CheckError) {
	if err.IsBlocking {
		r.CanProceed = false
	}
	r.Errors = append(r.Errors, err)
}

// Merge вливает другой результат.
func (r *Result) Merge(other Result) {
	if !other.CanProceed {
		r.CanProceed = false
	}
	r.Errors = append(r.Errors, other.Errors...)
}

// HasWarnings сообщает о наличии неблокирующих ошибок.
func (r *Result) HasWarnings() bool {
	for _, e := range r.Errors {
		if !e.IsBlocking {
			return true
		}
	}
	return false
}

// SettingsReader — срез хранилища для проверок.
type SettingsReader interface {
	GetAccount(accountID int64) (store.Account, error)
	GetSettings() (store.Settings, error)
	ListEnabledGroupSlots(accountID int64) ([]store.GroupSlot, error)
}

// Checker выполняет пробы в конкретном окружении процесса.
type Checker struct {
	st          SettingsReader
	workerBin   string
	sessionsDir string
}

// New создаёт Checker поверх хранилища и путей окружения.
func New(st SettingsReader, workerBin, sessionsDir string) *Checker {
	return &Checker{st: st, workerBin: workerBin, sessionsDir: sessionsDir}
}

// CheckWorkerBinary проверяет наличие бинаря subprocess-воркера.
func (c *Checker) CheckWorkerBinary() Result {
	result := Success()
	if _, err := os.Stat(c.workerBin); err != nil {
		result.Add(Blocking("WORKER_NOT_FOUND",
			"Telethon worker binary not found",
			fmt.Sprintf("expected at %s", c.workerBin)))
	}
	return result
}

// SessionDir возвращает каталог сессии аккаунта: предпочтительно
// account_{user_id}, иначе account_{local_id}.
func (c *Checker) SessionDir(account store.Account) string {
	if account.UserID != 0 {
		byUser := filepath.Join(c.sessionsDir, fmt.Sprintf("account_%d", account.UserID))
		if _, err := os.Stat(byUser); err == nil {
			return byUser
		}
		byID := filepath.Join(c.sessionsDir, fmt.Sprintf("account_%d", account.ID))
		if _, err := os.Stat(byID); err == nil {
			return byID
		}
		return byUser
	}
	return filepath.Join(c.sessionsDir, fmt.Sprintf("account_%d", account.ID))
}

// CheckAccountCanStart — полный набор проб перед стартом аккаунта:
// бинарь воркера, каталог и файл сессии, валидность api_id/api_hash,
// наличие слотов групп (предупреждение) и ботов-модераторов (предупреждение).
func (c *Checker) CheckAccountCanStart(accountID int64) Result {
	result := Success()

	account, err := c.st.GetAccount(accountID)
	if err != nil {
		result.Add(Blocking("ACCOUNT_NOT_FOUND", "Account not found",
			fmt.Sprintf("account id %d: %v", accountID, err)))
		return result
	}
	settings, err := c.st.GetSettings()
	if err != nil {
		result.Add(Blocking("SETTINGS_UNAVAILABLE", "Settings could not be read", err.Error()))
		return result
	}

	result.Merge(c.CheckWorkerBinary())
	result.Merge(c.checkSession(account))
	result.Merge(checkCredentials(account, settings))

	slots, err := c.st.ListEnabledGroupSlots(accountID)
	if err != nil {
		result.Add(Warning("GROUP_SLOTS_UNAVAILABLE", "Group slots could not be read", err.Error()))
	} else if len(slots) == 0 {
		result.Add(Warning("NO_GROUP_SLOTS",
			"No game groups configured",
			"The account will start but will not monitor any groups."))
	}

	if settings.MainBotUserID <= 0 && settings.BetaBotUserID <= 0 {
		result.Add(Warning("NO_MODERATOR_BOTS",
			"No moderator bot IDs configured",
			"The account will not be able to detect game phases."))
	}

	return result
}

// checkSession проверяет каталог сессии и наличие файла telethon.session.
func (c *Checker) checkSession(account store.Account) Result {
	result := Success()

	dir := c.SessionDir(account)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		result.Add(Blocking("SESSION_DIR_MISSING",
			"Session directory not found",
			fmt.Sprintf("expected at %s", dir)))
		return result
	}
	if _, err := os.ReadDir(dir); err != nil {
		result.Add(Blocking("SESSION_DIR_UNREADABLE",
			"Session directory is not readable", err.Error()))
		return result
	}
	if _, err := os.Stat(filepath.Join(dir, "telethon.session")); err != nil {
		result.Add(Blocking("SESSION_FILE_MISSING",
			"Session file not found",
			"Log the account in before starting it."))
	}
	return result
}

// checkCredentials валидирует действующие api_id/api_hash: id — положительное
// целое, hash — 32 hex-символа.
func checkCredentials(account store.Account, settings store.Settings) Result {
	result := Success()

	apiID := account.APIIDOverride
	if apiID == 0 {
		apiID = settings.APIID
	}
	apiHash := account.APIHashOverride
	if apiHash == "" {
		apiHash = settings.APIHash
	}

	if apiID <= 0 {
		result.Add(Blocking("API_ID_INVALID",
			"API ID is not configured",
			"Set a valid API ID from https://my.telegram.org in Settings or per-account."))
	}
	if !isHexHash(apiHash) {
		result.Add(Blocking("API_HASH_INVALID",
			"API Hash is malformed",
			"Expected 32 hexadecimal characters."))
	}
	return result
}

// isHexHash — ровно 32 hex-символа.
func isHexHash(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// DiagnosticsSnapshot — срез процесса для консоли.
type DiagnosticsSnapshot struct {
	TimestampMS    int64 `json:"timestamp_ms"`
	UptimeMS       int64 `json:"uptime_ms"`
	TotalWorkers   int   `json:"total_workers"`
	RunningWorkers int   `json:"running_workers"`
}

var processStart = time.Now()

// Snapshot собирает диагностику по счётчикам воркеров.
func Snapshot(total, running int) DiagnosticsSnapshot {
	return DiagnosticsSnapshot{
		TimestampMS:    time.Now().UnixMilli(),
		UptimeMS:       time.Since(processStart).Milliseconds(),
		TotalWorkers:   total,
		RunningWorkers: running,
	}
}
