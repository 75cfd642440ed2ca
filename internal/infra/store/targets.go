package store

import (
	"database/sql"

	"github.com/go-faster/errors"
)

// Пределы клампа задержек в секундах.
const (
	MinDelaySeconds = 0
	MaxDelaySeconds = 3600
)

// Дефолтные задержки при отсутствии строки в delay_defaults.
const (
	DefaultDelayMinSeconds = 2
	DefaultDelayMaxSeconds = 8
)

// GetEffectiveTargetRule возвращает JSON-правило целей: override на
// (аккаунт, действие), при его отсутствии — глобальный default действия.
// Override, когда он есть, полностью замещает default. Пустая строка — правила нет.
func (s *Store) GetEffectiveTargetRule(accountID, actionID int64) (string, error) {
	var rule string
	err := s.db.QueryRow(
		`SELECT rule_json FROM target_overrides WHERE account_id = ? AND action_id = ?`,
		accountID, actionID,
	).Scan(&rule)
	if err == nil {
		return rule, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrap(err, "store: get target override")
	}

	err = s.db.QueryRow(
		`SELECT rule_json FROM target_defaults WHERE action_id = ?`, actionID,
	).Scan(&rule)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "store: get target default")
	}
	return rule, nil
}

// SetTargetDefault задаёт глобальное правило целей действия.
func (s *Store) SetTargetDefault(actionID int64, ruleJSON string) error {
	_, err := s.db.Exec(
		`INSERT INTO target_defaults (action_id, rule_json) VALUES (?, ?)
		 ON CONFLICT(action_id) DO UPDATE SET rule_json = excluded.rule_json`,
		actionID, ruleJSON,
	)
	if err != nil {
		return errors.Wrap(err, "store: set target default")
	}
	return nil
}

// SetTargetOverride задаёт правило целей для пары (аккаунт, действие).
func (s *Store) SetTargetOverride(accountID, actionID int64, ruleJSON string) error {
	_, err := s.db.Exec(
		`INSERT INTO target_overrides (account_id, action_id, rule_json) VALUES (?, ?, ?)
		 ON CONFLICT(account_id, action_id) DO UPDATE SET rule_json = excluded.rule_json`,
		accountID, actionID, ruleJSON,
	)
	if err != nil {
		return errors.Wrap(err, "store: set target override")
	}
	return nil
}

// ClearTargetOverride убирает override; действие возвращается к default.
func (s *Store) ClearTargetOverride(accountID, actionID int64) error {
	_, err := s.db.Exec(
		`DELETE FROM target_overrides WHERE account_id = ? AND action_id = ?`,
		accountID, actionID,
	)
	if err != nil {
		return errors.Wrap(err, "store: clear target override")
	}
	return nil
}

// GetBlacklist возвращает чёрный список текстов кнопок для (аккаунт, действие).
func (s *Store) GetBlacklist(accountID, actionID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT button_text FROM target_blacklist
		 WHERE account_id = ? AND action_id = ? ORDER BY id`,
		accountID, actionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: get blacklist")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, errors.Wrap(err, "store: scan blacklist entry")
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

// AddBlacklistEntry добавляет текст кнопки в чёрный список. Дубликаты игнорируются.
func (s *Store) AddBlacklistEntry(accountID, actionID int64, buttonText string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO target_blacklist (account_id, action_id, button_text)
		 VALUES (?, ?, ?)`,
		accountID, actionID, buttonText,
	)
	if err != nil {
		return errors.Wrap(err, "store: add blacklist entry")
	}
	return nil
}

// GetEffectiveDelay возвращает границы задержки в секундах: override, иначе
// default действия, иначе встроенные значения. Результат кламплен к
// [MinDelaySeconds, MaxDelaySeconds], min ≤ max.
func (s *Store) GetEffectiveDelay(accountID, actionID int64) (int, int, error) {
	var minSec, maxSec int
	err := s.db.QueryRow(
		`SELECT min_seconds, max_seconds FROM delay_overrides
		 WHERE account_id = ? AND action_id = ?`,
		accountID, actionID,
	).Scan(&minSec, &maxSec)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRow(
			`SELECT min_seconds, max_seconds FROM delay_defaults WHERE action_id = ?`,
			actionID,
		).Scan(&minSec, &maxSec)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultDelayMinSeconds, DefaultDelayMaxSeconds, nil
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "store: get effective delay")
	}
	return clampDelayRange(minSec, maxSec)
}

// SetDelayDefault задаёт глобальную задержку действия. min > max отклоняется.
func (s *Store) SetDelayDefault(actionID int64, minSec, maxSec int) error {
	if minSec > maxSec {
		return errors.Errorf("store: delay min %d exceeds max %d", minSec, maxSec)
	}
	_, err := s.db.Exec(
		`INSERT INTO delay_defaults (action_id, min_seconds, max_seconds) VALUES (?, ?, ?)
		 ON CONFLICT(action_id) DO UPDATE SET
			min_seconds = excluded.min_seconds, max_seconds = excluded.max_seconds`,
		actionID, minSec, maxSec,
	)
	if err != nil {
		return errors.Wrap(err, "store: set delay default")
	}
	return nil
}

// SetDelayOverride задаёт задержку для пары (аккаунт, действие).
func (s *Store) SetDelayOverride(accountID, actionID int64, minSec, maxSec int) error {
	if minSec > maxSec {
		return errors.Errorf("store: delay min %d exceeds max %d", minSec, maxSec)
	}
	_, err := s.db.Exec(
		`INSERT INTO delay_overrides (account_id, action_id, min_seconds, max_seconds)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id, action_id) DO UPDATE SET
			min_seconds = excluded.min_seconds, max_seconds = excluded.max_seconds`,
		accountID, actionID, minSec, maxSec,
	)
	if err != nil {
		return errors.Wrap(err, "store: set delay override")
	}
	return nil
}

// GetTargetPairs возвращает пары целей двухшагового действия в порядке order_index.
func (s *Store) GetTargetPairs(accountID, actionID int64) ([]TargetPair, error) {
	rows, err := s.db.Query(
		`SELECT target_a, target_b FROM target_pairs
		 WHERE account_id = ? AND action_id = ? ORDER BY order_index`,
		accountID, actionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: get target pairs")
	}
	defer rows.Close()

	var out []TargetPair
	for rows.Next() {
		var p TargetPair
		if err := rows.Scan(&p.TargetA, &p.TargetB); err != nil {
			return nil, errors.Wrap(err, "store: scan target pair")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplaceTargetPairs атомарно перезаписывает список пар для (аккаунт, действие).
func (s *Store) ReplaceTargetPairs(accountID, actionID int64, pairs []TargetPair) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "store: begin replace pairs")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM target_pairs WHERE account_id = ? AND action_id = ?`,
		accountID, actionID,
	); err != nil {
		return errors.Wrap(err, "store: clear target pairs")
	}
	for i, p := range pairs {
		if _, err := tx.Exec(
			`INSERT INTO target_pairs (account_id, action_id, order_index, target_a, target_b)
			 VALUES (?, ?, ?, ?, ?)`,
			accountID, actionID, i, p.TargetA, p.TargetB,
		); err != nil {
			return errors.Wrap(err, "store: insert target pair")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "store: commit replace pairs")
	}
	return nil
}

// clampDelayRange нормализует границы к допустимому диапазону и порядку.
func clampDelayRange(minSec, maxSec int) (int, int, error) {
	clamp := func(v int) int {
		if v < MinDelaySeconds {
			return MinDelaySeconds
		}
		if v > MaxDelaySeconds {
			return MaxDelaySeconds
		}
		return v
	}
	minSec = clamp(minSec)
	maxSec = clamp(maxSec)
	if minSec > maxSec {
		maxSec = minSec
	}
	return minSec, maxSec, nil
}
