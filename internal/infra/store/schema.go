package store

import "github.com/go-faster/errors"

// schemaStatements — полная схема хранилища. Порядок важен: таблицы с внешними
// ключами идут после родительских.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		updated_at TEXT
	)`,
	`INSERT OR IGNORE INTO schema_version (id, version, updated_at)
	 VALUES (1, 1, datetime('now'))`,

	// Настройки — единственная строка.
	`CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		api_id INTEGER,
		api_hash TEXT,
		main_bot_user_id INTEGER,
		main_bot_username TEXT,
		beta_bot_user_id INTEGER,
		beta_bot_username TEXT,
		join_max_attempts_default INTEGER NOT NULL DEFAULT 5,
		join_cooldown_seconds_default INTEGER NOT NULL DEFAULT 5,
		ban_warning_patterns_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT,
		updated_at TEXT
	)`,
	`INSERT OR IGNORE INTO settings (id, created_at, updated_at)
	 VALUES (1, datetime('now'), datetime('now'))`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY,
		account_name TEXT NOT NULL,
		telegram_name TEXT,
		phone TEXT,
		user_id INTEGER,
		status TEXT NOT NULL DEFAULT 'stopped',
		last_seen_at TEXT,
		api_id_override INTEGER,
		api_hash_override TEXT,
		join_max_attempts_override INTEGER,
		join_cooldown_seconds_override INTEGER,
		created_at TEXT,
		updated_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_name_unique
	 ON accounts(account_name COLLATE NOCASE)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status)`,

	// До двух слотов групп на аккаунт.
	`CREATE TABLE IF NOT EXISTS account_group_slots (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		group_id INTEGER,
		group_title TEXT,
		moderator_kind TEXT NOT NULL DEFAULT 'main',
		UNIQUE(account_id, slot),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_group_slots_account ON account_group_slots(account_id)`,

	`CREATE TABLE IF NOT EXISTS phases (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		priority INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO phases (id, name, display_name, priority) VALUES
		(1, 'join_time', 'Join Time', 100),
		(2, 'join_confirmation', 'Join Confirmation', 90),
		(3, 'game_start', 'Game Start', 80),
		(4, 'game_end', 'Game End', 70)`,

	`CREATE TABLE IF NOT EXISTS phase_patterns (
		id INTEGER PRIMARY KEY,
		phase_id INTEGER NOT NULL,
		pattern TEXT NOT NULL,
		is_regex INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (phase_id) REFERENCES phases(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_phase_patterns_phase ON phase_patterns(phase_id)`,
	`CREATE INDEX IF NOT EXISTS idx_phase_patterns_enabled
	 ON phase_patterns(enabled, priority DESC)`,

	`CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		button_type TEXT NOT NULL,
		random_fallback_enabled INTEGER NOT NULL DEFAULT 1,
		is_two_step INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS action_patterns (
		id INTEGER PRIMARY KEY,
		action_id INTEGER NOT NULL,
		pattern TEXT NOT NULL,
		is_regex INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		step INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (action_id) REFERENCES actions(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_action_patterns_action ON action_patterns(action_id)`,
	`CREATE INDEX IF NOT EXISTS idx_action_patterns_enabled
	 ON action_patterns(enabled, priority DESC)`,

	// Правила целей: глобальный default на действие и override на пару (аккаунт, действие).
	`CREATE TABLE IF NOT EXISTS target_defaults (
		id INTEGER PRIMARY KEY,
		action_id INTEGER NOT NULL UNIQUE,
		rule_json TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (action_id) REFERENCES actions(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS target_overrides (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		action_id INTEGER NOT NULL,
		rule_json TEXT NOT NULL DEFAULT '{}',
		UNIQUE(account_id, action_id),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
		FOREIGN KEY (action_id) REFERENCES actions(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_target_overrides_account ON target_overrides(account_id)`,

	`CREATE TABLE IF NOT EXISTS target_blacklist (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		action_id INTEGER NOT NULL,
		button_text TEXT NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
		FOREIGN KEY (action_id) REFERENCES actions(id) ON DELETE CASCADE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_blacklist_unique
	 ON target_blacklist(account_id, action_id, button_text)`,

	`CREATE TABLE IF NOT EXISTS delay_defaults (
		id INTEGER PRIMARY KEY,
		action_id INTEGER NOT NULL UNIQUE,
		min_seconds INTEGER NOT NULL DEFAULT 2,
		max_seconds INTEGER NOT NULL DEFAULT 8,
		CHECK (min_seconds <= max_seconds),
		FOREIGN KEY (action_id) REFERENCES actions(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS delay_overrides (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		action_id INTEGER NOT NULL,
		min_seconds INTEGER NOT NULL,
		max_seconds INTEGER NOT NULL,
		CHECK (min_seconds <= max_seconds),
		UNIQUE(account_id, action_id),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
		FOREIGN KEY (action_id) REFERENCES actions(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delay_overrides_account_action
	 ON delay_overrides(account_id, action_id)`,

	// Пары целей для двухшаговых действий.
	`CREATE TABLE IF NOT EXISTS target_pairs (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		action_id INTEGER NOT NULL,
		order_index INTEGER NOT NULL,
		target_a TEXT NOT NULL,
		target_b TEXT NOT NULL,
		UNIQUE(account_id, action_id, order_index),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
		FOREIGN KEY (action_id) REFERENCES actions(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pairs_account_action ON target_pairs(account_id, action_id)`,
}

// initSchema накатывает схему. Все выражения идемпотентны.
func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "store: init schema")
		}
	}
	return nil
}
