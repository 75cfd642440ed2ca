package store

import "github.com/go-faster/errors"

// GetSettings читает singleton-строку настроек.
func (s *Store) GetSettings() (Settings, error) {
	var st Settings
	err := s.db.QueryRow(
		`SELECT COALESCE(api_id, 0), COALESCE(api_hash, ''),
			COALESCE(main_bot_user_id, 0), COALESCE(main_bot_username, ''),
			COALESCE(beta_bot_user_id, 0), COALESCE(beta_bot_username, ''),
			join_max_attempts_default, join_cooldown_seconds_default,
			ban_warning_patterns_json
		 FROM settings WHERE id = 1`,
	).Scan(
		&st.APIID, &st.APIHash,
		&st.MainBotUserID, &st.MainBotUsername,
		&st.BetaBotUserID, &st.BetaBotUsername,
		&st.JoinMaxAttemptsDefault, &st.JoinCooldownSecondsDefault,
		&st.BanWarningPatternsJSON,
	)
	if err != nil {
		return Settings{}, errors.Wrap(err, "store: get settings")
	}
	return st, nil
}

// UpdateSettings перезаписывает singleton настроек целиком.
func (s *Store) UpdateSettings(st Settings) error {
	_, err := s.db.Exec(
		`UPDATE settings SET
			api_id = NULLIF(?, 0), api_hash = NULLIF(?, ''),
			main_bot_user_id = NULLIF(?, 0), main_bot_username = NULLIF(?, ''),
			beta_bot_user_id = NULLIF(?, 0), beta_bot_username = NULLIF(?, ''),
			join_max_attempts_default = ?, join_cooldown_seconds_default = ?,
			ban_warning_patterns_json = ?, updated_at = datetime('now')
		 WHERE id = 1`,
		st.APIID, st.APIHash,
		st.MainBotUserID, st.MainBotUsername,
		st.BetaBotUserID, st.BetaBotUsername,
		st.JoinMaxAttemptsDefault, st.JoinCooldownSecondsDefault,
		st.BanWarningPatternsJSON,
	)
	if err != nil {
		return errors.Wrap(err, "store: update settings")
	}
	return nil
}

// ListEnabledGroupSlots возвращает включённые слоты аккаунта с привязанным чатом.
func (s *Store) ListEnabledGroupSlots(accountID int64) ([]GroupSlot, error) {
	rows, err := s.db.Query(
		`SELECT account_id, slot, enabled, COALESCE(group_id, 0),
			COALESCE(group_title, ''), moderator_kind
		 FROM account_group_slots
		 WHERE account_id = ? AND enabled = 1 AND group_id IS NOT NULL
		 ORDER BY slot`,
		accountID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: list group slots")
	}
	defer rows.Close()

	var out []GroupSlot
	for rows.Next() {
		var g GroupSlot
		if err := rows.Scan(&g.AccountID, &g.Slot, &g.Enabled, &g.GroupID,
			&g.GroupTitle, &g.ModeratorKind); err != nil {
			return nil, errors.Wrap(err, "store: scan group slot")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertGroupSlot настраивает слот аккаунта. Slot за пределами {0, 1} отклоняется.
func (s *Store) UpsertGroupSlot(g GroupSlot) error {
	if g.Slot != 0 && g.Slot != 1 {
		return errors.Errorf("store: slot index %d out of range", g.Slot)
	}
	if g.ModeratorKind != "main" && g.ModeratorKind != "beta" {
		return errors.Errorf("store: unknown moderator kind %q", g.ModeratorKind)
	}
	_, err := s.db.Exec(
		`INSERT INTO account_group_slots (account_id, slot, enabled, group_id, group_title, moderator_kind)
		 VALUES (?, ?, ?, NULLIF(?, 0), NULLIF(?, ''), ?)
		 ON CONFLICT(account_id, slot) DO UPDATE SET
			enabled = excluded.enabled,
			group_id = excluded.group_id,
			group_title = excluded.group_title,
			moderator_kind = excluded.moderator_kind`,
		g.AccountID, g.Slot, g.Enabled, g.GroupID, g.GroupTitle, g.ModeratorKind,
	)
	if err != nil {
		return errors.Wrap(err, "store: upsert group slot")
	}
	return nil
}
