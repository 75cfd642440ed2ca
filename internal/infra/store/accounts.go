package store

import (
	"database/sql"

	"github.com/go-faster/errors"
)

// ErrAccountNotFound возвращается при обращении к несуществующему аккаунту.
var ErrAccountNotFound = errors.New("store: account not found")

const accountColumns = `id, account_name, COALESCE(telegram_name, ''), COALESCE(phone, ''),
	COALESCE(user_id, 0), status, COALESCE(last_seen_at, ''),
	COALESCE(api_id_override, 0), COALESCE(api_hash_override, ''),
	COALESCE(join_max_attempts_override, 0), COALESCE(join_cooldown_seconds_override, -1)`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.AccountName, &a.TelegramName, &a.Phone,
		&a.UserID, &a.Status, &a.LastSeenAt,
		&a.APIIDOverride, &a.APIHashOverride,
		&a.JoinMaxAttemptsOverride, &a.JoinCooldownSecondsOverride,
	)
	return a, err
}

// ListAccounts возвращает все аккаунты в порядке создания.
func (s *Store) ListAccounts() ([]Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "store: list accounts")
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan account")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount возвращает аккаунт по id либо ErrAccountNotFound.
func (s *Store) GetAccount(accountID int64) (Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, errors.Wrap(err, "store: get account")
	}
	return a, nil
}

// CreateAccount вставляет новый аккаунт со статусом stopped и возвращает его id.
func (s *Store) CreateAccount(c AccountCreate) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO accounts (account_name, phone, api_id_override, api_hash_override,
			join_max_attempts_override, join_cooldown_seconds_override, created_at, updated_at)
		 VALUES (?, NULLIF(?, ''), NULLIF(?, 0), NULLIF(?, ''), NULLIF(?, 0), NULLIF(?, 0),
			datetime('now'), datetime('now'))`,
		c.AccountName, c.Phone, c.APIIDOverride, c.APIHashOverride,
		c.JoinMaxAttemptsOverride, c.JoinCooldownSecondsOverride,
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: create account")
	}
	return res.LastInsertId()
}

// DeleteAccount удаляет аккаунт; связанные слоты/правила каскадируются схемой.
func (s *Store) DeleteAccount(accountID int64) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, accountID)
	if err != nil {
		return errors.Wrap(err, "store: delete account")
	}
	return nil
}

// AccountNameExists проверяет занятость имени без учёта регистра.
func (s *Store) AccountNameExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM accounts WHERE account_name = ? COLLATE NOCASE`, name,
	).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "store: account name exists")
	}
	return n > 0, nil
}

// UpdateAccountStatus пишет статусный тег. Тег — подсказка для наблюдателя;
// авторитетное состояние живёт в реестре супервизора.
func (s *Store) UpdateAccountStatus(accountID int64, status string) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, accountID,
	)
	if err != nil {
		return errors.Wrap(err, "store: update account status")
	}
	return nil
}

// UpdateLastSeen обновляет дебаунсируемую метку последней активности.
func (s *Store) UpdateLastSeen(accountID int64) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET last_seen_at = datetime('now') WHERE id = ?`, accountID,
	)
	if err != nil {
		return errors.Wrap(err, "store: update last seen")
	}
	return nil
}

// UpdateAccountIdentity сохраняет данные, полученные после логина:
// remote user id, телефон и отображаемое имя Telegram.
func (s *Store) UpdateAccountIdentity(accountID, userID int64, phone, telegramName string) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET user_id = NULLIF(?, 0), phone = NULLIF(?, ''),
			telegram_name = NULLIF(?, ''), updated_at = datetime('now')
		 WHERE id = ?`,
		userID, phone, telegramName, accountID,
	)
	if err != nil {
		return errors.Wrap(err, "store: update account identity")
	}
	return nil
}
