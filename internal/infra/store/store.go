// Package store — встраиваемое реляционное хранилище конфигурации супервизора
// на SQLite (modernc.org/sqlite, без cgo). Здесь живут аккаунты, слоты групп,
// каталог фаз/действий с паттернами, цели/чёрные списки/задержки и singleton
// настроек. Доступ сериализуется пулом database/sql; воркеры не держат
// соединения через точки ожидания — каждый вызов короткий.
package store

import (
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	_ "modernc.org/sqlite"

	"qmanager/internal/infra/storage"
)

// Store — хэндл хранилища. Безопасен для конкурентного использования.
type Store struct {
	db *sql.DB
}

// Open открывает (и при необходимости создаёт) базу по указанному пути,
// настраивает прагмы и инициализирует схему.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "store: prepare directory")
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open database")
	}
	// SQLite один писатель; небольшой пул достаточен и исключает SQLITE_BUSY штормы.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory открывает приватную базу в памяти. Используется тестами.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "store: open in-memory database")
	}
	// Одна соединённая база: больше одного соединения размножит :memory:.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close закрывает пул соединений.
func (s *Store) Close() error {
	return s.db.Close()
}
