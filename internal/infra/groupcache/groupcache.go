// Package groupcache — персистентный снимок списков групп на bbolt.
// Сервис сохраняет последний успешный ответ list_groups по каждому аккаунту,
// чтобы консоль могла показывать группы офлайн (без живого subprocess) и чтобы
// настройка слотов не требовала повторного запроса. Формат значения — JSON.
package groupcache

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"qmanager/internal/infra/storage"
)

const (
	groupsBucketName             = "groups_snapshot"
	dbOpenTimeout                = time.Second
	dbFileMode       os.FileMode = 0o600
)

var groupsBucketBytes = []byte(groupsBucketName)

// GroupRef — минимальная информация о группе для офлайн-листинга и настройки слотов.
type GroupRef struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	GroupType   string `json:"group_type"`
	MemberCount int    `json:"member_count,omitempty"`
}

// snapshot — сохранённый список групп с моментом обновления.
type snapshot struct {
	UpdatedAt string     `json:"updated_at"`
	Groups    []GroupRef `json:"groups"`
}

// Service инкапсулирует bbolt-хранилище снимков. Потокобезопасен.
type Service struct {
	mu sync.Mutex
	db *bbolt.DB
}

// Open открывает (создавая при необходимости) файл кэша.
func Open(path string) (*Service, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "groupcache: prepare directory")
	}
	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "groupcache: open database")
	}
	return &Service{db: db}, nil
}

// Close закрывает базу.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Put перезаписывает снимок групп аккаунта.
func (s *Service) Put(accountID int64, groups []GroupRef) error {
	data, err := json.Marshal(snapshot{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Groups:    groups,
	})
	if err != nil {
		return errors.Wrap(err, "groupcache: marshal snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("groupcache: closed")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(groupsBucketBytes)
		if err != nil {
			return err
		}
		return bucket.Put(key(accountID), data)
	})
}

// Get возвращает сохранённый снимок групп аккаунта и момент его обновления.
// Отсутствие снимка — не ошибка: возвращается nil-срез.
func (s *Service) Get(accountID int64) ([]GroupRef, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, "", errors.New("groupcache: closed")
	}

	var snap snapshot
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(groupsBucketBytes)
		if bucket == nil {
			return nil
		}
		raw := bucket.Get(key(accountID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &snap)
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "groupcache: read snapshot")
	}
	if !found {
		return nil, "", nil
	}
	return snap.Groups, snap.UpdatedAt, nil
}

// Delete убирает снимок аккаунта (например, после удаления аккаунта).
func (s *Service) Delete(accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("groupcache: closed")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(groupsBucketBytes)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(key(accountID))
	})
}

func key(accountID int64) []byte {
	return []byte(strconv.FormatInt(accountID, 10))
}
