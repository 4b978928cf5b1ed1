// Package settings is the operator-tunable key/value store backing gateway
// credentials, tax configuration, currency rates, and radar thresholds.
// Reads go through an in-process cache; an optional Redis layer keeps
// multiple API replicas coherent after a Set.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/models"
)

const redisKeyPrefix = "nebulapanel:setting:"

// Store reads and writes operator settings.
type Store struct {
	db    *gorm.DB
	redis *redis.Client

	mu    sync.RWMutex
	cache map[string]string
}

// NewStore builds a settings store. rdb may be nil; the store then works
// against the database and local cache only.
func NewStore(db *gorm.DB, rdb *redis.Client) *Store {
	return &Store{
		db:    db,
		redis: rdb,
		cache: make(map[string]string),
	}
}

// Get returns the value for key, or fallback when the key is unset.
func (s *Store) Get(key, fallback string) string {
	s.mu.RLock()
	if v, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	if v, ok := s.fetchRedis(key); ok {
		s.store(key, v)
		return v
	}

	var row models.Setting
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			logrus.WithError(err).WithField("key", key).Warn("settings: read failed")
		}
		return fallback
	}

	s.store(key, row.Value)
	s.storeRedis(key, row.Value)
	return row.Value
}

// GetBool parses the value as a boolean ("true", "1", "yes" are truthy).
func (s *Store) GetBool(key string, fallback bool) bool {
	v := s.Get(key, "")
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// GetFloat parses the value as a float64.
func (s *Store) GetFloat(key string, fallback float64) float64 {
	v := s.Get(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

// GetInt parses the value as an int.
func (s *Store) GetInt(key string, fallback int) int {
	v := s.Get(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// GetDuration parses the value as a time.Duration ("15m", "1h").
func (s *Store) GetDuration(key string, fallback time.Duration) time.Duration {
	v := s.Get(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}

// GetList splits a comma-separated value into trimmed entries.
func (s *Store) GetList(key string) []string {
	v := s.Get(key, "")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Set upserts a setting and invalidates caches.
func (s *Store) Set(key, value string) error {
	var row models.Setting
	err := s.db.Where(models.Setting{Key: key}).
		Assign(map[string]interface{}{"value": value}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}

	s.store(key, value)
	s.invalidateRedis(key)
	return nil
}

// SetDefault writes a setting only when it does not exist yet. Used by
// bootstrap seeding so operator edits survive restarts.
func (s *Store) SetDefault(key, value string) error {
	var count int64
	if err := s.db.Model(&models.Setting{}).Where("key = ?", key).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.Set(key, value)
}

// All returns every persisted setting, for the admin surface.
func (s *Store) All() (map[string]string, error) {
	var rows []models.Setting
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (s *Store) store(key, value string) {
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
}

func (s *Store) fetchRedis(key string) (string, bool) {
	if s.redis == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := s.redis.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			logrus.WithError(err).Debug("settings: redis get failed")
		}
		return "", false
	}
	return v, true
}

func (s *Store) storeRedis(key, value string) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.redis.Set(ctx, redisKeyPrefix+key, value, time.Hour).Err(); err != nil {
		logrus.WithError(err).Debug("settings: redis set failed")
	}
}

func (s *Store) invalidateRedis(key string) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.redis.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		logrus.WithError(err).Debug("settings: redis del failed")
	}
}
