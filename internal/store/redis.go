package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"imu-svr/internal/pipeline"
)

const keyPrefix = "imu:session:"

// CurrentSessionKey guarda el índice de la sesión activa.
const CurrentSessionKey = keyPrefix + "current"

// RedisStore publica el estado en vivo de cada dispositivo como un hash
// con TTL, para dashboards que no leen los CSV.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func InitRedis(ctx context.Context, addr string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(rdb, ttl), nil
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func DeviceKey(session int, device string) string {
	return keyPrefix + strconv.Itoa(session) + ":device:" + device
}

// DeviceFields arma el hash de un dispositivo.
func DeviceFields(d pipeline.DeviceStatus, at time.Time) map[string]any {
	f := map[string]any{
		"id":         int(d.ID),
		"packets":    d.Packets,
		"lost":       d.Lost,
		"rows":       d.Rows,
		"resets":     d.Resets,
		"duplicates": d.Duplicates,
		"file":       d.File,
		"updated_ms": at.UnixMilli(),
	}
	if d.HasLast {
		f["last_seq"] = d.LastSeq
	}
	return f
}

// PublishStatus escribe todos los dispositivos en un solo pipeline.
func (s *RedisStore) PublishStatus(ctx context.Context, session int, devices []pipeline.DeviceStatus) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	now := time.Now()
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, CurrentSessionKey, session, s.ttl)
		for _, d := range devices {
			key := DeviceKey(session, d.Name)
			p.HSet(ctx, key, DeviceFields(d, now))
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish session %d: %w", session, err)
	}
	return nil
}

// GetStatus lee el hash de un dispositivo; ok es false si no existe.
func (s *RedisStore) GetStatus(ctx context.Context, session int, device string) (map[string]string, bool) {
	if s == nil || s.rdb == nil {
		return nil, false
	}
	vals, err := s.rdb.HGetAll(ctx, DeviceKey(session, device)).Result()
	if err != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
