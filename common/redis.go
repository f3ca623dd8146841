package common

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/go-redis/redis/v8"

	"github.com/relaymesh/gateway/common/config"
	"github.com/relaymesh/gateway/common/logger"
)

// RDB is the optional distributed cache used to share AccessToken
// snapshots across gateway instances. Accounts, providers and health
// cooldown state are not shared through it. The dispatcher's core state
// machine does not require it: every cache read has a database fallback
// (see model/cache.go).
var RDB redis.Cmdable

var redisEnabled atomic.Bool

func IsRedisEnabled() bool { return redisEnabled.Load() }

// InitRedisClient connects to Redis if config.RedisConnString is set.
// Call after config and logger are initialized.
func InitRedisClient() error {
	if config.RedisConnString == "" {
		logger.Logger.Info("REDIS_CONN_STRING not set, running without distributed cache")
		return nil
	}

	opt, err := redis.ParseURL(config.RedisConnString)
	if err != nil {
		return errors.Wrap(err, "parse redis connection string")
	}
	RDB = redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := RDB.Ping(ctx).Result(); err != nil {
		return errors.Wrap(err, "ping redis")
	}

	redisEnabled.Store(true)
	logger.Logger.Info("distributed cache enabled")
	return nil
}

func RedisSet(ctx context.Context, key, value string, expiration time.Duration) error {
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	if err := RDB.Set(ctx, key, value, expiration).Err(); err != nil {
		return errors.Wrapf(err, "set redis key %s", key)
	}
	return nil
}

func RedisGet(ctx context.Context, key string) (string, error) {
	if RDB == nil {
		return "", errors.New("redis not initialized")
	}
	val, err := RDB.Get(ctx, key).Result()
	if err != nil {
		return "", errors.Wrapf(err, "get redis key %s", key)
	}
	return val, nil
}

func RedisDel(ctx context.Context, key string) error {
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	if err := RDB.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "delete redis key %s", key)
	}
	return nil
}

func RedisIncrBy(ctx context.Context, key string, value int64) error {
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	if err := RDB.IncrBy(ctx, key, value).Err(); err != nil {
		return errors.Wrapf(err, "increment redis key %s by %d", key, value)
	}
	return nil
}
