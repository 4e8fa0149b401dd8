package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"feedsync/internal/observability"

	"github.com/redis/go-redis/v9"
)

// errorHook counts failed commands. A missing key is not a failure.
type errorHook struct{}

func (errorHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (errorHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.DevServerRedisErrors.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (errorHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.DevServerRedisErrors.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// OpenRedis connects to a redis:// URL or a bare host:port and pings it.
// An empty addr returns a nil client, which keeps fan-out in process.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = parsed
	}

	rdb := redis.NewClient(opts)
	rdb.AddHook(errorHook{})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	observability.GlobalLogger.InfoContext(ctx, "devserver redis connected", "addr", opts.Addr)
	return rdb, nil
}
