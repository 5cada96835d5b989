package queue_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"jobflow/internal/queue"
	"jobflow/internal/queue/repotest"
)

func TestRedisRepository(t *testing.T) {
	addr := os.Getenv("JOBFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JOBFLOW_TEST_REDIS_ADDR not set")
	}
	repotest.Run(t, func(t *testing.T) queue.Repository {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		ctx := context.Background()
		if err := rdb.Ping(ctx).Err(); err != nil {
			t.Fatalf("redis ping: %v", err)
		}
		prefix := fmt.Sprintf("jobflow_test:%d", time.Now().UnixNano())
		t.Cleanup(func() {
			keys, _ := rdb.Keys(context.Background(), prefix+":*").Result()
			if len(keys) > 0 {
				rdb.Del(context.Background(), keys...)
			}
			_ = rdb.Close()
		})
		return queue.NewRedisRepository(rdb, prefix)
	})
}
