package queue_test

import (
	"testing"

	"jobflow/internal/queue"
	"jobflow/internal/queue/repotest"
)

func TestMemoryRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) queue.Repository {
		return queue.NewMemoryRepository()
	})
}
