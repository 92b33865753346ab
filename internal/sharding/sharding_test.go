package sharding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetShardID(t *testing.T) {
	tests := []struct {
		entityID string
		want     int
	}{
		{"user-1", 532},
		{"user-2", 942},
		{"todo-abc", 748},
	}

	for _, tt := range tests {
		t.Run(tt.entityID, func(t *testing.T) {
			assert.Equal(t, tt.want, GetShardID(tt.entityID))
		})
	}
}

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "app.event.532.todo.user-1", EventSubject("todo", "user-1"))
	assert.Equal(t, "app.event.>", EventWildcard())
}

func TestDistribution(t *testing.T) {
	distribution := make(map[int]int)
	for i := 0; i < 1000; i++ {
		distribution[GetShardID(fmt.Sprintf("key-%d", i))]++
	}
	assert.GreaterOrEqual(t, len(distribution), 100, "sharding distribution is too poor")
}
