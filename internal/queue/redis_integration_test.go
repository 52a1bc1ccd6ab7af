package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/quiz-arena/internal/queue"
	"github.com/koopa0/quiz-arena/internal/testutils"
	"github.com/koopa0/quiz-arena/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStores_RehydrateAfterRestart(t *testing.T) {
	testutils.SkipIfShort(t)

	ctx := context.Background()
	rdb := testutils.StartRedis(t)

	tickets := queue.NewRedisTicketStore(rdb.Client)
	cooldowns := queue.NewRedisCooldownStore(rdb.Client)
	cfg := queue.ServiceConfig{LeaveCooldown: 2 * time.Second}

	first := queue.NewService(queue.New(), tickets, cooldowns, cfg, logger.Discard())
	for _, id := range []string{"a", "b", "c"} {
		_, err := first.Join(ctx, id, id, "classic")
		require.NoError(t, err)
	}
	require.NoError(t, first.Leave(ctx, "b"))

	fresh := queue.New()
	second := queue.NewService(fresh, tickets, cooldowns, cfg, logger.Discard())
	n, err := second.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "c"}, ids(fresh.All()))

	_, err = second.Join(ctx, "b", "b", "classic")
	assert.ErrorContains(t, err, "QUEUE_COOLDOWN:")
}
