package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/quiz-arena/internal/queue"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
	"github.com/koopa0/quiz-arena/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type serviceFixture struct {
	svc     *queue.Service
	queue   *queue.Queue
	tickets *queue.MemoryTicketStore
	clock   *clock
}

func newService(t *testing.T) serviceFixture {
	t.Helper()
	clk := &clock{now: base}
	q := queue.New()
	tickets := queue.NewMemoryTicketStore()
	svc := queue.NewService(q, tickets, queue.NewMemoryCooldownStore(clk.Now), queue.ServiceConfig{
		LeaveCooldown:   10 * time.Second,
		AbandonCooldown: time.Minute,
	}, logger.Discard())
	svc.SetClock(clk.Now)
	return serviceFixture{svc: svc, queue: q, tickets: tickets, clock: clk}
}

func TestService_Join(t *testing.T) {
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		f := newService(t)
		tests := []struct {
			player, name string
		}{
			{player: "", name: "alice"},
			{player: "u1", name: "   "},
			{player: "u1", name: "a-very-long-display-name-that-exceeds-limit"},
		}
		for _, tt := range tests {
			_, err := f.svc.Join(ctx, tt.player, tt.name, "classic")
			assert.True(t, apperrors.IsValidation(err), "%q/%q", tt.player, tt.name)
		}
		assert.Equal(t, 0, f.svc.Size())
	})

	t.Run("success persists snapshot", func(t *testing.T) {
		f := newService(t)
		status, err := f.svc.Join(ctx, "u1", " alice ", "classic")
		require.NoError(t, err)
		assert.True(t, status.InQueue)
		assert.Equal(t, 1, status.Position)

		saved, err := f.tickets.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.Equal(t, "alice", saved[0].DisplayName)
		assert.NotZero(t, saved[0].Seq)
	})

	t.Run("duplicate", func(t *testing.T) {
		f := newService(t)
		_, err := f.svc.Join(ctx, "u1", "alice", "classic")
		require.NoError(t, err)

		_, err = f.svc.Join(ctx, "u1", "alice", "classic")
		assert.ErrorIs(t, err, apperrors.ErrAlreadyInQueue)
		assert.Equal(t, 1, f.svc.Size())
	})
}

func TestService_LeaveStartsCooldown(t *testing.T) {
	ctx := context.Background()
	f := newService(t)

	_, err := f.svc.Join(ctx, "u1", "alice", "classic")
	require.NoError(t, err)
	require.NoError(t, f.svc.Leave(ctx, "u1"))
	assert.Equal(t, 0, f.svc.Size())

	f.clock.Advance(3 * time.Second)
	_, err = f.svc.Join(ctx, "u1", "alice", "classic")
	require.Error(t, err)
	assert.Equal(t, "QUEUE_COOLDOWN:7", err.Error())

	f.clock.Advance(7 * time.Second)
	_, err = f.svc.Join(ctx, "u1", "alice", "classic")
	assert.NoError(t, err)
}

func TestService_LeaveNotInQueue(t *testing.T) {
	f := newService(t)
	err := f.svc.Leave(context.Background(), "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestService_RequeueGoesToBack(t *testing.T) {
	ctx := context.Background()
	f := newService(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.Join(ctx, id, id, "classic")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	a, b, ok := f.svc.TakePair(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", a.PlayerID)
	assert.Equal(t, "b", b.PlayerID)

	// a 健康、b 不健康：a 以新時間戳排到 c 後面
	require.True(t, f.svc.Requeue(ctx, a))
	pos, _ := f.queue.Position("a")
	assert.Equal(t, 2, pos)

	saved, err := f.tickets.LoadAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(saved))
}

func TestService_RestorePairKeepsFront(t *testing.T) {
	ctx := context.Background()
	f := newService(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.Join(ctx, id, id, "classic")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	a, b, ok := f.svc.TakePair(ctx)
	require.True(t, ok)

	assert.Equal(t, 2, f.svc.RestorePair(ctx, a, b))
	assert.Equal(t, []string{"a", "b", "c"}, ids(f.queue.All()))
	assert.Equal(t, 0, f.svc.RestorePair(ctx, a, b))
}

func TestService_LeaveWhileMatching(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (serviceFixture, queue.Ticket, queue.Ticket) {
		t.Helper()
		f := newService(t)
		for _, id := range []string{"a", "b", "c"} {
			_, err := f.svc.Join(ctx, id, id, "classic")
			require.NoError(t, err)
			f.clock.Advance(time.Second)
		}
		a, b, ok := f.svc.TakePair(ctx)
		require.True(t, ok)
		return f, a, b
	}

	t.Run("leave succeeds and starts cooldown", func(t *testing.T) {
		f, _, _ := setup(t)
		require.NoError(t, f.svc.Leave(ctx, "a"))

		_, err := f.svc.Join(ctx, "a", "a", "classic")
		assert.ErrorIs(t, err, apperrors.ErrQueueCooldown)
	})

	t.Run("requeue skips a player who left", func(t *testing.T) {
		f, a, _ := setup(t)
		require.NoError(t, f.svc.Leave(ctx, "a"))

		assert.False(t, f.svc.Requeue(ctx, a))
		assert.False(t, f.queue.Contains("a"))
		assert.True(t, apperrors.IsNotFound(f.svc.Leave(ctx, "a")), "no longer matching")
	})

	t.Run("restore keeps only the player who stayed", func(t *testing.T) {
		f, a, b := setup(t)
		require.NoError(t, f.svc.Leave(ctx, "b"))

		assert.Equal(t, 1, f.svc.RestorePair(ctx, a, b))
		assert.Equal(t, []string{"a", "c"}, ids(f.queue.All()))

		saved, err := f.tickets.LoadAll(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, ids(saved))
	})

	t.Run("release reports who left", func(t *testing.T) {
		f, _, _ := setup(t)
		require.NoError(t, f.svc.Leave(ctx, "b"))

		assert.Equal(t, []string{"b"}, f.svc.Release("a", "b"))
		assert.Empty(t, f.svc.Release("a", "b"))
		assert.True(t, apperrors.IsNotFound(f.svc.Leave(ctx, "a")), "matched players are not in the queue")
	})

	t.Run("joining again while matching", func(t *testing.T) {
		f, _, _ := setup(t)
		_, err := f.svc.Join(ctx, "a", "a", "classic")
		assert.ErrorIs(t, err, apperrors.ErrAlreadyInQueue)
	})
}

func TestService_Penalize(t *testing.T) {
	ctx := context.Background()
	f := newService(t)

	_, err := f.svc.Join(ctx, "u1", "alice", "classic")
	require.NoError(t, err)

	f.svc.Penalize(ctx, "u1")
	assert.False(t, f.queue.Contains("u1"))

	_, err = f.svc.Join(ctx, "u1", "alice", "classic")
	assert.ErrorIs(t, err, apperrors.ErrQueueCooldown)
	assert.Equal(t, "QUEUE_COOLDOWN:60", err.Error())
}

func TestService_Rehydrate(t *testing.T) {
	ctx := context.Background()
	f := newService(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.Join(ctx, id, id, "classic")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	// 模擬重啟：新的佇列，同一份快照
	fresh := queue.New()
	restarted := queue.NewService(fresh, f.tickets, queue.NewMemoryCooldownStore(nil), queue.ServiceConfig{}, logger.Discard())

	n, err := restarted.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, ids(fresh.All()))

	// 重複恢復是 no-op
	n, err = restarted.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
