package match_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/quiz-arena/internal/events"
	"github.com/koopa0/quiz-arena/internal/health"
	"github.com/koopa0/quiz-arena/internal/match"
	"github.com/koopa0/quiz-arena/internal/metrics"
	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/queue"
	"github.com/koopa0/quiz-arena/internal/session"
	"github.com/koopa0/quiz-arena/internal/store"
	"github.com/koopa0/quiz-arena/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHealth 預設所有人健康；during 在檢查期間執行，模擬玩家此時的操作
type fakeHealth struct {
	mu        sync.Mutex
	unhealthy map[string]health.FailureReason
	checks    int
	during    func()
}

func (h *fakeHealth) VerifyBothHealthy(ctx context.Context, a, b string, _ time.Duration) (bool, health.Result, health.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks++
	if h.during != nil {
		h.during()
	}

	result := func(id string) health.Result {
		if reason, bad := h.unhealthy[id]; bad {
			return health.Result{UserID: id, FailureReason: reason, CheckedAt: time.Now()}
		}
		if ctx.Err() != nil {
			return health.Result{UserID: id, FailureReason: health.ReasonPingTimeout}
		}
		return health.Result{UserID: id, Healthy: true, Latency: 5 * time.Millisecond, CheckedAt: time.Now()}
	}
	ra, rb := result(a), result(b)
	return ra.Healthy && rb.Healthy, ra, rb
}

type fakeSessions struct {
	mu        sync.Mutex
	createErr error
	created   []store.Session
	cancelled []string
}

func (s *fakeSessions) CreateMatch(_ context.Context, a, b session.Player, mode string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return store.Session{}, s.createErr
	}
	sess := store.Session{
		Code:       "ABCDEF",
		HostID:     a.ID,
		OpponentID: b.ID,
		GameMode:   mode,
		Matchmade:  true,
		MatchID:    "match-1",
		Status:     store.StatusWaiting,
	}
	s.created = append(s.created, sess)
	return sess, nil
}

func (s *fakeSessions) Cancel(_ context.Context, code, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, code)
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	offline map[string]bool
	sent    map[string][]protocol.Message
}

func (n *fakeNotifier) SendToUser(userID string, msg []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline[userID] {
		return errors.New("not connected")
	}
	m, err := protocol.Decode(msg)
	if err != nil {
		return err
	}
	if n.sent == nil {
		n.sent = make(map[string][]protocol.Message)
	}
	n.sent[userID] = append(n.sent[userID], m)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type fixture struct {
	creator   *match.Creator
	queue     *queue.Service
	health    *fakeHealth
	sessions  *fakeSessions
	notifier  *fakeNotifier
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := queue.NewService(queue.New(), queue.NewMemoryTicketStore(), queue.NewMemoryCooldownStore(time.Now),
		queue.ServiceConfig{}, logger.Discard())

	f := &fixture{
		queue:     svc,
		health:    &fakeHealth{unhealthy: make(map[string]health.FailureReason)},
		sessions:  &fakeSessions{},
		notifier:  &fakeNotifier{offline: make(map[string]bool)},
		publisher: &recordingPublisher{},
		metrics:   metrics.New(),
	}
	f.creator = match.NewCreator(match.Config{
		Health:        f.health,
		Queue:         svc,
		Sessions:      f.sessions,
		Notifier:      f.notifier,
		Publisher:     f.publisher,
		Metrics:       f.metrics,
		HealthTimeout: time.Second,
	}, logger.Discard())
	return f
}

// take 依序讓玩家排隊後取出最前面的一組
func (f *fixture) take(t *testing.T, players ...string) (queue.Ticket, queue.Ticket) {
	t.Helper()
	ctx := context.Background()
	for _, p := range players {
		_, err := f.queue.Join(ctx, p, "name-"+p, "classic")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	a, b, ok := f.queue.TakePair(ctx)
	require.True(t, ok)
	return a, b
}

func TestCreate_Success(t *testing.T) {
	f := newFixture(t)
	a, b := f.take(t, "alice", "bob")

	res, err := f.creator.Create(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, match.OutcomeCreated, res.Outcome)
	assert.Equal(t, "ABCDEF", res.SessionCode)
	assert.Equal(t, "match-1", res.MatchID)

	require.Len(t, f.sessions.created, 1)
	assert.Equal(t, "alice", f.sessions.created[0].HostID)
	assert.Equal(t, "classic", f.sessions.created[0].GameMode)

	found := f.notifier.sent["alice"]
	require.Len(t, found, 1)
	mf, ok := found[0].(protocol.MatchFound)
	require.True(t, ok)
	assert.Equal(t, "bob", mf.OpponentID)
	assert.Equal(t, "name-bob", mf.OpponentName)
	assert.Equal(t, "alice", f.notifier.sent["bob"][0].(protocol.MatchFound).OpponentID)

	require.Len(t, f.publisher.events, 1)
	created, ok := f.publisher.events[0].(events.MatchCreated)
	require.True(t, ok)
	assert.True(t, created.Matchmade)
	assert.Equal(t, "match-1", created.MatchID)

	assert.Equal(t, 0, f.queue.Size())

	expected := `
# HELP arena_match_outcomes_total Match creation attempts by outcome (created, unhealthy, withdrawn, failed).
# TYPE arena_match_outcomes_total counter
arena_match_outcomes_total{outcome="created"} 1
`
	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "arena_match_outcomes_total"))
}

func TestCreate_Unhealthy(t *testing.T) {
	ctx := context.Background()

	t.Run("one side", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.take(t, "alice", "bob")
		_, err := f.queue.Join(ctx, "carol", "Carol", "classic")
		require.NoError(t, err)
		f.health.unhealthy["bob"] = health.ReasonPingTimeout

		res, err := f.creator.Create(ctx, a, b)
		require.NoError(t, err)
		assert.Equal(t, match.OutcomeUnhealthy, res.Outcome)
		assert.Equal(t, []string{"alice"}, res.Requeued)
		require.Len(t, res.Dropped, 1)
		assert.Equal(t, health.ReasonPingTimeout, res.Dropped[0].FailureReason)

		assert.Empty(t, f.sessions.created, "no session for an unhealthy pair")
		assert.True(t, f.queue.Status("alice").InQueue)
		assert.False(t, f.queue.Status("bob").InQueue)
		assert.Equal(t, 2, f.queue.Status("alice").Position, "fresh ticket goes to the back")
		assert.Empty(t, f.publisher.events)
	})

	t.Run("both sides", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.take(t, "alice", "bob")
		f.health.unhealthy["alice"] = health.ReasonNotConnected
		f.health.unhealthy["bob"] = health.ReasonSendFailed

		res, err := f.creator.Create(ctx, a, b)
		require.NoError(t, err)
		assert.Equal(t, match.OutcomeUnhealthy, res.Outcome)
		assert.Empty(t, res.Requeued)
		assert.Len(t, res.Dropped, 2)
		assert.Equal(t, 0, f.queue.Size())
	})
}

func TestCreate_Compensation(t *testing.T) {
	ctx := context.Background()

	t.Run("session creation fails", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.take(t, "alice", "bob", "carol")
		f.sessions.createErr = errors.New("db down")

		res, err := f.creator.Create(ctx, a, b)
		require.Error(t, err)
		assert.Equal(t, match.OutcomeFailed, res.Outcome)

		// 原本的票放回去，仍排在 carol 前面
		assert.Equal(t, 1, f.queue.Status("alice").Position)
		assert.Equal(t, 2, f.queue.Status("bob").Position)
		assert.Equal(t, 3, f.queue.Status("carol").Position)
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("notification fails", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.take(t, "alice", "bob")
		f.notifier.offline["bob"] = true

		res, err := f.creator.Create(ctx, a, b)
		require.Error(t, err)
		assert.Equal(t, match.OutcomeFailed, res.Outcome)
		assert.Equal(t, []string{"ABCDEF"}, f.sessions.cancelled)
		assert.Equal(t, 2, f.queue.Size())
		assert.Equal(t, 1, f.queue.Status("alice").Position)
		assert.Empty(t, f.publisher.events)

		// alice 已收到 match_found，必須再收到撤回通知
		sent := f.notifier.sent["alice"]
		require.Len(t, sent, 2)
		assert.IsType(t, protocol.MatchFound{}, sent[0])
		abandoned, ok := sent[1].(protocol.GameAbandoned)
		require.True(t, ok)
		assert.Equal(t, "ABCDEF", abandoned.SessionCode)
		assert.Equal(t, session.ReasonCancelled, abandoned.Reason)
	})

	t.Run("publish failure does not fail the match", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.take(t, "alice", "bob")
		f.publisher.err = errors.New("nats down")

		res, err := f.creator.Create(ctx, a, b)
		require.NoError(t, err)
		assert.Equal(t, match.OutcomeCreated, res.Outcome)
		assert.Empty(t, f.sessions.cancelled)
	})

	t.Run("cancelled health check keeps players queued", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.take(t, "alice", "bob")
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		res, err := f.creator.Create(cctx, a, b)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, match.OutcomeFailed, res.Outcome)
		assert.Equal(t, 2, f.queue.Size())
	})
}

func TestCreate_LeaveDuringHealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("opponent unhealthy", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.take(t, "alice", "bob")
		f.health.unhealthy["bob"] = health.ReasonPingTimeout
		var leaveErr error
		f.health.during = func() { leaveErr = f.queue.Leave(ctx, "alice") }

		res, err := f.creator.Create(ctx, a, b)
		require.NoError(t, err)
		require.NoError(t, leaveErr, "leaving while matching succeeds")
		assert.Equal(t, match.OutcomeUnhealthy, res.Outcome)
		assert.Empty(t, res.Requeued)
		assert.False(t, f.queue.Status("alice").InQueue, "a player who left is not requeued")
		assert.Equal(t, 0, f.queue.Size())
	})

	t.Run("both healthy", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.take(t, "alice", "bob", "carol")
		var leaveErr error
		f.health.during = func() { leaveErr = f.queue.Leave(ctx, "alice") }

		res, err := f.creator.Create(ctx, a, b)
		require.NoError(t, err)
		require.NoError(t, leaveErr)
		assert.Equal(t, match.OutcomeWithdrawn, res.Outcome)
		assert.Equal(t, []string{"alice"}, res.Withdrawn)
		assert.Equal(t, []string{"bob"}, res.Requeued)

		assert.Equal(t, []string{"ABCDEF"}, f.sessions.cancelled)
		assert.Empty(t, f.notifier.sent, "no match_found for a cancelled session")
		assert.Empty(t, f.publisher.events)

		// bob 保留原位置，仍排在 carol 前面
		assert.False(t, f.queue.Status("alice").InQueue)
		assert.Equal(t, 1, f.queue.Status("bob").Position)
		assert.Equal(t, 2, f.queue.Status("carol").Position)

		expected := `
# HELP arena_match_outcomes_total Match creation attempts by outcome (created, unhealthy, withdrawn, failed).
# TYPE arena_match_outcomes_total counter
arena_match_outcomes_total{outcome="withdrawn"} 1
`
		require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "arena_match_outcomes_total"))
	})
}

func TestMatchmaker_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("drains all pairs", func(t *testing.T) {
		f := newFixture(t)
		for _, p := range []string{"p1", "p2", "p3", "p4", "p5"} {
			_, err := f.queue.Join(ctx, p, p, "classic")
			require.NoError(t, err)
		}
		mm := match.NewMatchmaker(f.creator, f.queue, time.Hour, logger.Discard())

		assert.Equal(t, 2, mm.RunOnce(ctx))
		assert.Equal(t, 1, f.queue.Size(), "odd player waits")
		assert.Equal(t, 2, f.health.checks)
	})

	t.Run("stops after a failure", func(t *testing.T) {
		f := newFixture(t)
		for _, p := range []string{"p1", "p2", "p3", "p4"} {
			_, err := f.queue.Join(ctx, p, p, "classic")
			require.NoError(t, err)
		}
		f.sessions.createErr = errors.New("db down")
		mm := match.NewMatchmaker(f.creator, f.queue, time.Hour, logger.Discard())

		assert.Equal(t, 0, mm.RunOnce(ctx))
		assert.Equal(t, 4, f.queue.Size())
		assert.Equal(t, 1, f.health.checks)
	})

	t.Run("background loop", func(t *testing.T) {
		f := newFixture(t)
		mm := match.NewMatchmaker(f.creator, f.queue, 10*time.Millisecond, logger.Discard())
		mm.Start()
		defer mm.Stop()

		for _, p := range []string{"p1", "p2"} {
			_, err := f.queue.Join(ctx, p, p, "classic")
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool {
			f.sessions.mu.Lock()
			defer f.sessions.mu.Unlock()
			return len(f.sessions.created) == 1
		}, time.Second, 5*time.Millisecond)
	})
}
