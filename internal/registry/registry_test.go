package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/registry"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
	"github.com/koopa0/quiz-arena/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var connSeq atomic.Int64

// fakeConn 記錄收到的訊息；autoPong 時對 ping 自動回覆
type fakeConn struct {
	id       string
	reg      *registry.Registry
	autoPong bool
	failSend bool

	mu        sync.Mutex
	messages  [][]byte
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: fmt.Sprintf("conn-%d", connSeq.Add(1))}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg []byte) error {
	if c.failSend {
		return errors.New("buffer full")
	}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	if c.autoPong {
		if m, err := protocol.Decode(msg); err == nil {
			if ping, ok := m.(protocol.Ping); ok {
				go c.reg.ResolvePong(ping.Nonce)
			}
		}
	}
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func newRegistry(maxTotal, maxPerSession int) *registry.Registry {
	return registry.New(registry.Config{
		MaxConnections:         maxTotal,
		MaxConnectionsPerLobby: maxPerSession,
	}, logger.Discard())
}

// distinctSessions n 個玩家各自在不同房間
func distinctSessions(n int) [][2]string {
	out := make([][2]string, n)
	for i := range out {
		out[i] = [2]string{fmt.Sprintf("S%d", i), fmt.Sprintf("u%d", i)}
	}
	return out
}

func TestConnect_CapacityLimits(t *testing.T) {
	tests := []struct {
		name      string
		maxTotal  int
		maxPer    int
		connects  [][2]string // session, user
		wantScope string
	}{
		{
			name:      "global limit",
			maxTotal:  2,
			maxPer:    10,
			connects:  [][2]string{{"A", "u1"}, {"B", "u2"}, {"C", "u3"}},
			wantScope: "global",
		},
		{
			name:      "ten connections then the eleventh is rejected",
			maxTotal:  10,
			maxPer:    10,
			connects:  distinctSessions(11),
			wantScope: "global",
		},
		{
			name:      "per session limit",
			maxTotal:  10,
			maxPer:    2,
			connects:  [][2]string{{"A", "u1"}, {"A", "u2"}, {"A", "u3"}},
			wantScope: "session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry(tt.maxTotal, tt.maxPer)

			var lastErr error
			for _, c := range tt.connects {
				_, lastErr = reg.Connect(newFakeConn(), c[0], c[1])
			}

			require.Error(t, lastErr)
			assert.True(t, apperrors.IsCapacity(lastErr))
			var capErr *apperrors.CapacityError
			require.ErrorAs(t, lastErr, &capErr)
			assert.Equal(t, tt.wantScope, capErr.Scope)

			stats := reg.Stats()
			assert.Equal(t, len(tt.connects)-1, stats.TotalConnections)
			assert.Equal(t, int64(1), stats.Rejected)
		})
	}
}

func TestConnect_ConcurrentNeverExceedsLimit(t *testing.T) {
	const limit = 25
	reg := newRegistry(limit, 1000)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := reg.Connect(newFakeConn(), "LOBBY1", fmt.Sprintf("u%d", i)); err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(limit), accepted.Load())
	assert.Equal(t, limit, reg.Stats().TotalConnections)
}

func TestConnect_ReplacesSameUserSameSession(t *testing.T) {
	reg := newRegistry(10, 2)

	first := newFakeConn()
	_, err := reg.Connect(first, "A", "u1")
	require.NoError(t, err)
	_, err = reg.Connect(newFakeConn(), "A", "u2")
	require.NoError(t, err)

	// 房間已滿，但同玩家重連是替換
	second := newFakeConn()
	_, err = reg.Connect(second, "A", "u1")
	require.NoError(t, err)

	assert.True(t, first.closed)
	assert.Equal(t, registry.CloseReplaced, first.closeCode)
	assert.Equal(t, 2, reg.Stats().TotalConnections)

	// 舊連線的註銷不影響新連線
	_, removed := reg.Disconnect(first)
	assert.False(t, removed)
	assert.True(t, reg.IsUserInSession("A", "u1"))

	_, removed = reg.Disconnect(second)
	assert.True(t, removed)
	assert.False(t, reg.IsUserInSession("A", "u1"))
}

func TestBroadcastToSession(t *testing.T) {
	reg := newRegistry(10, 10)

	a, b, broken := newFakeConn(), newFakeConn(), newFakeConn()
	broken.failSend = true
	other := newFakeConn()

	for conn, user := range map[*fakeConn]string{a: "a", b: "b", broken: "c"} {
		_, err := reg.Connect(conn, "ROOM01", user)
		require.NoError(t, err)
	}
	_, err := reg.Connect(other, "ROOM02", "d")
	require.NoError(t, err)

	delivered := reg.BroadcastToSession("ROOM01", []byte(`{"type":"x"}`))
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 0, other.count())

	delivered = reg.BroadcastToSession("ROOM01", []byte(`{"type":"y"}`), "a")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 2, b.count())
}

func TestSendToUser(t *testing.T) {
	reg := newRegistry(10, 10)

	err := reg.SendToUser("ghost", []byte("x"))
	assert.ErrorIs(t, err, registry.ErrNotConnected)

	broken := newFakeConn()
	broken.failSend = true
	_, err = reg.Connect(broken, "mm:u1", "u1")
	require.NoError(t, err)
	err = reg.SendToUser("u1", []byte("x"))
	assert.ErrorIs(t, err, registry.ErrSendFailed)

	ok := newFakeConn()
	_, err = reg.Connect(ok, "ROOM01", "u1")
	require.NoError(t, err)
	assert.NoError(t, reg.SendToUser("u1", []byte("x")))
	assert.Equal(t, 1, ok.count())
}

func TestPingUser(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		reg := newRegistry(10, 10)
		_, err := reg.PingUser(context.Background(), "nobody", 50*time.Millisecond)
		assert.ErrorIs(t, err, registry.ErrNotConnected)
	})

	t.Run("pong received", func(t *testing.T) {
		reg := newRegistry(10, 10)
		conn := newFakeConn()
		conn.reg = reg
		conn.autoPong = true
		_, err := reg.Connect(conn, "mm:u1", "u1")
		require.NoError(t, err)

		latency, err := reg.PingUser(context.Background(), "u1", time.Second)
		require.NoError(t, err)
		assert.Less(t, latency, time.Second)
		assert.Equal(t, 0, reg.Stats().PendingPings)
	})

	t.Run("timeout", func(t *testing.T) {
		reg := newRegistry(10, 10)
		_, err := reg.Connect(newFakeConn(), "mm:u1", "u1")
		require.NoError(t, err)

		start := time.Now()
		_, err = reg.PingUser(context.Background(), "u1", 30*time.Millisecond)
		assert.ErrorIs(t, err, registry.ErrPingTimeout)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 0, reg.Stats().PendingPings)
	})

	t.Run("send failure", func(t *testing.T) {
		reg := newRegistry(10, 10)
		conn := newFakeConn()
		conn.failSend = true
		_, err := reg.Connect(conn, "mm:u1", "u1")
		require.NoError(t, err)

		_, err = reg.PingUser(context.Background(), "u1", time.Second)
		assert.ErrorIs(t, err, registry.ErrSendFailed)
	})

	t.Run("context cancelled", func(t *testing.T) {
		reg := newRegistry(10, 10)
		_, err := reg.Connect(newFakeConn(), "mm:u1", "u1")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = reg.PingUser(ctx, "u1", time.Minute)
		assert.ErrorIs(t, err, registry.ErrPingTimeout)
	})
}

func TestResolvePong_UnknownNonce(t *testing.T) {
	reg := newRegistry(10, 10)
	assert.False(t, reg.ResolvePong("nope"))
}

func TestCloseAll(t *testing.T) {
	reg := newRegistry(10, 10)
	a, b := newFakeConn(), newFakeConn()
	_, _ = reg.Connect(a, "A", "a")
	_, _ = reg.Connect(b, "B", "b")

	reg.CloseAll(1001, "shutdown")

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 0, reg.Stats().TotalConnections)
	assert.False(t, reg.IsUserConnected("a"))
}
