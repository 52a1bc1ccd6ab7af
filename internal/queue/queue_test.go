package queue_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/quiz-arena/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func ticket(id string, offset time.Duration) queue.Ticket {
	return queue.Ticket{
		PlayerID:    id,
		DisplayName: "player " + id,
		GameMode:    "classic",
		JoinedAt:    base.Add(offset),
	}
}

func TestQueue_AddRejectsDuplicates(t *testing.T) {
	q := queue.New()

	assert.True(t, q.Add(ticket("a", 0)))
	assert.False(t, q.Add(ticket("a", time.Second)))
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Contains("a"))
}

func TestQueue_FindMatchIsFIFO(t *testing.T) {
	q := queue.New()
	// 加入順序與時間戳順序不同
	require.True(t, q.Add(ticket("c", 3*time.Second)))
	require.True(t, q.Add(ticket("a", 1*time.Second)))
	require.True(t, q.Add(ticket("d", 4*time.Second)))
	require.True(t, q.Add(ticket("b", 2*time.Second)))

	a, b, ok := q.FindMatch()
	require.True(t, ok)
	assert.Equal(t, "a", a.PlayerID)
	assert.Equal(t, "b", b.PlayerID)
	assert.False(t, q.Contains("a"))
	assert.False(t, q.Contains("b"))

	c, d, ok := q.FindMatch()
	require.True(t, ok)
	assert.Equal(t, "c", c.PlayerID)
	assert.Equal(t, "d", d.PlayerID)

	_, _, ok = q.FindMatch()
	assert.False(t, ok)
}

func TestQueue_FindMatchNeedsTwo(t *testing.T) {
	q := queue.New()
	require.True(t, q.Add(ticket("solo", 0)))

	_, _, ok := q.FindMatch()
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_SameTimestampKeepsInsertionOrder(t *testing.T) {
	q := queue.New()
	for _, id := range []string{"z", "y", "x"} {
		require.True(t, q.Add(ticket(id, 0)))
	}

	all := q.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"z", "y", "x"}, []string{all[0].PlayerID, all[1].PlayerID, all[2].PlayerID})
}

func TestQueue_Position(t *testing.T) {
	q := queue.New()
	for i, id := range []string{"a", "b", "c"} {
		require.True(t, q.Add(ticket(id, time.Duration(i)*time.Second)))
	}

	tests := []struct {
		id     string
		want   int
		wantOK bool
	}{
		{id: "a", want: 1, wantOK: true},
		{id: "b", want: 2, wantOK: true},
		{id: "c", want: 3, wantOK: true},
		{id: "nobody", want: 0, wantOK: false},
	}
	for _, tt := range tests {
		pos, ok := q.Position(tt.id)
		assert.Equal(t, tt.wantOK, ok, tt.id)
		assert.Equal(t, tt.want, pos, tt.id)
	}

	_, ok := q.Remove("a")
	require.True(t, ok)
	pos, _ := q.Position("c")
	assert.Equal(t, 2, pos)
}

func TestQueue_Status(t *testing.T) {
	q := queue.New()
	require.True(t, q.Add(ticket("a", 0)))
	require.True(t, q.Add(ticket("b", time.Second)))

	s := q.Status("b", base.Add(11*time.Second))
	assert.True(t, s.InQueue)
	assert.Equal(t, 2, s.Position)
	assert.Equal(t, 10, s.WaitSeconds)
	assert.Equal(t, 2, s.QueueSize)

	s = q.Status("ghost", base)
	assert.False(t, s.InQueue)
	assert.Equal(t, 2, s.QueueSize)
	assert.Nil(t, s.JoinedAt)
}

func TestQueue_RestoreKeepsOriginalPosition(t *testing.T) {
	q := queue.New()
	for i, id := range []string{"a", "b", "c"} {
		require.True(t, q.Add(ticket(id, time.Duration(i)*time.Second)))
	}

	a, b, ok := q.FindMatch()
	require.True(t, ok)
	require.True(t, q.Add(ticket("d", 10*time.Second)))

	// 補償：放回原本的票
	assert.Equal(t, 2, q.Restore([]queue.Ticket{a, b}))
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(q.All()))

	// 重複放回不會產生重複票
	assert.Equal(t, 0, q.Restore([]queue.Ticket{a, b}))
	assert.Equal(t, 4, q.Len())
}

func TestQueue_RestoreAdvancesSequence(t *testing.T) {
	q := queue.New()
	restored := ticket("old", 0)
	restored.Seq = 41
	require.Equal(t, 1, q.Restore([]queue.Ticket{restored}))

	require.True(t, q.Add(ticket("new", 0)))
	all := q.All()
	require.Len(t, all, 2)
	assert.Equal(t, "old", all[0].PlayerID)
	assert.Equal(t, uint64(42), all[1].Seq)
}

func TestQueue_Clear(t *testing.T) {
	q := queue.New()
	require.True(t, q.Add(ticket("a", 0)))
	q.Clear()

	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Contains("a"))
	assert.True(t, q.Add(ticket("a", 0)))
}

func TestQueue_ConcurrentAddAndMatch(t *testing.T) {
	q := queue.New()
	const players = 200

	var wg sync.WaitGroup
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 每位玩家嘗試加入兩次
			q.Add(queue.Ticket{PlayerID: fmt.Sprintf("p%d", i)})
			q.Add(queue.Ticket{PlayerID: fmt.Sprintf("p%d", i)})
		}(i)
	}
	wg.Wait()
	require.Equal(t, players, q.Len())

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				a, b, ok := q.FindMatch()
				if !ok {
					return
				}
				mu.Lock()
				seen[a.PlayerID]++
				seen[b.PlayerID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, players)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func ids(tickets []queue.Ticket) []string {
	out := make([]string, len(tickets))
	for i, t := range tickets {
		out[i] = t.PlayerID
	}
	return out
}
