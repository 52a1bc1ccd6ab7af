package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/koopa0/quiz-arena/internal/cache"
	"github.com/koopa0/quiz-arena/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.MatchOutcome("created")
	m.MatchOutcome("created")
	m.MatchOutcome("failed")
	m.QueueOp("join", nil)
	m.QueueOp("join", errors.New("boom"))
	m.WSMessage("answer", "accepted")
	m.GameEnded("completed")
	m.HealthCheck(true, 20*time.Millisecond)
	m.MatchCreateDuration(30 * time.Millisecond)

	expected := `
# HELP arena_match_outcomes_total Match creation attempts by outcome (created, unhealthy, withdrawn, failed).
# TYPE arena_match_outcomes_total counter
arena_match_outcomes_total{outcome="created"} 2
arena_match_outcomes_total{outcome="failed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "arena_match_outcomes_total"))

	n, err := testutil.GatherAndCount(m.Registry(), "arena_queue_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "ok and error series")
}

func TestMetrics_ObserveSources(t *testing.T) {
	m := metrics.New()
	size := 3
	m.Observe(metrics.Sources{
		QueueSize:   func() int { return size },
		Connections: func() int { return 7 },
		CacheStats:  func() cache.Stats { return cache.Stats{Hits: 9, Misses: 1, Size: 4} },
	})

	size = 5
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "arena_queue_size 5")
	assert.Contains(t, text, "arena_connections 7")
	assert.Contains(t, text, "arena_session_cache_hits_total 9")
	assert.Contains(t, text, "arena_session_cache_entries 4")
	assert.NotContains(t, text, "arena_active_games", "nil source is not registered")
	assert.Contains(t, text, "go_goroutines")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.MatchOutcome("created")
		m.QueueOp("join", nil)
		m.WSMessage("answer", "accepted")
		m.GameEnded("abandoned")
		m.HealthCheck(false, time.Second)
		m.MatchCreateDuration(time.Second)
	})
}
