package match

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval 配對迴圈預設間隔
const DefaultInterval = time.Second

// Matchmaker 定期從佇列取出玩家建立對局
type Matchmaker struct {
	creator  *Creator
	queue    Queue
	interval time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMatchmaker 創建配對迴圈，interval <= 0 使用 DefaultInterval
func NewMatchmaker(creator *Creator, q Queue, interval time.Duration, logger *slog.Logger) *Matchmaker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Matchmaker{
		creator:  creator,
		queue:    q,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動背景迴圈
func (m *Matchmaker) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop 停止迴圈並等待進行中的一輪結束
func (m *Matchmaker) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Matchmaker) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-m.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			m.RunOnce(ctx)
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// RunOnce 取出所有可配對的玩家，返回成功建立的對局數
//
// 建立失敗時兩人已放回佇列，這一輪就此停止，下一輪再試。
func (m *Matchmaker) RunOnce(ctx context.Context) int {
	created := 0
	for ctx.Err() == nil {
		a, b, ok := m.queue.TakePair(ctx)
		if !ok {
			break
		}
		res, err := m.creator.Create(ctx, a, b)
		if err != nil {
			break
		}
		if res.Outcome == OutcomeCreated {
			created++
		}
	}
	if created > 0 {
		m.logger.Debug("配對輪次完成", "created", created)
	}
	return created
}
