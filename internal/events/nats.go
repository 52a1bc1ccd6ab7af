package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config JetStream 連線與 stream 設定
type Config struct {
	URL      string
	Stream   string
	Subjects []string
	MaxAge   time.Duration
	// Memory 為 true 時使用記憶體儲存（測試用）
	Memory bool
}

// NATS JetStream 事件發布
//
// 系統設計考量：
//
//  1. 同步發布：
//     等待 PubAck，確認事件已寫入 stream 才返回。
//     呼叫端以帶逾時的 ctx 控制等待時間。
//
//  2. 去重：
//     每個事件帶 Nats-Msg-Id（對局 ID + 事件種類），
//     重試造成的重送在 Duplicates 視窗內只保存一次。
//
//  3. 連線：
//     無限重連；斷線與重連都記錄日誌，發布失敗由呼叫端決定是否忽略。
type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// Connect 連線 NATS 並確保 stream 存在
func Connect(cfg Config, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("quiz-arena"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	n := &NATS{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := n.initStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return n, nil
}

// initStream 不存在則建立，已存在則更新設定
func (n *NATS) initStream() error {
	storage := nats.FileStorage
	if n.cfg.Memory {
		storage = nats.MemoryStorage
	}

	cfg := &nats.StreamConfig{
		Name:       n.cfg.Stream,
		Subjects:   n.cfg.Subjects,
		Storage:    storage,
		Retention:  nats.LimitsPolicy,
		Discard:    nats.DiscardOld,
		MaxAge:     n.cfg.MaxAge,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	}

	_, err := n.js.StreamInfo(n.cfg.Stream)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := n.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", n.cfg.Stream, err)
		}
		n.logger.Info("jetstream stream created", "stream", n.cfg.Stream, "subjects", n.cfg.Subjects)
		return nil
	case err != nil:
		return fmt.Errorf("stream info %s: %w", n.cfg.Stream, err)
	}

	if _, err := n.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", n.cfg.Stream, err)
	}
	return nil
}

// Publish 同步發布事件
func (n *NATS) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	ack, err := n.js.Publish(e.Subject(), data, nats.Context(ctx), nats.MsgId(e.ID()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Subject(), err)
	}

	n.logger.Debug("event published",
		"subject", e.Subject(),
		"stream", ack.Stream,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// StreamMessages stream 目前的訊息數
func (n *NATS) StreamMessages() (uint64, error) {
	info, err := n.js.StreamInfo(n.cfg.Stream)
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", n.cfg.Stream, err)
	}
	return info.State.Msgs, nil
}

// Close 先 drain 再關閉連線
func (n *NATS) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
