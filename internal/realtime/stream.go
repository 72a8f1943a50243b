package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nao1215/remind/pkg/event"
)

// StreamConfig はストリーム接続の振る舞いを設定する。
type StreamConfig struct {
	// Heartbeat はハートビートコメントの送信間隔。
	Heartbeat time.Duration
	// WriteTimeout は1回の書き込みに許す時間。これを超えた接続は閉じる。
	WriteTimeout time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// responseSink はhttp.ResponseWriterをSinkとして扱う。
type responseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func newResponseSink(w http.ResponseWriter, timeout time.Duration) *responseSink {
	return &responseSink{w: w, rc: http.NewResponseController(w), timeout: timeout}
}

func (s *responseSink) Write(p []byte) (int, error) {
	// 書き込み期限に対応しないResponseWriterでは期限なしで書き込む
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return 0, err
	}
	return s.w.Write(p)
}

func (s *responseSink) Flush() error {
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// Serve はwをuserIDのイベントストリームとして保持する。
// connected イベントを送って接続を登録し、ctxが終わるか接続が閉じられるまで
// ハートビートを送り続ける。書き込みに失敗した時点で接続を外して戻る。
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, userID string) error {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := newConn(userID, newResponseSink(w, h.cfg.WriteTimeout))
	frame, err := event.Encode(event.TypeConnected, event.ConnectedData{
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	// 登録直後のPushが connected を追い越さないよう、書き込み完了までロックを保持する
	conn.mu.Lock()
	h.add(conn)
	err = conn.writeLocked(frame)
	conn.mu.Unlock()
	// ハンドラーが戻った後のwはnet/httpが再利用するため、書き込みが残っていない状態で戻る
	defer func() {
		h.Unregister(conn)
		conn.mu.Lock()
		conn.mu.Unlock()
	}()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return nil
		case <-ticker.C:
			if err := conn.write(event.Comment("heartbeat")); err != nil {
				return nil
			}
		}
	}
}
