// Package realtime はユーザー単位のライブ接続の管理と、
// チケットによる2段階のストリーム接続を提供する。
//
// 接続の登録簿はプロセス内にのみ存在する。複数インスタンスで動かす場合は
// RedisBridge を介して他インスタンスの接続にもイベントを届ける。
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/nao1215/remind/internal/metrics"
	"github.com/nao1215/remind/pkg/event"
)

// Sink はフレームの書き込み先。1つのストリームに対応する。
type Sink interface {
	Write(p []byte) (int, error)
	Flush() error
}

// Publisher は他インスタンスへフレームを中継する。
type Publisher interface {
	Publish(ctx context.Context, userID string, frame []byte) error
}

var errConnClosed = errors.New("接続は既に閉じられています")

// Conn は登録されたライブ接続。
type Conn struct {
	userID string
	sink   Sink
	// mu は書き込みを直列化する。
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(userID string, sink Sink) *Conn {
	return &Conn{userID: userID, sink: sink, done: make(chan struct{})}
}

// UserID は接続の所有ユーザーを返す。
func (c *Conn) UserID() string {
	return c.userID
}

// Done は接続が閉じられると閉じるチャネルを返す。
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(frame)
}

func (c *Conn) writeLocked(frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	if _, err := c.sink.Write(frame); err != nil {
		return err
	}
	return c.sink.Flush()
}

// close はdoneを閉じる。書き込み中であればその完了を待つ。
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
	})
}

// Hub はユーザーIDごとのライブ接続の集合を保持する。
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]map[*Conn]struct{}
	publisher Publisher
	metrics   *metrics.Metrics
	cfg       StreamConfig
}

// NewHub は新しいHubを生成する。
func NewHub(cfg StreamConfig, m *metrics.Metrics) *Hub {
	return &Hub{
		conns:   make(map[string]map[*Conn]struct{}),
		metrics: m,
		cfg:     cfg.withDefaults(),
	}
}

// SetPublisher はインスタンス間の中継先を設定する。nilなら自インスタンスにだけ届ける。
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.publisher = p
	h.mu.Unlock()
}

// Register はsinkをユーザーのライブ接続として登録する。
func (h *Hub) Register(userID string, sink Sink) *Conn {
	c := newConn(userID, sink)
	h.add(c)
	return c
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
}

// Unregister は接続を閉じて登録を外す。最後の接続が外れたユーザーの集合は破棄する。
// 同じ接続に対して複数回呼んでも安全。
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	removed := false
	if set, ok := h.conns[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			removed = true
		}
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()

	c.close()
	if removed {
		h.metrics.ConnectionClosed()
	}
}

// Push はユーザーの全ライブ接続にイベントを送る。
// 中継先が設定されていれば中継し、各インスタンスが自分の接続に届ける。
// 接続が1つも無くてもエラーにはならない。
func (h *Hub) Push(ctx context.Context, userID string, name event.Type, payload any) error {
	frame, err := event.Encode(name, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	p := h.publisher
	h.mu.RUnlock()

	if p != nil {
		err := p.Publish(ctx, userID, frame)
		if err == nil {
			return nil
		}
		// 中継できなくても自インスタンスの接続には届ける
		h.Deliver(userID, frame)
		return fmt.Errorf("イベントの中継に失敗: %w", err)
	}
	h.Deliver(userID, frame)
	return nil
}

// Deliver は自インスタンスにある接続へフレームを書き込み、書き込めた接続数を返す。
// 書き込みに失敗した接続は閉じられたものとして登録から外す。他の接続には影響しない。
func (h *Hub) Deliver(userID string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.write(frame); err != nil {
			log.Printf("[Realtime] 書き込みに失敗したため接続を閉じます: user=%s: %v", userID, err)
			h.Unregister(c)
			continue
		}
		delivered++
	}
	return delivered
}

// Count はユーザーのライブ接続数を返す。
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Users はライブ接続を持つユーザー数を返す。
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Total は全ユーザーのライブ接続数を返す。
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// Close は全ての接続を閉じる。各ストリームはDoneを受けて終了する。
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*Conn, 0)
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.Unregister(c)
	}
}
