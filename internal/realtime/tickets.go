package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/remind/internal/apperr"
	"github.com/nao1215/remind/internal/metrics"
)

// DefaultTicketTTL は接続チケットの既定の有効期間。
const DefaultTicketTTL = 60 * time.Second

// Ticket はストリームを開くための使い捨ての資格情報。
type Ticket struct {
	// ConnectID はチケットの識別子。推測できない乱数で生成する。
	ConnectID string `json:"connectId"`
	// UserID はチケットを発行したユーザー。
	UserID string `json:"-"`
	// ExpiresAt は有効期限。
	ExpiresAt time.Time `json:"expiresAt"`
}

// Tickets は接続チケットをメモリ上で管理する。
// 期限切れは消費時に判定し、Sweepは掃除のためだけに使う。
type Tickets struct {
	mu      sync.Mutex
	ttl     time.Duration
	tickets map[string]Ticket
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewTickets は新しいTicketsを生成する。ttlが0以下なら DefaultTicketTTL を使う。
func NewTickets(ttl time.Duration, m *metrics.Metrics) *Tickets {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &Tickets{
		ttl:     ttl,
		tickets: make(map[string]Ticket),
		now:     time.Now,
		metrics: m,
	}
}

// TTL はチケットの有効期間を返す。
func (t *Tickets) TTL() time.Duration {
	return t.ttl
}

// Connect は認証済みユーザーにチケットを発行する。
func (t *Tickets) Connect(userID string) (Ticket, error) {
	if userID == "" {
		return Ticket{}, apperr.New(apperr.KindAuth, "ユーザーIDが取得できません")
	}
	tk := Ticket{
		ConnectID: uuid.NewString(),
		UserID:    userID,
		ExpiresAt: t.now().Add(t.ttl),
	}

	t.mu.Lock()
	t.tickets[tk.ConnectID] = tk
	t.mu.Unlock()

	t.metrics.TicketIssued()
	return tk, nil
}

// Consume はチケットを消費してユーザーIDを返す。
// 未知または期限切れのチケットは KindNotFound になる。どちらの場合もチケットは残らない。
func (t *Tickets) Consume(connectID string) (string, error) {
	t.mu.Lock()
	tk, ok := t.tickets[connectID]
	delete(t.tickets, connectID)
	t.mu.Unlock()

	if !ok || !t.now().Before(tk.ExpiresAt) {
		t.metrics.TicketRejected()
		return "", apperr.New(apperr.KindNotFound, "接続チケットが無効か期限切れです")
	}
	return tk.UserID, nil
}

// Sweep は期限切れのチケットを削除し、削除した件数を返す。
func (t *Tickets) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, tk := range t.tickets {
		if !now.Before(tk.ExpiresAt) {
			delete(t.tickets, id)
			n++
		}
	}
	return n
}

// Len は保持しているチケット数を返す。
func (t *Tickets) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tickets)
}

// Run はctxがキャンセルされるまでevery間隔でSweepを実行する。
func (t *Tickets) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = t.ttl
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				log.Printf("[Realtime] 期限切れの接続チケットを%d件削除しました", n)
			}
		}
	}
}
