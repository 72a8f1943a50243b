// Package scheduler は一定間隔で配信対象のリマインダーを取り出し、配信する。
//
// ティックは robfig/cron の SkipIfStillRunning で直列化され、前回のティックが
// 終わっていなければ次のティックは実行されない。1ティック内の配信は
// リマインダーごとに独立しており、1件の失敗が他の配信を止めることはない。
package scheduler

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/remind/internal/dispatch"
	"github.com/nao1215/remind/internal/metrics"
	"github.com/nao1215/remind/internal/reminder"
)

// Store はスケジューラが使うリマインダーの操作。
type Store interface {
	FetchDuePending(ctx context.Context, limit int, lead time.Duration, typ reminder.Type) ([]reminder.Reminder, error)
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher は1件の配信を行う。
type Dispatcher interface {
	Dispatch(ctx context.Context, r reminder.Reminder) (dispatch.Outcome, error)
}

// Config はスケジューラの設定。
type Config struct {
	// Interval はティックの間隔。
	Interval time.Duration
	// LeadTime はリレー経由の種別を前倒しで取り出す幅。
	LeadTime time.Duration
	// BatchSize は1ティックで種別ごとに取り出す最大件数。
	BatchSize int
	// Timeout は1件の配信に許す時間。
	Timeout time.Duration
	// Concurrency は同時に配信する最大件数。
	Concurrency int
	// ClaimStaleAfter はクレームしたまま放置されたリマインダーをpendingに戻すまでの時間。
	ClaimStaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.LeadTime < 0 {
		c.LeadTime = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.ClaimStaleAfter <= 0 {
		c.ClaimStaleAfter = 5 * time.Minute
	}
	return c
}

// TickResult は1ティックの集計。
type TickResult struct {
	Due     int
	Sent    int
	Failed  int
	Skipped int
	Aborted int
}

// Scheduler は配信ティックを駆動する。
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	cfg        Config
	metrics    *metrics.Metrics
	now        func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	// inflight は DispatchNow で起動した配信を待つ。
	inflight sync.WaitGroup
}

// New は新しいSchedulerを生成する。
func New(store Store, d Dispatcher, cfg Config, m *metrics.Metrics) *Scheduler {
	logger := cron.PrintfLogger(log.New(log.Writer(), "[Scheduler] ", log.Flags()))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		dispatcher: d,
		cfg:        cfg.withDefaults(),
		metrics:    m,
		now:        time.Now,
		cron: cron.New(
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
			cron.WithLogger(logger),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start はティックの定期実行を開始する。ctxが終わるとティックも止まる。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	base := s.ctx
	s.mu.Unlock()

	s.cron.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.Tick(base)
	}))
	s.cron.Start()
	log.Printf("[Scheduler] %s間隔で配信を開始しました", s.cfg.Interval)
}

// Stop は新しいティックと即時配信の受け付けを止め、実行中の配信をキャンセルする。
// 返すコンテキストは実行中の処理が全て終わると完了する。
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	ctx, done := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		done()
	}()
	return ctx
}

// Tick は1回分の配信を行う。
//
//  1. 放置されたクレームをpendingに戻す。
//  2. 種別ごとに配信対象を取り出す。リレー経由の種別は LeadTime だけ前倒しする。
//  3. 配信予定時刻の昇順に並べ、Concurrency 件ずつ並行に配信する。
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	start := s.now()

	if n, err := s.store.ReleaseStale(ctx, start.Add(-s.cfg.ClaimStaleAfter)); err != nil {
		log.Printf("[Scheduler] 放置されたクレームの回収に失敗: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] 放置されたクレームを%d件pendingに戻しました", n)
	}

	due := make([]reminder.Reminder, 0)
	for _, typ := range reminder.Types {
		rs, err := s.store.FetchDuePending(ctx, s.cfg.BatchSize, s.leadFor(typ), typ)
		if err != nil {
			log.Printf("[Scheduler] 配信対象の取得に失敗: type=%s: %v", typ, err)
			continue
		}
		due = append(due, rs...)
	}
	slices.SortStableFunc(due, func(a, b reminder.Reminder) int {
		return a.Datetime.Compare(b.Datetime)
	})

	var (
		mu     sync.Mutex
		result = TickResult{Due: len(due)}
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome := s.dispatchOne(ctx, r)
			mu.Lock()
			result.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.TickObserved(s.now().Sub(start), len(due))
	if result.Due > 0 {
		log.Printf("[Scheduler] ティック完了: due=%d sent=%d failed=%d skipped=%d aborted=%d",
			result.Due, result.Sent, result.Failed, result.Skipped, result.Aborted)
	}
	return result
}

// DispatchNow は次のティックを待たずに1件をバックグラウンドで配信する。
// 停止後の呼び出しは無視する。
func (s *Scheduler) DispatchNow(r reminder.Reminder) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	base := s.ctx
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		s.dispatchOne(base, r)
	}()
}

// Wait は DispatchNow で起動した配信が全て終わるまで待つ。
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) dispatchOne(ctx context.Context, r reminder.Reminder) dispatch.Outcome {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	outcome, err := s.dispatcher.Dispatch(dctx, r)
	if err != nil {
		log.Printf("[Scheduler] 配信エラー: reminder=%s type=%s outcome=%s: %v", r.ID, r.Type, outcome, err)
	}
	return outcome
}

// leadFor は種別ごとの前倒し幅を返す。リアルタイム配信は前倒ししない。
func (s *Scheduler) leadFor(typ reminder.Type) time.Duration {
	if typ == reminder.TypeGeneral {
		return 0
	}
	return s.cfg.LeadTime
}

func (r *TickResult) add(o dispatch.Outcome) {
	switch o {
	case dispatch.OutcomeSent:
		r.Sent++
	case dispatch.OutcomeFailed:
		r.Failed++
	case dispatch.OutcomeSkipped:
		r.Skipped++
	case dispatch.OutcomeAborted:
		r.Aborted++
	}
}
