package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/remind/internal/dispatch"
	"github.com/nao1215/remind/internal/ledger"
	"github.com/nao1215/remind/internal/realtime"
	"github.com/nao1215/remind/internal/reminder"
	"github.com/nao1215/remind/internal/store"
	"github.com/nao1215/remind/pkg/httpclient"
)

// testEnv はテスト用の依存一式。
type testEnv struct {
	reminders *reminder.Store
	ledger    *ledger.Ledger
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(t.Context(), store.Memory)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &testEnv{reminders: reminder.NewStore(db), ledger: ledger.New(db)}
}

func (e *testEnv) create(t *testing.T, typ reminder.Type, at time.Time) reminder.Reminder {
	t.Helper()
	r, err := e.reminders.Create(t.Context(), reminder.NewReminder{
		UserID:    "user-1",
		Type:      typ,
		Datetime:  at,
		Message:   "m",
		UserPhone: "+819012345678",
	})
	if err != nil {
		t.Fatalf("リマインダーの作成に失敗: %v", err)
	}
	return r
}

func (e *testEnv) status(t *testing.T, id string) reminder.Status {
	t.Helper()
	r, err := e.reminders.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get()でエラーが発生: %v", err)
	}
	return r.Status
}

func (e *testEnv) records(t *testing.T, id string) int {
	t.Helper()
	n, err := e.ledger.CountByReminder(t.Context(), id)
	if err != nil {
		t.Fatalf("CountByReminder()でエラーが発生: %v", err)
	}
	return n
}

func relay(t *testing.T, status int) *httpclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return httpclient.New(srv.URL)
}

// TestTick は1ティック分の配信を検証する。
func TestTick(t *testing.T) {
	t.Parallel()

	t.Run("接続の無いgeneralリマインダーがsentになり台帳に1件記録されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		hub := realtime.NewHub(realtime.StreamConfig{}, nil)
		d := dispatch.New(env.reminders, env.ledger, dispatch.Config{Hub: hub})
		s := New(env.reminders, d, Config{}, nil)
		r := env.create(t, reminder.TypeGeneral, time.Now().Add(-time.Second))

		result := s.Tick(t.Context())
		if result.Due != 1 || result.Sent != 1 {
			t.Errorf("result = %+v, want due=1 sent=1", result)
		}
		if got := env.status(t, r.ID); got != reminder.StatusSent {
			t.Errorf("Status = %q, want sent", got)
		}
		if n := env.records(t, r.ID); n != 1 {
			t.Errorf("台帳の件数 = %d, want 1", n)
		}
	})

	t.Run("1件の配信失敗がティックを止めないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		d := dispatch.New(env.reminders, env.ledger, dispatch.Config{
			GmailRelay:    relay(t, http.StatusInternalServerError),
			WhatsAppRelay: relay(t, http.StatusOK),
			Hub:           realtime.NewHub(realtime.StreamConfig{}, nil),
		})
		s := New(env.reminders, d, Config{Concurrency: 1}, nil)
		now := time.Now()
		bad := env.create(t, reminder.TypeGmail, now.Add(-3*time.Second))
		wa := env.create(t, reminder.TypeWhatsApp, now.Add(-2*time.Second))
		gen := env.create(t, reminder.TypeGeneral, now.Add(-time.Second))

		result := s.Tick(t.Context())
		if result.Due != 3 || result.Sent != 2 || result.Failed != 1 {
			t.Errorf("result = %+v, want due=3 sent=2 failed=1", result)
		}
		if got := env.status(t, bad.ID); got != reminder.StatusFailed {
			t.Errorf("gmail Status = %q, want failed", got)
		}
		if n := env.records(t, bad.ID); n != 0 {
			t.Errorf("失敗したリマインダーの台帳件数 = %d, want 0", n)
		}
		for _, id := range []string{wa.ID, gen.ID} {
			if got := env.status(t, id); got != reminder.StatusSent {
				t.Errorf("Status = %q, want sent", got)
			}
		}
	})

	t.Run("リレー経由の種別だけが前倒しで取り出されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		d := dispatch.New(env.reminders, env.ledger, dispatch.Config{
			GmailRelay: relay(t, http.StatusOK),
			Hub:        realtime.NewHub(realtime.StreamConfig{}, nil),
		})
		s := New(env.reminders, d, Config{LeadTime: time.Minute}, nil)
		soon := time.Now().Add(20 * time.Second)
		gmail := env.create(t, reminder.TypeGmail, soon)
		general := env.create(t, reminder.TypeGeneral, soon)

		s.Tick(t.Context())
		if got := env.status(t, gmail.ID); got != reminder.StatusSent {
			t.Errorf("gmail Status = %q, want sent", got)
		}
		if got := env.status(t, general.ID); got != reminder.StatusPending {
			t.Errorf("general Status = %q, want pending", got)
		}
	})

	t.Run("放置されたクレームが回収されて配信されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		d := dispatch.New(env.reminders, env.ledger, dispatch.Config{Hub: realtime.NewHub(realtime.StreamConfig{}, nil)})
		s := New(env.reminders, d, Config{ClaimStaleAfter: time.Minute}, nil)
		r := env.create(t, reminder.TypeGeneral, time.Now().Add(-time.Hour))

		past := env.reminders.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
		if ok, err := past.Claim(t.Context(), r.ID); err != nil || !ok {
			t.Fatalf("Claim() = %v, %v", ok, err)
		}

		result := s.Tick(t.Context())
		if result.Sent != 1 {
			t.Errorf("result = %+v, want sent=1", result)
		}
		if got := env.status(t, r.ID); got != reminder.StatusSent {
			t.Errorf("Status = %q, want sent", got)
		}
	})

	t.Run("予定時刻の昇順に配信されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		rec := &recordingDispatcher{}
		s := New(env.reminders, rec, Config{Concurrency: 1}, nil)
		now := time.Now()
		third := env.create(t, reminder.TypeGeneral, now.Add(-time.Second))
		first := env.create(t, reminder.TypeWhatsApp, now.Add(-3*time.Second))
		second := env.create(t, reminder.TypeGmail, now.Add(-2*time.Second))

		s.Tick(t.Context())
		want := []string{first.ID, second.ID, third.ID}
		got := rec.ids()
		if len(got) != len(want) {
			t.Fatalf("配信件数 = %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	})

	t.Run("取得に失敗しても他の種別は処理されること", func(t *testing.T) {
		t.Parallel()
		rec := &recordingDispatcher{}
		st := &flakyStore{fail: reminder.TypeGmail, due: []reminder.Reminder{{ID: "g", Type: reminder.TypeGeneral}}}
		s := New(st, rec, Config{}, nil)

		result := s.Tick(t.Context())
		if result.Due != 1 {
			t.Errorf("Due = %d, want 1", result.Due)
		}
	})
}

// recordingDispatcher は配信順を記録する。
type recordingDispatcher struct {
	mu   sync.Mutex
	seen []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, r reminder.Reminder) (dispatch.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, r.ID)
	return dispatch.OutcomeSent, nil
}

func (d *recordingDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seen...)
}

// flakyStore は指定した種別の取得だけ失敗する。
type flakyStore struct {
	fail reminder.Type
	due  []reminder.Reminder
}

func (s *flakyStore) FetchDuePending(_ context.Context, _ int, _ time.Duration, typ reminder.Type) ([]reminder.Reminder, error) {
	if typ == s.fail {
		return nil, errors.New("disk I/O error")
	}
	out := make([]reminder.Reminder, 0)
	for _, r := range s.due {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *flakyStore) ReleaseStale(context.Context, time.Time) (int64, error) { return 0, nil }

// blockingDispatcher はキャンセルされるまで戻らない。
type blockingDispatcher struct {
	started atomic.Int32
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, _ reminder.Reminder) (dispatch.Outcome, error) {
	d.started.Add(1)
	<-ctx.Done()
	return dispatch.OutcomeAborted, ctx.Err()
}

// TestDispatchNow は即時配信を検証する。
func TestDispatchNow(t *testing.T) {
	t.Parallel()

	t.Run("次のティックを待たずに配信されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		d := dispatch.New(env.reminders, env.ledger, dispatch.Config{GmailRelay: relay(t, http.StatusOK)})
		s := New(env.reminders, d, Config{}, nil)
		r := env.create(t, reminder.TypeGmail, time.Now())

		s.DispatchNow(r)
		s.Wait()
		if got := env.status(t, r.ID); got != reminder.StatusSent {
			t.Errorf("Status = %q, want sent", got)
		}
		if n := env.records(t, r.ID); n != 1 {
			t.Errorf("台帳の件数 = %d, want 1", n)
		}
	})

	t.Run("即時配信済みのリマインダーはティックで再送されないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
		}))
		t.Cleanup(srv.Close)
		d := dispatch.New(env.reminders, env.ledger, dispatch.Config{GmailRelay: httpclient.New(srv.URL)})
		s := New(env.reminders, d, Config{}, nil)
		r := env.create(t, reminder.TypeGmail, time.Now().Add(-time.Second))

		s.DispatchNow(r)
		s.Tick(t.Context())
		s.Wait()
		if n := calls.Load(); n != 1 {
			t.Errorf("リレー呼び出し回数 = %d, want 1", n)
		}
		if n := env.records(t, r.ID); n != 1 {
			t.Errorf("台帳の件数 = %d, want 1", n)
		}
	})

	t.Run("停止後の呼び出しは無視されること", func(t *testing.T) {
		t.Parallel()
		rec := &recordingDispatcher{}
		s := New(&flakyStore{}, rec, Config{}, nil)

		<-s.Stop().Done()
		s.DispatchNow(reminder.Reminder{ID: "late"})
		s.Wait()
		if got := rec.ids(); len(got) != 0 {
			t.Errorf("停止後に配信された: %v", got)
		}
	})
}

// TestStartStop は定期実行と停止を検証する。
func TestStartStop(t *testing.T) {
	t.Parallel()

	t.Run("間隔ごとにティックが実行されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		d := dispatch.New(env.reminders, env.ledger, dispatch.Config{Hub: realtime.NewHub(realtime.StreamConfig{}, nil)})
		s := New(env.reminders, d, Config{Interval: time.Second}, nil)
		r := env.create(t, reminder.TypeGeneral, time.Now().Add(-time.Second))

		s.Start(t.Context())
		defer func() { <-s.Stop().Done() }()

		deadline := time.Now().Add(5 * time.Second)
		for env.status(t, r.ID) != reminder.StatusSent {
			if time.Now().After(deadline) {
				t.Fatal("ティックが実行されませんでした")
			}
			time.Sleep(50 * time.Millisecond)
		}
	})

	t.Run("停止すると実行中の即時配信がキャンセルされて完了すること", func(t *testing.T) {
		t.Parallel()
		bd := &blockingDispatcher{}
		s := New(&flakyStore{}, bd, Config{Timeout: time.Hour}, nil)
		s.Start(t.Context())

		s.DispatchNow(reminder.Reminder{ID: "r"})
		deadline := time.Now().Add(2 * time.Second)
		for bd.started.Load() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("配信が開始されませんでした")
			}
			time.Sleep(10 * time.Millisecond)
		}

		select {
		case <-s.Stop().Done():
		case <-time.After(2 * time.Second):
			t.Fatal("停止が完了しませんでした")
		}
	})
}
