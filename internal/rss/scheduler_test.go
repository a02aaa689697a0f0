package rss

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type pollCall struct {
	channel string
	name    string
}

// recordingPoller 记录调用顺序，可以按频道返回错误。
type recordingPoller struct {
	mu      sync.Mutex
	calls   []pollCall
	errs    map[string]error
	panicOn string
	onPoll  func(pollCall)
}

func (r *recordingPoller) Poll(_ context.Context, channelID, name string, _ bool) (int, error) {
	c := pollCall{channelID, name}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	fn := r.onPoll
	r.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	if name == r.panicOn {
		panic("boom")
	}
	return 0, r.errs[channelID]
}

func (r *recordingPoller) snapshot() []pollCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pollCall(nil), r.calls...)
}

// sleepRecorder 不真正等待，只记录时长。
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func seedStore(t *testing.T, feeds map[string][]string) *SQLStore {
	t.Helper()
	store := NewSQLStore(newTestDB(t))
	for ch, names := range feeds {
		for _, n := range names {
			if err := store.Set(context.Background(), ch, NewFeedConfig(n, "https://example.com/"+n)); err != nil {
				t.Fatal(err)
			}
		}
	}
	return store
}

func TestPacing(t *testing.T) {
	p := DefaultPacing
	tests := []struct {
		size      int
		itemDelay time.Duration
		idleWait  time.Duration
	}{
		{0, 0, 300 * time.Second},
		{10, time.Second, 290 * time.Second},
		{299, time.Second, time.Second},
		{300, 290 * time.Second / 300, 0},
		{580, 500 * time.Millisecond, 0},
	}
	for _, tt := range tests {
		if got := p.ItemDelayFor(tt.size); got != tt.itemDelay {
			t.Errorf("ItemDelayFor(%d) = %s, 期望 %s", tt.size, got, tt.itemDelay)
		}
		if got := p.IdleWaitFor(tt.size); got != tt.idleWait {
			t.Errorf("IdleWaitFor(%d) = %s, 期望 %s", tt.size, got, tt.idleWait)
		}
	}

	custom := Pacing{PassBudget: 60 * time.Second, DrainBudget: 50 * time.Second, Threshold: 10, ItemDelay: 2 * time.Second}
	if got := custom.IdleWaitFor(5); got != 50*time.Second {
		t.Errorf("自定义节奏 IdleWaitFor(5) = %s", got)
	}
	if got := custom.ItemDelayFor(10); got != 5*time.Second {
		t.Errorf("自定义节奏 ItemDelayFor(10) = %s", got)
	}
}

func TestPollQueueOrdering(t *testing.T) {
	q := &PollQueue{}
	heap.Push(q, &PollItem{ChannelPriority: 1, Seq: 2, FeedName: "a2"})
	heap.Push(q, &PollItem{ChannelPriority: 0, Seq: 3, FeedName: "b1"})
	heap.Push(q, &PollItem{ChannelPriority: 0, Seq: 1, FeedName: "a1"})
	heap.Push(q, &PollItem{ChannelPriority: 1, Seq: 4, FeedName: "b2"})

	var got []string
	for q.Len() > 0 {
		got = append(got, heap.Pop(q).(*PollItem).FeedName)
	}
	want := []string{"a1", "b1", "a2", "b2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("出队顺序 = %v, 期望 %v", got, want)
		}
	}
}

func TestSchedulerPassInterleavesChannels(t *testing.T) {
	store := seedStore(t, map[string][]string{
		"c1": {"alpha", "beta"},
		"c2": {"gamma", "delta", "epsilon"},
	})
	poller := &recordingPoller{}
	sleeper := &sleepRecorder{}
	s := NewScheduler(SchedulerOptions{Store: store, Poller: poller, Channels: newFakeSender(), Sleep: sleeper.sleep})

	size, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if size != 5 {
		t.Errorf("队列大小 = %d", size)
	}

	// 每个频道的第 i 个订阅先于任何频道的第 i+1 个
	want := []pollCall{{"c1", "alpha"}, {"c2", "delta"}, {"c1", "beta"}, {"c2", "epsilon"}, {"c2", "gamma"}}
	got := poller.snapshot()
	if len(got) != len(want) {
		t.Fatalf("调用 = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("调用顺序 = %v, 期望 %v", got, want)
		}
	}
	for _, d := range sleeper.sleeps {
		if d != time.Second {
			t.Errorf("队列较小时每项间隔应为 1s，得到 %s", d)
		}
	}
}

func TestSchedulerSkipsUnreachableChannel(t *testing.T) {
	store := seedStore(t, map[string][]string{
		"gone": {"a", "b"},
		"ok":   {"c"},
	})
	sender := newFakeSender()
	sender.unreachable["gone"] = true
	poller := &recordingPoller{}
	s := NewScheduler(SchedulerOptions{Store: store, Poller: poller, Channels: sender, Sleep: (&sleepRecorder{}).sleep})

	size, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if size != 1 {
		t.Errorf("队列大小 = %d, 期望 1", size)
	}
	for _, c := range poller.snapshot() {
		if c.channel == "gone" {
			t.Errorf("不可达频道不应被轮询: %v", c)
		}
	}
}

func TestSchedulerStopsChannelOnPermissionError(t *testing.T) {
	store := seedStore(t, map[string][]string{
		"denied": {"a", "b", "c"},
		"ok":     {"d", "e"},
	})
	poller := &recordingPoller{errs: map[string]error{"denied": ErrNoPermission}}
	s := NewScheduler(SchedulerOptions{Store: store, Poller: poller, Sleep: (&sleepRecorder{}).sleep})

	if _, err := s.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	denied := 0
	for _, c := range poller.snapshot() {
		if c.channel == "denied" {
			denied++
		}
	}
	if denied != 1 {
		t.Errorf("没有权限的频道本轮应只尝试一次，实际 %d 次", denied)
	}
}

func TestSchedulerSwallowsItemErrors(t *testing.T) {
	store := seedStore(t, map[string][]string{"c": {"a", "b", "c"}})
	poller := &recordingPoller{
		errs:    map[string]error{"c": &FetchError{Kind: FetchTimeout, URL: "https://example.com/a", Err: errors.New("timeout")}},
		panicOn: "b",
	}
	s := NewScheduler(SchedulerOptions{Store: store, Poller: poller, Sleep: (&sleepRecorder{}).sleep})

	if _, err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("单项失败不应中断本轮: %v", err)
	}
	if got := len(poller.snapshot()); got != 3 {
		t.Errorf("调用次数 = %d, 期望 3", got)
	}
}

func TestSchedulerRunCancels(t *testing.T) {
	store := seedStore(t, map[string][]string{"c": {"a", "b"}})
	ctx, cancel := context.WithCancel(context.Background())
	poller := &recordingPoller{}
	poller.onPoll = func(c pollCall) {
		if c.name == "b" {
			cancel()
		}
	}
	s := NewScheduler(SchedulerOptions{Store: store, Poller: poller, Sleep: (&sleepRecorder{}).sleep})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run 返回 %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("取消后 Run 没有返回")
	}
	if s.State() != StateIdle {
		t.Errorf("停止后状态 = %s", s.State())
	}
}

func TestSchedulerEmptyStoreIdle(t *testing.T) {
	store := seedStore(t, nil)
	sleeper := &sleepRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(SchedulerOptions{
		Store:  store,
		Poller: &recordingPoller{},
		Sleep: func(c context.Context, d time.Duration) error {
			sleeper.sleep(c, d)
			cancel()
			return context.Canceled
		},
	})
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run 返回 %v", err)
	}
	if len(sleeper.sleeps) != 1 || sleeper.sleeps[0] != DefaultPacing.PassBudget {
		t.Errorf("没有订阅时应等待整轮预算，得到 %v", sleeper.sleeps)
	}
}

// flakyStore 前 failures 次 All 返回错误，之后委托给真实存储。
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) All(ctx context.Context) (map[string]map[string]FeedConfig, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.All(ctx)
}

func TestSchedulerRestartsAfterLoopFailure(t *testing.T) {
	store := &flakyStore{Store: seedStore(t, map[string][]string{"c": {"a", "b"}}), failures: 1}
	poller := &recordingPoller{}
	sleeper := &sleepRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.onPoll = func(c pollCall) {
		if c.name == "b" {
			cancel()
		}
	}
	s := NewScheduler(SchedulerOptions{
		Store:        store,
		Poller:       poller,
		RestartDelay: 7 * time.Second,
		Sleep:        sleeper.sleep,
	})

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run 返回 %v", err)
	}
	sleeper.mu.Lock()
	sleeps := append([]time.Duration(nil), sleeper.sleeps...)
	sleeper.mu.Unlock()
	if len(sleeps) == 0 || sleeps[0] != 7*time.Second {
		t.Errorf("循环失败后应等待 RestartDelay，等待记录 %v", sleeps)
	}
	got := poller.snapshot()
	want := []pollCall{{"c", "a"}, {"c", "b"}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("重启后的轮询 = %v, 期望 %v", got, want)
	}
}

func TestStateString(t *testing.T) {
	if StateDraining.String() != "Draining" || State(9).String() != "Unknown" {
		t.Error("State.String 不正确")
	}
}
