package rss

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iabetor/feedcog/internal/logger"
)

// State 调度器的运行状态。
type State int

const (
	// StateIdle 队列为空，等待下一轮。
	StateIdle State = iota
	// StateFilling 正在把所有 频道×订阅 放入队列。
	StateFilling
	// StateDraining 正在逐个处理队列中的订阅。
	StateDraining
)

var stateNames = [...]string{"Idle", "Filling", "Draining"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// PollItem 队列中的一项。先按频道内序号排序，再按全局入队顺序。
type PollItem struct {
	ChannelPriority int
	Seq             int
	ChannelID       string
	FeedName        string
	// Snapshot 入队时的配置快照，处理前会重新确认订阅仍然存在。
	Snapshot FeedConfig
}

// PollQueue 实现 heap.Interface。
type PollQueue []*PollItem

func (q PollQueue) Len() int { return len(q) }

func (q PollQueue) Less(i, j int) bool {
	if q[i].ChannelPriority != q[j].ChannelPriority {
		return q[i].ChannelPriority < q[j].ChannelPriority
	}
	return q[i].Seq < q[j].Seq
}

func (q PollQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *PollQueue) Push(x any) { *q = append(*q, x.(*PollItem)) }

func (q *PollQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Pacing 轮询节奏。
//
// 队列小于 Threshold 时每项间隔 ItemDelay，一轮结束后等待
// PassBudget - size*ItemDelay 再开始下一轮；否则每项间隔
// DrainBudget/size，一轮结束后立即开始下一轮。
type Pacing struct {
	PassBudget  time.Duration
	DrainBudget time.Duration
	Threshold   int
	ItemDelay   time.Duration
}

// DefaultPacing 五分钟一轮。
var DefaultPacing = Pacing{
	PassBudget:  300 * time.Second,
	DrainBudget: 290 * time.Second,
	Threshold:   300,
	ItemDelay:   time.Second,
}

// ItemDelayFor 返回队列大小为 size 时每项之间的间隔。
func (p Pacing) ItemDelayFor(size int) time.Duration {
	if size <= 0 {
		return 0
	}
	if size < p.Threshold {
		return p.ItemDelay
	}
	return p.DrainBudget / time.Duration(size)
}

// IdleWaitFor 返回一轮结束后到下一次入队前的等待时间。
func (p Pacing) IdleWaitFor(size int) time.Duration {
	if size >= p.Threshold {
		return 0
	}
	wait := p.PassBudget - time.Duration(size)*p.ItemDelay
	if wait < 0 {
		return 0
	}
	return wait
}

// ItemPoller 处理一个订阅，Poller 实现该接口。
type ItemPoller interface {
	Poll(ctx context.Context, channelID, name string, force bool) (int, error)
}

// ChannelChecker 判断频道当前是否可以投递。
type ChannelChecker interface {
	Reachable(ctx context.Context, channelID string) bool
}

// SleepFunc 可被取消的等待，ctx 结束时返回 ctx.Err()。
type SleepFunc func(ctx context.Context, d time.Duration) error

// SchedulerOptions 调度器依赖。
type SchedulerOptions struct {
	Store        Store
	Poller       ItemPoller
	Channels     ChannelChecker
	Pacing       Pacing
	RestartDelay time.Duration
	Metrics      *Metrics
	// Sleep 为空时使用真实计时器，测试中可替换。
	Sleep SleepFunc
}

// Scheduler 单个后台循环，逐个轮询所有频道的所有订阅。
type Scheduler struct {
	store    Store
	poller   ItemPoller
	channels ChannelChecker
	pacing   Pacing
	restart  time.Duration
	metrics  *Metrics
	sleep    SleepFunc
	log      *zap.SugaredLogger

	mu    sync.RWMutex
	state State
	seq   int
}

// NewScheduler 创建调度器。
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Pacing == (Pacing{}) {
		opts.Pacing = DefaultPacing
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 30 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Scheduler{
		store:    opts.Store,
		poller:   opts.Poller,
		channels: opts.Channels,
		pacing:   opts.Pacing,
		restart:  opts.RestartDelay,
		metrics:  opts.Metrics,
		sleep:    opts.Sleep,
		log:      logger.Named("scheduler"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State 返回当前状态。
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.log.Debugf("[scheduler] 状态 %s → %s", from, to)
	}
}

// Run 持续轮询直到 ctx 结束。循环本身出错时记录日志，等待 RestartDelay 后重启。
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infof("[scheduler] 启动")
	for {
		err := s.loop(ctx)
		if ctx.Err() != nil {
			s.setState(StateIdle)
			s.log.Infof("[scheduler] 已停止")
			return ctx.Err()
		}
		s.log.Errorf("[scheduler] 循环异常，%s 后重启: %v", s.restart, err)
		if err := s.sleep(ctx, s.restart); err != nil {
			s.setState(StateIdle)
			return err
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("调度循环 panic: %v\n%s", r, debug.Stack())
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		size, err := s.RunPass(ctx)
		if err != nil {
			return err
		}
		if err := s.sleep(ctx, s.pacing.IdleWaitFor(size)); err != nil {
			return err
		}
	}
}

// RunPass 执行一轮入队和处理，返回本轮队列大小。
func (s *Scheduler) RunPass(ctx context.Context) (int, error) {
	passID := uuid.NewString()
	start := time.Now()

	s.setState(StateFilling)
	q, err := s.fill(ctx)
	if err != nil {
		return 0, err
	}
	size := q.Len()
	s.metrics.queue(size)
	if size == 0 {
		s.setState(StateIdle)
		return 0, nil
	}

	delay := s.pacing.ItemDelayFor(size)
	s.log.Infof("[scheduler] 第 %s 轮: %d 个订阅，间隔 %s", passID, size, delay)
	s.setState(StateDraining)

	blocked := make(map[string]bool)
	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return size, err
		}
		item := heap.Pop(q).(*PollItem)
		if blocked[item.ChannelID] {
			continue
		}
		if errors.Is(s.process(ctx, passID, item), ErrNoPermission) {
			blocked[item.ChannelID] = true
		}
		if err := s.sleep(ctx, delay); err != nil {
			return size, err
		}
	}

	s.setState(StateIdle)
	s.metrics.pass(time.Since(start))
	s.log.Infof("[scheduler] 第 %s 轮完成，用时 %s", passID, time.Since(start).Round(time.Millisecond))
	return size, nil
}

// fill 读取全部订阅，跳过当前不可达的频道。
func (s *Scheduler) fill(ctx context.Context) (*PollQueue, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取订阅失败: %w", err)
	}

	channels := make([]string, 0, len(all))
	for ch := range all {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	q := &PollQueue{}
	for _, ch := range channels {
		feeds := all[ch]
		if len(feeds) == 0 {
			continue
		}
		if s.channels != nil && !s.channels.Reachable(ctx, ch) {
			s.log.Debugf("[scheduler] 频道 %s 不可达，本轮跳过", ch)
			continue
		}
		keys := make([]string, 0, len(feeds))
		for k := range feeds {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			cfg := feeds[k]
			s.seq++
			heap.Push(q, &PollItem{
				ChannelPriority: i,
				Seq:             s.seq,
				ChannelID:       ch,
				FeedName:        cfg.Name,
				Snapshot:        cfg.Clone(),
			})
		}
	}
	return q, nil
}

// process 处理一项，所有错误和 panic 都在这里消化。
func (s *Scheduler) process(ctx context.Context, passID string, item *PollItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("[scheduler] 处理订阅时 panic",
				"pass", passID, "channel", item.ChannelID, "feed", item.FeedName,
				"url", item.Snapshot.URL, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	n, err := s.poller.Poll(ctx, item.ChannelID, item.FeedName, false)
	var (
		fe *FetchError
		pe *ParseError
	)
	switch {
	case err == nil:
		if n > 0 {
			s.log.Infof("[scheduler] 订阅 %s 投递 %d 条消息到频道 %s", item.FeedName, n, item.ChannelID)
		}
	case errors.Is(err, ErrFeedNotFound):
		s.log.Debugf("[scheduler] 订阅 %s 已被删除，跳过", item.FeedName)
	case errors.Is(err, ErrNoPermission):
		s.log.Warnw("[scheduler] 频道不可投递，本轮跳过该频道",
			"pass", passID, "channel", item.ChannelID, "feed", item.FeedName)
	case errors.As(err, &fe), errors.As(err, &pe):
		s.log.Warnw("[scheduler] 订阅抓取或解析失败",
			"pass", passID, "channel", item.ChannelID, "feed", item.FeedName,
			"url", item.Snapshot.URL, "error", err)
	case ctx.Err() != nil:
	default:
		s.log.Errorw("[scheduler] 处理订阅失败",
			"pass", passID, "channel", item.ChannelID, "feed", item.FeedName,
			"url", item.Snapshot.URL, "error", err)
	}
	return err
}
