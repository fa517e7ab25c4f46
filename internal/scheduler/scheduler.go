package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"skyflip/internal/config"
	"skyflip/internal/pkg/metrics"
)

const (
	// LeaseKeyPrefix 任务租约 key 前缀
	LeaseKeyPrefix = "skyflip:lease"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrTaskRunning   = errors.New("task already running")
	ErrDuplicateTask = errors.New("task already registered")
)

// TaskFunc 任务执行函数
type TaskFunc func(ctx context.Context) error

// Task 周期任务定义
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool // 启动时立即执行一次
	Run        TaskFunc
}

// TaskStats 任务统计
type TaskStats struct {
	Name          string        `json:"name"`
	Interval      time.Duration `json:"interval"`
	Running       bool          `json:"running"`
	Runs          int64         `json:"runs"`
	Failures      int64         `json:"failures"`
	Skipped       int64         `json:"skipped"`
	LastStart     time.Time     `json:"last_start,omitempty"`
	LastDuration  time.Duration `json:"last_duration"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime time.Time     `json:"last_error_time,omitempty"`
}

type taskState struct {
	task    Task
	running atomic.Bool

	mu    sync.Mutex
	stats TaskStats
}

// Scheduler 周期任务调度器
// 每个任务一个 ticker 协程；同一任务不会重叠执行 (tick 与手动触发共用标记)
// 启用租约时，多副本中同一时刻只有一个副本执行某个任务
type Scheduler struct {
	rdb    redis.UniversalClient
	cfg    config.SchedulerConfig
	logger *slog.Logger

	tasks  map[string]*taskState
	order  []string
	baseMu sync.RWMutex
	base   context.Context

	// 内部状态
	mu      sync.RWMutex
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New 创建调度器，rdb 仅在启用租约时使用
func New(rdb redis.UniversalClient, cfg config.SchedulerConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &Scheduler{
		rdb:    rdb,
		cfg:    cfg,
		logger: log.With(slog.String("component", "scheduler")),
		tasks:  make(map[string]*taskState),
		base:   context.Background(),
		stopCh: make(chan struct{}),
	}
}

// Register 注册任务，必须在 Start 之前调用
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("invalid task %q", t.Name)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("task %s: scheduler already running", t.Name)
	}
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	s.tasks[t.Name] = &taskState{task: t, stats: TaskStats{Name: t.Name, Interval: t.Interval}}
	s.order = append(s.order, t.Name)
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.baseMu.Lock()
	s.base = runCtx
	s.baseMu.Unlock()

	for _, name := range s.order {
		ts := s.tasks[name]
		s.wg.Add(1)
		go s.loop(runCtx, ts)
	}

	s.logger.Info("scheduler started",
		slog.Int("tasks", len(s.order)),
		slog.Bool("lease", s.cfg.LeaseEnabled))
	return nil
}

// Stop 停止调度器，取消进行中的任务并等待其退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning 检查调度器是否运行中
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// loop 单个任务的 ticker 循环
func (s *Scheduler) loop(ctx context.Context, ts *taskState) {
	defer s.wg.Done()

	if ts.task.RunOnStart {
		s.execute(ctx, ts)
	}

	ticker := time.NewTicker(ts.task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.execute(ctx, ts)
		}
	}
}

// TriggerNow 立即异步执行一次任务
// 任务正在执行时返回 ErrTaskRunning
func (s *Scheduler) TriggerNow(name string) error {
	ts, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if ts.running.Load() {
		return fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}

	s.baseMu.RLock()
	ctx := s.base
	s.baseMu.RUnlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, ts)
	}()
	return nil
}

// execute 执行一次任务：单飞检查、租约、超时、panic 恢复、统计
// 返回任务是否实际执行
func (s *Scheduler) execute(ctx context.Context, ts *taskState) bool {
	name := ts.task.Name
	if !ts.running.CompareAndSwap(false, true) {
		s.skip(ts, "still running")
		return false
	}
	defer ts.running.Store(false)

	if s.cfg.LeaseEnabled && s.rdb != nil {
		owner, ok, err := s.acquireLease(ctx, name)
		if err != nil {
			s.logger.Warn("lease acquire failed", slog.String("task", name), slog.String("error", err.Error()))
			s.skip(ts, "lease error")
			return false
		}
		if !ok {
			s.skip(ts, "lease held elsewhere")
			return false
		}
		defer s.releaseLease(name, owner)
	}

	taskCtx := ctx
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	ts.mu.Lock()
	ts.stats.LastStart = start
	ts.mu.Unlock()

	err := s.safeRun(taskCtx, ts.task.Run)
	duration := time.Since(start)

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = "canceled"
		s.logger.Info("task canceled", slog.String("task", name), slog.Duration("duration", duration))
	case errors.Is(err, errPanic):
		status = "panic"
		s.logger.Error("task panicked", slog.String("task", name), slog.String("error", err.Error()))
	default:
		status = "failed"
		s.logger.Error("task failed",
			slog.String("task", name),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
	}

	metrics.SchedulerTaskRunsTotal.WithLabelValues(name, status).Inc()
	metrics.SchedulerTaskDuration.WithLabelValues(name).Observe(duration.Seconds())

	ts.mu.Lock()
	ts.stats.Runs++
	ts.stats.LastDuration = duration
	if status == "failed" || status == "panic" {
		ts.stats.Failures++
		ts.stats.LastError = err.Error()
		ts.stats.LastErrorTime = time.Now()
	}
	ts.mu.Unlock()
	return true
}

var errPanic = errors.New("panic")

// safeRun 执行任务并把 panic 转为错误
func (s *Scheduler) safeRun(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) skip(ts *taskState, reason string) {
	metrics.SchedulerTaskRunsTotal.WithLabelValues(ts.task.Name, "skipped").Inc()
	ts.mu.Lock()
	ts.stats.Skipped++
	ts.mu.Unlock()
	s.logger.Debug("task skipped", slog.String("task", ts.task.Name), slog.String("reason", reason))
}

func leaseKey(name string) string {
	return fmt.Sprintf("%s:%s", LeaseKeyPrefix, name)
}

// acquireLease SET NX PX 获取租约
func (s *Scheduler) acquireLease(ctx context.Context, name string) (string, bool, error) {
	owner := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, leaseKey(name), owner, s.cfg.LeaseTTL).Result()
	if err != nil {
		return "", false, err
	}
	return owner, ok, nil
}

// releaseLeaseScript 只删除自己持有的租约
var releaseLeaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

func (s *Scheduler) releaseLease(name, owner string) {
	// 任务上下文可能已取消，释放使用独立超时
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseLeaseScript.Run(ctx, s.rdb, []string{leaseKey(name)}, owner).Err(); err != nil {
		s.logger.Warn("lease release failed", slog.String("task", name), slog.String("error", err.Error()))
	}
}

// Stats 返回所有任务的统计，按名称排序
func (s *Scheduler) Stats() []TaskStats {
	out := make([]TaskStats, 0, len(s.tasks))
	for _, ts := range s.tasks {
		ts.mu.Lock()
		st := ts.stats
		ts.mu.Unlock()
		st.Running = ts.running.Load()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TaskNames 返回已注册的任务名
func (s *Scheduler) TaskNames() []string {
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}
