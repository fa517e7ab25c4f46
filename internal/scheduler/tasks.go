package scheduler

import (
	"context"
	"time"

	"skyflip/internal/analyzer"
	"skyflip/internal/config"
	"skyflip/internal/flipper"
	"skyflip/internal/model"
)

// 默认任务名
const (
	TaskAggregateFine   = "aggregate-fine"
	TaskAggregateHourly = "aggregate-hourly"
	TaskRollupDaily     = "rollup-daily"
	TaskDetectStandard  = "detect-standard"
	TaskDetectEnding    = "detect-ending"
	TaskCleanup         = "cleanup"

	// rollupDays 每次检查最近几天是否有未汇总的日期
	rollupDays = 3
)

// Jobs 默认任务依赖的组件，缺失的组件对应的任务不注册
type Jobs struct {
	Aggregator *analyzer.Aggregator
	Archiver   *analyzer.Archiver
	Standard   *flipper.Detector
	Ending     *flipper.Detector
	Now        func() time.Time
}

// DefaultTasks 构建默认任务列表
func DefaultTasks(cfg config.SchedulerConfig, aggCfg config.AggregatorConfig, jobs Jobs) []Task {
	now := jobs.Now
	if now == nil {
		now = time.Now
	}

	var tasks []Task
	if jobs.Aggregator != nil {
		for _, item := range []struct {
			name     string
			res      model.Resolution
			interval time.Duration
		}{
			{TaskAggregateFine, model.ResolutionFine, cfg.AggregateFineInterval},
			{TaskAggregateHourly, model.ResolutionHourly, cfg.AggregateHourlyInterval},
		} {
			res := item.res
			tasks = append(tasks, Task{
				Name:       item.name,
				Interval:   item.interval,
				RunOnStart: true,
				Run: func(ctx context.Context) error {
					_, err := jobs.Aggregator.CatchUp(ctx, res, now(), aggCfg.CatchUpLookback)
					return err
				},
			})
		}
	}

	if jobs.Archiver != nil {
		tasks = append(tasks,
			Task{
				Name:       TaskRollupDaily,
				Interval:   cfg.RollupDailyInterval,
				RunOnStart: true,
				Run: func(ctx context.Context) error {
					_, err := jobs.Archiver.RollupPending(ctx, now(), rollupDays)
					return err
				},
			},
			Task{
				Name:     TaskCleanup,
				Interval: cfg.CleanupInterval,
				Run: func(ctx context.Context) error {
					_, err := jobs.Archiver.RunCleanup(ctx, now())
					return err
				},
			},
		)
	}

	if jobs.Standard != nil {
		tasks = append(tasks, detectTask(TaskDetectStandard, cfg.DetectStandardInterval, jobs.Standard))
	}
	if jobs.Ending != nil {
		tasks = append(tasks, detectTask(TaskDetectEnding, cfg.DetectEndingInterval, jobs.Ending))
	}
	return tasks
}

func detectTask(name string, interval time.Duration, d *flipper.Detector) Task {
	return Task{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := d.RunCycle(ctx)
			return err
		},
	}
}
