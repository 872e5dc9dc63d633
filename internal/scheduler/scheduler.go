// Package scheduler cron 式で定期ジョブを起動する
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc 定期実行する処理。now は起動時刻
type JobFunc func(ctx context.Context, now time.Time) error

// Scheduler robfig/cron のラッパー
//
// 同じジョブの前回実行が終わっていなければ今回分はスキップする。
type Scheduler struct {
	cron  *cron.Cron
	clock func() time.Time
	jobs  []job
}

type job struct {
	name string
	spec string
	fn   JobFunc
}

// New Scheduler を作成。cron 式は loc で解釈する
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := slogLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		clock: time.Now,
	}
}

// Add ジョブを登録する。cron 式が不正ならエラー
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("ジョブ %s の cron 式が不正です: %w", name, err)
	}
	s.jobs = append(s.jobs, job{name: name, spec: spec, fn: fn})
	return nil
}

// Start ctx が終わるまでジョブを実行し続ける
//
// 終了時は実行中のジョブの完了を待ってから戻る。
func (s *Scheduler) Start(ctx context.Context) error {
	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.spec, s.wrap(ctx, j)); err != nil {
			return fmt.Errorf("ジョブ %s の登録に失敗しました: %w", j.name, err)
		}
	}

	s.cron.Start()
	slog.InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.jobs)))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) wrap(ctx context.Context, j job) func() {
	return func() {
		started := s.clock()
		if err := j.fn(ctx, started); err != nil {
			slog.ErrorContext(ctx, "scheduled job failed",
				slog.String("job", j.name),
				slog.String("error", err.Error()),
			)
			return
		}
		slog.DebugContext(ctx, "scheduled job finished",
			slog.String("job", j.name),
			slog.Duration("elapsed", s.clock().Sub(started)),
		)
	}
}

// slogLogger cron.Logger を slog に流す
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
