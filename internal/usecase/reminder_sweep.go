package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/deferred"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
	"github.com/k-negishi/group-calendar-notifier/internal/occurrence"
)

// ReminderSweep 開催が近いイベントを探してリマインダーを予約する定期処理
type ReminderSweep struct {
	events   EventRepository
	registry *deferred.Registry
	// lead 開催の何分前に通知するか
	lead time.Duration
	// interval 定期実行の間隔。1回のスイープで対象とする開始時刻の幅
	interval time.Duration
}

// NewReminderSweep ReminderSweep を作成
func NewReminderSweep(events EventRepository, registry *deferred.Registry, lead, interval time.Duration) *ReminderSweep {
	return &ReminderSweep{
		events:   events,
		registry: registry,
		lead:     lead,
		interval: interval,
	}
}

// Run 開始時刻が [now+lead, now+lead+interval) に入る開催についてリマインダーを送る
//
// タスクには対象の開催の開始時刻を渡す。予約したタスクはスイープの最後に
// まとめて実行する。予約件数を返す。
func (s *ReminderSweep) Run(ctx context.Context, now time.Time) (int, error) {
	if s.interval <= 0 {
		return 0, fmt.Errorf("スイープ間隔が不正です: %s", s.interval)
	}
	from := now.Add(s.lead)
	to := from.Add(s.interval)

	queue := deferred.NewQueue(s.registry)
	for ev, err := range s.events.Events(ctx) {
		if err != nil {
			return queue.Len(), fmt.Errorf("イベントの列挙に失敗しました: %w", err)
		}
		occ, err := occurrence.Next(ev, from)
		if err != nil {
			if !errors.Is(err, domain.ErrNoOccurrence) {
				slog.ErrorContext(ctx, "failed to compute next occurrence",
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if !occ.Start.Before(to) {
			continue
		}
		queue.Schedule(TaskSendEventReminder, []any{ev.ID, occ.Start, false}, true)
	}

	scheduled := queue.Len()
	slog.InfoContext(ctx, "reminder sweep scheduled",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("reminders", scheduled),
	)
	if err := queue.Drain(ctx); err != nil {
		return scheduled, fmt.Errorf("リマインダーの送信に失敗しました: %w", err)
	}
	return scheduled, nil
}
