package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/deferred"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// 遅延タスクの関数ID
const (
	TaskAutosyncGroupEvent = "autosync_group_event"
	TaskEventUpdateNotify  = "event_update_notify"
	TaskSendEventReminder  = "send_event_reminder"
)

// RegisterTasks 遅延タスクの実装を登録する
func RegisterTasks(reg *deferred.Registry, sync *GroupSync, notifier *EventNotifier) {
	reg.Register(TaskAutosyncGroupEvent, func(ctx context.Context, args ...any) error {
		eventID, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		groupID, err := stringArg(args, 1)
		if err != nil {
			return err
		}
		_, err = sync.AutosyncGroupEvent(ctx, eventID, groupID)
		return err
	})

	reg.Register(TaskEventUpdateNotify, func(ctx context.Context, args ...any) error {
		eventID, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		_, err = notifier.NotifyEventUpdated(ctx, eventID)
		return ignoreNotFound(ctx, err, "event", eventID)
	})

	reg.Register(TaskSendEventReminder, func(ctx context.Context, args ...any) error {
		eventID, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		var reminderTime time.Time
		if len(args) > 1 {
			if ts, ok := args[1].(time.Time); ok {
				reminderTime = ts
			}
		}
		forced := false
		if len(args) > 2 {
			forced, _ = args[2].(bool)
		}
		_, err = notifier.NotifyEventReminder(ctx, eventID, reminderTime, forced)
		return ignoreNotFound(ctx, err, "event", eventID)
	})
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("引数 %d がありません", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("引数 %d が文字列ではありません: %T", i, args[i])
	}
	return s, nil
}

// EventService イベントの保存・削除と、それに伴う遅延処理の予約
type EventService struct {
	events    EventRepository
	calendars CalendarRepository
}

// NewEventService EventService を作成
func NewEventService(store Store) *EventService {
	return &EventService{events: store, calendars: store}
}

// Save イベントを保存し、後続処理を queue に予約する
func (s *EventService) Save(ctx context.Context, queue *deferred.Queue, ev *domain.Event, created bool) error {
	if err := s.events.SaveEvent(ctx, ev); err != nil {
		return fmt.Errorf("イベント %s の保存に失敗しました: %w", ev.ID, err)
	}
	return s.Saved(ctx, queue, ev, created)
}

// Saved 保存済みのイベントについて後続処理を予約する
//
// 作成時は作成者の既定カレンダーへ追加し、グループのイベントならメンバーへの
// 同期を予約する。更新時はカレンダー登録者への更新通知を予約する。
func (s *EventService) Saved(ctx context.Context, queue *deferred.Queue, ev *domain.Event, created bool) error {
	if !created {
		queue.Schedule(TaskEventUpdateNotify, []any{ev.ID}, true)
		return nil
	}

	if ev.OwnerID != "" {
		cal, err := elevated(ctx, func(ctx context.Context) (*domain.Calendar, error) {
			return s.calendars.PersonalCalendar(ctx, ev.OwnerID)
		})
		if err != nil {
			return fmt.Errorf("ユーザー %s の既定カレンダー取得に失敗しました: %w", ev.OwnerID, err)
		}
		if _, err := s.calendars.AddEvent(ctx, cal.ID, ev.ID); err != nil {
			return fmt.Errorf("カレンダー %s へのイベント追加に失敗しました: %w", cal.ID, err)
		}
	}

	if ev.Container.IsGroup() {
		queue.Schedule(TaskAutosyncGroupEvent, []any{ev.ID, ev.Container.ID}, true)
	}
	return nil
}

// Delete イベントを削除し、すべてのカレンダーから参照を外す
func (s *EventService) Delete(ctx context.Context, eventID string) error {
	if err := s.events.DeleteEvent(ctx, eventID); err != nil {
		return fmt.Errorf("イベント %s の削除に失敗しました: %w", eventID, err)
	}
	return s.Deleted(ctx, eventID)
}

// Deleted 削除済みのイベントへの参照をすべてのカレンダーから外す
func (s *EventService) Deleted(ctx context.Context, eventID string) error {
	if err := s.calendars.RemoveEventReferences(ctx, eventID); err != nil {
		return fmt.Errorf("イベント %s の参照削除に失敗しました: %w", eventID, err)
	}
	slog.InfoContext(ctx, "event references removed", slog.String("event_id", eventID))
	return nil
}
