package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/k-negishi/group-calendar-notifier/internal/access"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// GroupSync グループのイベントをメンバーの既定カレンダーへ同期する
type GroupSync struct {
	events        EventRepository
	users         UserRepository
	calendars     CalendarRepository
	relationships RelationshipRepository
}

// NewGroupSync GroupSync を作成
func NewGroupSync(store Store) *GroupSync {
	return &GroupSync{
		events:        store,
		users:         store,
		calendars:     store,
		relationships: store,
	}
}

// AutosyncGroupEvent オプトアウトしていないメンバー全員のカレンダーにイベントを追加する
//
// リクエスト終了後に遅延実行されるため、ストアへの各操作は昇格した権限で行う。
// イベントやグループが既に削除されていれば何もしない。
func (s *GroupSync) AutosyncGroupEvent(ctx context.Context, eventID, groupID string) (int, error) {
	ev, err := elevated(ctx, func(ctx context.Context) (*domain.Event, error) {
		return s.events.GetEvent(ctx, eventID)
	})
	if err != nil {
		return 0, ignoreNotFound(ctx, err, "event", eventID)
	}
	group, err := elevated(ctx, func(ctx context.Context) (*domain.Group, error) {
		return s.users.GetGroup(ctx, groupID)
	})
	if err != nil {
		return 0, ignoreNotFound(ctx, err, "group", groupID)
	}

	added := 0
	for member, err := range s.users.GroupMembers(ctx, group.ID) {
		if err != nil {
			return added, fmt.Errorf("グループ %s のメンバー列挙に失敗しました: %w", group.ID, err)
		}

		optedOut, err := elevated(ctx, func(ctx context.Context) (bool, error) {
			return s.relationships.HasRelationship(ctx, member.ID, domain.RelationshipCalendarNoSync, group.ID)
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to check calendar opt-out",
				slog.String("user_id", member.ID),
				slog.String("group_id", group.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if optedOut {
			continue
		}

		cal, err := elevated(ctx, func(ctx context.Context) (*domain.Calendar, error) {
			return s.calendars.PersonalCalendar(ctx, member.ID)
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to resolve personal calendar",
				slog.String("user_id", member.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ok, err := elevated(ctx, func(ctx context.Context) (bool, error) {
			return s.calendars.AddEvent(ctx, cal.ID, ev.ID)
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to add event to calendar",
				slog.String("calendar_id", cal.ID),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			added++
		}
	}

	slog.InfoContext(ctx, "group event synced",
		slog.String("event_id", ev.ID),
		slog.String("group_id", group.ID),
		slog.Int("added", added),
	)
	return added, nil
}

// SetAutoSync groupID のイベントを userID の既定カレンダーへ同期するかを切り替える
//
// 無効にするとオプトアウトを記録する。既に追加済みのイベントはそのまま残す。
func (s *GroupSync) SetAutoSync(ctx context.Context, userID, groupID string, enabled bool) error {
	if _, err := elevated(ctx, func(ctx context.Context) (*domain.User, error) {
		return s.users.GetUser(ctx, userID)
	}); err != nil {
		return fmt.Errorf("ユーザー %s の取得に失敗しました: %w", userID, err)
	}
	if _, err := elevated(ctx, func(ctx context.Context) (*domain.Group, error) {
		return s.users.GetGroup(ctx, groupID)
	}); err != nil {
		return fmt.Errorf("グループ %s の取得に失敗しました: %w", groupID, err)
	}

	ctx, release := access.Elevate(ctx)
	defer release()

	var err error
	if enabled {
		err = s.relationships.RemoveRelationship(ctx, userID, domain.RelationshipCalendarNoSync, groupID)
	} else {
		err = s.relationships.AddRelationship(ctx, userID, domain.RelationshipCalendarNoSync, groupID)
	}
	if err != nil {
		return fmt.Errorf("ユーザー %s の自動同期設定の更新に失敗しました: %w", userID, err)
	}
	slog.InfoContext(ctx, "group autosync updated",
		slog.String("user_id", userID),
		slog.String("group_id", groupID),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// ignoreNotFound 遅延タスクでは対象の削除を正常系として扱う
func ignoreNotFound(ctx context.Context, err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		slog.DebugContext(ctx, "deferred target no longer exists",
			slog.String("kind", kind),
			slog.String("id", id),
		)
		return nil
	}
	return fmt.Errorf("%s %s の処理に失敗しました: %w", kind, id, err)
}

// elevated 1回の操作の間だけアクセス制御を無視する
func elevated[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ctx, release := access.Elevate(ctx)
	defer release()
	return fn(ctx)
}
