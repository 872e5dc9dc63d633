package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/k-negishi/group-calendar-notifier/internal/deferred"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// importNamespace 取り込んだイベントのIDを外部IDから決定的に作るための名前空間
var importNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://www.googleapis.com/calendar/v3"))

// ImportResult 取り込み結果
type ImportResult struct {
	Created   int
	Updated   int
	Unchanged int
	Deleted   int
}

// ImportEvents 外部カレンダーのイベントをグループのイベントとして取り込む
type ImportEvents struct {
	source  EventSource
	events  EventRepository
	users   UserRepository
	service *EventService
	groupID string
	ownerID string
}

// NewImportEvents ImportEvents を作成
func NewImportEvents(source EventSource, store Store, service *EventService, groupID, ownerID string) *ImportEvents {
	return &ImportEvents{
		source:  source,
		events:  store,
		users:   store,
		service: service,
		groupID: groupID,
		ownerID: ownerID,
	}
}

// ImportedID 外部IDから取り込み後のイベントIDを求める
func ImportedID(externalID string) string {
	return uuid.NewSHA1(importNamespace, []byte(externalID)).String()
}

// Run updatedSince 以降に更新された外部イベントを取り込み、後続処理を queue に予約する
//
// 取り込み元で削除されたイベントは削除し、全カレンダーから参照を外す。
func (u *ImportEvents) Run(ctx context.Context, queue *deferred.Queue, updatedSince time.Time) (ImportResult, error) {
	var result ImportResult

	group, err := elevated(ctx, func(ctx context.Context) (*domain.Group, error) {
		return u.users.GetGroup(ctx, u.groupID)
	})
	if err != nil {
		return result, fmt.Errorf("取り込み先グループ %s の取得に失敗しました: %w", u.groupID, err)
	}

	imported, err := u.source.ListEvents(ctx, updatedSince)
	if err != nil {
		return result, fmt.Errorf("外部イベントの取得に失敗しました: %w", err)
	}

	for i := range imported {
		ev := imported[i]
		ev.ID = ImportedID(ev.ID)
		if ev.Cancelled {
			deleted, err := u.delete(ctx, ev.ID)
			if err != nil {
				return result, err
			}
			if deleted {
				result.Deleted++
			}
			continue
		}
		ev.OwnerID = u.ownerID
		ev.Container = domain.GroupContainer(group)

		existing, err := elevated(ctx, func(ctx context.Context) (*domain.Event, error) {
			return u.events.GetEvent(ctx, ev.ID)
		})
		created := errors.Is(err, domain.ErrNotFound)
		if err != nil && !created {
			return result, fmt.Errorf("イベント %s の取得に失敗しました: %w", ev.ID, err)
		}
		if !created && !ev.UpdatedAt.After(existing.UpdatedAt) {
			result.Unchanged++
			continue
		}
		if created {
			ev.Access = domain.AccessMembers
		} else {
			ev.Access = existing.Access
			ev.CanComment = existing.CanComment
		}

		if err := u.service.Save(ctx, queue, &ev, created); err != nil {
			return result, err
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	slog.InfoContext(ctx, "events imported",
		slog.String("group_id", group.ID),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("unchanged", result.Unchanged),
		slog.Int("deleted", result.Deleted),
	)
	return result, nil
}

// delete 取り込み済みのイベントを削除する。未取り込みなら false
func (u *ImportEvents) delete(ctx context.Context, eventID string) (bool, error) {
	err := u.service.Delete(ctx, eventID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
