package usecase

import (
	"context"
	"iter"
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// EventRepository イベントを保存・取得するポート
type EventRepository interface {
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	SaveEvent(ctx context.Context, ev *domain.Event) error
	DeleteEvent(ctx context.Context, id string) error
	// Events 全イベントをページングしながら列挙する
	Events(ctx context.Context) iter.Seq2[*domain.Event, error]
}

// UserRepository ユーザー・グループを取得するポート
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetGroup(ctx context.Context, id string) (*domain.Group, error)
	// GroupMembers グループのメンバーをページングしながら列挙する
	GroupMembers(ctx context.Context, groupID string) iter.Seq2[*domain.User, error]
}

// CalendarRepository カレンダーとイベント参照を扱うポート
type CalendarRepository interface {
	// CalendarsForEvent イベントを参照している、ユーザーが保持するカレンダーを列挙する
	CalendarsForEvent(ctx context.Context, eventID string) iter.Seq2[*domain.Calendar, error]
	CalendarsForUser(ctx context.Context, userID string) ([]*domain.Calendar, error)
	// PersonalCalendar ユーザーの既定カレンダー。なければ作成する
	PersonalCalendar(ctx context.Context, userID string) (*domain.Calendar, error)
	// AddEvent カレンダーにイベントを追加する。既にあれば false
	AddEvent(ctx context.Context, calendarID, eventID string) (bool, error)
	// RemoveEventReferences 全カレンダーからイベントを取り除く
	RemoveEventReferences(ctx context.Context, eventID string) error
}

// RelationshipRepository エンティティ間のリレーションを扱うポート
type RelationshipRepository interface {
	HasRelationship(ctx context.Context, subject, predicate, object string) (bool, error)
	AddRelationship(ctx context.Context, subject, predicate, object string) error
	RemoveRelationship(ctx context.Context, subject, predicate, object string) error
}

// AccessChecker イベントの閲覧可否を判定するポート
type AccessChecker interface {
	HasAccess(ctx context.Context, ev *domain.Event, userID string) (bool, error)
}

// Store エンティティストア全体
type Store interface {
	EventRepository
	UserRepository
	CalendarRepository
	RelationshipRepository
	AccessChecker
}

// Transport 通知を配送するポート
type Transport interface {
	// Channels 登録済みの配送チャネル
	Channels() []string
	Dispatch(ctx context.Context, msg domain.Message) error
}

// Translator ローカライズ文字列を引くポート
type Translator interface {
	Translate(key string, args ...any) string
}

// EventSource 外部カレンダーからイベント定義を取り込むポート
type EventSource interface {
	ListEvents(ctx context.Context, updatedSince time.Time) ([]domain.Event, error)
}
