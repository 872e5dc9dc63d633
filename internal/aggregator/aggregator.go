package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/domain"
	"github.com/k-negishi/group-calendar-notifier/internal/occurrence"
)

// EventLoader カレンダーが参照するイベントを解決するポート
type EventLoader interface {
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
}

// EmptyReason 結果が空になった理由
type EmptyReason int

const (
	// ReasonNone 結果あり
	ReasonNone EmptyReason = iota
	// ReasonNoResults 条件に合う開催がない
	ReasonNoResults
	// ReasonNothingUpcoming 今後の開催のみの指定で、対象期間が既に終わっている
	ReasonNothingUpcoming
)

// Query マージ条件
type Query struct {
	WindowStart time.Time
	WindowEnd   time.Time
	// UpcomingOnly 過去の開催を除外する
	UpcomingOnly bool
	// Limit 0 なら無制限
	Limit int
}

// Result マージ結果
type Result struct {
	Occurrences []domain.Occurrence
	Reason      EmptyReason
	// Events 展開に使ったイベント。キーはイベントID
	Events map[string]*domain.Event
}

// Aggregator 複数カレンダーの開催をまとめる
type Aggregator struct {
	events EventLoader
	clock  func() time.Time
}

// Option Aggregator のオプション
type Option func(*Aggregator)

// WithClock 今後のみの判定に使う現在時刻を差し替える
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// New Aggregator を作成
func New(events EventLoader, opts ...Option) *Aggregator {
	a := &Aggregator{events: events, clock: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MergeWindow カレンダーごとに開催を展開し、重複を除いて開始時刻順に並べる
//
// 重複は (event_id, start) で判定し、最初に見つかったものを残す。
func (a *Aggregator) MergeWindow(ctx context.Context, calendars []*domain.Calendar, q Query) (Result, error) {
	if q.Limit < 0 {
		return Result{}, fmt.Errorf("%w: %d", domain.ErrInvalidLimit, q.Limit)
	}
	if q.WindowEnd.Before(q.WindowStart) {
		return Result{}, domain.ErrInvalidWindow
	}

	windowStart := q.WindowStart
	if now := a.clock(); q.UpcomingOnly && windowStart.Before(now) {
		if q.WindowEnd.Before(now) {
			return Result{Reason: ReasonNothingUpcoming}, nil
		}
		windowStart = now
	}

	seen := make(map[domain.OccurrenceKey]struct{})
	merged := make([]domain.Occurrence, 0)
	resolved := make(map[string]*domain.Event)

	for _, c := range calendars {
		for _, eventID := range c.EventIDs {
			ev, err := a.loadEvent(ctx, resolved, eventID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAccessDenied) {
					continue
				}
				return Result{}, err
			}

			seq, err := occurrence.Instances(ev, windowStart, q.WindowEnd)
			if err != nil {
				slog.ErrorContext(ctx, "failed to expand event",
					slog.String("event_id", ev.ID),
					slog.String("calendar_id", c.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			for occ := range seq {
				key := occ.Key()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				merged = append(merged, occ)
			}
		}
	}

	// 同時刻はイベントIDで並べ、入力カレンダーの順序に依存させない
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Start.Equal(merged[j].Start) {
			return merged[i].Start.Before(merged[j].Start)
		}
		return merged[i].EventID < merged[j].EventID
	})

	if q.Limit > 0 && len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}

	res := Result{Occurrences: merged, Events: resolved}
	if len(merged) == 0 {
		res.Reason = ReasonNoResults
	}
	return res, nil
}

func (a *Aggregator) loadEvent(ctx context.Context, cache map[string]*domain.Event, id string) (*domain.Event, error) {
	if ev, ok := cache[id]; ok {
		return ev, nil
	}
	ev, err := a.events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = ev
	return ev, nil
}
