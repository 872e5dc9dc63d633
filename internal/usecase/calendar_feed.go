package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/access"
	"github.com/k-negishi/group-calendar-notifier/internal/aggregator"
	"github.com/k-negishi/group-calendar-notifier/internal/tzutil"
)

// FeedPage ユーザーのカレンダーを1か月分まとめた結果
type FeedPage struct {
	Page     aggregator.MonthPage
	Result   aggregator.Result
	Location *time.Location
}

// CalendarFeed ユーザーが持つカレンダーの開催を月単位でまとめる
type CalendarFeed struct {
	users      UserRepository
	calendars  CalendarRepository
	aggregator *aggregator.Aggregator
	site       *time.Location
	limit      int
	clock      func() time.Time
}

// NewCalendarFeed CalendarFeed を作成
//
// limit は1ページに載せる開催の上限。0 なら無制限。
func NewCalendarFeed(store Store, site *time.Location, limit int) *CalendarFeed {
	if site == nil {
		site = time.UTC
	}
	f := &CalendarFeed{
		users:     store,
		calendars: store,
		site:      site,
		limit:     limit,
		clock:     time.Now,
	}
	f.aggregator = aggregator.New(store, aggregator.WithClock(func() time.Time { return f.clock() }))
	return f
}

// Month ts を含む月の開催を userID の権限で取得する
func (f *CalendarFeed) Month(ctx context.Context, userID string, ts time.Time, upcoming bool) (FeedPage, error) {
	user, err := f.users.GetUser(ctx, userID)
	if err != nil {
		return FeedPage{}, fmt.Errorf("ユーザー %s の取得に失敗しました: %w", userID, err)
	}
	loc := tzutil.ClientLocation(user.Timezone, f.site)

	cals, err := f.calendars.CalendarsForUser(ctx, user.ID)
	if err != nil {
		return FeedPage{}, fmt.Errorf("ユーザー %s のカレンダー取得に失敗しました: %w", user.ID, err)
	}

	page := aggregator.Page(ts, loc, upcoming, f.clock())
	res, err := f.aggregator.MergeWindow(access.WithViewer(ctx, user.ID), cals, page.Query(upcoming, f.limit))
	if err != nil {
		return FeedPage{}, err
	}
	return FeedPage{Page: page, Result: res, Location: loc}, nil
}
