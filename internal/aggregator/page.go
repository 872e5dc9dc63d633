package aggregator

import (
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/tzutil"
)

// MonthPage ウィジェットの月送り情報
type MonthPage struct {
	Start     time.Time
	End       time.Time
	PrevStart time.Time
	NextStart time.Time
	// HidePrev 今後のみ表示で前月が既に過ぎている場合 true
	HidePrev bool
}

// Page ts を含む月のページを返す
func Page(ts time.Time, loc *time.Location, upcoming bool, now time.Time) MonthPage {
	start := tzutil.GetMonthStart(ts, loc)
	p := MonthPage{
		Start:     start,
		End:       tzutil.GetMonthEnd(start, loc),
		PrevStart: start.AddDate(0, -1, 0),
		NextStart: start.AddDate(0, 1, 0),
	}
	p.HidePrev = upcoming && p.PrevStart.Before(now) && start.Before(now)
	return p
}

// Query ページの期間でマージ条件を作る
//
// 月末の最後の1秒も含むよう終端は翌月初にする。
func (p MonthPage) Query(upcoming bool, limit int) Query {
	return Query{
		WindowStart:  p.Start,
		WindowEnd:    p.End.Add(time.Second),
		UpcomingOnly: upcoming,
		Limit:        limit,
	}
}
