package gateway

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/k-negishi/group-calendar-notifier/internal/aggregator"
)

// icsProductID 生成する iCalendar の PRODID
const icsProductID = "-//k-negishi//group-calendar-notifier//JA"

// ICSFeed マージ結果を iCalendar 形式で書き出す
type ICSFeed struct {
	name  string
	clock func() time.Time
}

// NewICSFeed ICSFeed を作成。name はカレンダー名
func NewICSFeed(name string) *ICSFeed {
	return &ICSFeed{name: name, clock: time.Now}
}

// Render 開催ごとに VEVENT を1つ書き出す
//
// 繰り返しは展開済みのため RRULE は出力せず、UID は開催ごとに一意にする。
func (f *ICSFeed) Render(w io.Writer, res aggregator.Result) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(icsProductID)
	if f.name != "" {
		cal.SetXWRCalName(f.name)
	}

	stamp := f.clock().UTC()
	for _, occ := range res.Occurrences {
		ev, ok := res.Events[occ.EventID]
		if !ok {
			continue
		}
		vevent := cal.AddEvent(fmt.Sprintf("%s-%d@group-calendar-notifier", occ.EventID, occ.Start.Unix()))
		vevent.SetDtStampTime(stamp)
		vevent.SetStartAt(occ.Start.UTC())
		vevent.SetEndAt(occ.End.UTC())
		vevent.SetSummary(ev.Title)
		if ev.Location != "" {
			vevent.SetLocation(ev.Location)
		}
		if ev.Description != "" {
			vevent.SetDescription(ev.Description)
		}
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("iCalendar の書き出しに失敗しました: %w", err)
	}
	return nil
}
